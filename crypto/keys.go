package crypto

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	icrypto "github.com/jmcleod/medkey/internal/crypto"
	"github.com/jmcleod/medkey/internal/util"
)

const (
	PublicKeySize  = util.PublicKeySize
	PrivateKeySize = util.PrivateKeySize
)

// Argon2idParams configures Argon2id key derivation for private key files.
type Argon2idParams = util.Argon2idParams

// Named KDF profiles for different deployment scenarios.
const (
	KDFProfileInteractive = util.KDFProfileInteractive // sub-second, dev/testing
	KDFProfileModerate    = util.KDFProfileModerate    // production default
	KDFProfileSensitive   = util.KDFProfileSensitive   // long-lived key files
)

// DefaultArgon2idParams returns the default Argon2id parameters (moderate profile).
func DefaultArgon2idParams() Argon2idParams {
	return util.DefaultArgon2idParams()
}

// Argon2idProfile returns the Argon2idParams for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	return util.Argon2idProfile(name)
}

// KeyPair is a secp256k1 key pair. The private scalar lives in a memguard
// Enclave and is only decrypted for the duration of a single operation.
// Call Destroy when done.
type KeyPair struct {
	mu      sync.RWMutex
	public  [PublicKeySize]byte
	private *memguard.Enclave
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp, err := util.GenerateSecp256k1Keypair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		public:  kp.Public,
		private: memguard.NewEnclave(kp.Private),
	}, nil
}

// NewKeyPair builds a key pair from a raw 32-byte private scalar. priv is
// copied; the caller remains responsible for wiping it.
func NewKeyPair(priv []byte) (*KeyPair, error) {
	pub, err := util.PublicKeyOf(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &KeyPair{
		public:  pub,
		private: memguard.NewEnclave(util.CopyBytes(priv)),
	}, nil
}

// PublicKey returns a copy of the 65-byte uncompressed public key.
func (k *KeyPair) PublicKey() []byte {
	return util.CopyBytes(k.public[:])
}

// Destroy drops the enclave. The key pair must not be used afterwards.
func (k *KeyPair) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.private = nil
}

// withPrivate decrypts the private scalar into locked memory for the
// duration of fn.
func (k *KeyPair) withPrivate(fn func(priv []byte) error) error {
	k.mu.RLock()
	enclave := k.private
	k.mu.RUnlock()
	if enclave == nil {
		return ErrKeyDestroyed
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening private key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// ExportPrivate returns a copy of the private scalar. The caller must wipe it.
func (k *KeyPair) ExportPrivate() ([]byte, error) {
	var out []byte
	err := k.withPrivate(func(priv []byte) error {
		out = util.CopyBytes(priv)
		return nil
	})
	return out, err
}

const (
	keyFileVersion = 1
	keyFileSaltLen = 16
	keyFileHeader  = 1 + 4 + 4 + 1 + keyFileSaltLen
)

// SealPrivateKey encrypts the private key of kp under a passphrase so it can
// be stored on disk. The output format is:
//
//	version (1) || time (4) || memoryKiB (4) || parallelism (1) || salt (16) || AES-256-GCM ciphertext
//
// The header is bound into the GCM tag together with the owning identity.
func SealPrivateKey(kp *KeyPair, ident string, passphrase string, params Argon2idParams) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	salt, err := util.RandomBytes(keyFileSaltLen)
	if err != nil {
		return nil, fmt.Errorf("generating key file salt: %w", err)
	}
	key, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving key file key: %w", err)
	}
	defer util.WipeBytes(key)

	header := make([]byte, 0, keyFileHeader)
	header = append(header, keyFileVersion)
	header = binary.BigEndian.AppendUint32(header, params.Time)
	header = binary.BigEndian.AppendUint32(header, params.MemoryKiB)
	header = append(header, params.Parallelism)
	header = append(header, salt...)

	var sealed []byte
	err = kp.withPrivate(func(priv []byte) error {
		var err error
		sealed, err = util.EncryptAESWithAAD(priv, key, icrypto.JoinAAD(icrypto.AADPrivateKeyFile(ident, keyFileVersion), header))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	return append(header, sealed...), nil
}

// OpenPrivateKey reverses SealPrivateKey.
func OpenPrivateKey(data []byte, ident string, passphrase string) (*KeyPair, error) {
	if len(data) < keyFileHeader {
		return nil, fmt.Errorf("%w: file too short", ErrKeyFile)
	}
	if data[0] != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyFile, data[0])
	}
	header := data[:keyFileHeader]
	params := Argon2idParams{
		Time:        binary.BigEndian.Uint32(header[1:5]),
		MemoryKiB:   binary.BigEndian.Uint32(header[5:9]),
		Parallelism: header[9],
		KeyLen:      32,
	}
	salt := header[10:keyFileHeader]

	key, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	defer util.WipeBytes(key)

	priv, err := util.DecryptAESWithAAD(data[keyFileHeader:], key, icrypto.JoinAAD(icrypto.AADPrivateKeyFile(ident, keyFileVersion), header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	defer util.WipeBytes(priv)
	return NewKeyPair(priv)
}
