package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/medkey/internal/util"
)

const (
	SchemeAES256GCM = "aes256gcm"
	// SchemePlainJSON marks an envelope whose Ciphertext field carries the
	// plaintext as-is. Used when no at-rest key is configured.
	SchemePlainJSON = "plain-json"
)

// ErrSealed is returned by OpenRecord when a sealed envelope is opened without a key.
var ErrSealed = errors.New("envelope is sealed and no key was provided")

// Envelope is a stored record, either AES-256-GCM sealed or plain.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext || tag.
	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// PlainRecord wraps plaintext in an unencrypted Envelope.
func PlainRecord(plaintext []byte, version ...uint64) *Envelope {
	env := &Envelope{
		Ver:        1,
		Scheme:     SchemePlainJSON,
		Ciphertext: util.CopyBytes(plaintext),
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env
}

// OpenRecord returns the plaintext of an Envelope. recordKey and aad are
// ignored for plain envelopes.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("envelope must not be nil")
	}
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	switch envelope.Scheme {
	case SchemePlainJSON:
		return util.CopyBytes(envelope.Ciphertext), nil
	case SchemeAES256GCM:
		if recordKey == nil {
			return nil, ErrSealed
		}
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(fullCipher, envelope.Nonce)
	copy(fullCipher[len(envelope.Nonce):], envelope.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, recordKey, aad)
}
