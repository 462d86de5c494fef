package crypto

import (
	"fmt"

	icrypto "github.com/jmcleod/medkey/internal/crypto"
	"github.com/jmcleod/medkey/internal/util"
)

const (
	KeySize = util.AESKeySize
	IVSize  = util.GCMNonceSize
	TagSize = util.GCMTagSize
)

// SealedPayload is the result of EncryptPayload. Its wire form, returned by
// Bytes, is iv || authTag || ciphertext.
type SealedPayload struct {
	IV         [IVSize]byte
	Ciphertext []byte
	AuthTag    [TagSize]byte
}

// Bytes returns iv || authTag || ciphertext.
func (p *SealedPayload) Bytes() []byte {
	out := make([]byte, 0, IVSize+TagSize+len(p.Ciphertext))
	out = append(out, p.IV[:]...)
	out = append(out, p.AuthTag[:]...)
	return append(out, p.Ciphertext...)
}

// ParseSealedPayload parses the wire form produced by Bytes.
func ParseSealedPayload(b []byte) (*SealedPayload, error) {
	if len(b) < IVSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(b))
	}
	p := &SealedPayload{Ciphertext: util.CopyBytes(b[IVSize+TagSize:])}
	copy(p.IV[:], b[:IVSize])
	copy(p.AuthTag[:], b[IVSize:IVSize+TagSize])
	return p, nil
}

// NewSymmetricKey returns a fresh random 256-bit key.
func NewSymmetricKey() ([]byte, error) {
	return util.NewAESKey()
}

// EncryptPayload encrypts plaintext under key with AES-256-GCM and a fresh
// random 96-bit IV. Any aad parts are bound into the tag.
func EncryptPayload(plaintext, key []byte, aad ...[]byte) (*SealedPayload, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	sealed, err := util.EncryptAESWithAAD(plaintext, key, icrypto.JoinAAD(aad...))
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	nonce, ct, tag, err := util.SplitSealed(sealed)
	if err != nil {
		return nil, err
	}
	p := &SealedPayload{Ciphertext: ct}
	copy(p.IV[:], nonce)
	copy(p.AuthTag[:], tag)
	return p, nil
}

// DecryptPayload reverses EncryptPayload. It either returns the complete
// plaintext or ErrIntegrity.
func DecryptPayload(sealed *SealedPayload, key []byte, aad ...[]byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if sealed == nil {
		return nil, ErrMalformedPayload
	}
	joined := util.JoinSealed(sealed.IV[:], sealed.Ciphertext, sealed.AuthTag[:])
	plaintext, err := util.DecryptAESWithAAD(joined, key, icrypto.JoinAAD(aad...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}
