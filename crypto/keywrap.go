package crypto

import (
	"fmt"

	icrypto "github.com/jmcleod/medkey/internal/crypto"
	"github.com/jmcleod/medkey/internal/util"
)

const wrapVersion = 1

// WrappedKeyOverhead is the size of a wrapped key minus its ciphertext.
const WrappedKeyOverhead = 1 + IVSize + PublicKeySize + TagSize

// WrappedKey is a symmetric key sealed to one recipient's public key.
//
// Wire format (MarshalBinary / ParseWrappedKey):
//
//	ver (1) || iv (12) || ephemeralPub (65) || mac (16) || ciphertext
type WrappedKey struct {
	Ver          byte
	IV           [IVSize]byte
	EphemeralPub [PublicKeySize]byte
	MAC          [TagSize]byte
	Ciphertext   []byte
}

// ValidatePublicKey rejects anything that is not a 65-byte 0x04-tagged
// point on secp256k1.
func ValidatePublicKey(pub []byte) error {
	if _, err := util.ParseUncompressedPublicKey(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

// Wrap seals key to recipientPub using an ephemeral secp256k1 key.
func Wrap(recipientPub, key []byte) (*WrappedKey, error) {
	if err := ValidatePublicKey(recipientPub); err != nil {
		return nil, err
	}
	sealed, err := icrypto.SealToRecipient(recipientPub, key, icrypto.AADKeyWrap(recipientPub, wrapVersion))
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	w := &WrappedKey{
		Ver:          wrapVersion,
		EphemeralPub: sealed.EphPub,
		Ciphertext:   sealed.Ciphertext,
	}
	copy(w.IV[:], sealed.Nonce)
	copy(w.MAC[:], sealed.Tag)
	return w, nil
}

// WrapBytes is Wrap followed by MarshalBinary.
func WrapBytes(recipientPub, key []byte) ([]byte, error) {
	w, err := Wrap(recipientPub, key)
	if err != nil {
		return nil, err
	}
	return w.MarshalBinary()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (w *WrappedKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, WrappedKeyOverhead+len(w.Ciphertext))
	out = append(out, w.Ver)
	out = append(out, w.IV[:]...)
	out = append(out, w.EphemeralPub[:]...)
	out = append(out, w.MAC[:]...)
	return append(out, w.Ciphertext...), nil
}

// ParseWrappedKey parses the wire form. Malformed input yields ErrUnwrap.
func ParseWrappedKey(b []byte) (*WrappedKey, error) {
	if len(b) < WrappedKeyOverhead {
		return nil, fmt.Errorf("%w: wrapped key too short (%d bytes)", ErrUnwrap, len(b))
	}
	if b[0] != wrapVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrUnwrap, b[0])
	}
	w := &WrappedKey{Ver: b[0]}
	off := 1
	off += copy(w.IV[:], b[off:off+IVSize])
	off += copy(w.EphemeralPub[:], b[off:off+PublicKeySize])
	off += copy(w.MAC[:], b[off:off+TagSize])
	w.Ciphertext = util.CopyBytes(b[off:])
	return w, nil
}

// Unwrap recovers the symmetric key sealed in wrapped for kp.
func (k *KeyPair) Unwrap(wrapped []byte) ([]byte, error) {
	w, err := ParseWrappedKey(wrapped)
	if err != nil {
		return nil, err
	}
	var key []byte
	err = k.withPrivate(func(priv []byte) error {
		var err error
		key, err = unwrapWithPrivate(priv, k.public[:], w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Unwrap recovers the symmetric key from wrapped using a raw private scalar.
func Unwrap(priv []byte, wrapped []byte) ([]byte, error) {
	w, err := ParseWrappedKey(wrapped)
	if err != nil {
		return nil, err
	}
	pub, err := util.PublicKeyOf(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return unwrapWithPrivate(priv, pub[:], w)
}

func unwrapWithPrivate(priv, pub []byte, w *WrappedKey) ([]byte, error) {
	sealed := &icrypto.SealedWrap{
		Ver:        int(w.Ver),
		EphPub:     w.EphemeralPub,
		Nonce:      w.IV[:],
		Ciphertext: w.Ciphertext,
		Tag:        w.MAC[:],
	}
	key, err := icrypto.OpenFromRecipient(priv, sealed, icrypto.AADKeyWrap(pub, int(w.Ver)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return key, nil
}
