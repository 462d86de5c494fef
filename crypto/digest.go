package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

const DigestSize = sha256.Size

// Digest returns the SHA-256 fingerprint of b.
func Digest(b []byte) [DigestSize]byte {
	return sha256.Sum256(b)
}

// VerifyDigest returns ErrDigestMismatch unless Digest(b) equals want.
func VerifyDigest(b []byte, want [DigestSize]byte) error {
	got := Digest(b)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return fmt.Errorf("%w: got %x, want %x", ErrDigestMismatch, got[:8], want[:8])
	}
	return nil
}
