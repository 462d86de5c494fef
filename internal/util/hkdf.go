package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFKeyLength is the size of every derived key: an AES-256 key.
const HKDFKeyLength = AESKeySize

// HKDF derives an AES-256 key from secret with HKDF-SHA256. Recipient key
// wraps bind salt to the ephemeral public key; ledger fact keys bind it to
// the partition name. info separates the two uses.
func HKDF(secret, salt, info []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hkdf: empty input secret")
	}
	key := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("hkdf: deriving %d-byte key: %w", HKDFKeyLength, err)
	}
	return key, nil
}
