// Package blobstore stores encrypted record payloads by content address.
//
// A pointer is the string form of a CIDv1 (raw codec, SHA2-256 multihash)
// of the stored bytes, so every backend can verify what it returns against
// the pointer it was asked for. Backends are selected at startup; see the
// fs and badger subpackages, Memory and Dual.
package blobstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/jmcleod/medkey/errs"
)

var (
	ErrNotFound       = errs.NotFound("blob not found")
	ErrInvalidPointer = errs.Validation("invalid blob pointer")
	ErrEmptyBlob      = errs.Validation("blob must not be empty")
	ErrCorrupt        = errs.Integrity("blob content does not match its pointer")
)

// Store is the blob store capability.
type Store interface {
	// Store persists data and returns its pointer. Storing the same bytes
	// twice returns the same pointer.
	Store(ctx context.Context, data []byte) (string, error)
	// Retrieve returns the bytes behind pointer after checking them against
	// it. ErrNotFound if absent, ErrCorrupt if the stored bytes changed.
	Retrieve(ctx context.Context, pointer string) ([]byte, error)
	// Verify re-reads the blob and checks it against pointer.
	Verify(ctx context.Context, pointer string) error
	// Exists reports whether a blob is stored under pointer.
	Exists(ctx context.Context, pointer string) (bool, error)
}

// Pointer returns the content address of data.
func Pointer(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing blob: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ParsePointer decodes pointer and checks that it uses the address format
// produced by Pointer.
func ParsePointer(pointer string) (cid.Cid, error) {
	c, err := cid.Decode(pointer)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidPointer, err)
	}
	p := c.Prefix()
	if p.Version != 1 || p.Codec != cid.Raw || p.MhType != multihash.SHA2_256 {
		return cid.Undef, fmt.Errorf("%w: %s is not a raw sha2-256 CIDv1", ErrInvalidPointer, pointer)
	}
	return c, nil
}

// Check returns ErrCorrupt unless data hashes to c.
func Check(c cid.Cid, data []byte) error {
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("hashing blob: %w", err)
	}
	if !got.Equals(c) {
		return fmt.Errorf("%w: %s", ErrCorrupt, c)
	}
	return nil
}
