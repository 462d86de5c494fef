// Package badger stores blobs in a Badger database.
//
// Blobs are split into fixed-size chunks with boxo's size splitter. Each
// chunk is stored once under its own content address, and the blob pointer
// maps to the ordered list of chunk addresses, so payloads that share chunks
// share storage.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"

	"github.com/jmcleod/medkey/blobstore"
)

// DefaultChunkSize is the size splitter's chunk length.
const DefaultChunkSize = 256 * 1024

var (
	manifestPrefix = []byte("blob/")
	chunkPrefix    = []byte("chunk/")
)

// Store implements blobstore.Store on Badger.
type Store struct {
	db        *badger.DB
	chunkSize int64
}

var _ blobstore.Store = (*Store)(nil)

// New returns a Store on db, which must not be shared with a storage
// repository. A chunkSize of zero uses DefaultChunkSize.
func New(db *badger.DB, chunkSize int64) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{db: db, chunkSize: chunkSize}
}

func manifestKey(pointer string) []byte {
	return append(bytes.Clone(manifestPrefix), pointer...)
}

func chunkKey(pointer string) []byte {
	return append(bytes.Clone(chunkPrefix), pointer...)
}

func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", blobstore.ErrEmptyBlob
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := blobstore.Pointer(data)
	if err != nil {
		return "", err
	}
	pointer := c.String()

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(manifestKey(pointer)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var manifest []string
		splitter := chunker.NewSizeSplitter(bytes.NewReader(data), s.chunkSize)
		for {
			chunk, err := splitter.NextBytes()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("chunking blob: %w", err)
			}
			cc, err := blobstore.Pointer(chunk)
			if err != nil {
				return err
			}
			if err := txn.Set(chunkKey(cc.String()), chunk); err != nil {
				return err
			}
			manifest = append(manifest, cc.String())
		}

		raw, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		return txn.Set(manifestKey(pointer), raw)
	})
	if err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}
	return pointer, nil
}

func (s *Store) Retrieve(ctx context.Context, pointer string) ([]byte, error) {
	c, err := blobstore.ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(c.String()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return blobstore.ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var manifest []string
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("%w: manifest of %s: %v", blobstore.ErrCorrupt, pointer, err)
		}
		for _, ref := range manifest {
			item, err := txn.Get(chunkKey(ref))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: chunk %s of %s is missing", blobstore.ErrCorrupt, ref, pointer)
			}
			if err != nil {
				return err
			}
			chunk, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, chunk...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := blobstore.Check(c, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Verify(ctx context.Context, pointer string) error {
	_, err := s.Retrieve(ctx, pointer)
	return err
}

func (s *Store) Exists(_ context.Context, pointer string) (bool, error) {
	c, err := blobstore.ParsePointer(pointer)
	if err != nil {
		return false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(manifestKey(c.String()))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}
