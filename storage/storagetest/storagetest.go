// Package storagetest provides a conformance suite run against every
// storage.Repository backend.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/medkey/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(data string, version uint64) *storage.Envelope {
	return storage.PlainRecord([]byte(data), version)
}

// Run exercises repo against the storage.Repository contract. repo must be
// empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "p1", "FACT", "0", env("a", 1)))

		got, err := repo.Get(ctx, "p1", "FACT", "0")
		require.NoError(t, err)
		assert.Equal(t, storage.SchemePlainJSON, got.Scheme)
		assert.Equal(t, []byte("a"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("NotFound", func(t *testing.T) {
		ctx := t.Context()
		_, err := repo.Get(ctx, "p1", "FACT", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "nope", "FACT", "0")
		assert.ErrorIs(t, err, storage.ErrPartitionNotFound)
	})

	t.Run("ListSorted", func(t *testing.T) {
		ctx := t.Context()
		for _, id := range []string{"03", "01", "02"} {
			require.NoError(t, repo.Put(ctx, "p2", "FACT", id, env(id, 0)))
		}
		require.NoError(t, repo.Put(ctx, "p2", "HEAD", "head", env("h", 0)))

		ids, err := repo.List(ctx, "p2", "FACT")
		require.NoError(t, err)
		assert.Equal(t, []string{"01", "02", "03"}, ids)

		ids, err = repo.List(ctx, "empty", "FACT")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("PutCAS", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, repo.PutCAS(ctx, "p3", "HEAD", "head", 0, env("v1", 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "p3", "HEAD", "head", 0, env("dup", 1)), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "p3", "HEAD", "head", 7, env("stale", 8)), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "p3", "HEAD", "head", 1, env("v2", 2)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "p3", "HEAD", "other", 1, env("x", 2)), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "p3", "HEAD", "head")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Ciphertext)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		ctx := t.Context()
		err := repo.Batch(ctx, "p4", func(tx storage.BatchTx) error {
			if _, err := tx.Get("HEAD", "head"); !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expected ErrNotFound inside batch, got %v", err)
			}
			if err := tx.Put("FACT", "0", env("f0", 0)); err != nil {
				return err
			}
			got, err := tx.Get("FACT", "0")
			if err != nil {
				return err
			}
			if string(got.Ciphertext) != "f0" {
				return fmt.Errorf("read-your-writes failed: %q", got.Ciphertext)
			}
			return tx.PutCAS("HEAD", "head", 0, env("h", 1))
		})
		require.NoError(t, err)

		got, err := repo.Get(ctx, "p4", "FACT", "0")
		require.NoError(t, err)
		assert.Equal(t, []byte("f0"), got.Ciphertext)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		ctx := t.Context()
		err := repo.Batch(ctx, "p4", func(tx storage.BatchTx) error {
			if err := tx.Put("FACT", "1", env("f1", 0)); err != nil {
				return err
			}
			// Stale head: the whole batch must be discarded.
			return tx.PutCAS("HEAD", "head", 0, env("h", 1))
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, "p4", "FACT", "1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListPartitions", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "keys/alice", "FACT", "0", env("k", 0)))
		require.NoError(t, repo.Put(ctx, "keys/bob", "FACT", "0", env("k", 0)))

		parts, err := repo.ListPartitions(ctx, "keys/")
		require.NoError(t, err)
		assert.Equal(t, []string{"keys/alice", "keys/bob"}, parts)

		all, err := repo.ListPartitions(ctx, "")
		require.NoError(t, err)
		assert.Contains(t, all, "p1")
	})

	t.Run("ConcurrentCAS", func(t *testing.T) {
		ctx := t.Context()
		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.Batch(ctx, "p5", func(tx storage.BatchTx) error {
					if err := tx.Put("FACT", fmt.Sprint(i), env("x", 0)); err != nil {
						return err
					}
					return tx.PutCAS("HEAD", "head", 0, env("h", 1))
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "exactly one create-only CAS may win")

		ids, err := repo.List(ctx, "p5", "FACT")
		require.NoError(t, err)
		assert.Len(t, ids, 1, "losing batches must not leave writes behind")
	})
}
