package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// HeadCache remembers the newest head seen per partition so that a storage
// backend rolled back to an older snapshot, or replaced by a diverging copy,
// is detected on the next read.
type HeadCache interface {
	// Seen returns the newest head observed for partition.
	Seen(partition string) (Head, bool)
	// Observe records h. It returns ErrRollbackDetected if h is older than
	// the cached head and ErrForkDetected if it has the same sequence but a
	// different hash.
	Observe(partition string, h Head) error
}

// CheckHead compares h with cached and returns the detection error, if any.
// It is shared by every HeadCache implementation.
func CheckHead(partition string, cached Head, ok bool, h Head) (advance bool, err error) {
	if !ok {
		return h.Seq > 0, nil
	}
	switch {
	case h.Seq < cached.Seq:
		return false, fmt.Errorf("%w: %s at %d, cached %d", ErrRollbackDetected, partition, h.Seq, cached.Seq)
	case h.Seq == cached.Seq && h.Hash != cached.Hash:
		return false, fmt.Errorf("%w: %s at %d", ErrForkDetected, partition, h.Seq)
	}
	return h.Seq > cached.Seq, nil
}

// MemoryHeadCache is an in-memory implementation suitable for tests.
type MemoryHeadCache struct {
	mu    sync.RWMutex
	heads map[string]Head
}

// NewMemoryHeadCache returns an in-memory head cache suitable for testing and single-process use.
func NewMemoryHeadCache() *MemoryHeadCache {
	return &MemoryHeadCache{heads: make(map[string]Head)}
}

func (c *MemoryHeadCache) Seen(partition string) (Head, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.heads[partition]
	return h, ok
}

func (c *MemoryHeadCache) Observe(partition string, h Head) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.heads[partition]
	advance, err := CheckHead(partition, cached, ok, h)
	if err != nil {
		return err
	}
	if advance {
		c.heads[partition] = h
	}
	return nil
}

// BoltHeadCacheBucket is hidden from partition listings of the bbolt
// repository when both share one file.
var BoltHeadCacheBucket = []byte("\x00head_cache")

// BoltHeadCache persists the newest head per partition in a dedicated BBolt
// bucket. It uses a write-through cache: reads come from an in-memory map,
// writes persist to BBolt and update the in-memory map atomically.
type BoltHeadCache struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]Head
}

// NewBoltHeadCache returns a persistent head cache backed by a BBolt database.
// Use a persistent cache in production so rollback protection survives
// restarts.
func NewBoltHeadCache(db *bbolt.DB) (*BoltHeadCache, error) {
	c := &BoltHeadCache{
		db:    db,
		cache: make(map[string]Head),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(BoltHeadCacheBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var h Head
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("decoding cached head %s: %w", k, err)
			}
			c.cache[string(k)] = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewBoltHeadCacheFromFile opens a BBolt database at the given path and returns a new BoltHeadCache.
func NewBoltHeadCacheFromFile(path string, options *bbolt.Options) (*BoltHeadCache, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltHeadCache(db)
}

func (c *BoltHeadCache) Seen(partition string) (Head, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.cache[partition]
	return h, ok
}

func (c *BoltHeadCache) Observe(partition string, h Head) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.cache[partition]
	advance, err := CheckHead(partition, cached, ok, h)
	if err != nil || !advance {
		return err
	}

	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(BoltHeadCacheBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(partition), data)
	})
	if err != nil {
		return err
	}

	c.cache[partition] = h
	return nil
}
