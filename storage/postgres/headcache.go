package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/medkey/ledger"
)

// HeadCache implements ledger.HeadCache backed by PostgreSQL.
//
// It uses a write-through cache: reads come from an in-memory map,
// writes persist to PostgreSQL and update the in-memory map atomically.
// This mirrors ledger.BoltHeadCache.
type HeadCache struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[string]ledger.Head
}

var _ ledger.HeadCache = (*HeadCache)(nil)

type headRow struct {
	Partition string
	Seq       int64
	Hash      string
}

// NewHeadCache returns a persistent head cache backed by PostgreSQL.
// It loads all existing entries into memory on initialisation.
func NewHeadCache(ctx context.Context, pool *pgxpool.Pool) (*HeadCache, error) {
	rows, err := pool.Query(ctx, `SELECT partition, seq, hash FROM head_cache`)
	if err != nil {
		return nil, err
	}
	heads, err := pgx.CollectRows(rows, pgx.RowToStructByPos[headRow])
	if err != nil {
		return nil, err
	}

	c := &HeadCache{
		pool:  pool,
		cache: make(map[string]ledger.Head, len(heads)),
	}
	for _, h := range heads {
		c.cache[h.Partition] = ledger.Head{Seq: uint64(h.Seq), Hash: h.Hash}
	}
	return c, nil
}

func (c *HeadCache) Seen(partition string) (ledger.Head, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.cache[partition]
	return h, ok
}

// Observe persists h as the newest head of partition. The upsert only moves
// forward, so two processes sharing the table cannot lower a stored head.
func (c *HeadCache) Observe(partition string, h ledger.Head) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.cache[partition]
	advance, err := ledger.CheckHead(partition, cached, ok, h)
	if err != nil || !advance {
		return err
	}

	_, err = c.pool.Exec(context.Background(),
		`INSERT INTO head_cache (partition, seq, hash) VALUES ($1, $2, $3)
		 ON CONFLICT (partition) DO UPDATE SET seq = $2, hash = $3
		 WHERE head_cache.seq < $2`,
		partition, int64(h.Seq), h.Hash)
	if err != nil {
		return err
	}

	c.cache[partition] = h
	return nil
}
