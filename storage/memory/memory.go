// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/medkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Each partition has its own lock, so writers in different partitions never
// wait on each other. Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu         sync.RWMutex
	partitions map[string]*partition
}

type partition struct {
	mu   sync.RWMutex
	data map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{partitions: make(map[string]*partition)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

// lookup returns the partition or nil. create adds it when missing.
func (r *Repository) lookup(name string, create bool) *partition {
	r.mu.RLock()
	p, ok := r.partitions[name]
	r.mu.RUnlock()
	if ok || !create {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.partitions[name]; ok {
		return p
	}
	p = &partition{data: make(map[string]*storage.Envelope)}
	r.partitions[name] = p
	return p
}

func (r *Repository) Put(_ context.Context, part, recordType, recordID string, envelope *storage.Envelope) error {
	p := r.lookup(part, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[makeKey(recordType, recordID)] = envelope.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, part, recordType, recordID string) (*storage.Envelope, error) {
	p := r.lookup(part, false)
	if p == nil {
		return nil, storage.ErrPartitionNotFound
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.getLocked(recordType, recordID)
}

func (p *partition) getLocked(recordType, recordID string) (*storage.Envelope, error) {
	env, ok := p.data[makeKey(recordType, recordID)]
	if !ok {
		if len(p.data) == 0 {
			return nil, storage.ErrPartitionNotFound
		}
		return nil, storage.ErrNotFound
	}
	return env.Clone(), nil
}

func (r *Repository) List(_ context.Context, part, recordType string) ([]string, error) {
	p := r.lookup(part, false)
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range p.data {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) ListPartitions(_ context.Context, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, p := range r.partitions {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		p.mu.RLock()
		empty := len(p.data) == 0
		p.mu.RUnlock()
		if !empty {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repository) PutCAS(_ context.Context, part, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	p := r.lookup(part, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.putCASLocked(recordType, recordID, expectedVersion, envelope)
}

func (p *partition) putCASLocked(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	k := makeKey(recordType, recordID)
	existing, ok := p.data[k]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	} else if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	p.data[k] = envelope.Clone()
	return nil
}

// Batch executes fn within a batch transaction holding the partition lock.
// On error, all writes are rolled back.
func (r *Repository) Batch(ctx context.Context, part string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := r.lookup(part, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make(map[string]*storage.Envelope, len(p.data))
	for k, v := range p.data {
		snapshot[k] = v
	}

	if err := fn(&memoryBatchTx{p: p}); err != nil {
		p.data = snapshot
		return err
	}
	return nil
}

// memoryBatchTx runs with the partition write lock held. Stored envelopes are
// never mutated in place, so the shallow snapshot taken by Batch is enough to
// roll back.
type memoryBatchTx struct {
	p *partition
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	env, ok := tx.p.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return env.Clone(), nil
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.p.data[makeKey(recordType, recordID)] = envelope.Clone()
	return nil
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.p.putCASLocked(recordType, recordID, expectedVersion, envelope)
}
