package blobstore

import (
	"context"
	"sync"

	"github.com/jmcleod/medkey/internal/util"
)

// Memory is an in-memory Store for tests and single-process use.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Store(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyBlob
	}
	c, err := Pointer(data)
	if err != nil {
		return "", err
	}
	key := c.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = util.CopyBytes(data)
	}
	return key, nil
}

func (m *Memory) Retrieve(_ context.Context, pointer string) ([]byte, error) {
	c, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[c.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := Check(c, data); err != nil {
		return nil, err
	}
	return util.CopyBytes(data), nil
}

func (m *Memory) Verify(ctx context.Context, pointer string) error {
	_, err := m.Retrieve(ctx, pointer)
	return err
}

func (m *Memory) Exists(_ context.Context, pointer string) (bool, error) {
	c, err := ParsePointer(pointer)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[c.String()]
	return ok, nil
}

// Overwrite replaces the bytes stored under pointer without re-addressing
// them. It exists to exercise tamper detection.
func (m *Memory) Overwrite(pointer string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[pointer] = util.CopyBytes(data)
}
