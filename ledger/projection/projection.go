// Package projection keeps per-partition state derived from ledger facts.
//
// A Projection is a cache, never a source of truth: every Get checks the
// cached head against the ledger head and folds in only the facts appended
// since, and Mutate invalidates the partition after each append. Dropping
// the cache loses nothing; the state is rebuilt from the facts.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmcleod/medkey/internal/keylock"
	"github.com/jmcleod/medkey/ledger"
)

// DefaultAttempts bounds how often Mutate re-validates after losing an
// append race to another writer.
const DefaultAttempts = 5

// State is the fold of a partition's facts.
type State[S any] interface {
	// Apply folds one fact into the state.
	Apply(f ledger.Fact) error
	// Clone returns a copy that shares nothing mutable with the receiver.
	Clone() S
}

type entry[S any] struct {
	state S
	head  ledger.Head
}

// Projection caches State per partition.
type Projection[S State[S]] struct {
	ledger   *ledger.Ledger
	newState func() S
	locks    keylock.Map
	attempts int
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]entry[S]
}

// Option customizes a Projection.
type Option func(*options)

type options struct {
	attempts int
	logger   *slog.Logger
}

// WithAttempts sets the bound used by Mutate.
func WithAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New returns a Projection over l. newState returns the state of an empty
// partition.
func New[S State[S]](l *ledger.Ledger, newState func() S, opts ...Option) *Projection[S] {
	o := options{attempts: DefaultAttempts, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return &Projection[S]{
		ledger:   l,
		newState: newState,
		attempts: o.attempts,
		logger:   o.logger,
		entries:  make(map[string]entry[S]),
	}
}

// Get returns a private copy of the current state of partition and the head
// it reflects.
func (p *Projection[S]) Get(ctx context.Context, partition string) (S, ledger.Head, error) {
	var zero S
	head, err := p.ledger.Head(ctx, partition)
	if err != nil {
		return zero, ledger.Head{}, err
	}

	p.mu.Lock()
	cached, ok := p.entries[partition]
	p.mu.Unlock()
	if ok && cached.head == head {
		return cached.state.Clone(), head, nil
	}

	state, since := p.newState(), ledger.Head{}
	if ok && cached.head.Seq < head.Seq {
		state, since = cached.state.Clone(), cached.head
	}
	facts, head, err := p.ledger.ReadFrom(ctx, partition, since)
	if err != nil {
		return zero, ledger.Head{}, err
	}
	for _, f := range facts {
		if err := state.Apply(f); err != nil {
			return zero, ledger.Head{}, fmt.Errorf("projecting %s fact %d: %w", partition, f.Seq, err)
		}
	}

	p.mu.Lock()
	if cur, ok := p.entries[partition]; !ok || cur.head.Seq <= head.Seq {
		p.entries[partition] = entry[S]{state: state.Clone(), head: head}
	}
	p.mu.Unlock()
	return state, head, nil
}

// Invalidate drops the cached state of partition.
func (p *Projection[S]) Invalidate(partition string) {
	p.mu.Lock()
	delete(p.entries, partition)
	p.mu.Unlock()
}

// Mutate serializes writers of partition within the process, hands fn the
// current state and appends the facts it returns at the head that state was
// read at. When another process appended first, the state is re-read and fn
// runs again, up to the attempt bound. fn returning no facts appends nothing.
// fn may run more than once, so it must not have side effects outside the
// returned facts and values it captures.
func (p *Projection[S]) Mutate(ctx context.Context, partition string, fn func(S) ([]ledger.Fact, error)) (ledger.Head, error) {
	unlock := p.locks.Lock(partition)
	defer unlock()

	var lastErr error
	for attempt := range p.attempts {
		state, head, err := p.Get(ctx, partition)
		if err != nil {
			return ledger.Head{}, err
		}
		facts, err := fn(state)
		if err != nil {
			return ledger.Head{}, err
		}
		if len(facts) == 0 {
			return head, nil
		}

		newHead, err := p.ledger.Append(ctx, partition, head.Seq, facts...)
		p.Invalidate(partition)
		if err == nil {
			return newHead, nil
		}
		if !errors.Is(err, ledger.ErrSequenceConflict) {
			return ledger.Head{}, err
		}
		lastErr = err
		p.logger.Debug("projection append lost race", "partition", partition, "attempt", attempt+1)
	}
	return ledger.Head{}, fmt.Errorf("%w after %d attempts", lastErr, p.attempts)
}
