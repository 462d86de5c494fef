package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/medkey/storage"
)

// Head returns the current head of partition, checked against the head cache.
// A head older than the cached one is re-read once before it is reported as
// a rollback, since a concurrent Append may have advanced the cache between
// the read and the check.
func (l *Ledger) Head(ctx context.Context, partition string) (Head, error) {
	var err error
	for range 2 {
		var h Head
		h, err = l.readHead(ctx, partition)
		if err != nil {
			return Head{}, err
		}
		if err = l.heads.Observe(partition, h); err == nil {
			return h, nil
		}
	}
	l.logger.Error("ledger head check failed", "partition", partition, "error", err)
	return Head{}, err
}

func (l *Ledger) readHead(ctx context.Context, partition string) (Head, error) {
	env, err := l.repo.Get(ctx, partition, headRecordType, headRecordID)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrPartitionNotFound):
		return Head{}, nil
	case err != nil:
		return Head{}, fmt.Errorf("reading head of %s: %w", partition, err)
	}
	return decodeHead(env)
}

// ReadAll returns every fact of partition in order.
func (l *Ledger) ReadAll(ctx context.Context, partition string) ([]Fact, error) {
	facts, _, err := l.ReadFrom(ctx, partition, Head{})
	return facts, err
}

// ReadFrom returns the facts appended after since, together with the head
// they lead to. since must be a head previously returned for partition; the
// first returned fact must link to since.Hash.
func (l *Ledger) ReadFrom(ctx context.Context, partition string, since Head) ([]Fact, Head, error) {
	head, err := l.Head(ctx, partition)
	if err != nil {
		return nil, Head{}, err
	}
	if since.Seq > head.Seq {
		return nil, Head{}, fmt.Errorf("%w: %s read position %d is past head %d", ErrRollbackDetected, partition, since.Seq, head.Seq)
	}

	facts := make([]Fact, 0, head.Seq-since.Seq)
	prev := since.hash()
	for seq := since.Seq; seq < head.Seq; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, Head{}, err
		}
		env, err := l.repo.Get(ctx, partition, factRecordType, factID(seq))
		if err != nil {
			return nil, Head{}, fmt.Errorf("%w: reading fact %s/%d: %v", ErrChainBroken, partition, seq, err)
		}
		f, err := l.openFact(partition, seq, env)
		if err != nil {
			return nil, Head{}, err
		}
		if err := checkLink(f, partition, seq, prev); err != nil {
			return nil, Head{}, err
		}
		prev = f.Hash
		facts = append(facts, f)
	}
	if head.Seq > 0 && prev != head.Hash {
		return nil, Head{}, fmt.Errorf("%w: %s head hash does not match last fact", ErrChainBroken, partition)
	}
	return facts, head, nil
}

func checkLink(f Fact, partition string, seq uint64, prev string) error {
	switch {
	case f.Seq != seq || f.Partition != partition:
		return fmt.Errorf("%w: %s fact %d is labelled %s/%d", ErrChainBroken, partition, seq, f.Partition, f.Seq)
	case f.PrevHash != prev:
		return fmt.Errorf("%w: %s fact %d does not link to its predecessor", ErrChainBroken, partition, seq)
	case f.ComputeHash() != f.Hash:
		return fmt.Errorf("%w: %s fact %d content does not match its hash", ErrChainBroken, partition, seq)
	}
	return nil
}

// Partitions lists the partitions whose name starts with prefix.
func (l *Ledger) Partitions(ctx context.Context, prefix string) ([]string, error) {
	return l.repo.ListPartitions(ctx, prefix)
}
