package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dual writes every blob to a primary and a replica store. Reads go to the
// primary; a blob missing or corrupt there is served from the replica and
// written back to the primary.
type Dual struct {
	primary Store
	replica Store
	logger  *slog.Logger
}

var _ Store = (*Dual)(nil)

// NewDual returns a Store replicating to both primary and replica. A nil
// logger discards.
func NewDual(primary, replica Store, logger *slog.Logger) *Dual {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dual{primary: primary, replica: replica, logger: logger}
}

func (d *Dual) Store(ctx context.Context, data []byte) (string, error) {
	pointer, err := d.primary.Store(ctx, data)
	if err != nil {
		return "", err
	}
	replicaPointer, err := d.replica.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("replicating blob %s: %w", pointer, err)
	}
	if replicaPointer != pointer {
		return "", fmt.Errorf("replica addressed blob %s as %s", pointer, replicaPointer)
	}
	return pointer, nil
}

func (d *Dual) Retrieve(ctx context.Context, pointer string) ([]byte, error) {
	data, err := d.primary.Retrieve(ctx, pointer)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	d.logger.Warn("blob unavailable on primary, reading replica", "pointer", pointer, "error", err)

	data, rerr := d.replica.Retrieve(ctx, pointer)
	if rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	if errors.Is(err, ErrNotFound) {
		if _, serr := d.primary.Store(ctx, data); serr != nil {
			d.logger.Warn("blob repair failed", "pointer", pointer, "error", serr)
		}
	}
	return data, nil
}

// Verify checks both copies.
func (d *Dual) Verify(ctx context.Context, pointer string) error {
	return errors.Join(d.primary.Verify(ctx, pointer), d.replica.Verify(ctx, pointer))
}

func (d *Dual) Exists(ctx context.Context, pointer string) (bool, error) {
	ok, err := d.primary.Exists(ctx, pointer)
	if err != nil || ok {
		return ok, err
	}
	return d.replica.Exists(ctx, pointer)
}
