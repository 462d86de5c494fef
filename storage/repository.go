// Package storage provides the partitioned key/value abstraction every
// medkey ledger and blob backend is built on.
//
// A partition groups the records of one ledger stream (for example the key
// history of one identity). Writers within a partition are serialized by
// Batch; partitions are independent of each other.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrPartitionNotFound is returned when the partition has never been written.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails,
	// or when the backend aborts a transaction because of a concurrent writer.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction.
// The partition is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
}

// Repository defines the interface for partitioned record storage.
//
// PutCAS with expectedVersion 0 means "create only"; any other value must
// match the Version of the stored envelope. List returns record ids in
// ascending byte order.
type Repository interface {
	Put(ctx context.Context, partition string, recordType string, recordID string, envelope *Envelope) error
	Get(ctx context.Context, partition string, recordType string, recordID string) (*Envelope, error)
	List(ctx context.Context, partition string, recordType string) ([]string, error)
	PutCAS(ctx context.Context, partition string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(ctx context.Context, partition string, fn func(tx BatchTx) error) error
	ListPartitions(ctx context.Context, prefix string) ([]string, error)
}
