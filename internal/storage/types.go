package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Partitions owned by the scheduler store adapter.
const (
	PartitionJobs     = "jobs"
	PartitionTriggers = "triggers"
)

var (
	ErrClosed           = errors.New("storage closed")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrEmptyKey         = errors.New("record key is empty")
	ErrReadOnly         = errors.New("write in read-only transaction")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (lost on exit)
//   - "file":   snapshot + journal files under Path's directory
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	CompactAt   int           // file only; journal entries between compactions (0 = 1000)
}

// Record is one (key, value) pair of a partition.
type Record struct {
	Key   string
	Value []byte
}

// Tx is a unit of work against the record store.
// A Tx is only valid inside the Update/View callback that received it.
type Tx interface {
	// Get returns the value stored under key. ok is false when absent.
	Get(partition, key string) (value []byte, ok bool, err error)
	Put(partition, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(partition, key string) error
	// Scan returns every record of the partition, sorted by key.
	Scan(partition string) ([]Record, error)
}

// Store is the transactional key/value table used by the adapter.
type Store interface {
	// Update runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func checkPartition(p string) error {
	switch p {
	case PartitionJobs, PartitionTriggers:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPartition, p)
	}
}

func checkRecord(partition, key string) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
