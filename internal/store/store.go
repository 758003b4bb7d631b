// Package store is the shared state layer for orbitd.
//
// Every piece of cross-task state lives behind these interfaces: task and
// project records, approval questions and answers, cached repository
// metadata, the per-project event channels and the task queue. Two
// implementations exist: NATS (JetStream key-value, core pub/sub and a
// work-queue stream) and Memory, a single-process substitute.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is missing or expired.
	ErrNotFound = errors.New("key not found")

	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch is returned by Update when the key changed since
	// the given revision was read.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrQueueEmpty is returned by Dequeue when nothing arrived before the
	// timeout.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrInvalidID is returned by ValidateID.
	ErrInvalidID = errors.New("invalid id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Entry is a stored value with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is a key-value store with per-key expiry. A zero ttl never expires.
type KV interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// Create writes the key only if it is absent or expired.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)
	// Update writes the key only if its current revision equals revision.
	Update(ctx context.Context, key string, value []byte, ttl time.Duration, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// Watcher delivers a signal whenever key is written. The channel closes
// when ctx is done. Signals may be coalesced.
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan struct{}, error)
}

// PubSub broadcasts messages on named channels. Delivery is at-most-once
// to subscribers connected at publish time, in publish order.
type PubSub interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe returns a channel that closes when ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Queue is a FIFO queue with blocking dequeue.
type Queue interface {
	Enqueue(ctx context.Context, queue string, data []byte) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

// Store bundles every capability.
type Store interface {
	KV
	Watcher
	PubSub
	Queue
	Close() error
}

// Sweeper removes expired keys.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunJanitor calls Sweep every interval until ctx is done.
func RunJanitor(ctx context.Context, s Sweeper, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
