package store

import (
	"context"
	"sync"
	"time"
)

// memSubBuffer is the per-subscriber buffer. Messages to a full buffer
// are dropped.
const memSubBuffer = 256

// Memory is an in-process Store. It is used for single-process runs and
// as the substitute store in tests.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	revision uint64
	watchers map[string]map[chan struct{}]struct{}
	subs     map[string]map[*memSub]struct{}
	queues   map[string]*memQueue
	closed   bool
	now      func() time.Time
}

type memEntry struct {
	value    []byte
	revision uint64
	expires  time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type memSub struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

type memQueue struct {
	items  [][]byte
	notify chan struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]memEntry),
		watchers: make(map[string]map[chan struct{}]struct{}),
		subs:     make(map[string]map[*memSub]struct{}),
		queues:   make(map[string]*memQueue),
		now:      time.Now,
	}
}

// Get returns the live entry for key.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision}, nil
}

// Set writes key unconditionally.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.putLocked(key, value, ttl), nil
}

// Create writes key only if it is absent or expired.
func (m *Memory) Create(_ context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if e, ok := m.entries[key]; ok && !e.expired(m.now()) {
		return 0, ErrKeyExists
	}
	return m.putLocked(key, value, ttl), nil
}

// Update writes key only if it is still at revision.
func (m *Memory) Update(_ context.Context, key string, value []byte, ttl time.Duration, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return m.putLocked(key, value, ttl), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	m.notifyLocked(key)
	return nil
}

func (m *Memory) putLocked(key string, value []byte, ttl time.Duration) uint64 {
	m.revision++
	e := memEntry{value: append([]byte(nil), value...), revision: m.revision}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	m.notifyLocked(key)
	return e.revision
}

func (m *Memory) notifyLocked(key string) {
	for ch := range m.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Sweep removes expired entries.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Watch signals on every write or delete of key.
func (m *Memory) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	signal := make(chan struct{}, 1)
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan struct{}]struct{})
	}
	m.watchers[key][signal] = struct{}{}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers[key], signal)
			if len(m.watchers[key]) == 0 {
				delete(m.watchers, key)
			}
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Publish delivers data to current subscribers of channel.
func (m *Memory) Publish(_ context.Context, channel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		sub.offer(append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers a subscriber on channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &memSub{ch: make(chan []byte, memSubBuffer)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memSub]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[channel], sub)
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
		m.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// offer is a non-blocking send; slow subscribers lose messages.
func (s *memSub) offer(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- data:
	default:
	}
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Enqueue appends data to queue.
func (m *Memory) Enqueue(_ context.Context, queue string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queueLocked(queue)
	q.items = append(q.items, append([]byte(nil), data...))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest item, waiting up to timeout for one to arrive.
func (m *Memory) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		q := m.queueLocked(queue)
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// Wake the next waiter.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return item, nil
		}
		notify := q.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrQueueEmpty
		case <-notify:
		}
	}
}

func (m *Memory) queueLocked(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

// Close releases subscribers. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.close()
		}
	}
	m.subs = make(map[string]map[*memSub]struct{})
	return nil
}
