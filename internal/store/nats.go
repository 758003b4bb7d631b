package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsSubBuffer is the per-subscriber buffer. Messages to a full buffer
// are dropped.
const natsSubBuffer = 256

// NATSConfig configures the NATS-backed store.
type NATSConfig struct {
	// Bucket is the JetStream key-value bucket holding every key.
	Bucket string
	// QueueStream is the work-queue stream backing Enqueue/Dequeue.
	QueueStream string
	// Replicas for the bucket and stream (1 for single-node servers).
	Replicas int
}

// NATS implements Store on a NATS connection: JetStream key-value for
// keys, core subjects for pub/sub and a work-queue stream for queues.
//
// NATS keys and subjects cannot contain ':', so key and channel names are
// translated to dotted form ("project:p1:events" -> "project.p1.events").
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	cfg    NATSConfig
	now    func() time.Time
	mu     sync.Mutex
	pulls  map[string]*nats.Subscription
	closed bool
}

var _ Store = (*NATS)(nil)

// NewNATS binds to (creating if needed) the bucket and queue stream.
func NewNATS(nc *nats.Conn, cfg NATSConfig) (*NATS, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "orbitd"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "ORBITD_QUEUES"
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "orbitd shared state",
			History:     1,
			Replicas:    cfg.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind key-value bucket %s: %w", cfg.Bucket, err)
	}

	if _, err := js.StreamInfo(cfg.QueueStream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.QueueStream,
			Subjects:  []string{queueSubjectPrefix(cfg.QueueStream) + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			Replicas:  cfg.Replicas,
		})
		if err != nil {
			return nil, fmt.Errorf("create queue stream %s: %w", cfg.QueueStream, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("lookup queue stream %s: %w", cfg.QueueStream, err)
	}

	return &NATS{
		nc:    nc,
		js:    js,
		kv:    kv,
		cfg:   cfg,
		now:   time.Now,
		pulls: make(map[string]*nats.Subscription),
	}, nil
}

func natsKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func natsSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func queueSubjectPrefix(stream string) string {
	return strings.ToLower(stream) + "."
}

// Get returns the live entry for key.
func (s *NATS) Get(_ context.Context, key string) (*Entry, error) {
	e, err := s.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	value, expired, err := unseal(e.Value(), s.now())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expired {
		// Revision-guarded so a concurrent rewrite is not lost.
		_ = s.kv.Delete(natsKey(key), nats.LastRevision(e.Revision()))
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: value, Revision: e.Revision()}, nil
}

// Set writes key unconditionally.
func (s *NATS) Set(_ context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	rev, err := s.kv.Put(natsKey(key), seal(value, ttl, s.now()))
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", key, err)
	}
	return rev, nil
}

// Create writes key only if it is absent or expired.
func (s *NATS) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	rev, err := s.kv.Create(natsKey(key), seal(value, ttl, s.now()))
	if err == nil {
		return rev, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return 0, fmt.Errorf("create %s: %w", key, err)
	}

	// The key exists in the bucket; it only counts if it has not expired.
	current, getErr := s.kv.Get(natsKey(key))
	if getErr != nil {
		return 0, ErrKeyExists
	}
	_, expired, _ := unseal(current.Value(), s.now())
	if !expired {
		return 0, ErrKeyExists
	}
	rev, err = s.kv.Update(natsKey(key), seal(value, ttl, s.now()), current.Revision())
	if errors.Is(err, nats.ErrKeyExists) {
		return 0, ErrKeyExists
	}
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	return rev, nil
}

// Update writes key only if it is still at revision.
func (s *NATS) Update(_ context.Context, key string, value []byte, ttl time.Duration, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(natsKey(key), seal(value, ttl, s.now()), revision)
	if errors.Is(err, nats.ErrKeyExists) {
		return 0, ErrRevisionMismatch
	}
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes key.
func (s *NATS) Delete(_ context.Context, key string) error {
	if err := s.kv.Delete(natsKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Sweep deletes expired keys from the bucket.
func (s *NATS) Sweep(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	now := s.now()
	removed := 0
	for _, k := range keys {
		e, err := s.kv.Get(k)
		if err != nil {
			continue
		}
		if _, expired, _ := unseal(e.Value(), now); expired {
			if err := s.kv.Delete(k, nats.LastRevision(e.Revision())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Watch signals on every write or delete of key.
func (s *NATS) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	w, err := s.kv.Watch(natsKey(key), nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Publish sends data on the channel's subject.
func (s *NATS) Publish(_ context.Context, channel string, data []byte) error {
	if err := s.nc.Publish(natsSubject(channel), data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on the channel's subject until ctx is done.
func (s *NATS) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	out := &natsSub{ch: make(chan []byte, natsSubBuffer)}
	sub, err := s.nc.Subscribe(natsSubject(channel), func(msg *nats.Msg) {
		out.offer(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	// Make sure the server knows about the interest before returning.
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		out.close()
	}()
	return out.ch, nil
}

type natsSub struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *natsSub) offer(data []byte) {
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

func (s *natsSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Enqueue publishes data to the queue subject and waits for the stream ack.
func (s *NATS) Enqueue(ctx context.Context, queue string, data []byte) error {
	if _, err := s.js.Publish(queueSubjectPrefix(s.cfg.QueueStream)+queue, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

// Dequeue fetches one message, waiting up to timeout. The message is acked
// on receipt, so each item is handed to exactly one caller.
func (s *NATS) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	sub, err := s.pullSubscription(queue)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	if len(msgs) == 0 {
		return nil, ErrQueueEmpty
	}
	msg := msgs[0]
	if err := msg.Ack(); err != nil {
		return nil, fmt.Errorf("ack %s: %w", queue, err)
	}
	return msg.Data, nil
}

func (s *NATS) pullSubscription(queue string) (*nats.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if sub, ok := s.pulls[queue]; ok {
		return sub, nil
	}
	sub, err := s.js.PullSubscribe(
		queueSubjectPrefix(s.cfg.QueueStream)+queue,
		"orbitd-"+queue,
		nats.BindStream(s.cfg.QueueStream),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", queue, err)
	}
	s.pulls[queue] = sub
	return sub, nil
}

// Close drops pull subscriptions. The connection is owned by the caller.
func (s *NATS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for q, sub := range s.pulls {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", q, err))
		}
	}
	return errors.Join(errs...)
}
