// Package bus implements the per-task event bus: a bounded broadcast channel
// with replay that backs SSE streaming and late resubscription.
//
// Every task owns one stream of sequenced records. Publishing appends to a
// ring buffer and wakes subscribers; subscribing walks the ring from a chosen
// sequence and then follows live publishes, all under the stream's lock, so
// the replay-to-live cutover admits no gaps or duplicates. When the ring is
// full the oldest record is discarded only once every registered subscriber
// has consumed it (publishers block otherwise); with no subscribers the
// oldest record is discarded freely.
package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the per-task ring size when none is configured.
const DefaultCapacity = 256

// subscriberBuffer is the delivery channel size for each subscription.
// A record counts as consumed once handed to this channel.
const subscriberBuffer = 64

// Bus errors.
var (
	ErrStreamNotFound = errors.New("bus: no stream for task")
	ErrStreamExists   = errors.New("bus: stream already registered")
	ErrTaskTerminal   = errors.New("bus: task stream is final")
	ErrBufferOverflow = errors.New("bus: ring capacity is zero")
)

// Bus is the process-wide event bus. Safe for concurrent use.
type Bus struct {
	capacity int

	mu      sync.RWMutex
	streams map[string]*stream

	obsMu     sync.RWMutex
	observers []func(Record)
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the per-task ring capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity: DefaultCapacity,
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe registers a hook invoked synchronously for every published record,
// in publish order, under the task stream's lock. Observers must not call
// back into the bus. Register observers before publishing begins.
func (b *Bus) Observe(fn func(Record)) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, fn)
}

// Register creates the stream for a task. Publishing and subscribing require
// a registered stream; this keeps evicted tasks from being resurrected by a
// stray late publish.
func (b *Bus) Register(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.streams[taskID]; exists {
		return ErrStreamExists
	}
	st := &stream{
		taskID:   taskID,
		capacity: b.capacity,
		nextSeq:  1,
		subs:     make(map[*Subscription]struct{}),
	}
	st.cond = sync.NewCond(&st.mu)
	b.streams[taskID] = st
	return nil
}

// Publish assigns the next sequence number to rec, appends it to the task's
// ring, and wakes subscribers. It blocks while the ring is full and a
// registered subscriber still needs the oldest record; ctx bounds that wait.
// Publishing after a final record fails with ErrTaskTerminal.
func (b *Bus) Publish(ctx context.Context, rec Record) (uint64, error) {
	st, ok := b.stream(rec.TaskID)
	if !ok {
		return 0, ErrStreamNotFound
	}

	b.obsMu.RLock()
	observers := b.observers
	b.obsMu.RUnlock()

	return st.publish(ctx, rec, observers)
}

// Subscribe attaches to a task's stream. Retained records with seq >= fromSeq
// are delivered first (fromSeq 0 means from the beginning), then live records
// follow. The subscription closes itself after delivering a final record.
func (b *Bus) Subscribe(taskID string, fromSeq uint64) (*Subscription, error) {
	st, ok := b.stream(taskID)
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st.subscribe(fromSeq)
}

// Snapshot returns a copy of all records currently retained for the task.
func (b *Bus) Snapshot(taskID string) ([]Record, error) {
	st, ok := b.stream(taskID)
	if !ok {
		return nil, ErrStreamNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Record, len(st.buf))
	copy(out, st.buf)
	return out, nil
}

// LastSeq returns the highest sequence number published to the task, 0 if
// none yet.
func (b *Bus) LastSeq(taskID string) (uint64, error) {
	st, ok := b.stream(taskID)
	if !ok {
		return 0, ErrStreamNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq - 1, nil
}

// Release drops the task's stream and closes its subscriptions. Called when
// a terminal task is evicted.
func (b *Bus) Release(taskID string) {
	b.mu.Lock()
	st, ok := b.streams[taskID]
	delete(b.streams, taskID)
	b.mu.Unlock()

	if !ok {
		return
	}
	st.mu.Lock()
	st.released = true
	st.cond.Broadcast()
	st.mu.Unlock()
}

// ActiveStreams returns the number of registered task streams.
func (b *Bus) ActiveStreams() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

// OpenSubscriptions returns the number of live subscriptions across all
// registered streams.
func (b *Bus) OpenSubscriptions() int {
	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.RUnlock()

	n := 0
	for _, st := range streams {
		st.mu.Lock()
		n += len(st.subs)
		st.mu.Unlock()
	}
	return n
}

func (b *Bus) stream(taskID string) (*stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.streams[taskID]
	return st, ok
}

// stream is the per-task ring buffer plus its subscriber set. One mutex
// guards the ring, the sequence counter, and every subscriber cursor; the
// condition variable wakes both subscribers waiting for records and
// publishers waiting for ring space.
type stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	taskID   string
	capacity int
	buf      []Record // retained records, oldest first
	nextSeq  uint64   // next sequence to assign, starts at 1
	final    bool
	released bool
	subs     map[*Subscription]struct{}
}

// oldestSeqLocked returns the sequence of the oldest retained record, or the
// next sequence when the ring is empty.
func (s *stream) oldestSeqLocked() uint64 {
	return s.nextSeq - uint64(len(s.buf))
}

func (s *stream) publish(ctx context.Context, rec Record, observers []func(Record)) (uint64, error) {
	if s.capacity == 0 {
		return 0, ErrBufferOverflow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.released {
			return 0, ErrStreamNotFound
		}
		if s.final {
			return 0, ErrTaskTerminal
		}
		if len(s.buf) < s.capacity || s.canDiscardOldestLocked() {
			break
		}
		if err := s.waitLocked(ctx); err != nil {
			return 0, err
		}
	}

	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
	}

	rec.Seq = s.nextSeq
	s.nextSeq++
	s.buf = append(s.buf, rec)
	if rec.Final {
		s.final = true
	}

	for _, fn := range observers {
		fn(rec)
	}

	s.cond.Broadcast()
	return rec.Seq, nil
}

// canDiscardOldestLocked reports whether the oldest retained record has been
// consumed by every registered subscriber. With no subscribers it is always
// discardable.
func (s *stream) canDiscardOldestLocked() bool {
	if len(s.subs) == 0 {
		return true
	}
	oldest := s.oldestSeqLocked()
	for sub := range s.subs {
		if sub.cursor <= oldest {
			return false
		}
	}
	return true
}

// waitLocked blocks on the stream's condition variable until woken, honoring
// ctx cancellation. Must be called with the stream lock held.
func (s *stream) waitLocked(ctx context.Context) error {
	if ctx == nil {
		s.cond.Wait()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The lock round-trip makes sure the waiter has reached cond.Wait
	// before the broadcast fires.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.cond.Wait()
	return ctx.Err()
}

func (s *stream) subscribe(fromSeq uint64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrStreamNotFound
	}

	cursor := fromSeq
	if cursor == 0 {
		cursor = 1
	}
	if oldest := s.oldestSeqLocked(); cursor < oldest {
		cursor = oldest
	}

	sub := &Subscription{
		stream:      s,
		ch:          make(chan Record, subscriberBuffer),
		quit:        make(chan struct{}),
		cursor:      cursor,
		replayStart: cursor,
	}
	s.subs[sub] = struct{}{}

	go sub.pump()
	return sub, nil
}
