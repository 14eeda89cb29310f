package event

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRingSize is the per-workflow replay ring capacity.
	DefaultRingSize = 1024
	// DefaultQueueSize is the per-subscriber outgoing queue capacity.
	DefaultQueueSize = 256
)

// Bus is the process-wide event bus: a map from workflow id to an
// ordered, buffered per-workflow channel with late-join replay.
//
// Guarantees: per workflow, sequence numbers are gap-free and every
// subscriber observes events in sequence order. A slow subscriber never
// blocks the publisher; it experiences drops tagged with a lag marker.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream

	ringSize  int
	queueSize int
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingSize sets the replay ring capacity.
func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		streams:   make(map[string]*stream),
		ringSize:  DefaultRingSize,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the next sequence number for the workflow, appends the
// event to the replay ring, and delivers it to every current subscriber.
// It never blocks on slow subscribers. The fully populated event is
// returned for callers that need the assigned sequence number.
func (b *Bus) Publish(workflowID string, kind Kind, data map[string]any) Event {
	s := b.stream(workflowID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.logger.Warn("Publish on closed stream dropped",
			"workflow_id", workflowID,
			"kind", string(kind))
		return Event{}
	}

	s.seq++
	e := Event{
		Kind:       kind,
		WorkflowID: workflowID,
		Seq:        s.seq,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}

	s.ring = append(s.ring, e)
	if len(s.ring) > b.ringSize {
		s.ring = s.ring[len(s.ring)-b.ringSize:]
	}

	for sub := range s.subs {
		sub.push(e, b.queueSize)
	}

	terminal := e.Terminal()
	s.mu.Unlock()

	if terminal {
		b.Close(workflowID)
	}
	return e
}

// Subscribe returns a single-consumer stream that first replays the
// ring, then delivers new events as they arrive. Close the subscription
// when done; an abandoned subscription leaks its pump goroutine.
func (b *Bus) Subscribe(workflowID string) *Subscription {
	s := b.stream(workflowID)

	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Item),
	}

	s.mu.Lock()
	// Replay prefix. If the ring has already discarded early events, the
	// first delivered item carries the missed count.
	if len(s.ring) > 0 && s.ring[0].Seq > 1 {
		sub.lagged = s.ring[0].Seq - 1
	}
	for _, e := range s.ring {
		sub.queue = append(sub.queue, e)
	}
	if s.closed {
		sub.closed = true
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.pump()

	return &Subscription{
		sub: sub,
		detach: func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		},
	}
}

// Close ends the workflow's stream. Current subscribers drain their
// queues and see end-of-stream; later subscribers receive only the
// replay buffer. Close is idempotent.
func (b *Bus) Close(workflowID string) {
	b.mu.RLock()
	s := b.streams[workflowID]
	b.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Drop removes all state for a workflow, including the replay ring.
// Called by the retention sweeper after a workflow is destroyed.
func (b *Bus) Drop(workflowID string) {
	b.Close(workflowID)
	b.mu.Lock()
	delete(b.streams, workflowID)
	b.mu.Unlock()
}

// Seq returns the last assigned sequence number for a workflow.
func (b *Bus) Seq(workflowID string) uint64 {
	b.mu.RLock()
	s := b.streams[workflowID]
	b.mu.RUnlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// History returns a copy of the current replay ring for a workflow.
func (b *Bus) History(workflowID string) []Event {
	b.mu.RLock()
	s := b.streams[workflowID]
	b.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.ring))
	copy(out, s.ring)
	return out
}

func (b *Bus) stream(workflowID string) *stream {
	b.mu.RLock()
	s := b.streams[workflowID]
	b.mu.RUnlock()
	if s != nil {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.streams[workflowID]; s == nil {
		s = &stream{subs: make(map[*subscriber]struct{})}
		b.streams[workflowID] = s
	}
	return s
}

// stream holds the per-workflow ring and subscriber set, guarded by its
// own mutex so one workflow's publishers never contend with another's.
type stream struct {
	mu     sync.Mutex
	seq    uint64
	ring   []Event
	subs   map[*subscriber]struct{}
	closed bool
}

// subscriber buffers events between the publisher and one consumer.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	lagged uint64
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan Item
}

// push appends an event, dropping the oldest entry when the queue is
// full. Runs on the publisher's goroutine; never blocks.
func (s *subscriber) push(e Event, queueSize int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	if len(s.queue) > queueSize {
		drop := len(s.queue) - queueSize
		s.queue = s.queue[drop:]
		s.lagged += uint64(drop)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close marks end-of-stream; the pump drains what remains then exits.
func (s *subscriber) close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the queue to the consumer channel. It blocks on
// the consumer, which is what makes the queue (not the publisher) absorb
// slowness.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				close(s.out)
				return
			}
			continue
		}
		item := Item{Event: s.queue[0], Lagged: s.lagged}
		s.queue = s.queue[1:]
		s.lagged = 0
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Subscription is a single-consumer handle onto a workflow's stream.
type Subscription struct {
	sub       *subscriber
	detach    func()
	closeOnce sync.Once
}

// Events returns the stream channel. The channel is closed after the
// terminal event has been delivered, or when the subscription is closed.
func (s *Subscription) Events() <-chan Item {
	return s.sub.out
}

// Close detaches the subscription from the bus and stops the pump.
// Safe to call more than once and concurrently with delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.detach()
		close(s.sub.done)
	})
}
