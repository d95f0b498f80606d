// Package dispatch fans engine events out to subscriber callbacks.
//
// Each subscriber owns a bounded FIFO drained by its own goroutine, so a
// slow callback delays only itself and Deliver never blocks. When a queue is
// full the oldest queued event is dropped, a warning is logged and the drop
// counter is incremented.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/syncql/internal/metrics"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 64

// Event is a single notification.
type Event struct {
	Topic string

	// Seq increases with every Deliver call across all topics.
	Seq int64

	Value any
}

// Handler receives events for one subscriber, one at a time, in delivery
// order.
type Handler func(Event)

// Dispatcher routes events to subscribers by topic.
//
// Thread-safety: safe for concurrent use.
type Dispatcher struct {
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	seq    atomic.Int64
	nextID atomic.Int64

	mu     sync.RWMutex
	topics map[string]map[int64]*Subscriber
	closed bool

	// pending counts events accepted but not yet handled or discarded.
	idleMu  sync.Mutex
	pending int
	idle    chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// WithMetrics counts dropped events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger for drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
		topics:    make(map[string]map[int64]*Subscriber),
		idle:      make(chan struct{}),
	}
	close(d.idle)
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = metrics.OrNew(d.metrics)
	return d
}

// Subscriber is a registered handler.
type Subscriber struct {
	id      int64
	topic   string
	handler Handler
	queue   *boundedQueue
	d       *Dispatcher

	closed atomic.Bool
	done   chan struct{}
}

// Subscribe registers fn for topic and starts its drain goroutine. On a
// closed Dispatcher the returned Subscriber never receives anything.
func (d *Dispatcher) Subscribe(topic string, fn Handler) *Subscriber {
	s := &Subscriber{
		id:      d.nextID.Add(1),
		topic:   topic,
		handler: fn,
		queue:   newBoundedQueue(d.queueSize),
		d:       d,
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.closed.Store(true)
		s.queue.Close()
		close(s.done)
		return s
	}
	subs := d.topics[topic]
	if subs == nil {
		subs = make(map[int64]*Subscriber)
		d.topics[topic] = subs
	}
	subs[s.id] = s
	d.mu.Unlock()

	go s.run()
	return s
}

// Deliver queues value for every subscriber of topic. It never blocks.
func (d *Dispatcher) Deliver(topic string, value any) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := make([]*Subscriber, 0, len(d.topics[topic]))
	for _, s := range d.topics[topic] {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	e := Event{Topic: topic, Seq: d.seq.Add(1), Value: value}
	for _, s := range subs {
		d.addPending(1)
		dropped, ok := s.queue.Enqueue(e)
		if !ok {
			d.addPending(-1)
			continue
		}
		if dropped != nil {
			d.addPending(-1)
			d.metrics.DispatchDrops.WithLabelValues(topicLabel(topic)).Inc()
			d.logger.Warn("subscriber queue full, dropped oldest event",
				"topic", topic,
				"dropped_seq", dropped.Seq,
				"capacity", d.queueSize)
		}
	}
}

// Wait blocks until every accepted event has been handled or discarded, or
// ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.idleMu.Lock()
	idle := d.idle
	d.idleMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every subscriber. Deliver becomes a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var subs []*Subscriber
	for _, m := range d.topics {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	d.topics = map[string]map[int64]*Subscriber{}
	d.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (d *Dispatcher) addPending(delta int) {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()

	before := d.pending
	d.pending += delta
	switch {
	case before == 0 && d.pending > 0:
		d.idle = make(chan struct{})
	case before > 0 && d.pending == 0:
		close(d.idle)
	}
}

func (d *Dispatcher) remove(s *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if subs := d.topics[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(d.topics, s.topic)
		}
	}
}

// Close stops delivery to this subscriber. A handler call already in
// progress finishes; no further calls start. Safe to call from inside the
// handler and more than once.
func (s *Subscriber) Close() {
	s.d.remove(s)
	s.shutdown()
}

// Done is closed once the drain goroutine has exited.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) shutdown() {
	if s.closed.Swap(true) {
		return
	}
	if rest := s.queue.Close(); len(rest) > 0 {
		s.d.addPending(-len(rest))
	}
}

func (s *Subscriber) run() {
	defer close(s.done)
	for {
		if e, ok := s.queue.TryDequeue(); ok {
			if !s.closed.Load() {
				s.handler(e)
			}
			s.d.addPending(-1)
			continue
		}
		if _, ok := <-s.queue.Wait(); !ok {
			// Closed: anything left was already discarded by Close.
			for {
				if _, ok := s.queue.TryDequeue(); !ok {
					return
				}
				s.d.addPending(-1)
			}
		}
	}
}

// topicLabel bounds label cardinality: topics are usually fingerprints.
func topicLabel(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}
