package writequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/sirupsen/logrus"
)

// Queue names
const (
	AuditLog        = "audit_log"
	LoginAudit      = "login_audit"
	MobileTelemetry = "mobile_telemetry"
)

var ErrUnknownQueue = errors.New("unknown write queue")

// Sink persists one batch of queued payloads
type Sink interface {
	Write(ctx context.Context, items []interface{}) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, items []interface{}) error

func (f SinkFunc) Write(ctx context.Context, items []interface{}) error {
	return f(ctx, items)
}

// Typed adapts a bulk insert over T to Sink. Payloads may be T or *T.
func Typed[T any](insert func(ctx context.Context, items []T) error) Sink {
	return SinkFunc(func(ctx context.Context, items []interface{}) error {
		batch := make([]T, 0, len(items))
		for _, item := range items {
			switch v := item.(type) {
			case T:
				batch = append(batch, v)
			case *T:
				batch = append(batch, *v)
			default:
				var zero T
				return fmt.Errorf("queued payload %T is not %T", item, zero)
			}
		}
		return insert(ctx, batch)
	})
}

// Options configure the queue
type Options struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	MaxSize   int
}

type buffer struct {
	sink     Sink
	items    []interface{}
	flushed  uint64
	dropped  uint64
	failures uint64
}

// Stats is the diagnostics snapshot
type Stats struct {
	Enabled     bool              `json:"enabled"`
	IntervalMs  int64             `json:"intervalMs"`
	BatchSize   int               `json:"batchSize"`
	MaxSize     int               `json:"maxSize"`
	InProgress  bool              `json:"inProgress"`
	Pending     map[string]int    `json:"pending"`
	Flushed     map[string]uint64 `json:"flushed"`
	Dropped     map[string]uint64 `json:"dropped"`
	Failures    map[string]uint64 `json:"failures"`
	LastFlushAt *time.Time        `json:"lastFlushAt,omitempty"`
}

// Queue buffers secondary writes in memory and flushes them in batches
type Queue struct {
	opts  Options
	clock clock.Clock

	mu          sync.Mutex
	buffers     map[string]*buffer
	order       []string
	lastFlushAt *time.Time

	flushMu    sync.Mutex
	inProgress atomic.Bool
}

// New creates an empty queue. Sinks are attached with Register.
func New(opts Options, clk clock.Clock) *Queue {
	return &Queue{
		opts:    opts,
		clock:   clk,
		buffers: make(map[string]*buffer),
	}
}

// Register attaches a sink to a named queue. Queues flush in registration order.
func (q *Queue) Register(name string, sink Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.buffers[name]; !ok {
		q.order = append(q.order, name)
	}
	q.buffers[name] = &buffer{sink: sink}
}

// Enqueue buffers payload. When the queue is disabled the payload is written
// through the sink synchronously. A full queue drops the payload and counts it.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}) error {
	q.mu.Lock()
	buf, ok := q.buffers[name]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	if !q.opts.Enabled {
		sink := buf.sink
		q.mu.Unlock()
		if err := sink.Write(ctx, []interface{}{payload}); err != nil {
			return fmt.Errorf("direct write to %s failed: %w", name, err)
		}
		return nil
	}

	defer q.mu.Unlock()
	if len(buf.items) >= q.opts.MaxSize {
		buf.dropped++
		logrus.WithField("queue", name).Warn("Write queue full, dropping payload")
		return nil
	}
	buf.items = append(buf.items, payload)
	return nil
}

// Flush writes at most one batch per queue. It returns false without doing
// anything when another flush is already running.
func (q *Queue) Flush(ctx context.Context) bool {
	if !q.flushMu.TryLock() {
		return false
	}
	defer q.flushMu.Unlock()

	q.inProgress.Store(true)
	defer q.inProgress.Store(false)

	q.mu.Lock()
	names := append([]string(nil), q.order...)
	q.mu.Unlock()

	for _, name := range names {
		q.flushOne(ctx, name)
	}

	now := q.clock.Now()
	q.mu.Lock()
	q.lastFlushAt = &now
	q.mu.Unlock()
	return true
}

func (q *Queue) flushOne(ctx context.Context, name string) {
	q.mu.Lock()
	buf := q.buffers[name]
	n := len(buf.items)
	if n == 0 {
		q.mu.Unlock()
		return
	}
	if n > q.opts.BatchSize {
		n = q.opts.BatchSize
	}
	batch := make([]interface{}, n)
	copy(batch, buf.items[:n])
	buf.items = append(buf.items[:0:0], buf.items[n:]...)
	sink := buf.sink
	q.mu.Unlock()

	err := sink.Write(ctx, batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		// the batch is not retried
		buf.failures++
		logrus.WithError(err).WithFields(logrus.Fields{
			"queue": name,
			"batch": len(batch),
		}).Error("Write queue flush failed, batch dropped")
		return
	}
	buf.flushed += uint64(len(batch))
}

// Pending returns the number of buffered payloads across all queues
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, buf := range q.buffers {
		total += len(buf.items)
	}
	return total
}

// Drain flushes until every queue is empty or ctx is done
func (q *Queue) Drain(ctx context.Context) error {
	for q.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain interrupted with %d pending: %w", q.Pending(), err)
		}
		if !q.Flush(ctx) {
			// a scheduled flush is running; wait for it
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enabled:    q.opts.Enabled,
		IntervalMs: q.opts.Interval.Milliseconds(),
		BatchSize:  q.opts.BatchSize,
		MaxSize:    q.opts.MaxSize,
		InProgress: q.inProgress.Load(),
		Pending:    make(map[string]int, len(q.buffers)),
		Flushed:    make(map[string]uint64, len(q.buffers)),
		Dropped:    make(map[string]uint64, len(q.buffers)),
		Failures:   make(map[string]uint64, len(q.buffers)),
	}
	for name, buf := range q.buffers {
		s.Pending[name] = len(buf.items)
		s.Flushed[name] = buf.flushed
		s.Dropped[name] = buf.dropped
		s.Failures[name] = buf.failures
	}
	if q.lastFlushAt != nil {
		t := *q.lastFlushAt
		s.LastFlushAt = &t
	}
	return s
}
