package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/clock"
)

type state int

const (
	stateInProgress state = iota
	stateDone
)

type entry struct {
	key       string
	state     state
	expiresAt time.Time
	resp      *Response
}

// MemoryBackend keeps entries in process. Every entry gets the same TTL at
// insertion, so insertion order is also expiry order: both the expiry sweep
// and capacity eviction work from the front of one list.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	max     int
	clock   clock.Clock

	expired uint64
	evicted uint64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a bounded in-process backend
func NewMemoryBackend(ttl time.Duration, maxEntries int, clk clock.Clock) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		max:     maxEntries,
		clock:   clk,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Begin(_ context.Context, key string) (Outcome, *Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.sweep(now)

	if el, ok := b.entries[key]; ok {
		e := el.Value.(*entry)
		if e.state == stateInProgress {
			return InProgress, nil, nil
		}
		resp := *e.resp
		return Replay, &resp, nil
	}

	for b.order.Len() > 0 && b.order.Len() >= b.max {
		b.remove(b.order.Front())
		b.evicted++
	}

	b.entries[key] = b.order.PushBack(&entry{
		key:       key,
		state:     stateInProgress,
		expiresAt: now.Add(b.ttl),
	})
	return Started, nil, nil
}

func (b *MemoryBackend) Complete(_ context.Context, key string, resp Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.entries[key]
	if !ok {
		// expired or evicted while the handler ran
		return nil
	}
	e := el.Value.(*entry)
	if e.state != stateInProgress {
		return ErrInvalidTransition
	}
	e.state = stateDone
	e.resp = &resp
	return nil
}

func (b *MemoryBackend) Abort(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[key]; ok && el.Value.(*entry).state == stateInProgress {
		b.remove(el)
	}
	return nil
}

func (b *MemoryBackend) Stats() BackendStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweep(b.clock.Now())
	return BackendStats{
		Entries: b.order.Len(),
		Expired: b.expired,
		Evicted: b.evicted,
	}
}

// sweep drops expired entries from the front and stops at the first live one
func (b *MemoryBackend) sweep(now time.Time) {
	for el := b.order.Front(); el != nil; el = b.order.Front() {
		if el.Value.(*entry).expiresAt.After(now) {
			return
		}
		b.remove(el)
		b.expired++
	}
}

func (b *MemoryBackend) remove(el *list.Element) {
	delete(b.entries, el.Value.(*entry).key)
	b.order.Remove(el)
}
