package writequeue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type collector struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (c *collector) insert(_ context.Context, items []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, items)
	return nil
}

func newQueue(enabled bool, batch, max int) (*Queue, *collector) {
	q := New(Options{Enabled: enabled, Interval: time.Second, BatchSize: batch, MaxSize: max}, clock.NewManual(base))
	c := &collector{}
	q.Register(AuditLog, Typed(c.insert))
	return q, c
}

func TestQueue_FlushRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(true, 2, 10)

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(ctx, AuditLog, v))
	}
	assert.Equal(t, 5, q.Pending())

	assert.True(t, q.Flush(ctx))
	assert.Equal(t, 3, q.Pending())
	require.Len(t, c.batches, 1)
	assert.Equal(t, []string{"a", "b"}, c.batches[0])

	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, c.batches)

	stats := q.Stats()
	assert.Equal(t, uint64(5), stats.Flushed[AuditLog])
	require.NotNil(t, stats.LastFlushAt)
	assert.True(t, stats.LastFlushAt.Equal(base))
}

func TestQueue_ShedsWhenFull(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(true, 10, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, AuditLog, "x"))
	}
	stats := q.Stats()
	assert.Equal(t, 3, stats.Pending[AuditLog])
	assert.Equal(t, uint64(2), stats.Dropped[AuditLog])
}

func TestQueue_FailedBatchIsDropped(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(true, 10, 10)
	c.err = errors.New("db down")

	require.NoError(t, q.Enqueue(ctx, AuditLog, "a"))
	require.NoError(t, q.Enqueue(ctx, AuditLog, "b"))
	assert.True(t, q.Flush(ctx))

	stats := q.Stats()
	assert.Equal(t, 0, stats.Pending[AuditLog])
	assert.Equal(t, uint64(1), stats.Failures[AuditLog])
	assert.Equal(t, uint64(0), stats.Flushed[AuditLog])
}

func TestQueue_DisabledWritesThrough(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(false, 10, 10)

	require.NoError(t, q.Enqueue(ctx, AuditLog, "a"))
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, [][]string{{"a"}}, c.batches)

	c.err = errors.New("db down")
	assert.Error(t, q.Enqueue(ctx, AuditLog, "b"))
}

func TestQueue_UnknownQueue(t *testing.T) {
	q, _ := newQueue(true, 10, 10)
	err := q.Enqueue(context.Background(), "nope", "a")
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestQueue_ConcurrentFlushIsSkipped(t *testing.T) {
	ctx := context.Background()
	q := New(Options{Enabled: true, BatchSize: 10, MaxSize: 10}, clock.NewManual(base))

	entered := make(chan struct{})
	release := make(chan struct{})
	q.Register(AuditLog, SinkFunc(func(context.Context, []interface{}) error {
		close(entered)
		<-release
		return nil
	}))
	require.NoError(t, q.Enqueue(ctx, AuditLog, "a"))

	done := make(chan bool)
	go func() { done <- q.Flush(ctx) }()
	<-entered

	assert.True(t, q.Stats().InProgress)
	assert.False(t, q.Flush(ctx))

	close(release)
	assert.True(t, <-done)
	assert.False(t, q.Stats().InProgress)
}

func TestQueue_DrainHonoursContext(t *testing.T) {
	q, _ := newQueue(true, 10, 10)
	require.NoError(t, q.Enqueue(context.Background(), AuditLog, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Pending())
}

func TestTyped_RejectsWrongPayload(t *testing.T) {
	var got []models.AuditLog
	sink := Typed(func(_ context.Context, logs []models.AuditLog) error {
		got = logs
		return nil
	})

	err := sink.Write(context.Background(), []interface{}{models.AuditLog{ID: "a"}, &models.AuditLog{ID: "b"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)

	err = sink.Write(context.Background(), []interface{}{"not a log"})
	assert.Error(t, err)
}

func TestRegisterStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	archive := storage.NewMemoryArchive()
	q := New(Options{Enabled: true, BatchSize: 10, MaxSize: 10}, clock.NewManual(base))
	q.RegisterStore(store, archive)

	require.NoError(t, q.Enqueue(ctx, AuditLog, &models.AuditLog{ID: "a1", Method: "POST", Path: "/api/v1/posts", StatusCode: 201, CreatedAt: base}))
	require.NoError(t, q.Enqueue(ctx, LoginAudit, &models.LoginAudit{ID: "l1", UserID: "u1", Event: "login_success", CreatedAt: base}))
	require.NoError(t, q.Enqueue(ctx, MobileTelemetry, &models.MobileTelemetry{ID: "t1", EventType: "app_open", CreatedAt: base}))
	require.NoError(t, q.Drain(ctx))

	snap := store.Snapshot()
	assert.Equal(t, 1, snap.AuditLogs)
	assert.Equal(t, 1, snap.LoginAudits)
	assert.Equal(t, 0, snap.Telemetry)

	names, err := archive.List(ctx, storage.TelemetryArchivePrefix)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Contains(t, names[0], "telemetry/2025-03-01/")

	data, ok := archive.Get(names[0])
	require.True(t, ok)
	var events []models.MobileTelemetry
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "app_open", events[0].EventType)
}
