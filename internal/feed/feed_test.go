package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		post     models.Post
		expected int
	}{
		{
			name:     "fresh post gets full recency",
			post:     models.Post{CreatedAt: now.Add(-10 * time.Minute)},
			expected: 100,
		},
		{
			name: "weighted counters",
			post: models.Post{
				LikesCount:     3,
				CommentsCount:  2,
				ImportantVotes: 1,
				UrgentVotes:    1,
				CreatedAt:      now.Add(-4 * time.Hour),
			},
			expected: 6 + 6 + 5 + 10 + 25,
		},
		{
			name: "penalty is capped at fifty",
			post: models.Post{
				UrgentVotes:            10,
				SuspiciousSignalsCount: 40,
				CreatedAt:              now.Add(-200 * time.Hour),
			},
			expected: 100 + 1 - 50,
		},
		{
			name:     "recency rounds to nearest",
			post:     models.Post{CreatedAt: now.Add(-3 * time.Hour)},
			expected: 33,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Score(&tt.post, now))
			assert.Equal(t, Score(&tt.post, now), Score(&tt.post, now))
		})
	}
}

func TestPenalty(t *testing.T) {
	assert.Equal(t, 0, Penalty(0))
	assert.Equal(t, 45, Penalty(9))
	assert.Equal(t, 50, Penalty(10))
	assert.Equal(t, 50, Penalty(1000))
}

func TestRank(t *testing.T) {
	posts := []models.Post{
		{ID: "plain-high", LikesCount: 100, CreatedAt: now},
		{ID: "pinned", ImportantPinnedUntil: ptr(now.Add(time.Hour)), CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "expired-top", TopPlacementUntil: ptr(now.Add(-time.Minute)), CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "top", TopPlacementUntil: ptr(now.Add(time.Hour)), ImportantPinnedUntil: ptr(now.Add(time.Hour)), CreatedAt: now.Add(-72 * time.Hour)},
		{ID: "tie-a", CreatedAt: now.Add(-100 * time.Hour)},
		{ID: "tie-b", CreatedAt: now.Add(-100 * time.Hour)},
	}

	ranked := Rank(posts, now)
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"top", "pinned", "plain-high", "expired-top", "tie-a", "tie-b"}, ids)
	assert.True(t, ranked[0].TopPlacement)
	assert.True(t, ranked[1].Pinned)
	assert.False(t, ranked[3].TopPlacement)
}

func TestCache(t *testing.T) {
	clk := clock.NewManual(now)
	c := NewCache(30*time.Second, clk)

	c.Set(CacheKey("Ward-7"), []RankedPost{{Score: 1}})
	c.Set(CacheKey(""), []RankedPost{{Score: 2}})
	c.Set(CacheKey("ward-9"), []RankedPost{{Score: 3}})

	items, ok := c.Get("area:ward-7")
	require.True(t, ok)
	assert.Equal(t, 1, items[0].Score)

	c.Invalidate("WARD-7")
	_, ok = c.Get("area:ward-7")
	assert.False(t, ok)
	_, ok = c.Get(allAreasKey)
	assert.False(t, ok)
	_, ok = c.Get("area:ward-9")
	assert.True(t, ok)

	clk.Advance(30 * time.Second)
	_, ok = c.Get("area:ward-9")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	c.Set(CacheKey("a"), nil)
	c.Set(CacheKey("b"), nil)
	c.Invalidate("")
	assert.Equal(t, 0, c.Len())
}

type countingStore struct {
	storage.PostStore
	calls atomic.Int32
	err   error
	gate  chan struct{}
	posts []models.Post
}

func (c *countingStore) ListPosts(ctx context.Context, filter storage.PostFilter) ([]models.Post, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.posts, nil
}

func TestService_FeedHitMiss(t *testing.T) {
	clk := clock.NewManual(now)
	store := &countingStore{posts: []models.Post{{ID: "p1", CreatedAt: now}}}
	svc := NewService(store, 30*time.Second, clk)

	page, err := svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, page.Cache)
	require.Len(t, page.Items, 1)

	page, err = svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheHit, page.Cache)
	assert.Equal(t, int32(1), store.calls.Load())

	svc.Invalidate("ward-7")
	page, err = svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, page.Cache)
	assert.Equal(t, int32(2), store.calls.Load())

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, 30, stats.TTLSec)
}

func TestService_FeedStoreErrorIsNotCached(t *testing.T) {
	store := &countingStore{err: errors.New("connection refused")}
	svc := NewService(store, 30*time.Second, clock.NewManual(now))

	_, err := svc.Feed(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)

	_, err = svc.Feed(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestService_ConcurrentMissesShareOneLoad(t *testing.T) {
	store := &countingStore{gate: make(chan struct{}), posts: []models.Post{{ID: "p1", CreatedAt: now}}}
	svc := NewService(store, 30*time.Second, clock.NewManual(now))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := svc.Feed(context.Background(), "ward-7")
			assert.NoError(t, err)
			assert.Len(t, page.Items, 1)
		}()
	}

	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
}

func TestService_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	store := &countingStore{gate: make(chan struct{}), posts: []models.Post{{ID: "p1", CreatedAt: now}}}
	svc := NewService(store, 30*time.Second, clock.NewManual(now))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Feed(ctx, "ward-7")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		page *Page
		err  error
	}
	second := make(chan result, 1)
	go func() {
		page, err := svc.Feed(context.Background(), "ward-7")
		second <- result{page, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(store.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Len(t, res.page.Items, 1)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), store.calls.Load())

	page, err := svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheHit, page.Cache)
}

func TestService_InvalidateDuringLoadSkipsCache(t *testing.T) {
	store := &countingStore{gate: make(chan struct{}), posts: []models.Post{{ID: "p1", CreatedAt: now}}}
	svc := NewService(store, 30*time.Second, clock.NewManual(now))

	done := make(chan *Page, 1)
	go func() {
		page, err := svc.Feed(context.Background(), "ward-7")
		assert.NoError(t, err)
		done <- page
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	svc.Invalidate("Ward-7")
	close(store.gate)
	page := <-done
	assert.Equal(t, CacheMiss, page.Cache)
	assert.Equal(t, 0, svc.Stats().Entries)

	page, err := svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, page.Cache)
	assert.Equal(t, int32(2), store.calls.Load())

	page, err = svc.Feed(context.Background(), "ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheHit, page.Cache)
}

func TestService_AreaIsCaseInsensitive(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreatePost(context.Background(), &models.Post{
		ID:          "p1",
		UserID:      "u1",
		Content:     "water supply cut",
		LocationTag: "Ward-7",
		CreatedAt:   now,
	}))
	svc := NewService(store, 30*time.Second, clock.NewManual(now))

	page, err := svc.Feed(context.Background(), "WARD-7")
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, page.Cache)
	assert.Len(t, page.Items, 1)

	page, err = svc.Feed(context.Background(), "Ward-7")
	require.NoError(t, err)
	assert.Equal(t, CacheHit, page.Cache)
	assert.Len(t, page.Items, 1)
}

func TestCache_SetIfCurrent(t *testing.T) {
	c := NewCache(30*time.Second, clock.NewManual(now))
	key := CacheKey("ward-7")

	gen := c.Generation(key)
	c.Invalidate("ward-9")
	assert.True(t, c.SetIfCurrent(key, gen, []RankedPost{{Score: 1}}))

	gen = c.Generation(key)
	c.Invalidate("WARD-7")
	assert.False(t, c.SetIfCurrent(key, gen, nil))

	gen = c.Generation(allAreasKey)
	c.Invalidate("")
	assert.False(t, c.SetIfCurrent(allAreasKey, gen, nil))
	assert.Equal(t, 0, c.Len())
}
