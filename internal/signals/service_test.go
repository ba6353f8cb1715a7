package signals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// MockNotifier is a mock implementation of the notification service
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) DispatchDeliveryPlan(ctx context.Context, post *models.Post, plan models.DeliveryPlan) error {
	args := m.Called(ctx, post, plan)
	return args.Error(0)
}

func (m *MockNotifier) SendAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type recordingFeed struct {
	mu    sync.Mutex
	areas []string
}

func (r *recordingFeed) Invalidate(area string) {
	r.mu.Lock()
	r.areas = append(r.areas, area)
	r.mu.Unlock()
}

type fixture struct {
	store    *storage.MemoryStore
	feed     *recordingFeed
	notifier *MockNotifier
	clock    *clock.Manual
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		feed:     &recordingFeed{},
		notifier: &MockNotifier{},
		clock:    clock.NewManual(start),
	}
	f.notifier.On("DispatchDeliveryPlan", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("SendAlert", mock.Anything, mock.Anything).Return(nil)
	f.svc = NewService(f.store, f.feed, f.notifier, f.clock, DefaultPolicy())
	return f
}

func (f *fixture) post(t *testing.T, id, author string) *models.Post {
	t.Helper()
	p := &models.Post{ID: id, UserID: author, Content: "road blocked", LocationTag: "ward-7", CreatedAt: start}
	require.NoError(t, f.store.CreatePost(context.Background(), p))
	return p
}

func vote(postID, actor string, kind models.SignalKind) Submission {
	return Submission{PostID: postID, ActorID: actor, Kind: kind, OriginIP: "10.0.0." + actor, OriginDevice: "dev-" + actor}
}

func rejected(f *fixture, reason string) int {
	n := 0
	for _, s := range f.store.Signals() {
		if !s.Accepted && s.RejectedReason == reason {
			n++
		}
	}
	return n
}

func TestSubmit_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	res, err := f.svc.Submit(ctx, vote("P", "B", models.SignalUrgent))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Urgent)
	require.NotNil(t, res.DeliveryPlan)
	assert.Equal(t, TierLocal, res.DeliveryPlan.Tier)
	assert.Equal(t, 30, res.DeliveryPlan.Reach)
	assert.Equal(t, TierLocal, res.Post.UrgentBoostTier)
	assert.True(t, res.AntiManipulation.UniquePerUserEnforced)
	assert.Equal(t, 20, res.AntiManipulation.UserRateLimitPerHour)
	assert.Equal(t, 60, res.AntiManipulation.IPDeviceRateLimitPerHour)

	_, err = f.svc.Submit(ctx, vote("P", "B", models.SignalUrgent))
	assert.ErrorIs(t, err, ErrDuplicateVote)

	_, err = f.svc.Submit(ctx, vote("P", "A", models.SignalUrgent))
	assert.ErrorIs(t, err, ErrSelfVote)

	post, err := f.store.GetPost(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, post.UrgentVotes)
	assert.Equal(t, 1, rejected(f, models.RejectDuplicateVote))
	assert.Equal(t, 1, rejected(f, models.RejectSelfVote))

	f.notifier.AssertNumberOfCalls(t, "DispatchDeliveryPlan", 1)
	f.notifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"ward-7"}, f.feed.areas)
}

func TestSubmit_PostNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), vote("missing", "B", models.SignalImportant))
	assert.ErrorIs(t, err, ErrPostNotFound)
	assert.Empty(t, f.store.Signals())
}

func TestSubmit_UnsupportedKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), vote("P", "B", models.SignalLike))
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestSubmit_UserRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		f.post(t, fmt.Sprintf("p-%d", i), fmt.Sprintf("author-%d", i))
	}
	for i := 0; i < 20; i++ {
		_, err := f.svc.Submit(ctx, vote(fmt.Sprintf("p-%d", i), "B", models.SignalImportant))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	_, err := f.svc.Submit(ctx, vote("p-20", "B", models.SignalImportant))
	assert.ErrorIs(t, err, ErrUserRateLimited)
	assert.Equal(t, 1, rejected(f, models.RejectUserRateLimit))

	// other kinds have their own window
	_, err = f.svc.Submit(ctx, vote("p-20", "B", models.SignalUrgent))
	assert.NoError(t, err)

	// once the oldest votes leave the trailing hour the actor may vote again
	f.clock.Advance(41 * time.Minute)
	_, err = f.svc.Submit(ctx, vote("p-20", "B", models.SignalImportant))
	assert.NoError(t, err)
}

func TestSubmit_NetworkRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	for i := 0; i < 60; i++ {
		sub := vote("P", fmt.Sprintf("u%d", i), models.SignalImportant)
		sub.OriginDevice = "shared-device"
		_, err := f.svc.Submit(ctx, sub)
		require.NoError(t, err)
	}

	sub := vote("P", "late", models.SignalImportant)
	sub.OriginDevice = "shared-device"
	_, err := f.svc.Submit(ctx, sub)
	assert.ErrorIs(t, err, ErrNetworkRateLimited)
	assert.Equal(t, 1, rejected(f, models.RejectNetworkRateLimit))

	// a client without device id is judged by ip alone
	clean := vote("P", "fresh", models.SignalImportant)
	clean.OriginDevice = ""
	_, err = f.svc.Submit(ctx, clean)
	assert.NoError(t, err)
}

func TestSubmit_ConcurrentDuplicatesAcceptOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, vote("P", "B", models.SignalUrgent))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, ErrDuplicateVote) {
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dup)
	post, err := f.store.GetPost(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 1, post.UrgentVotes)
	assert.Equal(t, 19, rejected(f, models.RejectDuplicateVote))
}

func TestSubmit_GlobalTierDispatchesOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	var last *Result
	for i := 0; i < 10; i++ {
		res, err := f.svc.Submit(ctx, vote("P", fmt.Sprintf("%d", i), models.SignalUrgent))
		require.NoError(t, err)
		last = res
	}

	assert.Equal(t, TierGlobal, last.DeliveryPlan.Tier)
	assert.Equal(t, 300, last.DeliveryPlan.Reach)
	require.Len(t, last.DeliveryPlan.Stages, 3)
	assert.Equal(t, "ward-7", last.DeliveryPlan.Stages[0].Area)

	// none->local and local->global only
	f.notifier.AssertNumberOfCalls(t, "DispatchDeliveryPlan", 2)
	f.notifier.AssertNumberOfCalls(t, "SendAlert", 1)
}

func TestSubmit_SuspiciousSameIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	for i := 0; i < 4; i++ {
		sub := vote("P", fmt.Sprintf("u%d", i), models.SignalUrgent)
		sub.OriginIP = "203.0.113.5"
		_, err := f.svc.Submit(ctx, sub)
		require.NoError(t, err)
	}

	post, err := f.store.GetPost(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 4, post.UrgentVotes)
	assert.Equal(t, 1, post.SuspiciousSignalsCount)
	assert.Equal(t, 1, f.store.Snapshot().SecurityEvents)
	f.notifier.AssertCalled(t, "SendAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == "suspicious" && a.Post.ID == "P"
	}))
}

func TestSubmit_ImportantPinAndTopPlacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	res, err := f.svc.Submit(ctx, vote("P", "u0", models.SignalImportant))
	require.NoError(t, err)
	require.NotNil(t, res.PinnedUntil)
	assert.True(t, res.PinnedUntil.Equal(start.Add(24*time.Hour)))
	assert.False(t, res.TopPlacement)
	assert.Nil(t, res.Post.TopPlacementUntil)
	assert.Nil(t, res.DeliveryPlan)

	for i := 1; i < 10; i++ {
		f.clock.Advance(time.Minute)
		res, err = f.svc.Submit(ctx, vote("P", fmt.Sprintf("u%d", i), models.SignalImportant))
		require.NoError(t, err)
	}
	assert.True(t, res.TopPlacement)
	require.NotNil(t, res.Post.TopPlacementUntil)
	assert.True(t, res.Post.TopPlacementUntil.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.True(t, res.PinnedUntil.Equal(f.clock.Now().Add(24*time.Hour)))
}

func TestReact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	post, err := f.svc.React(ctx, vote("P", "B", models.SignalLike))
	require.NoError(t, err)
	assert.Equal(t, 1, post.LikesCount)

	_, err = f.svc.React(ctx, vote("P", "B", models.SignalLike))
	assert.ErrorIs(t, err, ErrDuplicateVote)

	post, err = f.svc.React(ctx, vote("P", "B", models.SignalReport))
	require.NoError(t, err)
	assert.Equal(t, 1, post.ReportsCount)

	// authors may react to their own posts
	_, err = f.svc.React(ctx, vote("P", "A", models.SignalComment))
	assert.NoError(t, err)

	_, err = f.svc.React(ctx, vote("P", "B", models.SignalUrgent))
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = f.svc.React(ctx, vote("nope", "B", models.SignalLike))
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.post(t, "P", "A")

	for i := 0; i < 3; i++ {
		sub := vote("P", fmt.Sprintf("u%d", i), models.SignalUrgent)
		sub.OriginIP = "198.51.100.7"
		_, err := f.svc.Submit(ctx, sub)
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(ctx, vote("P", "x", models.SignalImportant))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, vote("P", "A", models.SignalImportant))
	require.ErrorIs(t, err, ErrSelfVote)

	summary, err := f.svc.Summary(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Accepted.Urgent)
	assert.Equal(t, int64(1), summary.Accepted.Important)
	assert.Equal(t, int64(1), summary.RejectedSignals)
	require.Len(t, summary.SuspiciousIPs, 1)
	assert.Equal(t, "198.51.100.7", summary.SuspiciousIPs[0].IPAddress)
	assert.Equal(t, int64(3), summary.SuspiciousIPs[0].Count)
}

func TestDeliveryPlanFor(t *testing.T) {
	tests := []struct {
		votes  int
		tier   string
		reach  int
		stages int
	}{
		{0, TierNone, 0, 0},
		{1, TierLocal, 30, 1},
		{9, TierLocal, 30, 1},
		{10, TierGlobal, 300, 3},
		{250, TierGlobal, 300, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d votes", tt.votes), func(t *testing.T) {
			plan := DeliveryPlanFor(tt.votes, "ward-3")
			assert.Equal(t, tt.tier, plan.Tier)
			assert.Equal(t, tt.reach, plan.Reach)
			assert.Len(t, plan.Stages, tt.stages)
		})
	}

	assert.Equal(t, DefaultArea, DeliveryPlanFor(1, "").Stages[0].Area)
}
