package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/notifications"
	"github.com/adirai/community-api/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrPostNotFound       = errors.New("post not found")
	ErrSelfVote           = errors.New("cannot vote on your own post")
	ErrDuplicateVote      = errors.New("already marked")
	ErrUserRateLimited    = errors.New("too many actions, retry later")
	ErrNetworkRateLimited = errors.New("suspicious traffic detected")
	ErrUnsupportedKind    = errors.New("unsupported signal kind")
)

const (
	pinDuration = 24 * time.Hour
	// importantTopThreshold accepted important votes also earn top placement
	importantTopThreshold = 10
	// suspiciousIPThreshold accepted urgent votes from one IP on one post
	suspiciousIPThreshold = 3
	summaryIPLimit        = 10
)

// Policy holds the anti-manipulation limits
type Policy struct {
	UserLimitPerHour    int
	NetworkLimitPerHour int
	Window              time.Duration
}

// DefaultPolicy matches the production limits
func DefaultPolicy() Policy {
	return Policy{UserLimitPerHour: 20, NetworkLimitPerHour: 60, Window: time.Hour}
}

// AntiManipulation is the policy summary echoed back to clients
type AntiManipulation struct {
	UniquePerUserEnforced    bool `json:"uniquePerUserEnforced"`
	UserRateLimitPerHour     int  `json:"userRateLimitPerHour"`
	IPDeviceRateLimitPerHour int  `json:"ipDeviceRateLimitPerHour"`
}

// Submission is one engagement attempt from an actor
type Submission struct {
	PostID       string
	ActorID      string
	Kind         models.SignalKind
	OriginIP     string
	OriginDevice string
	// Area as reported by the client, may be empty
	Area string
}

// Result is the outcome of an accepted signal
type Result struct {
	Post             *models.Post
	Kind             models.SignalKind
	Counters         models.Counters
	DeliveryPlan     *models.DeliveryPlan
	PinnedUntil      *time.Time
	TopPlacement     bool
	AntiManipulation AntiManipulation
}

// Summary aggregates the signals recorded on one post
type Summary struct {
	PostID          string            `json:"postId"`
	Accepted        AcceptedCounts    `json:"accepted"`
	RejectedSignals int64             `json:"rejectedSignals"`
	SuspiciousIPs   []storage.IPCount `json:"suspiciousIps"`
}

type AcceptedCounts struct {
	Urgent    int64 `json:"urgent"`
	Important int64 `json:"important"`
}

// Store is the slice of the document store the gate needs
type Store interface {
	storage.PostStore
	storage.SignalStore
	storage.SecurityStore
}

// FeedInvalidator drops cached feed pages after a write
type FeedInvalidator interface {
	Invalidate(area string)
}

// Service is the anti-manipulation signal gate
type Service struct {
	store    Store
	feed     FeedInvalidator
	notifier notifications.NotificationInterface
	clock    clock.Clock
	policy   Policy
}

// NewService creates a new signal gate
func NewService(store Store, feed FeedInvalidator, notifier notifications.NotificationInterface, clk clock.Clock, policy Policy) *Service {
	return &Service{
		store:    store,
		feed:     feed,
		notifier: notifier,
		clock:    clk,
		policy:   policy,
	}
}

// AntiManipulation returns the configured policy summary
func (s *Service) AntiManipulation() AntiManipulation {
	return AntiManipulation{
		UniquePerUserEnforced:    true,
		UserRateLimitPerHour:     s.policy.UserLimitPerHour,
		IPDeviceRateLimitPerHour: s.policy.NetworkLimitPerHour,
	}
}

// Submit runs an urgent or important vote through the gate. Rejected attempts
// are recorded before the error is returned.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.Kind != models.SignalUrgent && sub.Kind != models.SignalImportant {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, sub.Kind)
	}

	post, err := s.loadPost(ctx, sub.PostID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.check(ctx, post, sub, now); err != nil {
		return nil, err
	}

	acc := storage.Acceptance{
		Signal:     s.newSignal(sub, post, now),
		Increments: []storage.CounterField{counterOf(sub.Kind)},
	}

	var (
		plan       models.DeliveryPlan
		prevTier   string
		suspicious bool
	)
	switch sub.Kind {
	case models.SignalUrgent:
		fromIP, err := s.store.CountAcceptedOnPostFromIP(ctx, post.ID, models.SignalUrgent, sub.OriginIP)
		if err != nil {
			return nil, fmt.Errorf("failed to count signals from origin: %w", err)
		}
		if fromIP >= suspiciousIPThreshold {
			suspicious = true
			acc.Increments = append(acc.Increments, storage.CounterSuspicious)
		}
		acc.Derive = func(p *models.Post) storage.PostPatch {
			prevTier = p.UrgentBoostTier
			plan = DeliveryPlanFor(p.UrgentVotes, p.LocationTag)
			return storage.PostPatch{
				UrgentBoostTier:      &plan.Tier,
				UrgentBoostReach:     &plan.Reach,
				UrgentBoostUpdatedAt: &now,
			}
		}
	case models.SignalImportant:
		pinned := now.Add(pinDuration)
		acc.Derive = func(p *models.Post) storage.PostPatch {
			patch := storage.PostPatch{ImportantPinnedUntil: &pinned}
			if p.ImportantVotes >= importantTopThreshold {
				patch.TopPlacementUntil = &pinned
			}
			return patch
		}
	}

	updated, err := s.accept(ctx, acc, sub, now)
	if err != nil {
		return nil, err
	}

	s.feed.Invalidate(updated.LocationTag)

	result := &Result{
		Post:             updated,
		Kind:             sub.Kind,
		Counters:         updated.Counters(),
		AntiManipulation: s.AntiManipulation(),
	}

	switch sub.Kind {
	case models.SignalUrgent:
		result.DeliveryPlan = &plan
		if suspicious {
			s.raiseSuspicious(ctx, updated, sub, now)
		}
		if plan.Tier != prevTier {
			s.dispatch(ctx, updated, plan)
		}
	case models.SignalImportant:
		result.PinnedUntil = updated.ImportantPinnedUntil
		result.TopPlacement = updated.ImportantVotes >= importantTopThreshold
	}

	logrus.WithFields(logrus.Fields{
		"post_id":   updated.ID,
		"kind":      sub.Kind,
		"urgent":    updated.UrgentVotes,
		"important": updated.ImportantVotes,
	}).Debug("Signal accepted")

	return result, nil
}

// React records a like, comment or report. It shares the accept path with
// votes so the one-accepted-signal rule holds, but is not rate limited.
func (s *Service) React(ctx context.Context, sub Submission) (*models.Post, error) {
	switch sub.Kind {
	case models.SignalLike, models.SignalComment, models.SignalReport:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, sub.Kind)
	}

	post, err := s.loadPost(ctx, sub.PostID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updated, err := s.accept(ctx, storage.Acceptance{
		Signal:     s.newSignal(sub, post, now),
		Increments: []storage.CounterField{counterOf(sub.Kind)},
	}, sub, now)
	if err != nil {
		return nil, err
	}

	s.feed.Invalidate(updated.LocationTag)
	return updated, nil
}

// Summary reports accepted and rejected vote counts and the IPs that sent
// at least three votes on the post
func (s *Service) Summary(ctx context.Context, postID string) (*Summary, error) {
	votes := []models.SignalKind{models.SignalUrgent, models.SignalImportant}

	urgent, err := s.store.CountSignals(ctx, postID, []models.SignalKind{models.SignalUrgent}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count urgent signals: %w", err)
	}
	important, err := s.store.CountSignals(ctx, postID, []models.SignalKind{models.SignalImportant}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count important signals: %w", err)
	}
	rejected, err := s.store.CountSignals(ctx, postID, votes, false)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejected signals: %w", err)
	}
	ips, err := s.store.TopSignalIPs(ctx, postID, votes, suspiciousIPThreshold, summaryIPLimit)
	if err != nil {
		return nil, err
	}
	if ips == nil {
		ips = []storage.IPCount{}
	}

	return &Summary{
		PostID:          postID,
		Accepted:        AcceptedCounts{Urgent: urgent, Important: important},
		RejectedSignals: rejected,
		SuspiciousIPs:   ips,
	}, nil
}

func (s *Service) loadPost(ctx context.Context, id string) (*models.Post, error) {
	post, err := s.store.GetPost(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	return post, nil
}

// check applies the gate in order: identity checks first, then the window
// counts. Each failure is recorded as a rejected signal.
func (s *Service) check(ctx context.Context, post *models.Post, sub Submission, now time.Time) error {
	if post.UserID == sub.ActorID {
		return s.reject(ctx, sub, now, models.RejectSelfVote, ErrSelfVote)
	}

	exists, err := s.store.HasAcceptedSignal(ctx, post.ID, sub.ActorID, sub.Kind)
	if err != nil {
		return fmt.Errorf("failed to check existing signal: %w", err)
	}
	if exists {
		return s.reject(ctx, sub, now, models.RejectDuplicateVote, ErrDuplicateVote)
	}

	since := now.Add(-s.policy.Window)
	byUser, err := s.store.CountAcceptedByUser(ctx, sub.ActorID, sub.Kind, since)
	if err != nil {
		return fmt.Errorf("failed to count user signals: %w", err)
	}
	if byUser >= int64(s.policy.UserLimitPerHour) {
		return s.reject(ctx, sub, now, models.RejectUserRateLimit, ErrUserRateLimited)
	}

	byOrigin, err := s.store.CountAcceptedByOrigin(ctx, sub.OriginIP, sub.OriginDevice, sub.Kind, since)
	if err != nil {
		return fmt.Errorf("failed to count origin signals: %w", err)
	}
	if byOrigin >= int64(s.policy.NetworkLimitPerHour) {
		return s.reject(ctx, sub, now, models.RejectNetworkRateLimit, ErrNetworkRateLimited)
	}

	return nil
}

func (s *Service) accept(ctx context.Context, acc storage.Acceptance, sub Submission, now time.Time) (*models.Post, error) {
	updated, err := s.store.AcceptSignal(ctx, acc)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		// lost a race against a concurrent accept for the same actor
		return nil, s.reject(ctx, sub, now, models.RejectDuplicateVote, ErrDuplicateVote)
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrPostNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to accept signal: %w", err)
	}
	return updated, nil
}

// reject records the rejected attempt and returns cause. A failure to record
// is logged; the caller still sees the rejection.
func (s *Service) reject(ctx context.Context, sub Submission, now time.Time, reason string, cause error) error {
	sig := &models.Signal{
		ID:             uuid.NewString(),
		PostID:         sub.PostID,
		UserID:         sub.ActorID,
		Kind:           sub.Kind,
		IPAddress:      sub.OriginIP,
		DeviceID:       sub.OriginDevice,
		Area:           sub.Area,
		Accepted:       false,
		RejectedReason: reason,
		CreatedAt:      now,
	}
	if err := s.store.RecordSignal(ctx, sig); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"post_id": sub.PostID,
			"reason":  reason,
		}).Error("Failed to record rejected signal")
	}

	logrus.WithFields(logrus.Fields{
		"post_id": sub.PostID,
		"user_id": sub.ActorID,
		"kind":    sub.Kind,
		"reason":  reason,
	}).Info("Signal rejected")
	return cause
}

func (s *Service) newSignal(sub Submission, post *models.Post, now time.Time) *models.Signal {
	area := sub.Area
	if area == "" {
		area = post.LocationTag
	}
	return &models.Signal{
		ID:        uuid.NewString(),
		PostID:    post.ID,
		UserID:    sub.ActorID,
		Kind:      sub.Kind,
		IPAddress: sub.OriginIP,
		DeviceID:  sub.OriginDevice,
		Area:      area,
		Accepted:  true,
		CreatedAt: now,
	}
}

func (s *Service) dispatch(ctx context.Context, post *models.Post, plan models.DeliveryPlan) {
	if err := s.notifier.DispatchDeliveryPlan(ctx, post, plan); err != nil {
		logrus.WithError(err).WithField("post_id", post.ID).Warn("Failed to dispatch delivery plan")
	}

	if plan.Tier != TierGlobal {
		return
	}
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Type:      "urgent_global",
		Title:     "Urgent post reached global delivery",
		Message:   fmt.Sprintf("Post %s has %d urgent votes and is being pushed to %d users", post.ID, post.UrgentVotes, plan.Reach),
		Post:      post,
		CreatedAt: s.clock.Now(),
	}
	if err := s.notifier.SendAlert(ctx, alert); err != nil {
		logrus.WithError(err).WithField("post_id", post.ID).Warn("Failed to send moderation alert")
	}
}

func (s *Service) raiseSuspicious(ctx context.Context, post *models.Post, sub Submission, now time.Time) {
	event := &models.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: "suspicious_signal_burst",
		UserID:    sub.ActorID,
		IPAddress: sub.OriginIP,
		RiskScore: post.SuspiciousSignalsCount,
		Details:   []byte(fmt.Sprintf(`{"postId":%q,"kind":%q}`, post.ID, sub.Kind)),
		CreatedAt: now,
	}
	if err := s.store.CreateSecurityEvent(ctx, event); err != nil {
		logrus.WithError(err).WithField("post_id", post.ID).Error("Failed to record security event")
	}

	alert := &models.Alert{
		ID:        uuid.NewString(),
		Type:      "suspicious",
		Title:     "Suspicious signal burst",
		Message:   fmt.Sprintf("Post %s received repeated %s signals from %s", post.ID, sub.Kind, sub.OriginIP),
		Post:      post,
		CreatedAt: now,
	}
	if err := s.notifier.SendAlert(ctx, alert); err != nil {
		logrus.WithError(err).WithField("post_id", post.ID).Warn("Failed to send moderation alert")
	}
}

func counterOf(kind models.SignalKind) storage.CounterField {
	field, _ := storage.CounterFor(kind)
	return field
}
