package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/models"
)

// MemoryStore is an in-process Store. It enforces the same uniqueness rules
// as the SQL store and is used for local development and tests.
type MemoryStore struct {
	mu sync.Mutex

	users    map[string]models.User
	posts    map[string]*models.Post
	signals  []models.Signal
	audits   []models.AuditLog
	logins   []models.LoginAudit
	tele     []models.MobileTelemetry
	sessions []models.Session
	otps     []models.OtpCode
	resets   []models.PasswordReset
	security []models.SecurityEvent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]models.User),
		posts: make(map[string]*models.Post),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreatePost(_ context.Context, post *models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[post.ID]; ok {
		return ErrDuplicate
	}
	if post.ModerationStatus == "" {
		post.ModerationStatus = models.ModerationApproved
	}
	if post.UrgentBoostTier == "" {
		post.UrgentBoostTier = "none"
	}
	cp := *post
	m.posts[post.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPost(_ context.Context, id string) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *post
	return &cp, nil
}

func (m *MemoryStore) ListPosts(_ context.Context, filter PostFilter) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Post
	for _, post := range m.posts {
		if post.ModerationStatus == models.ModerationRejected {
			continue
		}
		if filter.Area != "" && !strings.EqualFold(post.LocationTag, filter.Area) {
			continue
		}
		out = append(out, *post)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicate
	}
	for _, u := range m.users {
		if user.Mobile != "" && u.Mobile == user.Mobile {
			return ErrDuplicate
		}
	}
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryStore) FindUserByMobile(_ context.Context, mobile string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Mobile == mobile {
			cp := u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RecordSignal(_ context.Context, signal *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if signal.Accepted && m.hasAccepted(signal.PostID, signal.UserID, signal.Kind) {
		return ErrDuplicate
	}
	m.signals = append(m.signals, *signal)
	return nil
}

func (m *MemoryStore) hasAccepted(postID, userID string, kind models.SignalKind) bool {
	for _, s := range m.signals {
		if s.Accepted && s.PostID == postID && s.UserID == userID && s.Kind == kind {
			return true
		}
	}
	return false
}

func (m *MemoryStore) AcceptSignal(_ context.Context, acc Acceptance) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := *acc.Signal
	post, ok := m.posts[sig.PostID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.hasAccepted(sig.PostID, sig.UserID, sig.Kind) {
		return nil, ErrDuplicate
	}

	updated := *post
	for _, field := range acc.Increments {
		if err := increment(&updated, field); err != nil {
			return nil, err
		}
	}
	updated.UpdatedAt = sig.CreatedAt
	if acc.Derive != nil {
		acc.Derive(&updated).apply(&updated)
	}

	m.signals = append(m.signals, sig)
	*post = updated
	cp := updated
	return &cp, nil
}

func increment(post *models.Post, field CounterField) error {
	switch field {
	case CounterLikes:
		post.LikesCount++
	case CounterComments:
		post.CommentsCount++
	case CounterReports:
		post.ReportsCount++
	case CounterUrgent:
		post.UrgentVotes++
	case CounterImportant:
		post.ImportantVotes++
	case CounterSuspicious:
		post.SuspiciousSignalsCount++
	default:
		return fmt.Errorf("unknown counter %q", field)
	}
	return nil
}

func (m *MemoryStore) HasAcceptedSignal(_ context.Context, postID, userID string, kind models.SignalKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasAccepted(postID, userID, kind), nil
}

func (m *MemoryStore) countWhere(match func(s *models.Signal) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.signals {
		if match(&m.signals[i]) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CountAcceptedByUser(_ context.Context, userID string, kind models.SignalKind, since time.Time) (int64, error) {
	return m.countWhere(func(s *models.Signal) bool {
		return s.Accepted && s.UserID == userID && s.Kind == kind && !s.CreatedAt.Before(since)
	}), nil
}

func (m *MemoryStore) CountAcceptedByOrigin(_ context.Context, ip, device string, kind models.SignalKind, since time.Time) (int64, error) {
	if ip == "" && device == "" {
		return 0, nil
	}
	return m.countWhere(func(s *models.Signal) bool {
		if !s.Accepted || s.Kind != kind || s.CreatedAt.Before(since) {
			return false
		}
		return (ip != "" && s.IPAddress == ip) || (device != "" && s.DeviceID == device)
	}), nil
}

func (m *MemoryStore) CountAcceptedOnPostFromIP(_ context.Context, postID string, kind models.SignalKind, ip string) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	return m.countWhere(func(s *models.Signal) bool {
		return s.Accepted && s.PostID == postID && s.Kind == kind && s.IPAddress == ip
	}), nil
}

func (m *MemoryStore) CountSignals(_ context.Context, postID string, kinds []models.SignalKind, accepted bool) (int64, error) {
	return m.countWhere(func(s *models.Signal) bool {
		return s.PostID == postID && s.Accepted == accepted && containsKind(kinds, s.Kind)
	}), nil
}

func (m *MemoryStore) TopSignalIPs(_ context.Context, postID string, kinds []models.SignalKind, minCount int64, limit int) ([]IPCount, error) {
	m.mu.Lock()
	counts := make(map[string]int64)
	for _, s := range m.signals {
		if s.PostID == postID && containsKind(kinds, s.Kind) {
			counts[s.IPAddress]++
		}
	}
	m.mu.Unlock()

	var out []IPCount
	for ip, n := range counts {
		if n >= minCount {
			out = append(out, IPCount{IPAddress: ip, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsKind(kinds []models.SignalKind, kind models.SignalKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (m *MemoryStore) InsertAuditLogs(_ context.Context, logs []models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, logs...)
	return nil
}

func (m *MemoryStore) InsertLoginAudits(_ context.Context, audits []models.LoginAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, audits...)
	return nil
}

func (m *MemoryStore) InsertTelemetry(_ context.Context, events []models.MobileTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tele = append(m.tele, events...)
	return nil
}

func (m *MemoryStore) CreateSecurityEvent(_ context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.security = append(m.security, *event)
	return nil
}

func (m *MemoryStore) ResolveSecurityEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.security {
		if m.security[i].ID == id {
			m.security[i].Resolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, *session)
	return nil
}

func (m *MemoryStore) CreateOtpCode(_ context.Context, code *models.OtpCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otps = append(m.otps, *code)
	return nil
}

func (m *MemoryStore) CreatePasswordReset(_ context.Context, reset *models.PasswordReset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, *reset)
	return nil
}

func before(t *time.Time, cutoff time.Time) bool {
	return t != nil && t.Before(cutoff)
}

// filterOut removes the items matching drop and returns how many were removed
func filterOut[T any](items []T, drop func(*T) bool) ([]T, int64) {
	kept := items[:0]
	var removed int64
	for i := range items {
		if drop(&items[i]) {
			removed++
			continue
		}
		kept = append(kept, items[i])
	}
	return kept, removed
}

func (m *MemoryStore) Purge(_ context.Context, req PurgeRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	switch req.Category {
	case CategoryOtpCodes:
		m.otps, n = filterOut(m.otps, func(o *models.OtpCode) bool {
			return o.ExpiresAt.Before(req.Now) || before(o.UsedAt, req.Cutoff)
		})
	case CategoryPasswordResets:
		m.resets, n = filterOut(m.resets, func(r *models.PasswordReset) bool {
			return r.ExpiresAt.Before(req.Now) || before(r.ConsumedAt, req.Cutoff)
		})
	case CategorySessions:
		m.sessions, n = filterOut(m.sessions, func(s *models.Session) bool {
			return s.ExpiresAt.Before(req.Now) || before(s.RevokedAt, req.Cutoff)
		})
	case CategoryLoginAudits:
		m.logins, n = filterOut(m.logins, func(l *models.LoginAudit) bool {
			return l.CreatedAt.Before(req.Cutoff)
		})
	case CategoryAuditLogs:
		m.audits, n = filterOut(m.audits, func(a *models.AuditLog) bool {
			return a.CreatedAt.Before(req.Cutoff)
		})
	case CategoryMobileTelemetry:
		m.tele, n = filterOut(m.tele, func(t *models.MobileTelemetry) bool {
			return t.CreatedAt.Before(req.Cutoff)
		})
	case CategoryPostSignals:
		m.signals, n = filterOut(m.signals, func(s *models.Signal) bool {
			return s.CreatedAt.Before(req.Cutoff)
		})
	case CategorySecurityEvents:
		m.security, n = filterOut(m.security, func(e *models.SecurityEvent) bool {
			return e.Resolved && e.CreatedAt.Before(req.Cutoff)
		})
	default:
		return 0, fmt.Errorf("unknown retention category %q", req.Category)
	}
	return n, nil
}

// Snapshot counts held by the store, used by tests and diagnostics
type Snapshot struct {
	Signals        int
	AuditLogs      int
	LoginAudits    int
	Telemetry      int
	Sessions       int
	OtpCodes       int
	Resets         int
	SecurityEvents int
}

func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Signals:        len(m.signals),
		AuditLogs:      len(m.audits),
		LoginAudits:    len(m.logins),
		Telemetry:      len(m.tele),
		Sessions:       len(m.sessions),
		OtpCodes:       len(m.otps),
		Resets:         len(m.resets),
		SecurityEvents: len(m.security),
	}
}

// Signals returns a copy of every stored signal
func (m *MemoryStore) Signals() []models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Signal(nil), m.signals...)
}
