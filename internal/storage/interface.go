package storage

import (
	"context"
	"errors"
	"time"

	"github.com/adirai/community-api/internal/models"
)

var (
	// ErrNotFound is returned when a point read finds nothing
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	ErrDuplicate = errors.New("duplicate record")
)

// CounterField names a post engagement counter that may be incremented
type CounterField string

const (
	CounterLikes      CounterField = "likes_count"
	CounterComments   CounterField = "comments_count"
	CounterReports    CounterField = "reports_count"
	CounterUrgent     CounterField = "urgent_votes"
	CounterImportant  CounterField = "important_votes"
	CounterSuspicious CounterField = "suspicious_signals_count"
)

// CounterFor maps a signal kind to the post counter it bumps
func CounterFor(kind models.SignalKind) (CounterField, bool) {
	switch kind {
	case models.SignalLike:
		return CounterLikes, true
	case models.SignalComment:
		return CounterComments, true
	case models.SignalReport:
		return CounterReports, true
	case models.SignalUrgent:
		return CounterUrgent, true
	case models.SignalImportant:
		return CounterImportant, true
	}
	return "", false
}

// PostPatch carries the non-counter fields derived after an accepted signal.
// Nil fields are left untouched.
type PostPatch struct {
	UrgentBoostTier      *string
	UrgentBoostReach     *int
	UrgentBoostUpdatedAt *time.Time
	ImportantPinnedUntil *time.Time
	TopPlacementUntil    *time.Time
}

// Acceptance describes one accepted signal write. The store inserts Signal,
// applies Increments atomically, reloads the post and calls Derive with the
// updated counters; the returned patch is saved in the same transaction.
type Acceptance struct {
	Signal     *models.Signal
	Increments []CounterField
	Derive     func(post *models.Post) PostPatch
}

// PostFilter selects posts for the feed. Area matches the location tag
// case-insensitively, the same way feed cache keys fold it.
type PostFilter struct {
	Area  string
	Limit int
}

// IPCount is an aggregate of signals per origin IP
type IPCount struct {
	IPAddress string `json:"ipAddress"`
	Count     int64  `json:"count"`
}

// PostStore persists posts and resolves actors
type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]models.Post, error)
	CreateUser(ctx context.Context, user *models.User) error
	FindUserByMobile(ctx context.Context, mobile string) (*models.User, error)
}

// SignalStore persists engagement signals and answers rate-limit window queries
type SignalStore interface {
	// RecordSignal inserts a signal as-is, typically a rejected attempt
	RecordSignal(ctx context.Context, signal *models.Signal) error
	// AcceptSignal performs the transactional accept path. It returns
	// ErrDuplicate when an accepted signal for the same (post, user, kind)
	// already exists and ErrNotFound when the post is gone.
	AcceptSignal(ctx context.Context, acc Acceptance) (*models.Post, error)
	HasAcceptedSignal(ctx context.Context, postID, userID string, kind models.SignalKind) (bool, error)
	CountAcceptedByUser(ctx context.Context, userID string, kind models.SignalKind, since time.Time) (int64, error)
	// CountAcceptedByOrigin counts accepted signals matching ip OR device.
	// Empty values are not matched.
	CountAcceptedByOrigin(ctx context.Context, ip, device string, kind models.SignalKind, since time.Time) (int64, error)
	CountAcceptedOnPostFromIP(ctx context.Context, postID string, kind models.SignalKind, ip string) (int64, error)
	CountSignals(ctx context.Context, postID string, kinds []models.SignalKind, accepted bool) (int64, error)
	TopSignalIPs(ctx context.Context, postID string, kinds []models.SignalKind, minCount int64, limit int) ([]IPCount, error)
}

// AuditStore receives the batched secondary writes from the write queue
type AuditStore interface {
	InsertAuditLogs(ctx context.Context, logs []models.AuditLog) error
	InsertLoginAudits(ctx context.Context, audits []models.LoginAudit) error
	InsertTelemetry(ctx context.Context, events []models.MobileTelemetry) error
}

// SecurityStore manages security events
type SecurityStore interface {
	CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	ResolveSecurityEvent(ctx context.Context, id string) error
}

// Category is a retention category purged by the sweeper
type Category string

const (
	CategoryOtpCodes        Category = "otpCodes"
	CategoryPasswordResets  Category = "passwordResets"
	CategorySessions        Category = "sessions"
	CategoryLoginAudits     Category = "loginAudits"
	CategoryAuditLogs       Category = "auditLogs"
	CategoryMobileTelemetry Category = "mobileTelemetry"
	CategoryPostSignals     Category = "postSignals"
	CategorySecurityEvents  Category = "securityEvents"
)

// Categories lists every purgeable category in a fixed order
var Categories = []Category{
	CategoryOtpCodes,
	CategoryPasswordResets,
	CategorySessions,
	CategoryLoginAudits,
	CategoryAuditLogs,
	CategoryMobileTelemetry,
	CategoryPostSignals,
	CategorySecurityEvents,
}

// PurgeRequest asks the store to bulk delete one category.
// Auth artifacts are deleted when expired (before Now) or when used,
// consumed or revoked before Cutoff. Everything else is deleted when created
// before Cutoff; security events additionally must be resolved.
type PurgeRequest struct {
	Category Category
	Now      time.Time
	Cutoff   time.Time
}

// RetentionStore performs bulk delete-by-filter
type RetentionStore interface {
	Purge(ctx context.Context, req PurgeRequest) (int64, error)
}

// AuthStore holds auth artifacts created by the external auth flow
type AuthStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	CreateOtpCode(ctx context.Context, code *models.OtpCode) error
	CreatePasswordReset(ctx context.Context, reset *models.PasswordReset) error
}

// Store is the full document store contract consumed by the core
type Store interface {
	PostStore
	SignalStore
	AuditStore
	SecurityStore
	RetentionStore
	AuthStore
	Close() error
}

// Archive is a blob-style store used for archived telemetry batches
type Archive interface {
	Store(ctx context.Context, name string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
