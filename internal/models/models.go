package models

import (
	"time"

	"gorm.io/datatypes"
)

// SignalKind is the type of engagement a signal records
type SignalKind string

const (
	SignalUrgent    SignalKind = "urgent"
	SignalImportant SignalKind = "important"
	SignalLike      SignalKind = "like"
	SignalComment   SignalKind = "comment"
	SignalReport    SignalKind = "report"
)

// Valid reports whether k is a known signal kind
func (k SignalKind) Valid() bool {
	switch k {
	case SignalUrgent, SignalImportant, SignalLike, SignalComment, SignalReport:
		return true
	}
	return false
}

// Rejection reasons stored on rejected signals
const (
	RejectSelfVote         = "self_vote_disallowed"
	RejectDuplicateVote    = "duplicate_vote"
	RejectUserRateLimit    = "user_rate_limit_exceeded"
	RejectNetworkRateLimit = "device_or_ip_rate_limit_exceeded"
)

// Moderation statuses for posts
const (
	ModerationPending     = "pending"
	ModerationApproved    = "approved"
	ModerationRejected    = "rejected"
	ModerationAutoFlagged = "auto_flagged"
)

// User is the minimal actor record needed to resolve a user reference
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Mobile    string    `json:"mobile" gorm:"uniqueIndex;type:varchar(20)"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Post is a community feed post with its denormalized engagement counters.
// Counters only ever move up; the two expiry fields are compared against the
// current time at read time and are never cleared.
type Post struct {
	ID               string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID           string `json:"userId" gorm:"index;type:varchar(36);not null"`
	Content          string `json:"content" gorm:"not null"`
	Category         string `json:"category" gorm:"index;default:thought"`
	LocationTag      string `json:"locationTag" gorm:"index"`
	IsAnonymous      bool   `json:"isAnonymous"`
	ModerationStatus string `json:"moderationStatus" gorm:"index;default:approved"`

	LikesCount             int `json:"likesCount" gorm:"not null;default:0"`
	CommentsCount          int `json:"commentsCount" gorm:"not null;default:0"`
	ReportsCount           int `json:"reportsCount" gorm:"not null;default:0"`
	UrgentVotes            int `json:"urgentVotes" gorm:"not null;default:0"`
	ImportantVotes         int `json:"importantVotes" gorm:"not null;default:0"`
	SuspiciousSignalsCount int `json:"suspiciousSignalsCount" gorm:"not null;default:0"`

	UrgentBoostTier      string     `json:"urgentBoostTier" gorm:"default:none"`
	UrgentBoostReach     int        `json:"urgentBoostReach" gorm:"not null;default:0"`
	UrgentBoostUpdatedAt *time.Time `json:"urgentBoostUpdatedAt,omitempty"`
	ImportantPinnedUntil *time.Time `json:"importantPinnedUntil,omitempty"`
	TopPlacementUntil    *time.Time `json:"topPlacementUntil,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"index"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Counters is the engagement snapshot returned to callers
type Counters struct {
	Likes      int `json:"likesCount"`
	Comments   int `json:"commentsCount"`
	Reports    int `json:"reportsCount"`
	Urgent     int `json:"urgentVotes"`
	Important  int `json:"importantVotes"`
	Suspicious int `json:"suspiciousSignalsCount"`
}

// Counters returns the post's current counter values
func (p *Post) Counters() Counters {
	return Counters{
		Likes:      p.LikesCount,
		Comments:   p.CommentsCount,
		Reports:    p.ReportsCount,
		Urgent:     p.UrgentVotes,
		Important:  p.ImportantVotes,
		Suspicious: p.SuspiciousSignalsCount,
	}
}

// Signal is one engagement attempt. Rejected attempts are kept as an audit
// trail; at most one accepted signal exists per (post, user, kind).
type Signal struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PostID         string     `json:"postId" gorm:"index;type:varchar(36);not null"`
	UserID         string     `json:"userId" gorm:"index;type:varchar(36);not null"`
	Kind           SignalKind `json:"signalType" gorm:"column:kind;index;type:varchar(16);not null"`
	IPAddress      string     `json:"ipAddress" gorm:"index"`
	DeviceID       string     `json:"deviceId" gorm:"index"`
	Area           string     `json:"area"`
	Accepted       bool       `json:"accepted" gorm:"index;not null"`
	RejectedReason string     `json:"rejectedReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"index"`
}

func (Signal) TableName() string { return "post_signals" }

// DeliveryStage is one step of a staged notification rollout
type DeliveryStage struct {
	Stage string `json:"stage"`
	Users int    `json:"users"`
	Area  string `json:"area,omitempty"`
}

// DeliveryPlan describes how far an urgent post is pushed
type DeliveryPlan struct {
	Tier   string          `json:"tier"`
	Reach  int             `json:"reach"`
	Stages []DeliveryStage `json:"stages"`
}

// AuditLog records one mutating API request
type AuditLog struct {
	ID          string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ActorUserID string         `json:"actorUserId" gorm:"index"`
	Method      string         `json:"method" gorm:"not null"`
	Path        string         `json:"path" gorm:"index;not null"`
	StatusCode  int            `json:"statusCode" gorm:"index;not null"`
	IPAddress   string         `json:"ipAddress" gorm:"index"`
	UserAgent   string         `json:"userAgent"`
	RequestID   string         `json:"requestId" gorm:"index"`
	DurationMs  int64          `json:"durationMs"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}

// LoginAudit records one authentication event reported by the auth service
type LoginAudit struct {
	ID          string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string         `json:"userId" gorm:"index;not null"`
	Event       string         `json:"event" gorm:"index;not null"`
	LoginMethod string         `json:"loginMethod,omitempty"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	DeviceID    string         `json:"deviceId,omitempty"`
	DeviceType  string         `json:"deviceType,omitempty"`
	OS          string         `json:"os,omitempty"`
	AppVersion  string         `json:"appVersion,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}

// MobileTelemetry is a client-side usage event
type MobileTelemetry struct {
	ID          string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string         `json:"userId,omitempty" gorm:"index"`
	SessionID   string         `json:"sessionId" gorm:"index;not null"`
	Platform    string         `json:"platform" gorm:"index;not null"`
	AppVersion  string         `json:"appVersion" gorm:"not null"`
	EventType   string         `json:"eventType" gorm:"index;not null"`
	Screen      string         `json:"screen,omitempty" gorm:"index"`
	Feature     string         `json:"feature,omitempty" gorm:"index"`
	DurationSec int            `json:"durationSec"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}

func (MobileTelemetry) TableName() string { return "mobile_telemetry" }

// Session is a refresh session issued by the auth service
type Session struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID           string     `json:"userId" gorm:"index;not null"`
	RefreshTokenHash string     `json:"-" gorm:"not null"`
	DeviceID         string     `json:"deviceId,omitempty"`
	LastActiveAt     *time.Time `json:"lastActiveAt,omitempty"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty" gorm:"index"`
	ExpiresAt        time.Time  `json:"expiresAt" gorm:"index;not null"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// OtpCode is a one-time login code
type OtpCode struct {
	ID        string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Mobile    string     `json:"mobile" gorm:"index;not null"`
	Purpose   string     `json:"purpose" gorm:"index;not null"`
	OtpHash   string     `json:"-" gorm:"not null"`
	Attempts  int        `json:"attempts"`
	ExpiresAt time.Time  `json:"expiresAt" gorm:"index;not null"`
	UsedAt    *time.Time `json:"usedAt,omitempty" gorm:"index"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PasswordReset is a single-use password reset token
type PasswordReset struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string     `json:"userId" gorm:"index;not null"`
	TokenHash  string     `json:"-" gorm:"uniqueIndex;not null"`
	ExpiresAt  time.Time  `json:"expiresAt" gorm:"index;not null"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty" gorm:"index"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// SecurityEvent is a risk finding raised for moderator review
type SecurityEvent struct {
	ID        string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EventType string         `json:"eventType" gorm:"index;not null"`
	UserID    string         `json:"userId,omitempty" gorm:"index"`
	IPAddress string         `json:"ipAddress,omitempty" gorm:"index"`
	RiskScore int            `json:"riskScore"`
	Details   datatypes.JSON `json:"details,omitempty"`
	Resolved  bool           `json:"resolved" gorm:"index;not null;default:false"`
	CreatedAt time.Time      `json:"createdAt" gorm:"index"`
}

// Alert is a moderation notification
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "urgent_global", "suspicious"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Post      *Post     `json:"post,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
