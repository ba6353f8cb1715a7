package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adirai/community-api/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStore is the document store backed by gorm. Postgres is the production
// driver; sqlite is used for local runs and tests.
type SQLStore struct {
	db *gorm.DB
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)

// acceptedSignalIndex enforces at most one accepted signal per (post, user, kind).
// Rejected attempts are outside the predicate so they can repeat freely.
const acceptedSignalIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_post_signals_accepted
ON post_signals (post_id, user_id, kind) WHERE accepted`

// postAreaIndex serves the case-insensitive feed filter
const postAreaIndex = `CREATE INDEX IF NOT EXISTS ix_posts_location_tag_lower
ON posts (LOWER(location_tag))`

// NewPostgres opens a postgres-backed store
func NewPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logrus.Info("Connected to postgres")
	return &SQLStore{db: db}, nil
}

// NewSQLite opens a sqlite-backed store. sqlite serialises writers, so the
// pool is limited to one connection.
func NewSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &SQLStore{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Migrate creates tables and the partial unique index on accepted signals
func (s *SQLStore) Migrate() error {
	err := s.db.AutoMigrate(
		&models.User{},
		&models.Post{},
		&models.Signal{},
		&models.AuditLog{},
		&models.LoginAudit{},
		&models.MobileTelemetry{},
		&models.Session{},
		&models.OtpCode{},
		&models.PasswordReset{},
		&models.SecurityEvent{},
	)
	if err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}

	if err := s.db.Exec(acceptedSignalIndex).Error; err != nil {
		return fmt.Errorf("failed to create accepted signal index: %w", err)
	}
	if err := s.db.Exec(postAreaIndex).Error; err != nil {
		return fmt.Errorf("failed to create post area index: %w", err)
	}

	return nil
}

// Close releases the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

func (s *SQLStore) CreatePost(ctx context.Context, post *models.Post) error {
	return translate(s.db.WithContext(ctx).Create(post).Error)
}

func (s *SQLStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &post, nil
}

func (s *SQLStore) ListPosts(ctx context.Context, filter PostFilter) ([]models.Post, error) {
	q := s.db.WithContext(ctx).
		Where("moderation_status <> ?", models.ModerationRejected).
		Order("created_at DESC")
	if filter.Area != "" {
		q = q.Where("LOWER(location_tag) = ?", strings.ToLower(filter.Area))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var posts []models.Post
	if err := q.Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return posts, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	return translate(s.db.WithContext(ctx).Create(user).Error)
}

func (s *SQLStore) FindUserByMobile(ctx context.Context, mobile string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "mobile = ?", mobile).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *SQLStore) RecordSignal(ctx context.Context, signal *models.Signal) error {
	return translate(s.db.WithContext(ctx).Create(signal).Error)
}

func (s *SQLStore) AcceptSignal(ctx context.Context, acc Acceptance) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(acc.Signal).Error; err != nil {
			return translate(err)
		}

		deltas := make(map[CounterField]int, len(acc.Increments))
		for _, field := range acc.Increments {
			deltas[field]++
		}
		updates := make(map[string]interface{}, len(deltas))
		for field, delta := range deltas {
			updates[string(field)] = gorm.Expr(string(field)+" + ?", delta)
		}

		res := tx.Model(&models.Post{}).Where("id = ?", acc.Signal.PostID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := tx.First(&post, "id = ?", acc.Signal.PostID).Error; err != nil {
			return translate(err)
		}

		if acc.Derive == nil {
			return nil
		}
		patch := acc.Derive(&post)
		fields := patch.apply(&post)
		if len(fields) == 0 {
			return nil
		}
		return tx.Model(&models.Post{}).Where("id = ?", post.ID).Updates(fields).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// apply copies the patch onto post and returns the changed columns
func (p PostPatch) apply(post *models.Post) map[string]interface{} {
	fields := make(map[string]interface{})
	if p.UrgentBoostTier != nil {
		post.UrgentBoostTier = *p.UrgentBoostTier
		fields["urgent_boost_tier"] = *p.UrgentBoostTier
	}
	if p.UrgentBoostReach != nil {
		post.UrgentBoostReach = *p.UrgentBoostReach
		fields["urgent_boost_reach"] = *p.UrgentBoostReach
	}
	if p.UrgentBoostUpdatedAt != nil {
		post.UrgentBoostUpdatedAt = p.UrgentBoostUpdatedAt
		fields["urgent_boost_updated_at"] = *p.UrgentBoostUpdatedAt
	}
	if p.ImportantPinnedUntil != nil {
		post.ImportantPinnedUntil = p.ImportantPinnedUntil
		fields["important_pinned_until"] = *p.ImportantPinnedUntil
	}
	if p.TopPlacementUntil != nil {
		post.TopPlacementUntil = p.TopPlacementUntil
		fields["top_placement_until"] = *p.TopPlacementUntil
	}
	return fields
}

func (s *SQLStore) HasAcceptedSignal(ctx context.Context, postID, userID string, kind models.SignalKind) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("post_id = ? AND user_id = ? AND kind = ? AND accepted = ?", postID, userID, kind, true).
		Count(&count).Error
	return count > 0, err
}

func (s *SQLStore) CountAcceptedByUser(ctx context.Context, userID string, kind models.SignalKind, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("user_id = ? AND kind = ? AND accepted = ? AND created_at >= ?", userID, kind, true, since).
		Count(&count).Error
	return count, err
}

func (s *SQLStore) CountAcceptedByOrigin(ctx context.Context, ip, device string, kind models.SignalKind, since time.Time) (int64, error) {
	if ip == "" && device == "" {
		return 0, nil
	}

	q := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("kind = ? AND accepted = ? AND created_at >= ?", kind, true, since)
	switch {
	case ip != "" && device != "":
		q = q.Where("(ip_address = ? OR device_id = ?)", ip, device)
	case ip != "":
		q = q.Where("ip_address = ?", ip)
	default:
		q = q.Where("device_id = ?", device)
	}

	var count int64
	err := q.Count(&count).Error
	return count, err
}

func (s *SQLStore) CountAcceptedOnPostFromIP(ctx context.Context, postID string, kind models.SignalKind, ip string) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("post_id = ? AND kind = ? AND accepted = ? AND ip_address = ?", postID, kind, true, ip).
		Count(&count).Error
	return count, err
}

func (s *SQLStore) CountSignals(ctx context.Context, postID string, kinds []models.SignalKind, accepted bool) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("post_id = ? AND kind IN ? AND accepted = ?", postID, kinds, accepted).
		Count(&count).Error
	return count, err
}

func (s *SQLStore) TopSignalIPs(ctx context.Context, postID string, kinds []models.SignalKind, minCount int64, limit int) ([]IPCount, error) {
	var out []IPCount
	err := s.db.WithContext(ctx).Model(&models.Signal{}).
		Select("ip_address, COUNT(*) AS count").
		Where("post_id = ? AND kind IN ?", postID, kinds).
		Group("ip_address").
		Having("COUNT(*) >= ?", minCount).
		Order("count DESC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate signal ips: %w", err)
	}
	return out, nil
}

func (s *SQLStore) InsertAuditLogs(ctx context.Context, logs []models.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(logs, len(logs)).Error
}

func (s *SQLStore) InsertLoginAudits(ctx context.Context, audits []models.LoginAudit) error {
	if len(audits) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(audits, len(audits)).Error
}

func (s *SQLStore) InsertTelemetry(ctx context.Context, events []models.MobileTelemetry) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(events, len(events)).Error
}

func (s *SQLStore) CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	return translate(s.db.WithContext(ctx).Create(event).Error)
}

func (s *SQLStore) ResolveSecurityEvent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).Where("id = ?", id).Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	return translate(s.db.WithContext(ctx).Create(session).Error)
}

func (s *SQLStore) CreateOtpCode(ctx context.Context, code *models.OtpCode) error {
	return translate(s.db.WithContext(ctx).Create(code).Error)
}

func (s *SQLStore) CreatePasswordReset(ctx context.Context, reset *models.PasswordReset) error {
	return translate(s.db.WithContext(ctx).Create(reset).Error)
}

func (s *SQLStore) Purge(ctx context.Context, req PurgeRequest) (int64, error) {
	db := s.db.WithContext(ctx)

	var res *gorm.DB
	switch req.Category {
	case CategoryOtpCodes:
		res = db.Where("expires_at < ? OR used_at < ?", req.Now, req.Cutoff).Delete(&models.OtpCode{})
	case CategoryPasswordResets:
		res = db.Where("expires_at < ? OR consumed_at < ?", req.Now, req.Cutoff).Delete(&models.PasswordReset{})
	case CategorySessions:
		res = db.Where("expires_at < ? OR revoked_at < ?", req.Now, req.Cutoff).Delete(&models.Session{})
	case CategoryLoginAudits:
		res = db.Where("created_at < ?", req.Cutoff).Delete(&models.LoginAudit{})
	case CategoryAuditLogs:
		res = db.Where("created_at < ?", req.Cutoff).Delete(&models.AuditLog{})
	case CategoryMobileTelemetry:
		res = db.Where("created_at < ?", req.Cutoff).Delete(&models.MobileTelemetry{})
	case CategoryPostSignals:
		res = db.Where("created_at < ?", req.Cutoff).Delete(&models.Signal{})
	case CategorySecurityEvents:
		res = db.Where("resolved = ? AND created_at < ?", true, req.Cutoff).Delete(&models.SecurityEvent{})
	default:
		return 0, fmt.Errorf("unknown retention category %q", req.Category)
	}

	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", req.Category, res.Error)
	}
	return res.RowsAffected, nil
}
