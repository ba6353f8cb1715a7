package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/signals"
	"github.com/adirai/community-api/internal/storage"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/datatypes"
)

type urgentResponse struct {
	PostID           string                   `json:"postId"`
	UrgentVotes      int                      `json:"urgentVotes"`
	SuggestedTo      int                      `json:"suggestedTo"`
	Scope            string                   `json:"scope"`
	DeliveryPlan     *models.DeliveryPlan     `json:"deliveryPlan"`
	AntiManipulation signals.AntiManipulation `json:"antiManipulation"`
}

type importantResponse struct {
	PostID           string                   `json:"postId"`
	ImportantVotes   int                      `json:"importantVotes"`
	PinnedUntil      *time.Time               `json:"pinnedUntil"`
	TopPlacement     bool                     `json:"topPlacement"`
	AntiManipulation signals.AntiManipulation `json:"antiManipulation"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":   "community-api",
		"status":    "ok",
		"timestamp": s.Clock.Now().Format(time.RFC3339),
	})
}

// resolveActor accepts a user id or a registered mobile number
func (s *Server) resolveActor(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if _, err := uuid.Parse(ref); err == nil {
		setAuditActor(ctx, ref)
		return ref, nil
	}
	user, err := s.Store.FindUserByMobile(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errInvalidActor
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve actor: %w", err)
	}
	setAuditActor(ctx, user.ID)
	return user.ID, nil
}

func postID(r *http.Request) (string, error) {
	id := mux.Vars(r)["postId"]
	if _, err := uuid.Parse(id); err != nil {
		return "", errInvalidPostID
	}
	return id, nil
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) error {
	page, err := s.Feed.Feed(r.Context(), r.URL.Query().Get("area"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) error {
	var req createPostRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	actor, err := s.resolveActor(r.Context(), req.UserID)
	if err != nil {
		return err
	}

	category := req.Category
	if category == "" {
		category = "thought"
	}
	now := s.Clock.Now()
	post := &models.Post{
		ID:               uuid.NewString(),
		UserID:           actor,
		Content:          req.Content,
		Category:         category,
		LocationTag:      req.LocationTag,
		IsAnonymous:      req.IsAnonymous,
		ModerationStatus: models.ModerationApproved,
		UrgentBoostTier:  signals.TierNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.CreatePost(r.Context(), post); err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	s.Feed.Invalidate(post.LocationTag)

	writeJSON(w, http.StatusCreated, post)
	return nil
}

func (s *Server) submission(r *http.Request, id, actor string, kind models.SignalKind) signals.Submission {
	return signals.Submission{
		PostID:       id,
		ActorID:      actor,
		Kind:         kind,
		OriginIP:     ClientIP(r),
		OriginDevice: r.Header.Get(idempotency.DeviceHeader),
		Area:         r.Header.Get(AreaHeader),
	}
}

func (s *Server) reactPost(w http.ResponseWriter, r *http.Request) error {
	id, err := postID(r)
	if err != nil {
		return err
	}
	var req reactRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	actor, err := s.resolveActor(r.Context(), req.UserID)
	if err != nil {
		return err
	}

	kind := models.SignalKind(req.Action)
	post, err := s.Signals.React(r.Context(), s.submission(r, id, actor, kind))
	s.Metrics.ObserveSignal(string(kind), signalOutcome(err))
	if err != nil {
		return signalError(kind, err)
	}
	writeJSON(w, http.StatusOK, post)
	return nil
}

func (s *Server) vote(r *http.Request, kind models.SignalKind) (*signals.Result, error) {
	id, err := postID(r)
	if err != nil {
		return nil, err
	}
	var req signalRequest
	if err := s.decode(r, &req); err != nil {
		return nil, err
	}
	actor, err := s.resolveActor(r.Context(), req.UserID)
	if err != nil {
		return nil, err
	}

	result, err := s.Signals.Submit(r.Context(), s.submission(r, id, actor, kind))
	s.Metrics.ObserveSignal(string(kind), signalOutcome(err))
	if err != nil {
		return nil, signalError(kind, err)
	}
	return result, nil
}

func (s *Server) markUrgent(w http.ResponseWriter, r *http.Request) error {
	result, err := s.vote(r, models.SignalUrgent)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, urgentResponse{
		PostID:           result.Post.ID,
		UrgentVotes:      result.Counters.Urgent,
		SuggestedTo:      result.DeliveryPlan.Reach,
		Scope:            result.DeliveryPlan.Tier,
		DeliveryPlan:     result.DeliveryPlan,
		AntiManipulation: result.AntiManipulation,
	})
	return nil
}

func (s *Server) markImportant(w http.ResponseWriter, r *http.Request) error {
	result, err := s.vote(r, models.SignalImportant)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, importantResponse{
		PostID:           result.Post.ID,
		ImportantVotes:   result.Counters.Important,
		PinnedUntil:      result.PinnedUntil,
		TopPlacement:     result.TopPlacement,
		AntiManipulation: result.AntiManipulation,
	})
	return nil
}

func (s *Server) getPostSignals(w http.ResponseWriter, r *http.Request) error {
	id, err := postID(r)
	if err != nil {
		return err
	}
	summary, err := s.Signals.Summary(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

func (s *Server) recordTelemetry(w http.ResponseWriter, r *http.Request) error {
	var req telemetryRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}

	// an unknown user reference is recorded without a user
	var userID string
	if req.UserID != "" {
		actor, err := s.resolveActor(r.Context(), req.UserID)
		if err != nil && !errors.Is(err, errInvalidActor) {
			return err
		}
		userID = actor
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return err
	}
	event := &models.MobileTelemetry{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   req.SessionID,
		Platform:    req.Platform,
		AppVersion:  req.AppVersion,
		EventType:   req.EventType,
		Screen:      req.Screen,
		Feature:     req.Feature,
		DurationSec: req.DurationSec,
		Metadata:    metadata,
		CreatedAt:   s.Clock.Now(),
	}
	if err := s.Queue.Enqueue(r.Context(), writequeue.MobileTelemetry, event); err != nil {
		return err
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "Telemetry accepted", "id": event.ID})
	return nil
}

func (s *Server) recordLoginAudit(w http.ResponseWriter, r *http.Request) error {
	var req loginAuditRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	actor, err := s.resolveActor(r.Context(), req.UserID)
	if err != nil {
		return err
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return err
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = r.Header.Get(idempotency.DeviceHeader)
	}
	audit := &models.LoginAudit{
		ID:          uuid.NewString(),
		UserID:      actor,
		Event:       req.Event,
		LoginMethod: req.LoginMethod,
		IPAddress:   ClientIP(r),
		UserAgent:   r.UserAgent(),
		DeviceID:    deviceID,
		DeviceType:  req.DeviceType,
		OS:          req.OS,
		AppVersion:  req.AppVersion,
		Metadata:    metadata,
		CreatedAt:   s.Clock.Now(),
	}
	if err := s.Queue.Enqueue(r.Context(), writequeue.LoginAudit, audit); err != nil {
		return err
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Login audit accepted", "id": audit.ID})
	return nil
}

func marshalMetadata(m map[string]interface{}) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, newError(http.StatusBadRequest, "Invalid metadata")
	}
	return datatypes.JSON(data), nil
}
