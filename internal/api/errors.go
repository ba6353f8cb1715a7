package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/signals"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const msgInternal = "Internal server error"

// Error is a failure with a client-facing status and message
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func newError(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

var (
	errInvalidActor  = newError(http.StatusBadRequest, "Invalid userId/mobile")
	errInvalidPostID = newError(http.StatusBadRequest, "Invalid postId")
)

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle is the single error boundary: known errors become their status and
// message, anything else is logged and reported as a generic 500
func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		var apiErr *Error
		if errors.As(err, &apiErr) {
			writeJSON(w, apiErr.Status, message(apiErr.Message))
			return
		}

		s.Metrics.UnhandledError()
		logrus.WithError(err).WithFields(logrus.Fields{
			"request_id": RequestID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, message(msgInternal))
	}
}

// signalError maps signal gate errors to responses
func signalError(kind models.SignalKind, err error) error {
	switch {
	case errors.Is(err, signals.ErrPostNotFound):
		return newError(http.StatusNotFound, "Post not found")
	case errors.Is(err, signals.ErrSelfVote):
		return newError(http.StatusBadRequest, "Cannot vote on your own post")
	case errors.Is(err, signals.ErrDuplicateVote):
		return newError(http.StatusConflict, fmt.Sprintf("Already marked %s", kind))
	case errors.Is(err, signals.ErrUserRateLimited):
		return newError(http.StatusTooManyRequests, "Too many actions, retry later")
	case errors.Is(err, signals.ErrNetworkRateLimited):
		return newError(http.StatusTooManyRequests, "Suspicious traffic detected")
	case errors.Is(err, signals.ErrUnsupportedKind):
		return newError(http.StatusBadRequest, "Unsupported action")
	}
	return err
}

// signalOutcome labels a gate decision for metrics
func signalOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, signals.ErrSelfVote):
		return models.RejectSelfVote
	case errors.Is(err, signals.ErrDuplicateVote):
		return models.RejectDuplicateVote
	case errors.Is(err, signals.ErrUserRateLimited):
		return models.RejectUserRateLimit
	case errors.Is(err, signals.ErrNetworkRateLimited):
		return models.RejectNetworkRateLimit
	case errors.Is(err, signals.ErrPostNotFound):
		return "post_not_found"
	}
	return "error"
}

// decode reads a JSON body into dst and validates it
func (s *Server) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return newError(http.StatusBadRequest, "Invalid request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return newError(http.StatusBadRequest, "Invalid request body: "+strings.Join(fields, ", "))
		}
		return fmt.Errorf("failed to validate request: %w", err)
	}
	return nil
}

func message(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
