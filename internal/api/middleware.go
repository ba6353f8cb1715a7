package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	auditKey
)

const maxAuditBodyKeys = 20

// RequestID returns the id assigned to the request
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestContext reuses a caller supplied X-Request-ID or assigns a new one
// and echoes it on the response
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Metrics.UnhandledError()
				logrus.WithFields(logrus.Fields{
					"request_id": RequestID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      fmt.Sprint(rec),
				}).Error("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, message(msgInternal))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a token bucket per client ip and device
type rateLimiter struct {
	perMinute int
	clock     clock.Clock

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastPrune time.Time
}

func newRateLimiter(perMinute int, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		clock:     clk,
		clients:   make(map[string]*clientLimiter),
		lastPrune: clk.Now(),
	}
}

// allow takes one token for key. When the bucket is empty it returns the
// wait until the next token.
func (l *rateLimiter) allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// a bucket idle for two minutes is full again and can be forgotten
	if now.Sub(l.lastPrune) > time.Minute {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > 2*time.Minute {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute)}
		l.clients[key] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := r.Header.Get(idempotency.DeviceHeader)
		if device == "" {
			device = "no-device"
		}
		ok, wait := s.limiter.allow(ClientIP(r) + ":" + device)
		if !ok {
			retry := int(math.Max(1, math.Ceil(wait.Seconds())))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"message":       "Rate limit exceeded",
				"retryAfterSec": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditInfo is filled in by handlers that resolve an actor
type auditInfo struct {
	actorUserID string
}

func setAuditActor(ctx context.Context, userID string) {
	if info, ok := ctx.Value(auditKey).(*auditInfo); ok {
		info.actorUserID = userID
	}
}

// audit queues one audit log entry per mutating request once the handler
// has finished
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		start := s.Clock.Now()
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		info := &auditInfo{}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), auditKey, info)))

		metadata, _ := json.Marshal(map[string]interface{}{"bodyKeys": bodyKeys(body)})
		entry := &models.AuditLog{
			ID:          uuid.NewString(),
			ActorUserID: info.actorUserID,
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			StatusCode:  sw.status,
			IPAddress:   ClientIP(r),
			UserAgent:   r.UserAgent(),
			RequestID:   RequestID(r.Context()),
			DurationMs:  s.Clock.Now().Sub(start).Milliseconds(),
			Metadata:    datatypes.JSON(metadata),
			CreatedAt:   start,
		}
		if err := s.Queue.Enqueue(context.WithoutCancel(r.Context()), writequeue.AuditLog, entry); err != nil {
			logrus.WithError(err).WithField("request_id", entry.RequestID).Warn("Failed to queue audit log")
		}
	})
}

// bodyKeys lists the top-level keys of a JSON object body, sorted and capped
func bodyKeys(body []byte) []string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return []string{}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxAuditBodyKeys {
		keys = keys[:maxAuditBodyKeys]
	}
	return keys
}

// requireAdmin checks the bearer token when ADMIN_TOKEN is configured
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.Config.AdminToken
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, message("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
