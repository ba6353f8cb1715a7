package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Header names
const (
	KeyHeader    = "X-Idempotency-Key"
	ReplayHeader = "X-Idempotency-Replay"
	DeviceHeader = "X-Device-ID"
)

const (
	msgInvalidKey = "Invalid x-idempotency-key format"
	msgInProgress = "Request with this idempotency key is still in progress"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{8,120}$`)

// Options configure the middleware
type Options struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
	// ClientIP resolves the caller address used in the dedup scope
	ClientIP func(r *http.Request) string
}

// Stats is the diagnostics snapshot
type Stats struct {
	Enabled    bool   `json:"enabled"`
	Backend    string `json:"backend"`
	TTLSec     int    `json:"ttlSec"`
	MaxEntries int    `json:"maxEntries"`
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Replays    uint64 `json:"replays"`
	Conflicts  uint64 `json:"conflicts"`
	Expired    uint64 `json:"expired"`
	Evicted    uint64 `json:"evicted"`
}

// Middleware deduplicates mutating requests carrying an idempotency key
type Middleware struct {
	opts    Options
	backend Backend

	hits      atomic.Uint64
	misses    atomic.Uint64
	replays   atomic.Uint64
	conflicts atomic.Uint64
}

// New creates the middleware over backend
func New(opts Options, backend Backend) *Middleware {
	if opts.ClientIP == nil {
		opts.ClientIP = remoteHost
	}
	return &Middleware{opts: opts, backend: backend}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Handler wraps next. It has the mux.MiddlewareFunc signature.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.opts.Enabled || !isMutation(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimSpace(r.Header.Get(KeyHeader))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !keyPattern.MatchString(token) {
			writeMessage(w, http.StatusBadRequest, msgInvalidKey)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		key := m.cacheKey(r, token, body)

		outcome, resp, err := m.backend.Begin(ctx, key)
		if err != nil {
			// the key store is unavailable: serve the request without dedup
			logrus.WithError(err).Error("Idempotency backend unavailable")
			next.ServeHTTP(w, r)
			return
		}

		switch outcome {
		case InProgress:
			m.hits.Add(1)
			m.conflicts.Add(1)
			writeMessage(w, http.StatusConflict, msgInProgress)
			return
		case Replay:
			m.hits.Add(1)
			m.replays.Add(1)
			replay(w, resp)
			return
		}

		m.misses.Add(1)
		// settle the entry even if the client has gone away
		settle := context.WithoutCancel(ctx)
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			if completed {
				return
			}
			if err := m.backend.Abort(settle, key); err != nil {
				logrus.WithError(err).Warn("Failed to release idempotency key")
			}
		}()

		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError || rec.body.Len() == 0 {
			return
		}

		err = m.backend.Complete(settle, key, Response{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		completed = true
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Error("Idempotency entry could not be completed")
		}
	})
}

// Stats returns counters merged with the backend's own
func (m *Middleware) Stats() Stats {
	bs := m.backend.Stats()
	return Stats{
		Enabled:    m.opts.Enabled,
		Backend:    m.backend.Name(),
		TTLSec:     int(m.opts.TTL / time.Second),
		MaxEntries: m.opts.MaxEntries,
		Entries:    bs.Entries,
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
		Replays:    m.replays.Load(),
		Conflicts:  m.conflicts.Load(),
		Expired:    bs.Expired,
		Evicted:    bs.Evicted,
	}
}

// cacheKey binds the token to the verb, the full request URI, the caller
// scope and the canonical body
func (m *Middleware) cacheKey(r *http.Request, token string, body []byte) string {
	scope := hashString(r.Header.Get("Authorization") + "|" + r.Header.Get(DeviceHeader) + "|" + m.opts.ClientIP(r))
	return hashString(strings.Join([]string{
		r.Method,
		r.URL.RequestURI(),
		scope,
		token,
		hashBytes(CanonicalBody(body)),
	}, "|"))
}

// CanonicalBody re-encodes a JSON body with object keys sorted at every
// level. An empty body is treated as {}; anything that is not JSON is
// returned unchanged.
func CanonicalBody(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return body
	}
	if dec.More() {
		return body
	}

	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func replay(w http.ResponseWriter, resp *Response) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recorder captures the status and body written by the handler
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
