package api

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/adirai/community-api/internal/feed"
	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/storage"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/gorilla/mux"
)

// Diagnostics is the read-only runtime snapshot served to operators
type Diagnostics struct {
	Queue       writequeue.Stats   `json:"queue"`
	Idempotency idempotency.Stats  `json:"idempotency"`
	Maintenance maintenance.Status `json:"maintenance"`
	FeedCache   feed.Stats         `json:"feedCache"`
	Runtime     RuntimeStats       `json:"runtime"`
}

// RuntimeStats describes the process
type RuntimeStats struct {
	UptimeSec       int64  `json:"uptimeSec"`
	Goroutines      int    `json:"goroutines"`
	HeapAllocBytes  uint64 `json:"heapAllocBytes"`
	UnhandledErrors uint64 `json:"unhandledErrors"`
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, Diagnostics{
		Queue:       s.Queue.Stats(),
		Idempotency: s.Idempotency.Stats(),
		Maintenance: s.Maintenance.Status(),
		FeedCache:   s.Feed.Stats(),
		Runtime: RuntimeStats{
			UptimeSec:       int64(s.Clock.Now().Sub(s.startedAt).Seconds()),
			Goroutines:      runtime.NumGoroutine(),
			HeapAllocBytes:  mem.HeapAlloc,
			UnhandledErrors: s.Metrics.UnhandledErrors(),
		},
	})
	return nil
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.Maintenance.RunSafely(r.Context())
	if errors.Is(err, maintenance.ErrRunInProgress) {
		return newError(http.StatusConflict, "Maintenance run already in progress")
	}
	if err != nil {
		return fmt.Errorf("maintenance run failed: %w", err)
	}
	writeJSON(w, http.StatusOK, stats)
	return nil
}

func (s *Server) flushQueues(w http.ResponseWriter, r *http.Request) error {
	flushed := s.Queue.Flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed": flushed,
		"queue":   s.Queue.Stats(),
	})
	return nil
}

func (s *Server) resolveSecurityEvent(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["eventId"]
	err := s.Store.ResolveSecurityEvent(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(http.StatusNotFound, "Security event not found")
	}
	if err != nil {
		return fmt.Errorf("failed to resolve security event: %w", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
	return nil
}
