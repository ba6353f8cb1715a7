package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adirai/community-api/internal/feed"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	c := New()
	r := mux.NewRouter()
	r.Use(c.Middleware)
	r.HandleFunc("/posts/{postId}/urgent", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}).Methods(http.MethodPost)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/posts/"+id+"/urgent", nil))
		assert.Equal(t, http.StatusConflict, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("POST", "/posts/{postId}/urgent", "409")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
}

func TestCollector_Counters(t *testing.T) {
	c := New()
	c.ObserveSignal("urgent", "accepted")
	c.ObserveSignal("urgent", "accepted")
	c.UnhandledError()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalDecisions.WithLabelValues("urgent", "accepted")))
	assert.Equal(t, uint64(1), c.UnhandledErrors())
	assert.Contains(t, scrape(t, c), "community_api_unhandled_errors_total 1")
}

func TestRegisterSources(t *testing.T) {
	c := New()
	c.RegisterSources(Sources{
		Queue: func() writequeue.Stats {
			return writequeue.Stats{
				Pending:  map[string]int{"audit_log": 3},
				Flushed:  map[string]uint64{"audit_log": 10},
				Dropped:  map[string]uint64{"audit_log": 2},
				Failures: map[string]uint64{"audit_log": 1},
			}
		},
		Feed: func() feed.Stats { return feed.Stats{Hits: 4, Misses: 1, Entries: 2} },
		Maintenance: func() maintenance.Status {
			return maintenance.Status{Runs: 5, LastRun: &maintenance.RunStats{
				StartedAt: time.Now(),
				Deleted:   map[string]int64{"sessions": 7},
			}}
		},
	})

	body := scrape(t, c)
	for _, line := range []string{
		`community_api_write_queue_pending{queue="audit_log"} 3`,
		`community_api_write_queue_dropped_total{queue="audit_log"} 2`,
		`community_api_feed_cache_requests_total{result="hit"} 4`,
		`community_api_maintenance_runs_total 5`,
		`community_api_maintenance_last_run_deleted{category="sessions"} 7`,
	} {
		assert.True(t, strings.Contains(body, line), line)
	}
	assert.NotContains(t, body, "community_api_idempotency_entries")
}
