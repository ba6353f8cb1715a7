package metrics

import (
	"github.com/adirai/community-api/internal/feed"
	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/prometheus/client_golang/prometheus"
)

// Sources are the components whose in-memory counters are exported at
// scrape time. Nil members are skipped.
type Sources struct {
	Queue       func() writequeue.Stats
	Idempotency func() idempotency.Stats
	Feed        func() feed.Stats
	Maintenance func() maintenance.Status
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

var (
	queuePending  = desc("write_queue_pending", "Payloads buffered per write queue", "queue")
	queueFlushed  = desc("write_queue_flushed_total", "Payloads written per write queue", "queue")
	queueDropped  = desc("write_queue_dropped_total", "Payloads shed because the queue was full", "queue")
	queueFailures = desc("write_queue_failures_total", "Batches dropped after a failed write", "queue")

	idemEntries   = desc("idempotency_entries", "Entries held by the idempotency backend", "backend")
	idemRequests  = desc("idempotency_requests_total", "Keyed requests by outcome", "outcome")
	idemRemovals  = desc("idempotency_removed_total", "Entries removed by reason", "reason")
	feedRequests  = desc("feed_cache_requests_total", "Feed cache lookups by result", "result")
	feedEntries   = desc("feed_cache_entries", "Cached feed pages")
	sweepRuns     = desc("maintenance_runs_total", "Completed retention sweeps")
	sweepFailures = desc("maintenance_failures_total", "Retention sweeps that failed")
	sweepDeleted  = desc("maintenance_last_run_deleted", "Records deleted by the last sweep", "category")
)

type statsCollector struct {
	src Sources
}

// RegisterSources exports the component counters on the collector's registry
func (c *Collector) RegisterSources(src Sources) {
	c.registry.MustRegister(&statsCollector{src: src})
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		queuePending, queueFlushed, queueDropped, queueFailures,
		idemEntries, idemRequests, idemRemovals,
		feedRequests, feedEntries,
		sweepRuns, sweepFailures, sweepDeleted,
	} {
		ch <- d
	}
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if s.src.Queue != nil {
		st := s.src.Queue()
		for name, n := range st.Pending {
			gauge(queuePending, float64(n), name)
			counter(queueFlushed, float64(st.Flushed[name]), name)
			counter(queueDropped, float64(st.Dropped[name]), name)
			counter(queueFailures, float64(st.Failures[name]), name)
		}
	}

	if s.src.Idempotency != nil {
		st := s.src.Idempotency()
		gauge(idemEntries, float64(st.Entries), st.Backend)
		counter(idemRequests, float64(st.Misses), "miss")
		counter(idemRequests, float64(st.Replays), "replay")
		counter(idemRequests, float64(st.Conflicts), "conflict")
		counter(idemRemovals, float64(st.Expired), "expired")
		counter(idemRemovals, float64(st.Evicted), "evicted")
	}

	if s.src.Feed != nil {
		st := s.src.Feed()
		counter(feedRequests, float64(st.Hits), "hit")
		counter(feedRequests, float64(st.Misses), "miss")
		gauge(feedEntries, float64(st.Entries))
	}

	if s.src.Maintenance != nil {
		st := s.src.Maintenance()
		counter(sweepRuns, float64(st.Runs))
		counter(sweepFailures, float64(st.Failures))
		if st.LastRun != nil {
			for category, n := range st.LastRun.Deleted {
				gauge(sweepDeleted, float64(n), category)
			}
		}
	}
}
