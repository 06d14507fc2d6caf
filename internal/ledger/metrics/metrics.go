// Package metrics exposes engine counters to Prometheus. Collectors are
// registered on the Registerer passed in; nothing touches the default
// registry.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blockledger.dev/internal/ledger/ingest"
	"blockledger.dev/internal/ledger/qcache"
)

const namespace = "blockledger"

// Sources are polled at scrape time.
type Sources struct {
	Ingest  func() ingest.Stats
	Cache   func() qcache.Stats
	Indexed func() int
}

type Metrics struct {
	QueryDuration   *prometheus.HistogramVec
	QueryFailures   prometheus.Counter
	QueryRejected   prometheus.Counter
	InvalidRecords  prometheus.Counter
	TailDropped     prometheus.Counter
	RollbackRuns    *prometheus.CounterVec
	RollbackRecords *prometheus.CounterVec

	collectors []prometheus.Collector
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered but usable.
func New(reg prometheus.Registerer, src Sources) (*Metrics, error) {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Lookup latency by answering layer.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"source"}),
		QueryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "failures_total",
			Help: "Lookups answered with an empty result because of an error.",
		}),
		QueryRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "rejected_total",
			Help: "Lookups rejected by the lookup specificity policy.",
		}),
		InvalidRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "invalid_total",
			Help: "Appended records dropped because they failed validation.",
		}),
		TailDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tail", Name: "dropped_total",
			Help: "Records not delivered to a slow live-tail subscriber.",
		}),
		RollbackRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rollback", Name: "runs_total",
			Help: "Rollback and preview requests by status.",
		}, []string{"status"}),
		RollbackRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rollback", Name: "records_total",
			Help: "Records processed by rollback runs by outcome.",
		}, []string{"outcome"}),
	}
	m.collectors = []prometheus.Collector{
		m.QueryDuration, m.QueryFailures, m.QueryRejected, m.InvalidRecords,
		m.TailDropped, m.RollbackRuns, m.RollbackRecords,
	}
	m.collectors = append(m.collectors, polled(src)...)

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("metrics already registered: %w", err)
			}
			return nil, err
		}
	}
	return m, nil
}

// Unregister removes every collector from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors {
		reg.Unregister(c)
	}
}

func (m *Metrics) ObserveQuery(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(source).Observe(d.Seconds())
}

func polled(src Sources) []prometheus.Collector {
	var out []prometheus.Collector
	counter := func(sub, name, help string, f func() float64) {
		out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help}, f))
	}
	gauge := func(sub, name, help string, f func() float64) {
		out = append(out, prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help}, f))
	}

	if in := src.Ingest; in != nil {
		counter("ingest", "enqueued_total", "Records accepted into a buffer.", func() float64 { return float64(in().EnqueuedTotal) })
		counter("ingest", "dropped_total", "Records dropped by a full or closed queue.", func() float64 { return float64(in().DroppedTotal) })
		counter("ingest", "saturated_total", "Appends that found the active buffer full.", func() float64 { return float64(in().QueueSaturatedTotal) })
		counter("ingest", "batches_written_total", "Batches committed to the store.", func() float64 { return float64(in().BatchesWritten) })
		counter("ingest", "batches_failed_total", "Batches that failed to commit.", func() float64 { return float64(in().BatchesFailed) })
		counter("ingest", "records_written_total", "Records committed to the store.", func() float64 { return float64(in().RecordsWritten) })
		counter("ingest", "records_failed_total", "Records lost to failed batches.", func() float64 { return float64(in().RecordsFailed) })
		gauge("ingest", "queue_depth", "Records waiting in both buffers.", func() float64 {
			st := in()
			return float64(st.Depth[0] + st.Depth[1])
		})
		gauge("ingest", "queue_capacity", "Capacity of each buffer.", func() float64 { return float64(in().Capacity) })
	}
	if c := src.Cache; c != nil {
		counter("cache", "hits_total", "Query cache hits.", func() float64 { return float64(c().Hits) })
		counter("cache", "misses_total", "Query cache misses.", func() float64 { return float64(c().Misses) })
		counter("cache", "purges_total", "Coalesced cache purges.", func() float64 { return float64(c().Purges) })
		gauge("cache", "entries", "Cached query results.", func() float64 { return float64(c().Entries) })
	}
	if n := src.Indexed; n != nil {
		gauge("index", "records", "Records held by the spatial index.", func() float64 { return float64(n()) })
	}
	return out
}
