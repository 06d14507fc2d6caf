package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockledger.dev/internal/ledger/ingest"
	"blockledger.dev/internal/ledger/qcache"
)

func TestMetrics_RegisterAndPoll(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := New(reg, Sources{
		Ingest:  func() ingest.Stats { return ingest.Stats{DroppedTotal: 3, Depth: [2]int{1, 2}, Capacity: 8} },
		Cache:   func() qcache.Stats { return qcache.Stats{Hits: 5} },
		Indexed: func() int { return 42 },
	})
	require.NoError(t, err)

	m.ObserveQuery("index", 2*time.Millisecond)
	m.QueryFailures.Inc()
	m.RollbackRuns.WithLabelValues("applied").Inc()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, byName["blockledger_ingest_dropped_total"])
	assert.Equal(t, 3.0, byName["blockledger_ingest_queue_depth"])
	assert.Equal(t, 5.0, byName["blockledger_cache_hits_total"])
	assert.Equal(t, 42.0, byName["blockledger_index_records"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.QueryDuration))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, Sources{})
	require.NoError(t, err)
	_, err = New(reg, Sources{})
	require.Error(t, err)

	m.Unregister(reg)
	_, err = New(reg, Sources{})
	require.NoError(t, err)
}

func TestMetrics_NilRegisterer(t *testing.T) {
	m, err := New(nil, Sources{})
	require.NoError(t, err)
	m.InvalidRecords.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvalidRecords))
}
