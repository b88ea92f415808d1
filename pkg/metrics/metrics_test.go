package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/downstairs/pkg/repair"
	"github.com/marmos91/downstairs/pkg/work"
)

var (
	_ work.Observer   = (*Metrics)(nil)
	_ repair.Observer = (*Metrics)(nil)
)

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobSubmitted(work.KindRead)
		m.JobFinished(work.KindRead, work.StateComplete, time.Millisecond)
		m.ObserveRepair(repair.OutcomeSuccess, 1, time.Second)
		m.ObserveRepairBytes(10)
		m.RecordConnectionAccepted()
		m.RecordConnectionClosed()
		m.RecordConnectionForceClosed()
		m.SetActiveConnections(3)
		m.RecordExportBytes("file", 1)
	})
}

func TestMetrics_Jobs(t *testing.T) {
	m := NewMetrics(nil)

	m.JobSubmitted(work.KindWrite)
	m.JobSubmitted(work.KindWrite)
	m.JobFinished(work.KindWrite, work.StateComplete, 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("write", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsOutstanding))
}

func TestMetrics_Repairs(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveRepair(repair.OutcomeFailed, 3, time.Second)
	m.ObserveRepairBytes(4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepairsTotal.WithLabelValues("failed")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.RepairBytes))
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)
	m.SetActiveConnections(2)
	m.RecordExportBytes("s3", 512)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "downstairs_connections_active 2")
	assert.Contains(t, string(body), `downstairs_export_bytes_total{destination="s3"} 512`)
	assert.Contains(t, string(body), "go_goroutines")
}
