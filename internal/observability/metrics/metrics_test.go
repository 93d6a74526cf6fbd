package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFetch(SourceCache)
		m.RecordInstall(ResultSuccess, 0.1)
		m.RecordActivation(1)
		m.RecordCacheWrite(ResultError)
		m.RecordSignal("offline-ready")
		m.RecordSignalDropped()
		m.SignalClientConnected()
		m.SignalClientDisconnected()
		m.RecordChat(ResultSuccess)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordFetch(SourceNetwork)
	m.RecordFetch(SourceNetwork)
	m.RecordFetch(SourceOfflinePage)
	m.RecordActivation(1)
	m.SignalClientConnected()
	m.SignalClientConnected()
	m.SignalClientDisconnected()
	m.RecordSignalDropped()

	assert.InDelta(t, 2, testutil.ToFloat64(m.fetches.WithLabelValues(SourceNetwork)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetches.WithLabelValues(SourceOfflinePage)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.activations), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.generations), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.signalClients), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.signalDrops), 0)
}

func TestMetrics_InstallHistogram(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordInstall(ResultSuccess, 0.25)
	m.RecordInstall(ResultError, 0.5)

	var metric dto.Metric
	require.NoError(t, m.installTime.Write(&metric))
	assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.75, metric.GetHistogram().GetSampleSum(), 1e-9)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordCacheWrite(ResultSuccess)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `folio_cache_writes_total{result="success"} 1`)
}
