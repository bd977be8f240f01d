package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_SingletonAndRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := Init(reg)
	require.NotNil(t, m)
	assert.Same(t, m, Init(prometheus.NewRegistry()))
	assert.Same(t, m, Get())

	m.RecordUpload(false, "ok", 1024)
	m.RecordUpload(true, "ok", 0)
	m.RecordDownload(false, "partial", 100)
	m.RecordCollision()
	m.RecordExpiration("deleted")
	m.RecordExpiration("missing")
	m.ObserveRequest("GET", "200", 0.01)
	m.SetWatcherSubscribed(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("mediated", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("direct", "ok")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.BytesStored))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Expirations.WithLabelValues("missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatcherConnected))

	m.SetWatcherSubscribed(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WatcherConnected))

	n, err := testutil.GatherAndCount(reg, "filedrop_uploads_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUpload(false, "ok", 1)
		m.RecordDownload(true, "ok", 1)
		m.RecordCollision()
		m.RecordExpiration("deleted")
		m.ObserveRequest("GET", "200", 1)
		m.SetWatcherSubscribed(true)
	})
}

func TestMode(t *testing.T) {
	assert.Equal(t, "direct", Mode(true))
	assert.Equal(t, "mediated", Mode(false))
}
