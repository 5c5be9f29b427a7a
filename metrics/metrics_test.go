package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TransferOutcome("granted")
	m.TransferOutcome("granted")
	m.ForcedTakeover()
	m.FencedMessage("router")
	m.SetSession("active", 7)
	m.SetSession("suspended", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transfers.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForcedTakeovers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fenced.WithLabelValues("router")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Generation))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("suspended")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TransferOutcome("granted")
	m.ForcedTakeover()
	m.FencedMessage("session")
	m.SetSession("idle", 0)
	m.PairingResult("trusted")
	m.Event("admitted")
	m.SetPeers(2)
}
