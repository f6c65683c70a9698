package control

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, 3)

	m.PktsTx.Add(5)
	m.Retransmissions.Inc()
	m.SessionsConnected.Set(2)

	require.Equal(t, 5.0, testutil.ToFloat64(m.PktsTx))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Retransmissions))
	require.Equal(t, 2.0, testutil.ToFloat64(m.SessionsConnected))
}

func TestMetricsNilRegisterer(t *testing.T) {
	m := NewMetrics(nil, 0)
	m.PktsRx.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(m.PktsRx))
}

func TestMetricsTwoEndpointsOneRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, 1)
	// Distinct rpc_id labels must not collide.
	require.NotPanics(t, func() { NewMetrics(reg, 2) })
}
