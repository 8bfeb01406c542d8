package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	require.Equal(t, float64(1), testutil.ToFloat64(BackendConnected))

	SetConnected(false)
	require.Equal(t, float64(0), testutil.ToFloat64(BackendConnected))
}

func TestBridgeCallsTotal(t *testing.T) {
	counter := BridgeCallsTotal.WithLabelValues("buy", "NotFound")
	before := testutil.ToFloat64(counter)

	counter.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
