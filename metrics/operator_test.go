package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/metrics"
)

func TestOperatorObserveAndServe(t *testing.T) {
	op, err := metrics.NewOperator(prometheus.NewRegistry())
	require.NoError(t, err)

	op.Observe("socket-to-bus", metrics.Stats{
		Forwarded: 10,
		Sent:      8,
		QueueLen:  2,
		RetrySize: 1,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	op.MetricsHandler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "vigilo_connector_forwarded_total")
}
