package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-rpc/conduit-go/pkg/logging"
)

func TestMetricsProviderRecords(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{Logger: logging.Nop()})
	require.NoError(t, err)

	p.RecordRequest("tools/call", 25*time.Millisecond, true)
	p.RecordRequest("tools/call", 5*time.Millisecond, false)
	p.RecordConnection(3)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.requestTotal.WithLabelValues("tools/call", "true")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.requestTotal.WithLabelValues("tools/call", "false")))
	assert.Equal(t, float64(3), testutil.ToFloat64(p.activeConnections))
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{Namespace: "testns", Logger: logging.Nop()})
	require.NoError(t, err)
	p.RecordRequest("ping", time.Millisecond, true)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "testns_requests_total")
	assert.Contains(t, body, "testns_request_duration_seconds")
}

func TestMetricsStartWithoutAddressIsNoop(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{Logger: logging.Nop()})
	require.NoError(t, err)

	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.Shutdown(t.Context()))
}
