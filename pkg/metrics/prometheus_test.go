package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	assert.NotSame(t, a.GetRegistry(), b.GetRegistry())
}

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetrics("test")
	m.RecordHTTPRequest("POST", "/v1/calls/invites", 201, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/v1/calls/invites", "201")))
}

func TestSessionCollectorsAreServed(t *testing.T) {
	m := NewMetrics("test")
	MeshDuplicatesTotal.WithLabelValues("inbound").Inc()

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mesh_duplicate_attempts_total"])
	assert.True(t, names["http_requests_in_flight"])
}
