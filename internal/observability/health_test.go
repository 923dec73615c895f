package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrade/internal/bus"
)

type fixedStats struct {
	stats bus.Stats
}

func (f fixedStats) Stats() bus.Stats { return f.stats }

func healthzBody(t *testing.T, h *HealthChecker) (int, healthzPayload) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var payload healthzPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec.Code, payload
}

func TestHealthzReadyWithoutBus(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())

	code, payload := healthzBody(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", payload.Status)
	assert.Nil(t, payload.Bus)
}

func TestHealthzReportsBusCounters(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	h.SetBusReady(true)
	h.SetStatsSource(fixedStats{stats: bus.Stats{Emitted: 42, Errors: 3, Dropped: 1}})

	code, payload := healthzBody(t, h)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, payload.Bus)
	assert.True(t, payload.Bus.Ready)
	require.NotNil(t, payload.Bus.Stats)
	assert.Equal(t, int64(42), payload.Bus.Stats.Emitted)
	assert.Equal(t, int64(3), payload.Bus.Stats.Errors)
}

func TestHealthzNotReadyWhenBusIsDown(t *testing.T) {
	h := NewHealthChecker(zap.NewNop())
	h.SetBusReady(false)

	code, payload := healthzBody(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", payload.Status)
}
