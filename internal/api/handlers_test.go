package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"industrial-sentinel/internal/fanout"
	"industrial-sentinel/internal/ingest"
	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/rules"
	"industrial-sentinel/internal/storage/memstore"
	"industrial-sentinel/internal/telemetry"
)

type testEnv struct {
	router http.Handler
	store  *memstore.Store
	hub    *fanout.Hub
}

func newTestEnv(t *testing.T, limiter *rate.Limiter) testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := memstore.New()
	hub := fanout.NewHub(fanout.DefaultRecent, 8, m)
	gw := ingest.New(rules.NewActive(rules.DefaultCatalog()), store, hub, ingest.Options{
		Retry:   ingest.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Metrics: m,
	})
	h := &Handler{
		Gateway:   gw,
		Incidents: store,
		Hub:       hub,
		Health:    store,
		Limiter:   limiter,
		Metrics:   m,
		Gatherer:  reg,
		Timeout:   5 * time.Second,
	}
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return testEnv{router: r, store: store, hub: hub}
}

func submit(t *testing.T, handler http.Handler, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTelemetryCreatesIncident(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":95}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ok)
	assert.False(t, resp.Duplicate)
	require.Len(t, resp.Incidents, 1)
	assert.Equal(t, telemetry.SeverityCritical, resp.Incidents[0].Severity)
	assert.Contains(t, resp.Incidents[0].Description, "95")
}

func TestSubmitTelemetryWithoutIncidentReturnsEmptyList(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":50}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"incidents":[]`)
}

func TestSubmitTelemetryIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"machineId":"ROBOT_ARM_01","sensorType":"vibration","value":97}`
	first := submit(t, env.router, body, "req-1")
	second := submit(t, env.router, body, "req-1")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)

	var a, b submitResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.True(t, b.Duplicate)
	assert.Equal(t, a.Reading.ID, b.Reading.ID)
	readings, incidents := env.store.Counts()
	assert.Equal(t, 1, readings)
	assert.Equal(t, 2, incidents)
}

func TestSubmitTelemetryValidationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"humidity","value":1}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	assert.Equal(t, "sensorType", resp.Field)
	assert.NotEmpty(t, resp.Reason)

	rec = submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":1,"extra":true}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = submit(t, env.router, `{"machineId":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTelemetryWriteFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetFault(func(_ context.Context, op string) error {
		return telemetry.Retryable(op, errors.New("connection refused"))
	})
	rec := submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":95}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	env.store.SetFault(func(_ context.Context, op string) error {
		return errors.New("value out of range")
	})
	rec = submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":95}`, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "WRITE_FAILED")
}

func TestSubmitTelemetryRateLimited(t *testing.T) {
	env := newTestEnv(t, rate.NewLimiter(0, 1))
	body := `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":20}`
	assert.Equal(t, http.StatusCreated, submit(t, env.router, body, "").Code)
	rec := submit(t, env.router, body, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestListIncidents(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, v := range []string{"91", "92", "93"} {
		require.Equal(t, http.StatusCreated, submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":`+v+`}`, "").Code)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var incidents []telemetry.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &incidents))
	require.Len(t, incidents, 2)
	assert.Contains(t, incidents[0].Description, "93")
	assert.Contains(t, incidents[1].Description, "92")

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/incidents?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":95}`, "")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentinel_ingest_outcomes_total")
	assert.Contains(t, rec.Body.String(), "sentinel_incidents_committed_total")
}

func TestIncidentsLiveStreamsSnapshotThenNewIncidents(t *testing.T) {
	env := newTestEnv(t, nil)
	submit(t, env.router, `{"machineId":"ROBOT_ARM_01","sensorType":"temperature","value":95}`, "")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/incidents/live", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first struct {
		Event string               `json:"event"`
		Data  []telemetry.Incident `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "incidentsList", first.Event)
	require.Len(t, first.Data, 1)

	require.Eventually(t, func() bool { return env.hub.Observers() == 1 }, time.Second, 5*time.Millisecond)
	submit(t, env.router, `{"machineId":"PRESSA_HIDRAULICA_02","sensorType":"temperature","value":99}`, "")

	var next struct {
		Event string             `json:"event"`
		Data  telemetry.Incident `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "newIncident", next.Event)
	assert.Equal(t, "PRESSA_HIDRAULICA_02", next.Data.MachineID)
}
