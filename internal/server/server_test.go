package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainshield/rainshield/internal/aggregator"
	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/events"
	"github.com/rainshield/rainshield/internal/monitor"
	"github.com/rainshield/rainshield/internal/registry"
	"github.com/rainshield/rainshield/internal/resolver"
	"github.com/rainshield/rainshield/internal/submitter"
)

type stubChain struct{ policies []domain.Policy }

func (s *stubChain) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	return s.policies, nil
}

func (s *stubChain) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	for _, p := range s.policies {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, domain.Fatalf(nil, "not found")
}

type stubSubmitChain struct{}

func (s *stubSubmitChain) SubmitReport(ctx context.Context, r domain.Report) (string, error) {
	return "tx-1", nil
}

type stubGeocoder struct{}

func (s *stubGeocoder) Geocode(ctx context.Context, lat, lon float64) (string, error) {
	return "loc-1", nil
}

type stubWeather struct{}

func (s *stubWeather) FetchPrecipitation(ctx context.Context, key string, start, end int64) ([]domain.Reading, error) {
	return nil, nil
}

func testServer(t *testing.T, policies ...domain.Policy) (*Server, *submitter.Submitter) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:server_%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileLedger,
		Name:    "submissions",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	repo := submitter.NewRepository(db)
	sub := submitter.New(repo, &stubSubmitChain{}, bus, log, submitter.Options{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})

	reg := registry.New(&stubChain{policies: policies}, bus, log)
	require.NoError(t, reg.Reconcile(context.Background()))

	agg := aggregator.New(3600, 48, log)
	mon := monitor.New(reg, resolver.New(&stubGeocoder{}, log), &stubWeather{}, agg, nil, sub, bus, log, monitor.Options{
		WorkerLimit:   2,
		FetchTimeout:  time.Second,
		SubmitTimeout: time.Second,
	})

	srv := New(Config{
		Log:           log,
		Port:          0,
		DevMode:       true,
		SubmissionsDB: db,
		Registry:      reg,
		Monitor:       mon,
		Submissions:   repo,
		EventBus:      bus,
	})
	return srv, sub
}

func activePolicy(id string) domain.Policy {
	return domain.Policy{
		ID:            id,
		Latitude:      6.2442,
		Longitude:     -75.5812,
		CoverageStart: time.Now().Add(-24 * time.Hour).Unix(),
		CoverageEnd:   time.Now().Add(24 * time.Hour).Unix(),
		ThresholdTMM:  500,
		TriggerMode:   domain.ModeEarlyTrigger,
		WindowMode:    domain.WindowCumulative,
		Status:        domain.StatusActive,
	}
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t, activePolicy("pol-1"), activePolicy("pol-2"))
	rec := doRequest(t, srv, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "policies")

	policies := body["policies"].(map[string]interface{})
	assert.Equal(t, float64(2), policies["active"])
}

func TestPoliciesEndpoints(t *testing.T) {
	srv, _ := testServer(t, activePolicy("pol-1"))

	rec := doRequest(t, srv, http.MethodGet, "/api/policies")
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, float64(1), list["count"])

	rec = doRequest(t, srv, http.MethodGet, "/api/policies/pol-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/policies/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmissionsEndpoint(t *testing.T) {
	srv, sub := testServer(t, activePolicy("pol-1"))

	decision := domain.TriggerDecision{
		Kind:          domain.DecisionEarlyTrigger,
		EventOccurred: true,
		Evidence:      domain.Evidence{CumulativeTMM: 600, EvaluatedAt: time.Now()},
	}
	require.NoError(t, sub.Submit(context.Background(), decision, "pol-1"))

	rec := doRequest(t, srv, http.MethodGet, "/api/submissions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count       int              `json:"count"`
		Submissions []submissionView `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "confirmed", body.Submissions[0].Status)
	assert.Equal(t, "tx-1", body.Submissions[0].TxID)

	rec = doRequest(t, srv, http.MethodGet, "/api/submissions/failed")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}

func TestReconcileAndPassEndpoints(t *testing.T) {
	srv, _ := testServer(t, activePolicy("pol-1"))

	rec := doRequest(t, srv, http.MethodPost, "/api/reconcile")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/pass")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["policies"])
}

func TestExclusionEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/exclusions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	rec = doRequest(t, srv, http.MethodPost, "/api/exclusions/pol-1/clear")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBackupsUnconfigured(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/backups")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	srv, _ := testServer(t, activePolicy("pol-1"))
	rec := doRequest(t, srv, http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusOK, rec.Code)
}
