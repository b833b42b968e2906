package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainshield/rainshield/internal/domain"
)

func newTestChain(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zerolog.Nop())
}

func validWirePolicy(id string) wirePolicy {
	return wirePolicy{
		ID:            id,
		Latitude:      6.24,
		Longitude:     -75.58,
		CoverageStart: 1000,
		CoverageEnd:   865000,
		ThresholdTMM:  500,
		TriggerMode:   "early_trigger",
		WindowMode:    "cumulative",
		Status:        "active",
	}
}

func TestListPolicies_SkipsMalformed(t *testing.T) {
	bad := validWirePolicy("pol-bad")
	bad.TriggerMode = "lunar"

	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oracle/policies", r.URL.Path)
		_ = json.NewEncoder(w).Encode(policiesResponse{
			Policies: []wirePolicy{validWirePolicy("pol-1"), bad, validWirePolicy("pol-2")},
			Height:   42,
		})
	})

	policies, err := c.ListPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "pol-1", policies[0].ID)
	assert.Equal(t, "pol-2", policies[1].ID)
}

func TestListPolicies_EmptyWindowModeDefaultsCumulative(t *testing.T) {
	wp := validWirePolicy("pol-1")
	wp.WindowMode = ""

	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(policiesResponse{Policies: []wirePolicy{wp}})
	})

	policies, err := c.ListPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, domain.WindowCumulative, policies[0].WindowMode)
}

func TestSubmitReport(t *testing.T) {
	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oracle/reports", r.URL.Path)

		var report domain.Report
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		assert.Equal(t, "pol-1", report.PolicyID)
		assert.Equal(t, domain.DecisionEarlyTrigger, report.Kind)

		_ = json.NewEncoder(w).Encode(reportResponse{TxID: "0xabc"})
	})

	txID, err := c.SubmitReport(context.Background(), domain.Report{
		PolicyID:      "pol-1",
		Kind:          domain.DecisionEarlyTrigger,
		EventOccurred: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", txID)
}

func TestSubmitReport_AlreadySettled(t *testing.T) {
	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(rpcError{Code: codeAlreadySettled, Message: "policy already settled"})
	})

	_, err := c.SubmitReport(context.Background(), domain.Report{PolicyID: "pol-1", Kind: domain.DecisionMatured})
	require.Error(t, err)
	assert.Equal(t, domain.FaultChainDuplicate, domain.ClassOf(err))
}

func TestSubmitReport_ServerErrorIsRetryable(t *testing.T) {
	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SubmitReport(context.Background(), domain.Report{PolicyID: "pol-1", Kind: domain.DecisionMatured})
	require.Error(t, err)
	assert.Equal(t, domain.FaultRetryable, domain.ClassOf(err))
}

func TestGetPolicy(t *testing.T) {
	c := newTestChain(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oracle/policies/pol-9", r.URL.Path)
		_ = json.NewEncoder(w).Encode(validWirePolicy("pol-9"))
	})

	p, err := c.GetPolicy(context.Background(), "pol-9")
	require.NoError(t, err)
	assert.Equal(t, "pol-9", p.ID)
	assert.Equal(t, domain.StatusActive, p.Status)
}
