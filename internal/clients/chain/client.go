// Package chain provides the insurance ledger client: the full policy
// read used for reconciliation, the report write path, and the policy
// event stream.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
)

// Client talks to the insurance ledger's oracle RPC endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new ledger client
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "chain").Logger(),
	}
}

// ListPolicies reads the full policy set from the ledger. This is the
// reconciliation ground truth; policy counts are small relative to
// weather reads, so a full read per cycle is acceptable.
func (c *Client) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	var result policiesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/oracle/policies", nil, &result); err != nil {
		return nil, err
	}

	policies := make([]domain.Policy, 0, len(result.Policies))
	for _, w := range result.Policies {
		p, err := toDomainPolicy(w)
		if err != nil {
			// A malformed policy must not abort reconciliation for the
			// rest of the set.
			c.log.Error().Err(err).Str("policy_id", w.ID).Msg("Skipping malformed policy from chain")
			continue
		}
		policies = append(policies, p)
	}

	c.log.Debug().Int("policies", len(policies)).Int64("height", result.Height).Msg("Listed policies")
	return policies, nil
}

// GetPolicy reads a single policy by id.
func (c *Client) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	var w wirePolicy
	if err := c.doJSON(ctx, http.MethodGet, "/oracle/policies/"+id, nil, &w); err != nil {
		return nil, err
	}

	p, err := toDomainPolicy(w)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitReport writes a trigger or maturity report to the ledger.
// An ALREADY_SETTLED rejection is surfaced as a FaultChainDuplicate
// fault: it proves the report already landed from a previous attempt,
// possibly from a restarted process.
func (c *Client) SubmitReport(ctx context.Context, report domain.Report) (string, error) {
	var result reportResponse
	if err := c.doJSON(ctx, http.MethodPost, "/oracle/reports", report, &result); err != nil {
		return "", err
	}

	c.log.Info().
		Str("policy_id", report.PolicyID).
		Str("kind", string(report.Kind)).
		Str("tx_id", result.TxID).
		Msg("Report submitted")

	return result.TxID, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Retryablef(err, "chain request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.Retryablef(err, "failed to parse chain response")
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var rpcErr rpcError
	_ = json.Unmarshal(raw, &rpcErr)

	switch {
	case rpcErr.Code == codeAlreadySettled:
		return domain.NewFault(domain.FaultChainDuplicate, "chain rejected duplicate report", nil)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Fatalf(nil, "chain rejected credentials (status %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Retryablef(nil, "chain returned status %d: %s", resp.StatusCode, rpcErr.Message)

	default:
		return domain.Fatalf(nil, "chain returned status %d: %s %s", resp.StatusCode, rpcErr.Code, rpcErr.Message)
	}
}
