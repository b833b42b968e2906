// Package meteo provides the weather data provider client used for
// precipitation history and geocoding.
package meteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
)

// Client is a weather provider API client. It holds no state between
// calls; every method is a single network round-trip.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new weather provider client
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "meteo").Logger(),
	}
}

// FetchPrecipitation returns precipitation readings for a location key
// in the half-open window [start, end), ascending by timestamp.
//
// If the provider cannot serve the full requested window it fails with
// a DataUnavailable fault carrying the servable range, rather than
// silently returning partial data. The caller decides whether to
// proceed or defer.
func (c *Client) FetchPrecipitation(ctx context.Context, locationKey string, start, end int64) ([]domain.Reading, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid window [%d,%d)", start, end)
	}

	q := url.Values{}
	q.Set("location", locationKey)
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))

	var result historyResponse
	if err := c.get(ctx, "/history/precipitation", q, &result); err != nil {
		return nil, err
	}

	// Provider-imposed historical limit: fail loudly instead of
	// dropping readings the caller believes it received.
	if result.AvailableFrom > start || result.AvailableTo < end {
		dua := &domain.DataUnavailableError{
			RequestedStart: start,
			RequestedEnd:   end,
			ServableStart:  result.AvailableFrom,
			ServableEnd:    result.AvailableTo,
		}
		return nil, dua.Fault()
	}

	readings := make([]domain.Reading, 0, len(result.Readings))
	for _, r := range result.Readings {
		if r.Timestamp < start || r.Timestamp >= end {
			continue
		}
		readings = append(readings, domain.Reading{
			Timestamp: r.Timestamp,
			TenthsMM:  int64(math.Round(r.PrecipMM * 10)),
		})
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp < readings[j].Timestamp
	})

	c.log.Debug().
		Str("location", locationKey).
		Int64("start", start).
		Int64("end", end).
		Int("readings", len(readings)).
		Msg("Fetched precipitation history")

	return readings, nil
}

// Geocode resolves coordinates to the provider's location key.
// An empty result is a LocationNotFound fatal fault: monitoring for
// that policy cannot proceed and must be surfaced, not skipped.
func (c *Client) Geocode(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))

	var result geocodeResponse
	if err := c.get(ctx, "/geocode", q, &result); err != nil {
		return "", err
	}

	if len(result.Locations) == 0 || result.Locations[0].Key == "" {
		return "", domain.Fatalf(domain.ErrLocationNotFound, "no provider location for (%f, %f)", lat, lon)
	}

	loc := result.Locations[0]
	c.log.Debug().
		Float64("lat", lat).
		Float64("lon", lon).
		Str("key", loc.Key).
		Str("name", loc.Name).
		Msg("Resolved location")

	return loc.Key, nil
}

// get performs a GET request and decodes the JSON response, mapping
// HTTP failures onto the engine's fault taxonomy.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	q.Set("apikey", c.apiKey)
	fullURL := c.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Retryablef(err, "provider request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Fatalf(nil, "provider rejected credentials (status %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusNotFound:
		return domain.Fatalf(domain.ErrLocationNotFound, "provider has no such location")

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.Retryablef(nil, "provider returned status %d", resp.StatusCode)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var pe errorResponse
		if json.Unmarshal(body, &pe) == nil && pe.Message != "" {
			return domain.Fatalf(nil, "provider error %s: %s", pe.Code, pe.Message)
		}
		return domain.Fatalf(nil, "provider returned unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Retryablef(err, "failed to parse provider response")
	}

	return nil
}
