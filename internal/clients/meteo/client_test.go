package meteo

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

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", 5*time.Second, zerolog.Nop())
}

func TestFetchPrecipitation_ConvertsAndFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		assert.Equal(t, "loc-42", r.URL.Query().Get("location"))

		_ = json.NewEncoder(w).Encode(historyResponse{
			LocationKey:   "loc-42",
			AvailableFrom: 0,
			AvailableTo:   10000,
			Readings: []historyReading{
				{Timestamp: 7200, PrecipMM: 0.7}, // out of order on purpose
				{Timestamp: 0, PrecipMM: 0.5},
				{Timestamp: 3600, PrecipMM: 0.31},
				{Timestamp: 9999, PrecipMM: 4.0}, // outside [0, 7201)
			},
		})
	})

	readings, err := c.FetchPrecipitation(context.Background(), "loc-42", 0, 7201)
	require.NoError(t, err)
	require.Len(t, readings, 3)

	// Ascending order, mm converted to integer tenths with rounding.
	assert.Equal(t, domain.Reading{Timestamp: 0, TenthsMM: 5}, readings[0])
	assert.Equal(t, domain.Reading{Timestamp: 3600, TenthsMM: 3}, readings[1])
	assert.Equal(t, domain.Reading{Timestamp: 7200, TenthsMM: 7}, readings[2])
}

func TestFetchPrecipitation_DataUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(historyResponse{
			AvailableFrom: 5000,
			AvailableTo:   20000,
		})
	})

	_, err := c.FetchPrecipitation(context.Background(), "loc-1", 0, 10000)
	require.Error(t, err)
	assert.Equal(t, domain.FaultDataUnavailable, domain.ClassOf(err))
}

func TestFetchPrecipitation_RetryableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := c.FetchPrecipitation(context.Background(), "loc-1", 0, 100)
		require.Error(t, err)
		assert.Equal(t, domain.FaultRetryable, domain.ClassOf(err), "status %d", status)
	}
}

func TestFetchPrecipitation_AuthIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FetchPrecipitation(context.Background(), "loc-1", 0, 100)
	require.Error(t, err)
	assert.Equal(t, domain.FaultFatal, domain.ClassOf(err))
}

func TestGeocode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geocodeResponse{
			Locations: []geocodeLocation{{Key: "loc-77", Name: "Medellín"}},
		})
	})

	key, err := c.Geocode(context.Background(), 6.2442, -75.5812)
	require.NoError(t, err)
	assert.Equal(t, "loc-77", key)
}

func TestGeocode_NotFoundIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geocodeResponse{})
	})

	_, err := c.Geocode(context.Background(), 0, 0)
	require.Error(t, err)
	assert.Equal(t, domain.FaultFatal, domain.ClassOf(err))
	assert.ErrorIs(t, err, domain.ErrLocationNotFound)
}
