// Package resolver maps policy coordinates to weather provider
// location keys, with an in-process cache.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
)

// coordPrecision is the number of decimal digits used for cache keys.
// Four digits is roughly 11 meters at the equator, well below the
// resolution of any precipitation product.
const coordPrecision = 4

// Resolver resolves coordinates to provider location keys. A physical
// location's provider key is considered permanent for the lifetime of
// the process, so cache entries never expire. The cache is not
// persisted; a restart re-resolves lazily on first use.
type Resolver struct {
	geocoder domain.Geocoder
	log      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// New creates a resolver. Each test constructs its own instance; there
// is no process-wide cache.
func New(geocoder domain.Geocoder, log zerolog.Logger) *Resolver {
	return &Resolver{
		geocoder: geocoder,
		log:      log.With().Str("component", "resolver").Logger(),
		cache:    make(map[string]string),
	}
}

// CacheKey returns the rounded coordinate key used for exact-match
// cache lookups.
func CacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.*f:%.*f", coordPrecision, lat, coordPrecision, lon)
}

// Resolve returns the provider location key for the given coordinates.
// Geocoding failures surface as fatal faults: monitoring for the policy
// cannot proceed and must reach the operator rather than being skipped.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	key := CacheKey(lat, lon)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	locationKey, err := r.geocoder.Geocode(ctx, lat, lon)
	if err != nil {
		return "", fmt.Errorf("resolve (%s): %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = locationKey
	r.mu.Unlock()

	r.log.Debug().
		Str("coords", key).
		Str("location_key", locationKey).
		Msg("Cached location resolution")

	return locationKey, nil
}

// Size returns the number of cached resolutions.
func (r *Resolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
