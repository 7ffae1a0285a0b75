package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"raingate/api"
	"raingate/internal/geocache"
	"raingate/internal/keypool"
	"raingate/internal/logger"
	"raingate/internal/stats"
)

const (
	// Penalty windows applied to a credential after a provider-reported
	// fault. Auth failures tend to be persistent; rate limits clear fast.
	authPenalty      = 15 * time.Minute
	rateLimitPenalty = 5 * time.Minute

	// Resolved city names are stable; memoize them for a day per grid cell.
	cityMemoTTL = 24 * time.Hour
)

// Geocoder resolves coordinates to a city name. An empty name with a nil
// error means no named place was found.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64, key string) (string, error)
}

// Result is the outcome of a weather fetch through the gateway.
type Result struct {
	Payload     []byte
	Cached      bool
	Tier        string
	Approximate bool
	Provider    string
}

// RateLimitError is returned when every credential in the pool is out of
// quota and no upstream call was attempted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("all API credentials exhausted, retry after %s", e.RetryAfter.Round(time.Second))
}

// NoFallbackError is returned when the upstream call failed and the cache
// held nothing close enough to serve as approximate data.
type NoFallbackError struct {
	Cause error
}

func (e *NoFallbackError) Error() string {
	return fmt.Sprintf("upstream failed and no cached data available nearby: %v", e.Cause)
}

func (e *NoFallbackError) Unwrap() error {
	return e.Cause
}

// Options wires the gateway's collaborators.
type Options struct {
	Pool         *keypool.Pool
	Cache        *geocache.Cache
	Stats        *stats.Collector
	Providers    []api.Provider
	Geocoder     Geocoder
	GeocoderKey  string
	NearestMaxKm float64
}

// Gateway runs the request state machine: cache lookup, credential
// acquisition, upstream call with rotation, and nearest-neighbor fallback.
type Gateway struct {
	pool         *keypool.Pool
	cache        *geocache.Cache
	stats        *stats.Collector
	providers    map[string]api.Provider
	geocoder     Geocoder
	geocoderKey  string
	nearestMaxKm float64

	group    singleflight.Group
	cityMemo *gocache.Cache
}

// New creates a gateway from its wired collaborators.
func New(opts Options) *Gateway {
	providers := make(map[string]api.Provider, len(opts.Providers))
	for _, p := range opts.Providers {
		providers[p.Name()] = p
	}

	return &Gateway{
		pool:         opts.Pool,
		cache:        opts.Cache,
		stats:        opts.Stats,
		providers:    providers,
		geocoder:     opts.Geocoder,
		geocoderKey:  opts.GeocoderKey,
		nearestMaxKm: opts.NearestMaxKm,
		cityMemo:     gocache.New(cityMemoTTL, cityMemoTTL),
	}
}

// Fetch resolves a forecast for the given coordinates, from cache when
// possible and upstream otherwise. Concurrent requests for the same exact
// location share a single in-flight fetch.
func (g *Gateway) Fetch(ctx context.Context, lat, lon float64) (Result, error) {
	g.stats.RecordRequest()

	flightKey := g.cache.ExactKey(lat, lon)
	v, err, _ := g.group.Do(flightKey, func() (any, error) {
		res, err := g.fetch(ctx, lat, lon)
		return res, err
	})
	if err != nil {
		return Result{}, err
	}

	res := v.(Result)
	if res.Cached {
		g.stats.RecordCacheHit()
	}
	return res, nil
}

func (g *Gateway) fetch(ctx context.Context, lat, lon float64) (Result, error) {
	hit, ok := g.cache.Lookup(lat, lon, func() (string, error) {
		return g.resolveCity(ctx, lat, lon)
	})
	if ok {
		logger.Debug("Cache hit (%s tier) for %.4f,%.4f", hit.Tier, lat, lon)
		return Result{Payload: hit.Payload, Cached: true, Tier: hit.Tier}, nil
	}

	res, err := g.callUpstream(ctx, lat, lon)
	if err == nil {
		return res, nil
	}

	// Pool exhausted before any network attempt: no fallback applies, the
	// caller gets a retry-after hint instead.
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return Result{}, err
	}

	if near, distKm, found := g.cache.FindNearest(lat, lon, g.nearestMaxKm); found {
		logger.Info("Serving approximate data from %.1f km away after upstream failure: %v", distKm, err)
		return Result{Payload: near.Payload, Cached: true, Tier: near.Tier, Approximate: true}, nil
	}

	logger.Error("Upstream failed with no cached fallback for %.4f,%.4f: %v", lat, lon, err)
	return Result{}, &NoFallbackError{Cause: err}
}

// callUpstream walks the credential pool. Provider-reported credential
// faults penalize the credential and rotate to the next one; transport
// faults stop the rotation so the fallback path can run.
func (g *Gateway) callUpstream(ctx context.Context, lat, lon float64) (Result, error) {
	var lastErr error

	for {
		cred, err := g.pool.Acquire()
		if err != nil {
			if lastErr != nil {
				return Result{}, lastErr
			}
			return Result{}, &RateLimitError{RetryAfter: g.pool.RetryAfter()}
		}

		provider, ok := g.providers[cred.Provider]
		if !ok {
			// Misconfigured credential; bench it so the loop terminates.
			logger.Error("Credential %s references unknown provider %q", cred.ID, cred.Provider)
			g.pool.Penalize(cred.ID, authPenalty)
			continue
		}

		// Acquire already charged the attempt against the credential.
		payload, err := provider.Fetch(ctx, lat, lon, cred.Key)
		if err == nil {
			g.stats.RecordAPICall()
			city, _ := g.resolveCity(ctx, lat, lon)
			g.cache.Store(lat, lon, payload, city)
			return Result{Payload: payload, Provider: provider.Name()}, nil
		}

		lastErr = err

		var upErr *api.UpstreamError
		if errors.As(err, &upErr) && upErr.CredentialFault() {
			penalty := authPenalty
			if upErr.Kind == api.KindRateLimited {
				penalty = rateLimitPenalty
			}
			logger.Warn("Credential %s benched for %s after %s error from %s", cred.ID, penalty, upErr.Kind, upErr.Provider)
			g.pool.Penalize(cred.ID, penalty)
			continue
		}

		// Timeouts and generic upstream failures are not the credential's
		// fault; rotating would burn quota for nothing.
		return Result{}, err
	}
}

// resolveCity reverse-geocodes coordinates to a city name, memoized per
// grid cell. Failures degrade to an empty name and never fail a request.
func (g *Gateway) resolveCity(ctx context.Context, lat, lon float64) (string, error) {
	if g.geocoder == nil || g.geocoderKey == "" {
		return "", nil
	}

	memoKey := g.cache.GridKey(lat, lon)
	if v, ok := g.cityMemo.Get(memoKey); ok {
		return v.(string), nil
	}

	city, err := g.geocoder.ReverseGeocode(ctx, lat, lon, g.geocoderKey)
	if err != nil {
		logger.Debug("City resolution failed for %s: %v", memoKey, err)
		return "", err
	}

	// Empty results are memoized too; ocean coordinates stay nameless.
	g.cityMemo.Set(memoKey, city, gocache.DefaultExpiration)
	return city, nil
}
