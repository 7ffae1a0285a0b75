package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"raingate/api"
	"raingate/internal/geocache"
	"raingate/internal/keypool"
	"raingate/internal/stats"
)

// Test coordinates (Yangon and nearby Bago)
const (
	testLat = 16.8661
	testLon = 96.1951

	bagoLat = 17.3350
	bagoLon = 96.4815
)

var testPayload = []byte(`{"data":{"timelines":[{"timestep":"1h"}]}}`)

type fakeProvider struct {
	mu    sync.Mutex
	name  string
	calls int
	fn    func(key string) ([]byte, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Fetch(ctx context.Context, lat, lon float64, key string) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(key)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeGeocoder struct {
	city  string
	err   error
	calls int
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64, key string) (string, error) {
	g.calls++
	return g.city, g.err
}

func newTestCache() *geocache.Cache {
	return geocache.New(geocache.Config{
		ExactTTL:       10 * time.Minute,
		GridTTL:        30 * time.Minute,
		CityTTL:        time.Hour,
		GridResolution: 0.05,
	})
}

func okProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, fn: func(string) ([]byte, error) {
		return testPayload, nil
	}}
}

func TestFetch_UpstreamThenCacheHit(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	provider := okProvider("tomorrow")
	st := stats.New()

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        st,
		Providers:    []api.Provider{provider},
		NearestMaxKm: 50,
	})

	res, err := gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}
	if res.Cached {
		t.Error("First fetch must not be served from cache")
	}
	if res.Provider != "tomorrow" {
		t.Errorf("Expected provider tomorrow, got %q", res.Provider)
	}
	if string(res.Payload) != string(testPayload) {
		t.Error("Payload does not match upstream body")
	}

	res, err = gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}
	if !res.Cached || res.Tier != geocache.TierExact {
		t.Errorf("Expected exact-tier cache hit, got cached=%v tier=%q", res.Cached, res.Tier)
	}
	if provider.callCount() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", provider.callCount())
	}

	snap := st.Get()
	if snap.TotalRequests != 2 || snap.CacheHits != 1 || snap.APICalls != 1 {
		t.Errorf("Unexpected stats: %+v", snap)
	}
}

func TestFetch_PoolExhausted(t *testing.T) {
	pool := keypool.New(1, 1)
	pool.Register("tomorrow-1", "key-1", "tomorrow")
	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("draining pool: %v", err)
	}

	provider := okProvider("tomorrow")

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{provider},
		NearestMaxKm: 50,
	})

	_, err := gw.Fetch(context.Background(), testLat, testLon)

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("Expected *RateLimitError, got %v", err)
	}
	if rateErr.RetryAfter <= 0 {
		t.Errorf("Expected positive retry-after hint, got %v", rateErr.RetryAfter)
	}
	if provider.callCount() != 0 {
		t.Errorf("Exhausted pool must not reach upstream, got %d calls", provider.callCount())
	}
}

func TestFetch_RotatesOnAuthError(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "bad-key", "tomorrow")
	pool.Register("tomorrow-2", "good-key", "tomorrow")

	provider := &fakeProvider{name: "tomorrow", fn: func(key string) ([]byte, error) {
		if key == "bad-key" {
			return nil, &api.UpstreamError{Provider: "tomorrow", StatusCode: 401, Kind: api.KindAuth, Message: "invalid key"}
		}
		return testPayload, nil
	}}

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{provider},
		NearestMaxKm: 50,
	})

	res, err := gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("Fetch failed despite healthy second credential: %v", err)
	}
	if res.Cached {
		t.Error("Expected fresh upstream result")
	}
	if provider.callCount() != 2 {
		t.Errorf("Expected 2 attempts across credentials, got %d", provider.callCount())
	}

	// The bad credential is benched; further fetches go straight to the
	// healthy one.
	usages := pool.Snapshot()
	if usages[0].Daily != 1 || usages[1].Daily != 1 {
		t.Errorf("Expected one quota unit per attempted credential, got %+v", usages)
	}
}

func TestFetch_FallsBackToSecondProvider(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "t-key", "tomorrow")
	pool.Register("openweather-1", "o-key", "openweather")

	tomorrow := &fakeProvider{name: "tomorrow", fn: func(string) ([]byte, error) {
		return nil, &api.UpstreamError{Provider: "tomorrow", StatusCode: 429, Kind: api.KindRateLimited, Message: "limit reached"}
	}}
	openweather := okProvider("openweather")

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{tomorrow, openweather},
		NearestMaxKm: 50,
	})

	res, err := gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Provider != "openweather" {
		t.Errorf("Expected fallback to openweather, got %q", res.Provider)
	}
	if tomorrow.callCount() != 1 || openweather.callCount() != 1 {
		t.Errorf("Expected one call per provider, got tomorrow=%d openweather=%d",
			tomorrow.callCount(), openweather.callCount())
	}
}

func TestFetch_ApproximateFromNearbyCell(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	timedOut := &fakeProvider{name: "tomorrow", fn: func(string) ([]byte, error) {
		return nil, &api.UpstreamError{Provider: "tomorrow", Kind: api.KindTimeout, Message: "deadline exceeded"}
	}}

	cache := newTestCache()
	cache.Store(bagoLat, bagoLon, testPayload, "Bago")

	gw := New(Options{
		Pool:         pool,
		Cache:        cache,
		Stats:        stats.New(),
		Providers:    []api.Provider{timedOut},
		NearestMaxKm: 100,
	})

	res, err := gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("Expected approximate fallback, got error: %v", err)
	}
	if !res.Approximate {
		t.Error("Expected approximate result")
	}
	if !res.Cached || res.Tier != geocache.TierGrid {
		t.Errorf("Expected grid-tier fallback hit, got cached=%v tier=%q", res.Cached, res.Tier)
	}
	if timedOut.callCount() != 1 {
		t.Errorf("Timeout must not trigger credential rotation, got %d calls", timedOut.callCount())
	}
}

func TestFetch_NoFallbackAvailable(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	broken := &fakeProvider{name: "tomorrow", fn: func(string) ([]byte, error) {
		return nil, &api.UpstreamError{Provider: "tomorrow", StatusCode: 500, Kind: api.KindUpstream, Message: "internal error"}
	}}

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{broken},
		NearestMaxKm: 50,
	})

	_, err := gw.Fetch(context.Background(), testLat, testLon)

	var nfErr *NoFallbackError
	if !errors.As(err, &nfErr) {
		t.Fatalf("Expected *NoFallbackError, got %v", err)
	}
	var upErr *api.UpstreamError
	if !errors.As(err, &upErr) || upErr.Kind != api.KindUpstream {
		t.Errorf("Expected wrapped upstream error, got %v", nfErr.Cause)
	}
}

func TestFetch_CityResolverMemoized(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	provider := okProvider("tomorrow")
	geo := &fakeGeocoder{city: "Yangon"}

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{provider},
		Geocoder:     geo,
		GeocoderKey:  "geo-key",
		NearestMaxKm: 50,
	})

	if _, err := gw.Fetch(context.Background(), testLat, testLon); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	// Nearby coordinates in the same grid cell reuse the memoized name.
	if _, err := gw.Fetch(context.Background(), testLat+0.001, testLon+0.001); err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}

	if geo.calls != 1 {
		t.Errorf("Expected a single geocoding call per grid cell, got %d", geo.calls)
	}
}

func TestFetch_GeocoderFailureDegrades(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	provider := okProvider("tomorrow")
	geo := &fakeGeocoder{err: errors.New("geocoding down")}

	cache := newTestCache()
	gw := New(Options{
		Pool:         pool,
		Cache:        cache,
		Stats:        stats.New(),
		Providers:    []api.Provider{provider},
		Geocoder:     geo,
		GeocoderKey:  "geo-key",
		NearestMaxKm: 50,
	})

	res, err := gw.Fetch(context.Background(), testLat, testLon)
	if err != nil {
		t.Fatalf("Geocoder failure must not fail the request: %v", err)
	}
	if res.Cached {
		t.Error("Expected fresh upstream result")
	}

	counts := cache.Counts()
	if counts[geocache.TierCity] != 0 {
		t.Errorf("Expected no city-tier entry after geocoder failure, got %d", counts[geocache.TierCity])
	}
	if counts[geocache.TierExact] != 1 || counts[geocache.TierGrid] != 1 {
		t.Errorf("Coordinate tiers must still be populated, got %+v", counts)
	}
}

func TestFetch_CoalescesConcurrentMisses(t *testing.T) {
	pool := keypool.New(25, 500)
	pool.Register("tomorrow-1", "key-1", "tomorrow")

	release := make(chan struct{})
	provider := &fakeProvider{name: "tomorrow", fn: func(string) ([]byte, error) {
		<-release
		return testPayload, nil
	}}

	gw := New(Options{
		Pool:         pool,
		Cache:        newTestCache(),
		Stats:        stats.New(),
		Providers:    []api.Provider{provider},
		NearestMaxKm: 50,
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gw.Fetch(context.Background(), testLat, testLon)
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Worker %d failed: %v", i, err)
		}
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("Expected concurrent misses to share one upstream call, got %d", got)
	}

	usages := pool.Snapshot()
	if usages[0].Daily != 1 {
		t.Errorf("Expected one quota unit consumed, got %d", usages[0].Daily)
	}
}
