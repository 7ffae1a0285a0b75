// Package geocache stores weather payloads keyed by location across three
// tiers of geographic granularity: the exact coordinate, a rounded grid
// cell, and the city name. Each tier expires independently and coarse-tier
// hits are promoted into the finer tiers.
package geocache

import (
	"math"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"raingate/internal/logger"
)

// Tier names reported back to callers on a hit.
const (
	TierExact = "exact"
	TierGrid  = "grid"
	TierCity  = "city"
)

const earthRadiusKm = 6371.0

// Config carries the per-tier TTLs and the grid lattice resolution in
// degrees. TTL ordering should be exact <= grid <= city.
type Config struct {
	ExactTTL       time.Duration
	GridTTL        time.Duration
	CityTTL        time.Duration
	GridResolution float64
}

// Hit is a successful lookup with the tier that produced it.
type Hit struct {
	Payload []byte
	Tier    string
}

// Cache is the three-tier store. Each tier is its own go-cache instance so
// expiry is handled per tier, lazily on reads and by the janitor between
// them.
type Cache struct {
	exact *gocache.Cache
	grid  *gocache.Cache
	city  *gocache.Cache

	resolution float64
	gridDigits int
}

// New creates the tiered cache from the given configuration.
func New(cfg Config) *Cache {
	return &Cache{
		exact:      gocache.New(cfg.ExactTTL, janitorInterval(cfg.ExactTTL)),
		grid:       gocache.New(cfg.GridTTL, janitorInterval(cfg.GridTTL)),
		city:       gocache.New(cfg.CityTTL, janitorInterval(cfg.CityTTL)),
		resolution: cfg.GridResolution,
		gridDigits: digitsFor(cfg.GridResolution),
	}
}

// janitorInterval picks a cleanup period so expired grid entries do not
// linger long enough to distort FindNearest scans.
func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// digitsFor returns the decimal places needed to print a lattice coordinate
// at the given resolution without float noise.
func digitsFor(resolution float64) int {
	digits := 0
	for r := resolution; r < 1 && digits < 6; r *= 10 {
		digits++
	}
	return digits
}

// ExactKey derives the exact-tier key, preserving the input precision.
func (c *Cache) ExactKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}

// GridKey snaps the coordinate to the configured lattice. Rounding is plain
// nearest-point snapping, so any two coordinates within half a cell map to
// the same key.
func (c *Cache) GridKey(lat, lon float64) string {
	snapLat := math.Round(lat/c.resolution) * c.resolution
	snapLon := math.Round(lon/c.resolution) * c.resolution
	return strconv.FormatFloat(snapLat, 'f', c.gridDigits, 64) + "," + strconv.FormatFloat(snapLon, 'f', c.gridDigits, 64)
}

// CityKey normalizes a place name into a stable key.
func CityKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// Lookup checks the tiers in exact, grid, city order. The resolver is only
// invoked when both coordinate tiers miss, since reverse geocoding is
// comparatively expensive. Hits from coarser tiers are promoted into the
// finer ones under those tiers' own TTLs.
func (c *Cache) Lookup(lat, lon float64, resolve func() (string, error)) (Hit, bool) {
	exactKey := c.ExactKey(lat, lon)
	if v, ok := c.exact.Get(exactKey); ok {
		return Hit{Payload: v.([]byte), Tier: TierExact}, true
	}

	gridKey := c.GridKey(lat, lon)
	if v, ok := c.grid.Get(gridKey); ok {
		payload := v.([]byte)
		c.exact.Set(exactKey, payload, gocache.DefaultExpiration)
		logger.Debug("Grid cache hit for %s promoted to exact key %s", gridKey, exactKey)
		return Hit{Payload: payload, Tier: TierGrid}, true
	}

	if resolve != nil {
		city, err := resolve()
		if err == nil && city != "" {
			if v, ok := c.city.Get(CityKey(city)); ok {
				payload := v.([]byte)
				c.grid.Set(gridKey, payload, gocache.DefaultExpiration)
				c.exact.Set(exactKey, payload, gocache.DefaultExpiration)
				logger.Debug("City cache hit for %q promoted to grid and exact tiers", city)
				return Hit{Payload: payload, Tier: TierCity}, true
			}
		}
	}

	return Hit{}, false
}

// Store writes a fresh payload into every tier. The city tier is skipped
// when no name is known; coordinate tiers always get the entry. This is the
// only way data enters the cache.
func (c *Cache) Store(lat, lon float64, payload []byte, city string) {
	c.exact.Set(c.ExactKey(lat, lon), payload, gocache.DefaultExpiration)
	c.grid.Set(c.GridKey(lat, lon), payload, gocache.DefaultExpiration)
	if city != "" {
		c.city.Set(CityKey(city), payload, gocache.DefaultExpiration)
	}
}

// FindNearest scans the grid tier for the entry closest to the coordinate
// within maxKm. Only grid keys are scanned: they are the only tier whose
// keys decode back to coordinates. Used as the last-resort fallback when
// the upstream call fails.
func (c *Cache) FindNearest(lat, lon, maxKm float64) (Hit, float64, bool) {
	var (
		best     []byte
		bestDist = math.MaxFloat64
	)

	for key, item := range c.grid.Items() {
		entryLat, entryLon, ok := decodeKey(key)
		if !ok {
			continue
		}
		dist := haversineKm(lat, lon, entryLat, entryLon)
		if dist <= maxKm && dist < bestDist {
			best = item.Object.([]byte)
			bestDist = dist
		}
	}

	if best == nil {
		return Hit{}, 0, false
	}
	return Hit{Payload: best, Tier: TierGrid}, bestDist, true
}

// Counts reports live entry counts per tier for diagnostics.
func (c *Cache) Counts() map[string]int {
	return map[string]int{
		TierExact: c.exact.ItemCount(),
		TierGrid:  c.grid.ItemCount(),
		TierCity:  c.city.ItemCount(),
	}
}

// decodeKey parses a "lat,lon" grid key back into coordinates.
func decodeKey(key string) (float64, float64, bool) {
	parts := strings.SplitN(key, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(parts[0], 64)
	lon, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// haversineKm computes the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
