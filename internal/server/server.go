// Package server exposes the proxy's HTTP surface: the weather endpoint,
// the stats endpoint, and a health probe.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"raingate/api"
	"raingate/internal/errorutil"
	"raingate/internal/gateway"
	"raingate/internal/geocache"
	"raingate/internal/keypool"
	"raingate/internal/logger"
	"raingate/internal/stats"
)

// Heuristic carried over from the original dashboard: one active user per
// twenty requests.
const requestsPerUser = 20

// Server routes HTTP requests to the gateway and reporting components.
type Server struct {
	gateway        *gateway.Gateway
	pool           *keypool.Pool
	cache          *geocache.Cache
	stats          *stats.Collector
	allowedOrigins []string
	limiter        *rate.Limiter
	mux            *http.ServeMux
}

// Options wires the server's collaborators.
type Options struct {
	Gateway        *gateway.Gateway
	Pool           *keypool.Pool
	Cache          *geocache.Cache
	Stats          *stats.Collector
	AllowedOrigins []string

	// RequestRate/RequestBurst bound inbound requests per second across
	// all clients. Zero disables the limiter.
	RequestRate  float64
	RequestBurst int
}

// New creates the server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		gateway:        opts.Gateway,
		pool:           opts.Pool,
		cache:          opts.Cache,
		stats:          opts.Stats,
		allowedOrigins: opts.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	if opts.RequestRate > 0 {
		burst := opts.RequestBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestRate), burst)
	}
	s.routes()
	return s
}

// Router returns the fully wrapped handler chain.
func (s *Server) Router() http.Handler {
	return s.withCORS(s.withRateLimit(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/weather", s.handleWeather)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// GET /api/weather?lat={float}&lon={float}
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	lat, lon, err := parseCoordinates(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinates", err.Error())
		return
	}

	res, err := s.gateway.Fetch(r.Context(), lat, lon)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	payload := s.annotate(res)
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// annotate injects proxy metadata into the opaque upstream payload. The
// metadata fields require an object root; a payload with any other root is
// wrapped under "data" so the fields are never silently dropped.
func (s *Server) annotate(res gateway.Result) []byte {
	snap := s.stats.Get()

	payload := res.Payload
	if !gjson.ParseBytes(payload).IsObject() {
		logger.Warn("Upstream payload root is not a JSON object, wrapping under data")
		if gjson.ValidBytes(payload) {
			payload, _ = sjson.SetRawBytes([]byte("{}"), "data", payload)
		} else {
			payload, _ = sjson.SetBytes([]byte("{}"), "data", string(payload))
		}
	}

	payload, _ = sjson.SetBytes(payload, "cached", res.Cached)
	if res.Tier != "" {
		payload, _ = sjson.SetBytes(payload, "cacheType", res.Tier)
	}
	if res.Approximate {
		payload, _ = sjson.SetBytes(payload, "approximate", true)
	}
	payload, _ = sjson.SetBytes(payload, "apiCallsToday", snap.APICallsToday)
	payload, _ = sjson.SetBytes(payload, "cacheHitRate", fmt.Sprintf("%.1f%%", snap.CacheHitRate*100))
	return payload
}

// statsResponse is the /api/stats payload.
type statsResponse struct {
	Uptime         string          `json:"uptime"`
	Stats          stats.Snapshot  `json:"stats"`
	APIKeys        []keypool.Usage `json:"apiKeys"`
	Cache          map[string]int  `json:"cache"`
	EstimatedUsers int64           `json:"estimatedUsers"`
	MaxCapacity    int64           `json:"maxCapacity"`
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := s.stats.Get()
	resp := statsResponse{
		Uptime:         s.stats.Uptime().Round(time.Second).String(),
		Stats:          snap,
		APIKeys:        s.pool.Snapshot(),
		Cache:          s.cache.Counts(),
		EstimatedUsers: snap.TotalRequests / requestsPerUser,
		MaxCapacity:    maxCapacity(s.pool.TotalDailyQuota(), snap.SavingsRate),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode stats response: %v", err)
	}
}

// maxCapacity estimates how many requests per day the quota supports once
// cache leverage is factored in. A savings rate of 0.75 means each upstream
// call serves four requests.
func maxCapacity(dailyQuota int, savings float64) int64 {
	if savings >= 0.99 {
		savings = 0.99
	}
	if savings < 0 {
		savings = 0
	}
	return int64(math.Round(float64(dailyQuota) / (1 - savings)))
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": int64(s.stats.Uptime().Seconds()),
		"goroutines": runtime.NumGoroutine(),
	})
}

// parseCoordinates extracts and validates lat/lon query parameters.
func parseCoordinates(r *http.Request) (float64, float64, error) {
	latStr := r.URL.Query().Get("lat")
	lonStr := r.URL.Query().Get("lon")
	if latStr == "" || lonStr == "" {
		return 0, 0, errors.New("lat and lon query parameters are required")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lat must be a number, got %q", latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("lon must be a number, got %q", lonStr)
	}

	verrs := &errorutil.ValidationErrors{}
	if verr := errorutil.ValidateCoordinate("lat", lat, true); verr != nil {
		verrs.Add(verr.Field, verr.Message, verr.Value)
	}
	if verr := errorutil.ValidateCoordinate("lon", lon, false); verr != nil {
		verrs.Add(verr.Field, verr.Message, verr.Value)
	}
	if verrs.HasErrors() {
		return 0, 0, verrs
	}
	return lat, lon, nil
}

// writeGatewayError maps gateway failures onto the HTTP error contract.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	var rateErr *gateway.RateLimitError
	if errors.As(err, &rateErr) {
		retryAfter := int64(math.Ceil(rateErr.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":      "rate_limited",
			"message":    "all API credentials are exhausted, try again later",
			"retryAfter": retryAfter,
		})
		return
	}

	var upErr *api.UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.Kind {
		case api.KindTimeout:
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "weather provider timed out")
		case api.KindAuth, api.KindForbidden, api.KindRateLimited:
			writeError(w, http.StatusBadGateway, "upstream_rejected", "weather provider rejected all credentials")
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "weather provider request failed")
		}
		return
	}

	logger.Error("Unclassified gateway error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "weather data unavailable")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// withCORS applies the configured origin allowlist and answers preflights.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withRateLimit rejects requests beyond the configured inbound rate.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "inbound request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
