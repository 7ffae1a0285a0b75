package api

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"raingate/internal/logger"
)

const (
	tomorrowBaseURL      = "https://api.tomorrow.io/v4"
	timelinesEndpoint    = "/timelines"
	tomorrowProviderName = "tomorrow"

	// Default timeout for API requests
	defaultTimeout = 10 * time.Second

	// User-Agent for API requests
	userAgent = "Raingate/1.0"
)

// Forecast fields requested from the Tomorrow.io timelines endpoint.
var tomorrowFields = []string{
	"temperature",
	"temperatureApparent",
	"humidity",
	"windSpeed",
	"precipitationIntensity",
	"precipitationProbability",
	"weatherCode",
}

// TomorrowClient fetches hourly forecasts from the Tomorrow.io API.
type TomorrowClient struct {
	client *resty.Client
}

// NewTomorrowClient creates a Tomorrow.io API client. The API key is not
// bound to the client; it is supplied per request so a credential pool can
// rotate keys across calls.
func NewTomorrowClient(baseURL string) *TomorrowClient {
	if baseURL == "" {
		baseURL = tomorrowBaseURL
	}

	// No automatic retries: one network attempt per credential so the
	// caller's quota accounting matches what actually went on the wire.
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent).
		SetTimeout(defaultTimeout).
		SetRetryCount(0)

	client.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		headers := make(map[string]string)
		for key, values := range req.Header {
			if len(values) > 0 {
				headers[key] = values[0]
			}
		}
		logger.LogAPIRequest(req.Method, req.URL, headers)
		return nil
	})

	client.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		duration := resp.Time().String()
		bodySize := len(resp.Body())
		logger.LogAPIResponse(resp.Request.Method, resp.Request.URL, resp.StatusCode(), duration, bodySize)
		return nil
	})

	return &TomorrowClient{client: client}
}

// SetTimeout configures the HTTP client timeout.
func (t *TomorrowClient) SetTimeout(timeout time.Duration) {
	t.client.SetTimeout(timeout)
}

// Name returns the provider identifier used in responses and logs.
func (t *TomorrowClient) Name() string {
	return tomorrowProviderName
}

// Fetch retrieves a 24 hour hourly forecast for the given coordinates and
// returns the provider's raw JSON body.
func (t *TomorrowClient) Fetch(ctx context.Context, lat, lon float64, key string) ([]byte, error) {
	complete := logger.LogOperationStart("tomorrow_timelines", map[string]any{
		"latitude":  lat,
		"longitude": lon,
	})

	now := time.Now().UTC()
	queryParams := map[string]string{
		"location":  formatLocation(lat, lon),
		"fields":    strings.Join(tomorrowFields, ","),
		"timesteps": "1h",
		"units":     "metric",
		"startTime": now.Format(time.RFC3339),
		"endTime":   now.Add(24 * time.Hour).Format(time.RFC3339),
		"apikey":    key,
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(queryParams).
		Get(timelinesEndpoint)

	if err != nil {
		upErr := classifyTransportError(tomorrowProviderName, err)
		complete(upErr)
		return nil, upErr
	}

	if !resp.IsSuccess() {
		upErr := classifyResponseError(tomorrowProviderName, resp)
		complete(upErr)
		return nil, upErr
	}

	complete(nil)
	return resp.Body(), nil
}

// formatLocation renders coordinates as the "lat,lon" pair Tomorrow.io expects.
func formatLocation(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}
