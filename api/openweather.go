package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"raingate/internal/logger"
)

const (
	openWeatherBaseURL      = "https://api.openweathermap.org"
	forecastEndpoint        = "/data/2.5/forecast"
	reverseGeoEndpoint      = "/geo/1.0/reverse"
	openWeatherProviderName = "openweather"
)

// OpenWeatherClient fetches forecasts from the OpenWeather API. It also
// performs reverse geocoding, which Tomorrow.io does not offer.
type OpenWeatherClient struct {
	client *resty.Client
}

// NewOpenWeatherClient creates an OpenWeather API client. Keys are supplied
// per request rather than bound to the client.
func NewOpenWeatherClient(baseURL string) *OpenWeatherClient {
	if baseURL == "" {
		baseURL = openWeatherBaseURL
	}

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

	return &OpenWeatherClient{client: client}
}

// SetTimeout configures the HTTP client timeout.
func (o *OpenWeatherClient) SetTimeout(timeout time.Duration) {
	o.client.SetTimeout(timeout)
}

// Name returns the provider identifier used in responses and logs.
func (o *OpenWeatherClient) Name() string {
	return openWeatherProviderName
}

// Fetch retrieves the 5 day / 3 hour forecast for the given coordinates and
// returns the provider's raw JSON body.
func (o *OpenWeatherClient) Fetch(ctx context.Context, lat, lon float64, key string) ([]byte, error) {
	complete := logger.LogOperationStart("openweather_forecast", map[string]any{
		"latitude":  lat,
		"longitude": lon,
	})

	queryParams := map[string]string{
		"lat":   fmt.Sprintf("%f", lat),
		"lon":   fmt.Sprintf("%f", lon),
		"units": "metric",
		"appid": key,
	}

	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(queryParams).
		Get(forecastEndpoint)

	if err != nil {
		upErr := classifyTransportError(openWeatherProviderName, err)
		complete(upErr)
		return nil, upErr
	}

	if !resp.IsSuccess() {
		upErr := classifyResponseError(openWeatherProviderName, resp)
		complete(upErr)
		return nil, upErr
	}

	complete(nil)
	return resp.Body(), nil
}

// geocodingResponse represents one entry of the OpenWeather reverse
// geocoding API response.
type geocodingResponse struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	State   string `json:"state,omitempty"`
}

// ReverseGeocode resolves coordinates to a city name. An empty string with
// a nil error means the lookup succeeded but found no named place.
func (o *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64, key string) (string, error) {
	queryParams := map[string]string{
		"lat":   fmt.Sprintf("%f", lat),
		"lon":   fmt.Sprintf("%f", lon),
		"limit": "1",
		"appid": key,
	}

	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(queryParams).
		Get(reverseGeoEndpoint)

	if err != nil {
		logger.Debug("Reverse geocoding failed: %v", err)
		return "", classifyTransportError(openWeatherProviderName, err)
	}

	if !resp.IsSuccess() {
		logger.Debug("Reverse geocoding returned status %d", resp.StatusCode())
		return "", classifyResponseError(openWeatherProviderName, resp)
	}

	var geoData []geocodingResponse
	if err := json.Unmarshal(resp.Body(), &geoData); err != nil {
		return "", fmt.Errorf("failed to parse geocoding response: %w", err)
	}

	if len(geoData) == 0 {
		logger.Debug("No geocoding results for %.4f,%.4f", lat, lon)
		return "", nil
	}

	logger.Debug("Reverse geocoding successful: %s (Country: %s)", geoData[0].Name, geoData[0].Country)
	return geoData[0].Name, nil
}
