package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

const (
	testAPIKey = "test-key-1234"

	// Test coordinates (Yangon)
	testLatitude  = 16.8661
	testLongitude = 96.1951
)

func TestTomorrowFetch_Success(t *testing.T) {
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timelines" {
			t.Errorf("Expected path /timelines, got %s", r.URL.Path)
		}
		gotQuery = map[string]string{}
		for key := range r.URL.Query() {
			gotQuery[key] = r.URL.Query().Get(key)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"timelines":[{"timestep":"1h","intervals":[]}]}}`))
	}))
	defer srv.Close()

	client := NewTomorrowClient(srv.URL)
	body, err := client.Fetch(context.Background(), testLatitude, testLongitude, testAPIKey)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if !gjson.GetBytes(body, "data.timelines").Exists() {
		t.Error("Expected raw provider body to be returned unchanged")
	}

	if gotQuery["apikey"] != testAPIKey {
		t.Errorf("Expected apikey %s, got %s", testAPIKey, gotQuery["apikey"])
	}
	if gotQuery["location"] != "16.8661,96.1951" {
		t.Errorf("Unexpected location parameter: %s", gotQuery["location"])
	}
	if gotQuery["timesteps"] != "1h" {
		t.Errorf("Expected 1h timesteps, got %s", gotQuery["timesteps"])
	}
	if gotQuery["units"] != "metric" {
		t.Errorf("Expected metric units, got %s", gotQuery["units"])
	}
	if !strings.Contains(gotQuery["fields"], "temperature") {
		t.Errorf("Expected temperature in fields, got %s", gotQuery["fields"])
	}

	start, err := time.Parse(time.RFC3339, gotQuery["startTime"])
	if err != nil {
		t.Fatalf("startTime not RFC3339: %v", err)
	}
	end, err := time.Parse(time.RFC3339, gotQuery["endTime"])
	if err != nil {
		t.Fatalf("endTime not RFC3339: %v", err)
	}
	if got := end.Sub(start); got != 24*time.Hour {
		t.Errorf("Expected 24h forecast window, got %v", got)
	}
}

func TestTomorrowFetch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  string
		wantInMsg string
		credFault bool
	}{
		{
			name:      "invalid key",
			status:    401,
			body:      `{"code":401001,"type":"Invalid Auth","message":"The method requires authentication but it was not presented or is invalid."}`,
			wantKind:  KindAuth,
			wantInMsg: "authentication",
			credFault: true,
		},
		{
			name:      "forbidden plan",
			status:    403,
			body:      `{"code":403001,"message":"The plan does not include this endpoint."}`,
			wantKind:  KindForbidden,
			wantInMsg: "plan",
			credFault: true,
		},
		{
			name:      "rate limited",
			status:    429,
			body:      `{"code":429001,"message":"The request limit for this resource has been reached."}`,
			wantKind:  KindRateLimited,
			wantInMsg: "limit",
			credFault: true,
		},
		{
			name:      "server error with opaque body",
			status:    500,
			body:      `oops`,
			wantKind:  KindUpstream,
			wantInMsg: "status 500",
			credFault: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewTomorrowClient(srv.URL)
			_, err := client.Fetch(context.Background(), testLatitude, testLongitude, testAPIKey)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}

			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("Expected *UpstreamError, got %T", err)
			}
			if upErr.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, upErr.Kind)
			}
			if upErr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, upErr.StatusCode)
			}
			if !strings.Contains(strings.ToLower(upErr.Message), tt.wantInMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantInMsg, upErr.Message)
			}
			if upErr.Provider != "tomorrow" {
				t.Errorf("Expected provider tomorrow, got %s", upErr.Provider)
			}
			if upErr.CredentialFault() != tt.credFault {
				t.Errorf("Expected CredentialFault=%v for kind %s", tt.credFault, upErr.Kind)
			}
		})
	}
}

func TestTomorrowFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewTomorrowClient(srv.URL)
	client.SetTimeout(20 * time.Millisecond)

	_, err := client.Fetch(context.Background(), testLatitude, testLongitude, testAPIKey)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Expected *UpstreamError, got %T", err)
	}
	if upErr.Kind != KindTimeout {
		t.Errorf("Expected kind %s, got %s", KindTimeout, upErr.Kind)
	}
	if upErr.CredentialFault() {
		t.Error("Timeout must not count as a credential fault")
	}
}

func TestOpenWeatherFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/2.5/forecast" {
			t.Errorf("Expected forecast path, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("appid"); got != testAPIKey {
			t.Errorf("Expected appid %s, got %s", testAPIKey, got)
		}
		if got := r.URL.Query().Get("units"); got != "metric" {
			t.Errorf("Expected metric units, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cod":"200","cnt":40,"list":[],"city":{"name":"Yangon"}}`))
	}))
	defer srv.Close()

	client := NewOpenWeatherClient(srv.URL)
	body, err := client.Fetch(context.Background(), testLatitude, testLongitude, testAPIKey)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := gjson.GetBytes(body, "city.name").String(); got != "Yangon" {
		t.Errorf("Expected city Yangon in payload, got %q", got)
	}
}

func TestOpenWeatherFetch_InvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"cod":401,"message":"Invalid API key."}`))
	}))
	defer srv.Close()

	client := NewOpenWeatherClient(srv.URL)
	_, err := client.Fetch(context.Background(), testLatitude, testLongitude, "bad-key")

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Expected *UpstreamError, got %T", err)
	}
	if upErr.Kind != KindAuth {
		t.Errorf("Expected kind %s, got %s", KindAuth, upErr.Kind)
	}
	if upErr.Message != "Invalid API key." {
		t.Errorf("Expected message from error body, got %q", upErr.Message)
	}
}

func TestReverseGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/geo/1.0/reverse" {
			t.Errorf("Expected reverse geocoding path, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "1" {
			t.Errorf("Expected limit 1, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"Yangon","country":"MM"}]`))
	}))
	defer srv.Close()

	client := NewOpenWeatherClient(srv.URL)
	city, err := client.ReverseGeocode(context.Background(), testLatitude, testLongitude, testAPIKey)
	if err != nil {
		t.Fatalf("ReverseGeocode failed: %v", err)
	}
	if city != "Yangon" {
		t.Errorf("Expected Yangon, got %q", city)
	}
}

func TestReverseGeocode_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewOpenWeatherClient(srv.URL)
	city, err := client.ReverseGeocode(context.Background(), 0, 0, testAPIKey)
	if err != nil {
		t.Fatalf("Expected empty result without error, got %v", err)
	}
	if city != "" {
		t.Errorf("Expected empty city, got %q", city)
	}
}

func TestProviderNames(t *testing.T) {
	if got := NewTomorrowClient("").Name(); got != "tomorrow" {
		t.Errorf("Expected tomorrow, got %s", got)
	}
	if got := NewOpenWeatherClient("").Name(); got != "openweather" {
		t.Errorf("Expected openweather, got %s", got)
	}
}
