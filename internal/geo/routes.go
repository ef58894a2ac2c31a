package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/notdienststation/dispatch/pkg/logging"
)

const (
	defaultRoutesBaseURL = "https://routes.googleapis.com"
	routesCallTimeout    = 10 * time.Second
	routesFieldMask      = "routes.duration,routes.distanceMeters"
)

// Route is a single computed drive.
type Route struct {
	Duration       time.Duration
	DistanceMeters int
}

// RoutesClient computes drive durations via the Google Routes API v2.
// There is no maintained Go client for v2, so this follows the house
// typed-REST-client shape.
type RoutesClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// RoutesClientConfig configures the routes client.
type RoutesClientConfig struct {
	// APIKey is the Google API key with Routes access.
	APIKey string
	// BaseURL overrides the API base URL (for testing).
	BaseURL string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// NewRoutesClient creates a routes client.
func NewRoutesClient(cfg RoutesClientConfig) (*RoutesClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("geo: routes client: API key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultRoutesBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: routesCallTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &RoutesClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type routesLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type routesLocation struct {
	LatLng routesLatLng `json:"latLng"`
}

type routesWaypoint struct {
	Location *routesLocation `json:"location,omitempty"`
	Address  string          `json:"address,omitempty"`
}

type routesRequest struct {
	Origin      routesWaypoint `json:"origin"`
	Destination routesWaypoint `json:"destination"`
	TravelMode  string         `json:"travelMode"`
}

type routesResponse struct {
	Routes []struct {
		DistanceMeters int    `json:"distanceMeters"`
		Duration       string `json:"duration"`
	} `json:"routes"`
}

// DriveDuration computes the drive from a coordinate to a street address.
// Returns nil when the API finds no route.
func (c *RoutesClient) DriveDuration(ctx context.Context, originLat, originLng float64, destAddress string) (*Route, error) {
	if strings.TrimSpace(destAddress) == "" {
		return nil, fmt.Errorf("geo: routes: destination address required")
	}

	reqBody := routesRequest{
		Origin: routesWaypoint{
			Location: &routesLocation{LatLng: routesLatLng{Latitude: originLat, Longitude: originLng}},
		},
		Destination: routesWaypoint{Address: destAddress},
		TravelMode:  "DRIVE",
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("geo: routes: marshal request: %w", err)
	}

	url := c.baseURL + "/directions/v2:computeRoutes"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("geo: routes: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", routesFieldMask)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("geo: routes: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("geo: routes: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("routes API error", "status", resp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("geo: routes: API returned %d", resp.StatusCode)
	}

	var apiResp routesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("geo: routes: decode response: %w", err)
	}
	if len(apiResp.Routes) == 0 {
		return nil, nil
	}

	duration, err := parseAPIDuration(apiResp.Routes[0].Duration)
	if err != nil {
		return nil, fmt.Errorf("geo: routes: %w", err)
	}
	return &Route{
		Duration:       duration,
		DistanceMeters: apiResp.Routes[0].DistanceMeters,
	}, nil
}

// parseAPIDuration decodes the proto-style seconds string ("1200s").
func parseAPIDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSuffix(s, "s")
	if trimmed == s || trimmed == "" {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	secs, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
