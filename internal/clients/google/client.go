package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// HTTPDoer is the subset of *http.Client the client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides access to Google Routes API v2
type Client struct {
	apiKey     string
	httpClient HTTPDoer
	baseURL    string
	limiter    *rate.Limiter
}

// RouteData represents the processed route information from Google Routes API
type RouteData struct {
	DurationSeconds int32
	DistanceMeters  int32
	Polyline        string
	Points          []geo.Point
}

// NewClient creates a new Google Routes API client
func NewClient(apiKey, baseURL string) *Client {
	return NewClientWithHTTPDoer(apiKey, baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTPDoer creates a client that sends requests through doer
func NewClientWithHTTPDoer(apiKey, baseURL string, doer HTTPDoer) *Client {
	if baseURL == "" {
		baseURL = "https://routes.googleapis.com"
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: doer,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

// WithRateLimit bounds outgoing requests to rps with the given burst
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Route returns the waypoints of the first computed route, satisfying the route safety provider contract
func (c *Client) Route(ctx context.Context, origin, destination geo.Point) ([]geo.Point, error) {
	data, err := c.ComputeRoutes(ctx, origin, destination)
	if err != nil {
		return nil, err
	}
	return data.Points, nil
}

// ComputeRoutes performs coordinate-based route computation
func (c *Client) ComputeRoutes(ctx context.Context, origin, destination geo.Point) (*RouteData, error) {
	requestBody := map[string]interface{}{
		"origin": map[string]interface{}{
			"location": map[string]interface{}{
				"latLng": map[string]interface{}{
					"latitude":  origin.Latitude,
					"longitude": origin.Longitude,
				},
			},
		},
		"destination": map[string]interface{}{
			"location": map[string]interface{}{
				"latLng": map[string]interface{}{
					"latitude":  destination.Latitude,
					"longitude": destination.Longitude,
				},
			},
		},
		"travelMode":        "DRIVE",
		"routingPreference": "TRAFFIC_UNAWARE",
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/directions/v2:computeRoutes", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Field mask is required or the API rejects the request
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline")
	req.Header.Set("Content-Type", "application/json")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var response GoogleRoutesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(response.Routes) == 0 {
		return nil, fmt.Errorf("no routes found in response")
	}

	return processRouteResponse(response.Routes[0])
}

// processRouteResponse converts a Google route into RouteData with decoded waypoints
func processRouteResponse(route GoogleRoute) (*RouteData, error) {
	durationSeconds, err := parseDuration(route.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	points, err := geo.DecodePolyline(route.Polyline.EncodedPolyline)
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}

	return &RouteData{
		DurationSeconds: durationSeconds,
		DistanceMeters:  route.DistanceMeters,
		Polyline:        route.Polyline.EncodedPolyline,
		Points:          points,
	}, nil
}

// parseDuration parses Google's duration format like "450s" to seconds
func parseDuration(durationStr string) (int32, error) {
	if durationStr == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if len(durationStr) > 1 && durationStr[len(durationStr)-1] == 's' {
		durationStr = durationStr[:len(durationStr)-1]
	}

	var seconds int32
	_, err := fmt.Sscanf(durationStr, "%d", &seconds)
	return seconds, err
}

// GoogleRoutesResponse represents the API response structure
type GoogleRoutesResponse struct {
	Routes []GoogleRoute `json:"routes"`
}

// GoogleRoute represents a single route in the response
type GoogleRoute struct {
	Duration       string         `json:"duration"`
	DistanceMeters int32          `json:"distanceMeters"`
	Polyline       GooglePolyline `json:"polyline"`
}

// GooglePolyline represents the route polyline
type GooglePolyline struct {
	EncodedPolyline string `json:"encodedPolyline"`
}
