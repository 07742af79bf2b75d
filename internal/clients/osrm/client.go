package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// Client requests driving routes from an OSRM server
type Client struct {
	baseURL    string
	profile    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// RouteResponse is the subset of the OSRM route response the client reads
type RouteResponse struct {
	Code    string  `json:"code"`
	Message string  `json:"message,omitempty"`
	Routes  []Route `json:"routes,omitempty"`
}

// Route is a single OSRM route with a GeoJSON geometry
type Route struct {
	Distance float64           `json:"distance"`
	Duration float64           `json:"duration"`
	Geometry *geojson.Geometry `json:"geometry"`
}

// NewClient creates an OSRM client limited to rps requests per second
func NewClient(baseURL, profile string, rps float64, burst int) *Client {
	if profile == "" {
		profile = "driving"
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    baseURL,
		profile:    profile,
		userAgent:  "hazardroute/1.0",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Route returns the waypoints of the fastest route between origin and destination
func (c *Client) Route(ctx context.Context, origin, destination geo.Point) ([]geo.Point, error) {
	route, err := c.fetchRoute(ctx, origin, destination)
	if err != nil {
		return nil, err
	}

	line, ok := route.Geometry.Coordinates.(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("unexpected route geometry %s", route.Geometry.Type)
	}

	points := make([]geo.Point, len(line))
	for i, p := range line {
		points[i] = geo.Point{Latitude: p.Lat(), Longitude: p.Lon()}
	}
	return points, nil
}

func (c *Client) fetchRoute(ctx context.Context, origin, destination geo.Point) (*Route, error) {
	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid OSRM base URL: %w", err)
	}

	// OSRM takes lon,lat pairs
	reqURL.Path = fmt.Sprintf("/route/v1/%s/%f,%f;%f,%f",
		c.profile,
		origin.Longitude, origin.Latitude,
		destination.Longitude, destination.Latitude,
	)

	q := reqURL.Query()
	q.Set("overview", "full")
	q.Set("geometries", "geojson")
	q.Set("alternatives", "false")
	q.Set("steps", "false")
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to communicate with routing service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var osrmResp RouteResponse
	if err := json.Unmarshal(body, &osrmResp); err != nil {
		return nil, fmt.Errorf("failed to parse routing response (status %d): %w", resp.StatusCode, err)
	}

	if osrmResp.Code != "Ok" {
		return nil, fmt.Errorf("routing service error %s: %s", osrmResp.Code, osrmResp.Message)
	}
	if len(osrmResp.Routes) == 0 || osrmResp.Routes[0].Geometry == nil {
		return nil, fmt.Errorf("no route found")
	}

	return &osrmResp.Routes[0], nil
}
