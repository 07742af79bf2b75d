package google

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// MockHTTPDoer is a mock implementation of HTTPDoer
type MockHTTPDoer struct {
	mock.Mock
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

// Helper function to create mock HTTP response
func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// Reference polyline from the encoding format documentation: (38.5,-120.2) (40.7,-120.95) (43.252,-126.453)
const referenceRoute = `{
	"routes": [{
		"duration": "450s",
		"distanceMeters": 50000,
		"polyline": {"encodedPolyline": "_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@"}
	}]
}`

var (
	miamiOrigin      = geo.Point{Latitude: 25.7617, Longitude: -80.1918}
	miamiDestination = geo.Point{Latitude: 25.7907, Longitude: -80.1300}
)

func TestComputeRoutes_Success(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, referenceRoute), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	routeData, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	require.NoError(t, err)
	require.NotNil(t, routeData)

	assert.Equal(t, int32(450), routeData.DurationSeconds)
	assert.Equal(t, int32(50000), routeData.DistanceMeters)
	require.Len(t, routeData.Points, 3)
	assert.InDelta(t, 38.5, routeData.Points[0].Latitude, 1e-9)
	assert.InDelta(t, -126.453, routeData.Points[2].Longitude, 1e-9)

	mockHTTP.AssertExpectations(t)
}

func TestRoute_ReturnsWaypoints(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, referenceRoute), nil)

	client := NewClientWithHTTPDoer("test-api-key", "", mockHTTP)

	points, err := client.Route(context.Background(), miamiOrigin, miamiDestination)
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestComputeRoutes_NoRoutes(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, `{"routes": []}`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	routeData, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Nil(t, routeData)
	assert.Contains(t, err.Error(), "no routes found in response")

	mockHTTP.AssertExpectations(t)
}

func TestComputeRoutes_RateLimitError(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(429, `{"error": {"message": "Quota exceeded"}}`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	routeData, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Nil(t, routeData)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestComputeRoutes_APIError(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(400, `{"error": {"message": "Invalid coordinates"}}`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	routeData, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Nil(t, routeData)
	assert.Contains(t, err.Error(), "API error 400")
}

func TestComputeRoutes_TransportError(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(nil, errors.New("connection refused"))

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	_, err := client.Route(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestComputeRoutes_RequestFormat(t *testing.T) {
	var capturedRequest *http.Request
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Run(func(args mock.Arguments) {
		capturedRequest = args.Get(0).(*http.Request)
	}).Return(createMockResponse(200, referenceRoute), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	origin := geo.Point{Latitude: 25.761681, Longitude: -80.191788}
	_, err := client.ComputeRoutes(context.Background(), origin, miamiDestination)
	require.NoError(t, err)

	require.NotNil(t, capturedRequest)
	assert.Equal(t, "POST", capturedRequest.Method)
	assert.Equal(t, "/directions/v2:computeRoutes", capturedRequest.URL.Path)

	assert.Equal(t, "test-api-key", capturedRequest.Header.Get("X-Goog-Api-Key"))
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))
	assert.Equal(t, "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline",
		capturedRequest.Header.Get("X-Goog-FieldMask"))

	body, err := io.ReadAll(capturedRequest.Body)
	require.NoError(t, err)
	bodyStr := string(body)

	assert.Contains(t, bodyStr, "25.761681")
	assert.Contains(t, bodyStr, "-80.191788")
	assert.Contains(t, bodyStr, "\"travelMode\":\"DRIVE\"")
}

func TestComputeRoutes_InvalidJSON(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, `{"invalid": json}`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	routeData, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Nil(t, routeData)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestComputeRoutes_EmptyPolyline(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, `{"routes": [{"duration": "10s", "distanceMeters": 1, "polyline": {}}]}`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://routes.googleapis.com", mockHTTP)

	_, err := client.ComputeRoutes(context.Background(), miamiOrigin, miamiDestination)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode polyline")
}

func TestParseDuration(t *testing.T) {
	seconds, err := parseDuration("450s")
	require.NoError(t, err)
	assert.Equal(t, int32(450), seconds)

	_, err = parseDuration("")
	assert.Error(t, err)
}

func TestComputeRoutes_RateLimiterHonorsContext(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	client := NewClientWithHTTPDoer("test-api-key", "", mockHTTP).WithRateLimit(0.001, 1)

	// Spend the only token, then the next call must wait far longer than the context allows
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, referenceRoute), nil).Once()
	_, err := client.Route(context.Background(), miamiOrigin, miamiDestination)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Route(ctx, miamiOrigin, miamiDestination)
	assert.Error(t, err)
	mockHTTP.AssertNumberOfCalls(t, "Do", 1)
}
