package osrm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

var (
	origin      = geo.Point{Latitude: 25.7617, Longitude: -80.1918}
	destination = geo.Point{Latitude: 25.7907, Longitude: -80.1300}
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "", 0, 0)
}

func TestRoute_Success(t *testing.T) {
	var gotPath, gotGeometries string
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotGeometries = r.URL.Query().Get("geometries")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"code": "Ok",
			"routes": [{
				"distance": 7021.4,
				"duration": 612.3,
				"geometry": {"type": "LineString", "coordinates": [[-80.1918, 25.7617], [-80.1600, 25.7750], [-80.1300, 25.7907]]}
			}]
		}`))
	})

	points, err := client.Route(context.Background(), origin, destination)
	require.NoError(t, err)

	assert.Equal(t, "/route/v1/driving/-80.191800,25.761700;-80.130000,25.790700", gotPath)
	assert.Equal(t, "geojson", gotGeometries)

	require.Len(t, points, 3)
	assert.Equal(t, origin, points[0])
	assert.Equal(t, geo.Point{Latitude: 25.7750, Longitude: -80.1600}, points[1])
	assert.Equal(t, destination, points[2])
}

func TestRoute_NoRoute(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": "NoRoute", "message": "Impossible route between points"}`))
	})

	_, err := client.Route(context.Background(), origin, destination)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}

func TestRoute_EmptyRoutes(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": "Ok", "routes": []}`))
	})

	_, err := client.Route(context.Background(), origin, destination)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route found")
}

func TestRoute_UnexpectedGeometry(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": "Ok", "routes": [{"geometry": {"type": "Point", "coordinates": [-80.19, 25.76]}}]}`))
	})

	_, err := client.Route(context.Background(), origin, destination)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected route geometry")
}

func TestRoute_MalformedBody(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})

	_, err := client.Route(context.Background(), origin, destination)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
