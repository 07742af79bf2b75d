package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

var (
	a = geo.Point{Latitude: 25.7600, Longitude: -80.1900}
	b = geo.Point{Latitude: 25.7610, Longitude: -80.1910}
	c = geo.Point{Latitude: 25.7620, Longitude: -80.1920}
	d = geo.Point{Latitude: 25.7630, Longitude: -80.1930}
)

func sampleSegments() []routing.Segment {
	return []routing.Segment{
		{Start: a, End: b, Classification: routing.Safe},
		{Start: b, End: c, Classification: routing.AtRisk},
		{Start: c, End: d, Classification: routing.AtRisk},
	}
}

func sampleHazards() []hazard.Hazard {
	return []hazard.Hazard{{
		ID:       "1",
		Title:    "Flooded street",
		Type:     hazard.TypeFlood,
		Location: c,
		Address:  "Brickell Ave",
		Severity: hazard.SeverityCritical,
		Active:   true,
	}}
}

func TestWriteKML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, "Route to Bayside", sampleSegments(), sampleHazards()))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<?xml") || strings.Contains(out, "<kml"), "output is a KML document")
	assert.Contains(t, out, "Route to Bayside")
	assert.Contains(t, out, `id="route-safe"`)
	assert.Contains(t, out, `id="route-at-risk"`)
	assert.Contains(t, out, "#route-at-risk")
	assert.Contains(t, out, "Segments 0-0")
	assert.Contains(t, out, "Segments 1-2", "adjacent at-risk segments share a placemark")
	assert.Contains(t, out, "Flooded street")
	assert.Contains(t, out, "-80.192,25.762", "coordinates are lon,lat")
}

func TestWriteKML_NoHazards(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, "Empty", nil, nil))
	assert.NotContains(t, buf.String(), "Hazards")
}

func TestFeatureCollection(t *testing.T) {
	fc := FeatureCollection(sampleSegments(), sampleHazards())
	require.Len(t, fc.Features, 4)

	first := fc.Features[0]
	line, ok := first.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Equal(t, orb.LineString{{a.Longitude, a.Latitude}, {b.Longitude, b.Latitude}}, line)
	assert.Equal(t, "SAFE", first.Properties["classification"])
	assert.Equal(t, 0, first.Properties["index"])

	assert.Equal(t, "AT_RISK", fc.Features[2].Properties["classification"])

	h := fc.Features[3]
	assert.Equal(t, "1", h.ID)
	assert.Equal(t, orb.Point{c.Longitude, c.Latitude}, h.Geometry)
	assert.Equal(t, "critical", h.Properties["severity"])
}

func TestFeatureCollection_RoundTripsAsGeoJSON(t *testing.T) {
	data, err := json.Marshal(FeatureCollection(sampleSegments(), nil))
	require.NoError(t, err)

	decoded, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, decoded.Features, 3)
	assert.Equal(t, "AT_RISK", decoded.Features[1].Properties.MustString("classification"))
}

func TestFeatureCollection_Empty(t *testing.T) {
	data, err := json.Marshal(FeatureCollection(nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(data))
}
