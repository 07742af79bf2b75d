package render

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

// FeatureCollection renders every route segment as a LineString feature and every
// hazard as a Point feature. Segments keep their index so map clients can style them
// individually.
func FeatureCollection(segments []routing.Segment, hazards []hazard.Hazard) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i, seg := range segments {
		f := geojson.NewFeature(orb.LineString{toOrb(seg.Start), toOrb(seg.End)})
		f.Properties["kind"] = "segment"
		f.Properties["index"] = i
		f.Properties["classification"] = string(seg.Classification)
		fc.Append(f)
	}

	for _, h := range hazards {
		f := geojson.NewFeature(toOrb(h.Location))
		f.ID = h.ID
		f.Properties["kind"] = "hazard"
		f.Properties["title"] = h.Title
		f.Properties["type"] = string(h.Type)
		f.Properties["severity"] = h.Severity.String()
		f.Properties["active"] = h.Active
		if h.Address != "" {
			f.Properties["address"] = h.Address
		}
		fc.Append(f)
	}

	return fc
}

// orb points are [lon, lat]
func toOrb(p geo.Point) orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}
