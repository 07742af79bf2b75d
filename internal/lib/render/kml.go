package render

import (
	"fmt"
	"image/color"
	"io"

	kml "github.com/twpayne/go-kml"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

var (
	safeColor   = color.RGBA{R: 0x1e, G: 0x88, B: 0xe5, A: 0xff}
	atRiskColor = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
)

// WriteKML renders route segments and hazards as a KML document.
// Adjacent segments with the same classification share one placemark.
func WriteKML(w io.Writer, name string, segments []routing.Segment, hazards []hazard.Hazard) error {
	safeStyle := kml.SharedStyle("route-safe",
		kml.LineStyle(kml.Color(safeColor), kml.Width(5)),
	)
	atRiskStyle := kml.SharedStyle("route-at-risk",
		kml.LineStyle(kml.Color(atRiskColor), kml.Width(7)),
	)
	hazardStyle := kml.SharedStyle("hazard",
		kml.IconStyle(kml.Color(atRiskColor)),
	)

	children := []kml.Element{kml.Name(name), safeStyle, atRiskStyle, hazardStyle}

	routeFolder := []kml.Element{kml.Name("Route")}
	for _, run := range routing.Coalesce(segments) {
		style := safeStyle
		if run.Classification == routing.AtRisk {
			style = atRiskStyle
		}
		routeFolder = append(routeFolder, kml.Placemark(
			kml.Name(fmt.Sprintf("Segments %d-%d", run.FirstSegment, run.FirstSegment+run.SegmentCount-1)),
			kml.Description(string(run.Classification)),
			kml.StyleURL(style.URL()),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(coordinates(run.Points)...),
			),
		))
	}
	children = append(children, kml.Folder(routeFolder...))

	if len(hazards) > 0 {
		hazardFolder := []kml.Element{kml.Name("Hazards")}
		for _, h := range hazards {
			hazardFolder = append(hazardFolder, kml.Placemark(
				kml.Name(h.Title),
				kml.Description(fmt.Sprintf("%s (%s) %s", h.Type, h.Severity, h.Description)),
				kml.StyleURL(hazardStyle.URL()),
				kml.Point(kml.Coordinates(coordinates([]geo.Point{h.Location})...)),
			))
		}
		children = append(children, kml.Folder(hazardFolder...))
	}

	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}

func coordinates(points []geo.Point) []kml.Coordinate {
	coords := make([]kml.Coordinate, len(points))
	for i, p := range points {
		coords[i] = kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
	}
	return coords
}
