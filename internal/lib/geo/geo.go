package geo

import (
	"fmt"
	"math"

	"github.com/twpayne/go-polyline"
)

// Distance calculates great-circle distance between two points in meters using the Haversine formula.
// Inputs are not validated; callers check coordinates at the boundary with ValidatePoint.
func Distance(p1, p2 Point) float64 {
	if p1 == p2 {
		return 0
	}

	// Convert degrees to radians
	lat1 := p1.Latitude * math.Pi / 180
	lon1 := p1.Longitude * math.Pi / 180
	lat2 := p2.Latitude * math.Pi / 180
	lon2 := p2.Longitude * math.Pi / 180

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// PathLength sums the edge distances of a point sequence
func PathLength(points []Point) float64 {
	total := 0.0
	for i := 0; i+1 < len(points); i++ {
		total += Distance(points[i], points[i+1])
	}
	return total
}

// ValidatePoint rejects non-finite and out-of-range coordinates
func ValidatePoint(p Point) error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return fmt.Errorf("%w: non-finite value (%v, %v)", ErrInvalidCoordinate, p.Latitude, p.Longitude)
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: got (%v, %v)", ErrInvalidCoordinate, p.Latitude, p.Longitude)
	}
	return nil
}

// ValidatePath validates every point of a path and reports the first bad index
func ValidatePath(points []Point) error {
	for i, p := range points {
		if err := ValidatePoint(p); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}
	return nil
}

// NewPoint creates a Point from latitude and longitude values with validation
func NewPoint(latitude, longitude float64) (Point, error) {
	point := Point{Latitude: latitude, Longitude: longitude}
	if err := ValidatePoint(point); err != nil {
		return Point{}, err
	}
	return point, nil
}

// DecodePolyline decodes a Google encoded polyline string to a point sequence
func DecodePolyline(encoded string) ([]Point, error) {
	if encoded == "" {
		return nil, fmt.Errorf("encoded polyline string is empty")
	}

	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{Latitude: coord[0], Longitude: coord[1]}
		if err := ValidatePoint(points[i]); err != nil {
			return nil, fmt.Errorf("decoded polyline contains invalid coordinates: %w", err)
		}
	}

	return points, nil
}

// EncodePolyline encodes points with the Google polyline algorithm (1e5 precision)
func EncodePolyline(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(polyline.EncodeCoords(coords))
}
