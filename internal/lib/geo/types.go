package geo

import "errors"

// EarthRadiusMeters is the mean Earth radius used by the haversine formula
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned for non-finite or out-of-range coordinates
var ErrInvalidCoordinate = errors.New("invalid coordinates: latitude must be [-90, 90], longitude must be [-180, 180]")

// Point represents a geographic coordinate in decimal degrees
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}
