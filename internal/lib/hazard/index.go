package hazard

import (
	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// DefaultRadiusMeters is the distance under which a route point counts as passing through a hazard
const DefaultRadiusMeters = 50.0

// RadiusPolicy resolves the proximity radius for a hazard.
// Overrides apply per severity and per type; when both match, the larger radius wins.
type RadiusPolicy struct {
	DefaultMeters float64
	BySeverity    map[Severity]float64
	ByType        map[Type]float64
}

// FlatRadius returns a policy that applies one radius to every hazard
func FlatRadius(meters float64) RadiusPolicy {
	return RadiusPolicy{DefaultMeters: meters}
}

// DefaultPolicy returns the flat 50m policy
func DefaultPolicy() RadiusPolicy {
	return FlatRadius(DefaultRadiusMeters)
}

// Radius returns the radius in meters to use for h
func (p RadiusPolicy) Radius(h Hazard) float64 {
	radius := 0.0
	matched := false

	if r, ok := p.BySeverity[h.Severity]; ok {
		radius, matched = r, true
	}
	if r, ok := p.ByType[h.Type]; ok && (!matched || r > radius) {
		radius, matched = r, true
	}
	if matched {
		return radius
	}
	return p.DefaultMeters
}

// MaxRadius is the largest radius any hazard can get under this policy
func (p RadiusPolicy) MaxRadius() float64 {
	max := p.DefaultMeters
	for _, r := range p.BySeverity {
		if r > max {
			max = r
		}
	}
	for _, r := range p.ByType {
		if r > max {
			max = r
		}
	}
	return max
}

// ProximityIndex answers hazard proximity queries for a single snapshot.
// Implementations are bound to one Set and one RadiusPolicy at construction.
type ProximityIndex interface {
	// IsNear reports whether any active hazard lies strictly within its radius of p
	IsNear(p geo.Point) bool

	// Nearby returns the active hazards within radius of p, ordered by id
	Nearby(p geo.Point) []Hazard
}

// IndexBuilder constructs a ProximityIndex; swap it to change the spatial index implementation
type IndexBuilder func(set *Set, policy RadiusPolicy) ProximityIndex

// linearIndex scans every active hazard. Hazard counts are in the tens, so a scan is enough.
type linearIndex struct {
	hazards []Hazard
	radii   []float64
}

// NewLinearIndex creates an O(active hazards) ProximityIndex
func NewLinearIndex(set *Set, policy RadiusPolicy) ProximityIndex {
	active := set.Active()
	radii := make([]float64, len(active))
	for i, h := range active {
		radii[i] = policy.Radius(h)
	}
	return &linearIndex{hazards: active, radii: radii}
}

func (l *linearIndex) IsNear(p geo.Point) bool {
	for i, h := range l.hazards {
		if geo.Distance(p, h.Location) < l.radii[i] {
			return true
		}
	}
	return false
}

func (l *linearIndex) Nearby(p geo.Point) []Hazard {
	var nearby []Hazard
	for i, h := range l.hazards {
		if geo.Distance(p, h.Location) < l.radii[i] {
			nearby = append(nearby, h)
		}
	}
	return nearby
}

// IsNear reports whether p is strictly within radiusMeters of any active hazard in set
func IsNear(p geo.Point, set *Set, radiusMeters float64) bool {
	return NewLinearIndex(set, FlatRadius(radiusMeters)).IsNear(p)
}

// NearbyHazards returns the active hazards in set strictly within radiusMeters of p
func NearbyHazards(p geo.Point, set *Set, radiusMeters float64) []Hazard {
	return NewLinearIndex(set, FlatRadius(radiusMeters)).Nearby(p)
}
