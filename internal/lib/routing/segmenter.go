package routing

import (
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// Segmenter classifies route edges against a hazard snapshot
type Segmenter struct {
	policy  hazard.RadiusPolicy
	builder hazard.IndexBuilder
}

// NewSegmenter creates a Segmenter using the linear proximity index
func NewSegmenter(policy hazard.RadiusPolicy) *Segmenter {
	return &Segmenter{policy: policy, builder: hazard.NewLinearIndex}
}

// WithIndexBuilder swaps the proximity index implementation
func (s *Segmenter) WithIndexBuilder(builder hazard.IndexBuilder) *Segmenter {
	return &Segmenter{policy: s.policy, builder: builder}
}

// Policy returns the radius policy used for classification
func (s *Segmenter) Policy() hazard.RadiusPolicy {
	return s.policy
}

// Index builds the proximity index for a snapshot under this segmenter's policy
func (s *Segmenter) Index(set *hazard.Set) hazard.ProximityIndex {
	return s.builder(set, s.policy)
}

// SegmentSet classifies path against a hazard snapshot
func (s *Segmenter) SegmentSet(path []geo.Point, set *hazard.Set) []Segment {
	return SegmentPath(path, s.Index(set))
}

// SegmentPath emits one segment per consecutive waypoint pair, in path order.
// An edge is AT_RISK when either endpoint is near a hazard. Adjacent edges are never merged.
// Paths with fewer than two points produce an empty, non-nil result.
func SegmentPath(path []geo.Point, idx hazard.ProximityIndex) []Segment {
	if len(path) < 2 {
		return []Segment{}
	}

	// Each waypoint is tested once; interior points are shared by two edges
	near := make([]bool, len(path))
	for i, p := range path {
		near[i] = idx.IsNear(p)
	}

	segments := make([]Segment, 0, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		classification := Safe
		if near[i] || near[i+1] {
			classification = AtRisk
		}
		segments = append(segments, Segment{
			Start:          path[i],
			End:            path[i+1],
			Classification: classification,
		})
	}

	return segments
}

// Classify segments path against set with a single flat radius
func Classify(path []geo.Point, set *hazard.Set, radiusMeters float64) []Segment {
	return SegmentPath(path, hazard.NewLinearIndex(set, hazard.FlatRadius(radiusMeters)))
}

// CountAtRisk returns the number of AT_RISK segments
func CountAtRisk(segments []Segment) int {
	count := 0
	for _, seg := range segments {
		if seg.Classification == AtRisk {
			count++
		}
	}
	return count
}

// HasAtRisk reports whether any segment is AT_RISK
func HasAtRisk(segments []Segment) bool {
	return CountAtRisk(segments) > 0
}

// Reconstruct returns the path described by a segment list
func Reconstruct(segments []Segment) []geo.Point {
	if len(segments) == 0 {
		return nil
	}
	points := make([]geo.Point, 0, len(segments)+1)
	points = append(points, segments[0].Start)
	for _, seg := range segments {
		points = append(points, seg.End)
	}
	return points
}

// Coalesce merges adjacent segments with equal classification into runs for rendering
func Coalesce(segments []Segment) []Run {
	var runs []Run
	for i, seg := range segments {
		if n := len(runs); n > 0 && runs[n-1].Classification == seg.Classification {
			runs[n-1].Points = append(runs[n-1].Points, seg.End)
			runs[n-1].SegmentCount++
			continue
		}
		runs = append(runs, Run{
			Classification: seg.Classification,
			Points:         []geo.Point{seg.Start, seg.End},
			FirstSegment:   i,
			SegmentCount:   1,
		})
	}
	return runs
}
