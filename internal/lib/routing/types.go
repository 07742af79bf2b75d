package routing

import (
	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// Classification represents the hazard exposure of one route edge
type Classification string

const (
	Safe   Classification = "SAFE"
	AtRisk Classification = "AT_RISK"
)

// Segment is one edge of a route path with its hazard classification
type Segment struct {
	Start          geo.Point      `json:"start"`
	End            geo.Point      `json:"end"`
	Classification Classification `json:"classification"`
}

// Run is a maximal stretch of consecutive segments sharing a classification.
// Runs are a presentation aid; the segment list stays the source of truth.
type Run struct {
	Classification Classification `json:"classification"`
	Points         []geo.Point    `json:"points"`
	FirstSegment   int            `json:"first_segment"`
	SegmentCount   int            `json:"segment_count"`
}
