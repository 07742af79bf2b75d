package hazard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

// Severity is an ordered hazard severity: low < medium < high < critical
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityUnknown:  "unknown",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps the feed's lower-case severity names onto Severity
func ParseSeverity(value string) (Severity, error) {
	for severity, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(value), name) {
			return severity, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown hazard severity %q", value)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type is the hazard category reported by the feed. Unknown categories are kept verbatim.
type Type string

const (
	TypeFlood            Type = "flood"
	TypeRoadClosure      Type = "road-closure"
	TypePowerOutage      Type = "power-outage"
	TypeStructuralDamage Type = "structural-damage"
	TypeDebris           Type = "debris"
)

// Hazard represents a georeferenced danger zone reported by the hazard feed
type Hazard struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Type        Type      `json:"type"`
	Location    geo.Point `json:"location"`
	Address     string    `json:"address,omitempty"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	ReportedAt  *time.Time `json:"reportedAt,omitempty"`
	Active      bool      `json:"isActive"`
}

// ErrDuplicateHazard is returned when a snapshot repeats a hazard id
var ErrDuplicateHazard = errors.New("duplicate hazard id in snapshot")

// Set is an immutable hazard snapshot keyed by id.
// It is safe for concurrent readers because nothing mutates it after NewSet returns.
type Set struct {
	byID    map[string]Hazard
	ordered []Hazard
	active  []Hazard
}

// NewSet builds a snapshot, rejecting empty or duplicate ids and invalid locations
func NewSet(hazards []Hazard) (*Set, error) {
	set := &Set{
		byID:    make(map[string]Hazard, len(hazards)),
		ordered: make([]Hazard, 0, len(hazards)),
	}

	for _, h := range hazards {
		if h.ID == "" {
			return nil, errors.New("hazard id must not be empty")
		}
		if _, exists := set.byID[h.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHazard, h.ID)
		}
		if err := geo.ValidatePoint(h.Location); err != nil {
			return nil, fmt.Errorf("hazard %s: %w", h.ID, err)
		}
		set.byID[h.ID] = h
		set.ordered = append(set.ordered, h)
	}

	sort.Slice(set.ordered, func(i, j int) bool { return set.ordered[i].ID < set.ordered[j].ID })
	for _, h := range set.ordered {
		if h.Active {
			set.active = append(set.active, h)
		}
	}

	return set, nil
}

// EmptySet returns a snapshot with no hazards
func EmptySet() *Set {
	return &Set{byID: map[string]Hazard{}}
}

// DecodeSet parses a JSON array of hazards into a snapshot
func DecodeSet(data []byte) (*Set, error) {
	var hazards []Hazard
	if err := json.Unmarshal(data, &hazards); err != nil {
		return nil, fmt.Errorf("failed to decode hazard snapshot: %w", err)
	}
	return NewSet(hazards)
}

// Len returns the number of hazards, active or not
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// Get looks up a hazard by id
func (s *Set) Get(id string) (Hazard, bool) {
	if s == nil {
		return Hazard{}, false
	}
	h, ok := s.byID[id]
	return h, ok
}

// All returns a copy of every hazard ordered by id
func (s *Set) All() []Hazard {
	if s == nil {
		return nil
	}
	return append([]Hazard(nil), s.ordered...)
}

// Active returns a copy of the hazards that participate in proximity tests
func (s *Set) Active() []Hazard {
	if s == nil {
		return nil
	}
	return append([]Hazard(nil), s.active...)
}

// Equal reports whether both snapshots hold the same hazards with the same contents
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for i := range s.ordered {
		if !s.ordered[i].sameAs(other.ordered[i]) {
			return false
		}
	}
	return true
}

func (h Hazard) sameAs(o Hazard) bool {
	if h.ReportedAt == nil || o.ReportedAt == nil {
		if h.ReportedAt != o.ReportedAt {
			return false
		}
	} else if !h.ReportedAt.Equal(*o.ReportedAt) {
		return false
	}
	return h.ID == o.ID &&
		h.Title == o.Title &&
		h.Type == o.Type &&
		h.Location == o.Location &&
		h.Address == o.Address &&
		h.Severity == o.Severity &&
		h.Description == o.Description &&
		h.Active == o.Active
}

// IDs returns hazard ids in order
func (s *Set) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.ordered))
	for i, h := range s.ordered {
		ids[i] = h.ID
	}
	return ids
}

// MarshalJSON encodes the snapshot as the same array DecodeSet accepts
func (s *Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	hazards := s.ordered
	if hazards == nil {
		hazards = []Hazard{}
	}
	return json.Marshal(hazards)
}
