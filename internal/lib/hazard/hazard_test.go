package hazard

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/geo"
)

var downtownFlood = Hazard{
	ID:       "1",
	Title:    "Severe Flooding - Downtown Area",
	Type:     TypeFlood,
	Location: geo.Point{Latitude: 25.7617, Longitude: -80.1918},
	Severity: SeverityCritical,
	Active:   true,
}

func mustSet(t *testing.T, hazards ...Hazard) *Set {
	t.Helper()
	set, err := NewSet(hazards)
	require.NoError(t, err)
	return set
}

// offsetNorth returns a point the given number of meters due north of p
func offsetNorth(p geo.Point, meters float64) geo.Point {
	return geo.Point{Latitude: p.Latitude + meters/111194.93, Longitude: p.Longitude}
}

func TestNewSet_RejectsDuplicates(t *testing.T) {
	_, err := NewSet([]Hazard{downtownFlood, downtownFlood})
	assert.ErrorIs(t, err, ErrDuplicateHazard)
}

func TestNewSet_RejectsInvalidLocation(t *testing.T) {
	bad := downtownFlood
	bad.Location = geo.Point{Latitude: 120, Longitude: 0}
	_, err := NewSet([]Hazard{bad})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	noID := downtownFlood
	noID.ID = ""
	_, err = NewSet([]Hazard{noID})
	assert.Error(t, err)
}

func TestSet_ActiveFilteringAndCopies(t *testing.T) {
	inactive := downtownFlood
	inactive.ID = "2"
	inactive.Active = false

	set := mustSet(t, inactive, downtownFlood)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"1", "2"}, set.IDs())
	require.Len(t, set.Active(), 1)
	assert.Equal(t, "1", set.Active()[0].ID)

	// Returned slices are copies; mutating them does not leak into the snapshot
	all := set.All()
	all[0].Title = "changed"
	got, ok := set.Get("1")
	require.True(t, ok)
	assert.Equal(t, "Severe Flooding - Downtown Area", got.Title)

	assert.Equal(t, 0, EmptySet().Len())
	var nilSet *Set
	assert.Equal(t, 0, nilSet.Len())
}

func TestSet_Equal(t *testing.T) {
	reported := time.Date(2024, 9, 28, 14, 30, 0, 0, time.UTC)
	withTime := downtownFlood
	withTime.ReportedAt = &reported

	sameInstant := reported.In(time.FixedZone("EDT", -4*3600))
	sameTime := downtownFlood
	sameTime.ReportedAt = &sameInstant

	assert.True(t, mustSet(t, downtownFlood).Equal(mustSet(t, downtownFlood)))
	assert.True(t, mustSet(t, withTime).Equal(mustSet(t, sameTime)), "same instant in another zone")
	assert.True(t, EmptySet().Equal(nil))

	cleared := downtownFlood
	cleared.Active = false
	assert.False(t, mustSet(t, downtownFlood).Equal(mustSet(t, cleared)))

	moved := downtownFlood
	moved.Location = offsetNorth(downtownFlood.Location, 10)
	assert.False(t, mustSet(t, downtownFlood).Equal(mustSet(t, moved)))

	escalated := downtownFlood
	escalated.Severity = SeverityLow
	assert.False(t, mustSet(t, downtownFlood).Equal(mustSet(t, escalated)))

	assert.False(t, mustSet(t, downtownFlood).Equal(mustSet(t, withTime)))
	assert.False(t, mustSet(t, downtownFlood).Equal(EmptySet()))
}

func TestHazard_ReportedAtOmittedWhenUnset(t *testing.T) {
	encoded, err := json.Marshal(downtownFlood)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "reportedAt")

	reported := time.Date(2024, 9, 28, 14, 30, 0, 0, time.UTC)
	withTime := downtownFlood
	withTime.ReportedAt = &reported
	encoded, err = json.Marshal(withTime)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"reportedAt":"2024-09-28T14:30:00Z"`)
}

func TestDecodeSet_FeedDocument(t *testing.T) {
	doc := `[
		{"id": "1", "title": "Severe Flooding - Downtown Area", "type": "flood",
		 "location": {"lat": 25.7617, "lng": -80.1918}, "address": "Downtown Miami, FL",
		 "severity": "critical", "reportedAt": "2024-01-15T06:00:00Z", "isActive": true},
		{"id": "3", "title": "Power Outage - Coral Gables", "type": "power-outage",
		 "location": {"lat": 25.7217, "lng": -80.2694}, "severity": "medium", "isActive": false}
	]`

	set, err := DecodeSet([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	flood, ok := set.Get("1")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, flood.Severity)
	assert.Equal(t, TypeFlood, flood.Type)
	assert.True(t, flood.Active)
	require.NotNil(t, flood.ReportedAt)
	assert.Equal(t, 2024, flood.ReportedAt.Year())

	encoded, err := json.Marshal(set)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"severity":"critical"`)

	_, err = DecodeSet([]byte(`[{"id": "x", "severity": "apocalyptic"}]`))
	assert.Error(t, err)
}

func TestSeverity_Ordering(t *testing.T) {
	assert.Less(t, SeverityLow, SeverityMedium)
	assert.Less(t, SeverityMedium, SeverityHigh)
	assert.Less(t, SeverityHigh, SeverityCritical)

	s, err := ParseSeverity(" High ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)
}

func TestIsNear_ScenarioA(t *testing.T) {
	set := mustSet(t, downtownFlood)

	assert.True(t, IsNear(downtownFlood.Location, set, DefaultRadiusMeters), "point at the hazard is near")
	assert.False(t, IsNear(offsetNorth(downtownFlood.Location, 1000), set, DefaultRadiusMeters), "point 1000m away is safe")
}

func TestIsNear_BoundaryIsStrict(t *testing.T) {
	set := mustSet(t, downtownFlood)
	p := offsetNorth(downtownFlood.Location, 50)
	exact := geo.Distance(p, downtownFlood.Location)

	assert.False(t, IsNear(p, set, exact), "point exactly at the radius is not near")
	assert.True(t, IsNear(p, set, exact+1e-6), "point just inside the radius is near")
}

func TestIsNear_IgnoresInactive(t *testing.T) {
	inactive := downtownFlood
	inactive.Active = false
	set := mustSet(t, inactive)

	assert.False(t, IsNear(downtownFlood.Location, set, DefaultRadiusMeters))
	assert.Empty(t, NearbyHazards(downtownFlood.Location, set, DefaultRadiusMeters))
	assert.False(t, IsNear(downtownFlood.Location, EmptySet(), DefaultRadiusMeters))
}

func TestNearbyHazards(t *testing.T) {
	bridge := Hazard{
		ID:       "2",
		Type:     TypeRoadClosure,
		Location: geo.Point{Latitude: 25.7317, Longitude: -80.1918},
		Severity: SeverityHigh,
		Active:   true,
	}
	set := mustSet(t, downtownFlood, bridge)

	nearby := NearbyHazards(offsetNorth(downtownFlood.Location, 20), set, DefaultRadiusMeters)
	require.Len(t, nearby, 1)
	assert.Equal(t, "1", nearby[0].ID)

	// Wide radius covers both hazards, ordered by id
	nearby = NearbyHazards(downtownFlood.Location, set, 5000)
	require.Len(t, nearby, 2)
	assert.Equal(t, "1", nearby[0].ID)
	assert.Equal(t, "2", nearby[1].ID)
}

func TestRadiusPolicy_Overrides(t *testing.T) {
	policy := RadiusPolicy{
		DefaultMeters: 50,
		BySeverity:    map[Severity]float64{SeverityCritical: 150},
		ByType:        map[Type]float64{TypeFlood: 100, TypePowerOutage: 25},
	}

	assert.Equal(t, 150.0, policy.Radius(downtownFlood), "larger of severity and type override wins")
	assert.Equal(t, 25.0, policy.Radius(Hazard{Type: TypePowerOutage, Severity: SeverityLow}))
	assert.Equal(t, 100.0, policy.Radius(Hazard{Type: TypeFlood, Severity: SeverityLow}))
	assert.Equal(t, 50.0, policy.Radius(Hazard{Type: TypeDebris, Severity: SeverityMedium}))
	assert.Equal(t, 150.0, policy.MaxRadius())

	set := mustSet(t, downtownFlood)
	idx := NewLinearIndex(set, policy)
	assert.True(t, idx.IsNear(offsetNorth(downtownFlood.Location, 120)))
	assert.False(t, NewLinearIndex(set, DefaultPolicy()).IsNear(offsetNorth(downtownFlood.Location, 120)))
}
