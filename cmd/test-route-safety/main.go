package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ersn/hazardroute/server/internal/clients/osrm"
	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/render"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
	"github.com/ersn/hazardroute/server/internal/services"
)

// Downtown Miami sample area
var (
	sampleOrigin      = geo.Point{Latitude: 25.7617, Longitude: -80.1918}
	sampleDestination = geo.Point{Latitude: 25.7617, Longitude: -80.1818}
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "segment":
		handleSegment()
	case "scenario":
		handleScenario()
	case "distance":
		handleDistance()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleSegment() {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	originLat := fs.Float64("origin-lat", sampleOrigin.Latitude, "Origin latitude")
	originLng := fs.Float64("origin-lng", sampleOrigin.Longitude, "Origin longitude")
	destLat := fs.Float64("dest-lat", sampleDestination.Latitude, "Destination latitude")
	destLng := fs.Float64("dest-lng", sampleDestination.Longitude, "Destination longitude")
	osrmURL := fs.String("osrm", "https://router.project-osrm.org", "OSRM base URL")
	hazardsFile := fs.String("hazards", "", "Path to JSON or YAML list of hazards (defaults to Miami samples)")
	radius := fs.Float64("radius", hazard.DefaultRadiusMeters, "Safety radius in meters")
	kmlOut := fs.String("kml", "", "Write the segmented route to this KML file")

	fs.Parse(os.Args[2:])

	hazards := loadHazards(*hazardsFile)

	client := osrm.NewClient(*osrmURL, "driving", 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	origin := geo.Point{Latitude: *originLat, Longitude: *originLng}
	destination := geo.Point{Latitude: *destLat, Longitude: *destLng}

	fmt.Printf("Requesting route %.5f,%.5f -> %.5f,%.5f\n", origin.Latitude, origin.Longitude, destination.Latitude, destination.Longitude)
	path, err := client.Route(ctx, origin, destination)
	if err != nil {
		log.Fatalf("Route request failed: %v", err)
	}

	segments := routing.Classify(path, hazards, *radius)
	fmt.Printf("Route: %d points, %.0fm, %d segments (%d at risk)\n\n",
		len(path), geo.PathLength(path), len(segments), routing.CountAtRisk(segments))

	for _, run := range routing.Coalesce(segments) {
		fmt.Printf("  [%s] segments %d-%d (%d points)\n",
			run.Classification, run.FirstSegment, run.FirstSegment+run.SegmentCount-1, len(run.Points))
	}

	for _, h := range hazards.Active() {
		for _, p := range path {
			if geo.Distance(p, h.Location) < *radius {
				fmt.Printf("  blocked by %s: %s (%s)\n", h.ID, h.Title, h.Severity)
				break
			}
		}
	}

	if *kmlOut != "" {
		f, err := os.Create(*kmlOut)
		if err != nil {
			log.Fatalf("Error creating %s: %v", *kmlOut, err)
		}
		defer f.Close()
		if err := render.WriteKML(f, "test-route-safety", segments, hazards.Active()); err != nil {
			log.Fatalf("Error writing KML: %v", err)
		}
		fmt.Printf("\nWrote %s\n", *kmlOut)
	}
}

// scriptedProvider returns a direct path first, then a detour one block north
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (p *scriptedProvider) Route(ctx context.Context, origin, destination geo.Point) ([]geo.Point, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	offset := 0.0
	if call > 1 {
		offset = 0.004
	}
	return straightPath(origin, destination, offset, 6), nil
}

func straightPath(origin, destination geo.Point, latOffset float64, steps int) []geo.Point {
	path := make([]geo.Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		lat := origin.Latitude + (destination.Latitude-origin.Latitude)*f
		if i > 0 && i < steps {
			lat += latOffset
		}
		path = append(path, geo.Point{
			Latitude:  lat,
			Longitude: origin.Longitude + (destination.Longitude-origin.Longitude)*f,
		})
	}
	return path
}

func handleScenario() {
	fs := flag.NewFlagSet("scenario", flag.ExitOnError)
	delay := fs.Duration("provider-delay", 200*time.Millisecond, "Simulated routing provider latency")
	fs.Parse(os.Args[2:])

	monitor := feed.NewMonitor(context.Background())
	defer monitor.Close()
	monitor.Publish(hazard.EmptySet())

	outcomes := make(chan services.Outcome, 16)
	supervisor := services.NewRouteSafetySupervisor(context.Background(),
		&scriptedProvider{delay: *delay}, monitor, routing.NewSegmenter(hazard.DefaultPolicy()),
		services.WithOutcomeHandler(func(o services.Outcome) { outcomes <- o }),
	)
	defer supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("=== Requesting route with no hazards ===")
	route, err := supervisor.RequestRoute(ctx, sampleOrigin, sampleDestination)
	if err != nil {
		log.Fatalf("RequestRoute failed: %v", err)
	}
	fmt.Printf("Route active: %d segments, %d at risk\n", len(route.Segments), route.AtRiskCount())
	printOutcome(<-outcomes)

	blocking := route.Path[3]
	fmt.Printf("\n=== Publishing hazard at %.5f,%.5f ===\n", blocking.Latitude, blocking.Longitude)
	set, err := hazard.NewSet([]hazard.Hazard{{
		ID:       "1",
		Title:    "Flooded Street",
		Type:     hazard.TypeFlood,
		Location: blocking,
		Address:  "Brickell Ave & SE 8th St",
		Severity: hazard.SeverityCritical,
		Active:   true,
	}})
	if err != nil {
		log.Fatalf("Invalid hazard: %v", err)
	}
	monitor.Publish(set)

	for {
		select {
		case o := <-outcomes:
			printOutcome(o)
			if o.Kind == services.OutcomeRerouted || o.Kind == services.OutcomeRerouteFailed {
				snap, err := supervisor.Snapshot(ctx)
				if err != nil {
					log.Fatalf("Snapshot failed: %v", err)
				}
				fmt.Printf("\nFinal state: %s, generation %d, %d at risk\n",
					snap.State, snap.Route.Generation, snap.Route.AtRiskCount())
				return
			}
		case <-ctx.Done():
			log.Fatalf("Timed out waiting for reroute")
		}
	}
}

func handleDistance() {
	fs := flag.NewFlagSet("distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "First point latitude")
	lng1 := fs.Float64("lng1", 0, "First point longitude")
	lat2 := fs.Float64("lat2", 0, "Second point latitude")
	lng2 := fs.Float64("lng2", 0, "Second point longitude")
	radius := fs.Float64("radius", hazard.DefaultRadiusMeters, "Safety radius in meters")
	fs.Parse(os.Args[2:])

	a, err := geo.NewPoint(*lat1, *lng1)
	if err != nil {
		log.Fatalf("First point: %v", err)
	}
	b, err := geo.NewPoint(*lat2, *lng2)
	if err != nil {
		log.Fatalf("Second point: %v", err)
	}

	d := geo.Distance(a, b)
	fmt.Printf("Distance: %.2fm\n", d)
	fmt.Printf("Within %.0fm radius: %v\n", *radius, d < *radius)
}

func loadHazards(path string) *hazard.Set {
	if path == "" {
		return sampleHazards()
	}
	set, err := hazard.ReadSeedFile(path)
	if err != nil {
		log.Fatalf("Error loading hazards: %v", err)
	}
	return set
}

func sampleHazards() *hazard.Set {
	now := time.Now()
	ago := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}
	set, err := hazard.NewSet([]hazard.Hazard{
		{
			ID:          "1",
			Title:       "Flooded Street",
			Type:        hazard.TypeFlood,
			Location:    geo.Point{Latitude: 25.7617, Longitude: -80.1918},
			Address:     "Brickell Ave & SE 8th St",
			Severity:    hazard.SeverityHigh,
			Description: "Water levels 2-3 feet deep, impassable for most vehicles",
			ReportedAt:  ago(30 * time.Minute),
			Active:      true,
		},
		{
			ID:          "2",
			Title:       "Road Closure",
			Type:        hazard.TypeRoadClosure,
			Location:    geo.Point{Latitude: 25.7753, Longitude: -80.1901},
			Address:     "Biscayne Blvd & NE 15th St",
			Severity:    hazard.SeverityCritical,
			Description: "Downed trees blocking all lanes",
			ReportedAt:  ago(45 * time.Minute),
			Active:      true,
		},
		{
			ID:          "3",
			Title:       "Power Lines Down",
			Type:        hazard.TypePowerOutage,
			Location:    geo.Point{Latitude: 25.7505, Longitude: -80.2006},
			Address:     "SW 12th Ave & SW 8th St",
			Severity:    hazard.SeverityCritical,
			Description: "Live wires on roadway",
			ReportedAt:  ago(2 * time.Hour),
			Active:      false,
		},
	})
	if err != nil {
		log.Fatalf("Invalid sample hazards: %v", err)
	}
	return set
}

func printOutcome(o services.Outcome) {
	fmt.Printf("[%s] state=%s generation=%d at_risk=%d", o.Kind, o.State, o.Generation, o.AtRisk)
	if o.Message != "" {
		fmt.Printf(" %q", o.Message)
	}
	fmt.Println()
}

func printUsage() {
	fmt.Println("test-route-safety - exercise hazard-aware routing")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  test-route-safety segment [--origin-lat N --origin-lng N --dest-lat N --dest-lng N] [--hazards file.json] [--kml out.kml]")
	fmt.Println("  test-route-safety scenario [--provider-delay 200ms]")
	fmt.Println("  test-route-safety distance --lat1 N --lng1 N --lat2 N --lng2 N")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  segment   Fetch a route from OSRM and classify it against hazards")
	fmt.Println("  scenario  Run the hazard-appears-then-reroute flow with a simulated provider")
	fmt.Println("  distance  Haversine distance between two points")
}
