package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/ersn/hazardroute/server/internal/clients/google"
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

func main() {
	var (
		apiKey      = flag.String("api-key", "", "Google Routes API key (or set GOOGLE_ROUTES_API_KEY env var)")
		originStr   = flag.String("origin", "25.761700,-80.191800", "Origin coordinates (lat,lon)")
		destStr     = flag.String("dest", "25.775300,-80.190100", "Destination coordinates (lat,lon)")
		hazardsFile = flag.String("hazards", "", "Optional JSON or YAML list of hazards to classify the route against")
		radius      = flag.Float64("radius", hazard.DefaultRadiusMeters, "Safety radius in meters")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		fmt.Printf("Google Routes API Test Tool\n\n")
		fmt.Printf("Tests the Google Routes API client and segments the returned route.\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExamples:\n")
		fmt.Printf("  %s -api-key=YOUR_KEY\n", os.Args[0])
		fmt.Printf("  %s -origin=\"25.7617,-80.1918\" -dest=\"25.7753,-80.1901\" -hazards=hazards.json\n", os.Args[0])
		fmt.Printf("  GOOGLE_ROUTES_API_KEY=your_key %s\n", os.Args[0])
		return
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	key := *apiKey
	if key == "" {
		key = os.Getenv("GOOGLE_ROUTES_API_KEY")
	}
	if key == "" {
		log.Fatal("Google Routes API key required. Use -api-key flag or GOOGLE_ROUTES_API_KEY env var")
	}

	origin, err := parsePoint(*originStr)
	if err != nil {
		log.Fatalf("Invalid origin coordinates: %v", err)
	}
	destination, err := parsePoint(*destStr)
	if err != nil {
		log.Fatalf("Invalid destination coordinates: %v", err)
	}

	fmt.Printf("Google Routes API Test\n")
	fmt.Printf("======================\n")
	fmt.Printf("Origin: %.6f, %.6f\n", origin.Latitude, origin.Longitude)
	fmt.Printf("Destination: %.6f, %.6f\n", destination.Latitude, destination.Longitude)
	fmt.Printf("API Key: %s...\n", key[:min(len(key), 10)])
	fmt.Printf("\n")

	client := google.NewClient(key, "")

	fmt.Printf("Testing ComputeRoutes...\n")
	route, err := client.ComputeRoutes(context.Background(), origin, destination)
	if err != nil {
		log.Fatalf("ComputeRoutes failed: %v", err)
	}

	fmt.Printf("✅ ComputeRoutes successful!\n")
	fmt.Printf("Distance: %.2f km\n", float64(route.DistanceMeters)/1000.0)
	fmt.Printf("Duration: %.1f minutes\n", float64(route.DurationSeconds)/60.0)
	fmt.Printf("Polyline: %s...\n", route.Polyline[:min(len(route.Polyline), 50)])
	fmt.Printf("Decoded points: %d (%.0fm along path)\n", len(route.Points), geo.PathLength(route.Points))

	if *hazardsFile != "" {
		set, err := hazard.ReadSeedFile(*hazardsFile)
		if err != nil {
			log.Fatalf("Error loading hazards: %v", err)
		}

		segments := routing.Classify(route.Points, set, *radius)
		fmt.Printf("\nSegments: %d total, %d at risk against %d active hazards\n",
			len(segments), routing.CountAtRisk(segments), len(set.Active()))
		for _, run := range routing.Coalesce(segments) {
			fmt.Printf("  %s: segments %d-%d\n", run.Classification, run.FirstSegment, run.FirstSegment+run.SegmentCount-1)
		}
	}

	fmt.Printf("\n🎉 All Google Routes API tests passed!\n")
}

func parsePoint(s string) (geo.Point, error) {
	var lat, lng float64
	if _, err := fmt.Sscanf(s, "%f,%f", &lat, &lng); err != nil {
		return geo.Point{}, err
	}
	return geo.NewPoint(lat, lng)
}
