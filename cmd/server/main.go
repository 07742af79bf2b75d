package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ersn/hazardroute/server/internal/clients/google"
	"github.com/ersn/hazardroute/server/internal/clients/osrm"
	"github.com/ersn/hazardroute/server/internal/clients/postgres"
	"github.com/ersn/hazardroute/server/internal/clients/redisfeed"
	"github.com/ersn/hazardroute/server/internal/config"
	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
	"github.com/ersn/hazardroute/server/internal/observability"
	"github.com/ersn/hazardroute/server/internal/server"
	"github.com/ersn/hazardroute/server/internal/services"
)

func main() {
	// Route safety settings live alongside prefab's server section in prefab.yaml,
	// overridable with PF__ environment variables
	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	policy, err := appConfig.Safety.Policy()
	if err != nil {
		log.Fatalf("Invalid safety configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(logging.EnsureLogger(context.Background()))
	defer cancel()

	collector, err := observability.NewRouteSafetyCollector(nil)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	monitor := feed.NewMonitor(ctx)
	defer monitor.Close()
	monitor.Subscribe(func(snap feed.Snapshot) {
		collector.SetHazardSnapshot(snap.Seq, len(snap.Hazards.Active()))
	})

	if appConfig.Hazards.SeedFile != "" {
		if err := seedHazards(appConfig.Hazards.SeedFile, monitor); err != nil {
			log.Fatalf("Failed to load hazard seed file: %v", err)
		}
	}

	publisher, closeSource := startHazardSource(ctx, appConfig, monitor)
	defer closeSource()

	provider := newRouteProvider(appConfig.Routing)
	segmenter := routing.NewSegmenter(policy)
	registry := services.NewSessionRegistry(provider, monitor, segmenter, collector,
		appConfig.Routing.Timeout, appConfig.Sessions.MaxSessions)
	defer registry.CloseAll(ctx)

	api := server.New(registry, monitor, segmenter,
		server.WithHazardPublisher(publisher),
		server.WithCollector(collector),
		server.WithLogger(logging.FromContext(ctx)),
	)

	log.Printf("Hazard route server starting")
	log.Printf("Routing provider: %s (timeout %v)", appConfig.Routing.Provider, appConfig.Routing.Timeout)
	log.Printf("Hazard source: %s, safety radius %.0fm", appConfig.Hazards.Source, appConfig.Safety.RadiusMeters)

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	srv := prefab.New(
		prefab.WithContext(ctx),
		prefab.WithGRPCReflection(),
		prefab.WithHTTPHandlerFunc("/api/v1/", api.Handler().ServeHTTP),
		prefab.WithHTTPHandlerFunc("/metrics", collector.Handler().ServeHTTP),
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
	)

	// Health reports SERVING once the first hazard snapshot is in
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv.ServiceRegistrar(), healthServer)
	go func() {
		if appConfig.Hazards.Source != config.SourceNone && appConfig.Hazards.SeedFile == "" {
			select {
			case <-monitor.Ready():
			case <-ctx.Done():
				return
			}
		}
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}()

	// Start the server (blocks until shutdown)
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func newRouteProvider(cfg config.RoutingConfig) services.RouteProvider {
	switch cfg.Provider {
	case config.ProviderGoogle:
		return google.NewClient(cfg.Google.APIKey, cfg.Google.BaseURL).
			WithRateLimit(cfg.Google.RequestsPerSecond, cfg.Google.Burst)
	default:
		return osrm.NewClient(cfg.OSRM.BaseURL, cfg.OSRM.Profile, cfg.OSRM.RequestsPerSecond, cfg.OSRM.Burst)
	}
}

// startHazardSource connects the configured hazard source to the monitor and returns
// where uploaded snapshots should go
func startHazardSource(ctx context.Context, cfg *config.Config, monitor *feed.Monitor) (server.HazardPublisher, func()) {
	switch cfg.Hazards.Source {
	case config.SourceRedis:
		redisFeed, err := redisfeed.New(ctx, cfg.Hazards.Redis, monitor)
		if err != nil {
			log.Fatalf("Failed to start Redis hazard feed: %v", err)
		}
		go func() {
			if err := redisFeed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Redis hazard feed stopped: %v", err)
			}
		}()
		refresh := services.NewPeriodicRefreshService(redisFeed, monitor, cfg.Hazards.RefreshInterval)
		if cfg.Hazards.RefreshInterval > 0 {
			if err := refresh.StartPeriodicRefresh(ctx); err != nil {
				log.Printf("Failed to start periodic refresh: %v", err)
			}
		}
		return redisFeed.PublishSnapshot, func() {
			refresh.Stop()
			_ = redisFeed.Close()
		}

	case config.SourcePostgres:
		store, err := postgres.New(ctx, cfg.Hazards.Postgres.DSN, cfg.Hazards.Postgres.Channel)
		if err != nil {
			log.Fatalf("Failed to connect to hazard store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate hazard store: %v", err)
		}
		refresh := services.NewPeriodicRefreshService(store, monitor, cfg.Hazards.RefreshInterval)
		if err := refresh.StartPeriodicRefresh(ctx); err != nil {
			log.Printf("Failed to start periodic refresh: %v", err)
		}
		go func() {
			if err := store.Listen(ctx, monitor); err != nil && ctx.Err() == nil {
				log.Printf("Hazard store listener stopped: %v", err)
			}
		}()
		return nil, func() {
			refresh.Stop()
			store.Close()
		}

	default:
		return nil, func() {}
	}
}

func seedHazards(path string, monitor *feed.Monitor) error {
	set, err := hazard.ReadSeedFile(path)
	if err != nil {
		return err
	}
	snap := monitor.Publish(set)
	log.Printf("Seeded %d hazards from %s (seq %d)", set.Len(), path, snap.Seq)
	return nil
}

// homepageHandler serves a simple HTML homepage at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>hazardroute</title>
    <style>
        body { font-family: 'Courier New', Consolas, monospace; background: #000; color: #0f0; padding: 20px; line-height: 1.4; }
        a { color: #0ff; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #ff0; }
    </style>
</head>
<body>
<pre>
<span class="header">hazardroute</span>

Hazard-aware routing: routes are split into SAFE and AT_RISK segments against the
live hazard feed and recalculated when a new hazard blocks them.

<span class="header">Sessions:</span>
  POST   /api/v1/sessions                      - Create a routing session
  DELETE /api/v1/sessions/{id}                 - Close a session
  POST   /api/v1/sessions/{id}/route           - Request a route {origin, destination}
  GET    /api/v1/sessions/{id}/route           - Current route and segments
  DELETE /api/v1/sessions/{id}/route           - Exit the route
  GET    /api/v1/sessions/{id}/route.kml       - Route as KML
  GET    /api/v1/sessions/{id}/route.geojson   - Route as GeoJSON
  GET    /api/v1/sessions/{id}/events          - WebSocket stream of route warnings

<span class="header">Hazards:</span>
  <a href="/api/v1/hazards">GET /api/v1/hazards</a>                     - Current hazard snapshot
  POST   /api/v1/hazards                       - Replace the hazard snapshot
  GET    /api/v1/hazards/nearby?lat=&lng=      - Hazards near a point

<span class="header">Operations:</span>
  <a href="/metrics">GET /metrics</a>                          - Prometheus metrics
</pre>
</body>
</html>`

	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("Failed to write homepage HTML", "error", err)
	}
}
