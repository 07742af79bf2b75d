package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteSafetyCollector bundles Prometheus metrics for the route safety engine and
// its HTTP surface. It satisfies services.MetricsRecorder.
type RouteSafetyCollector struct {
	gatherer prometheus.Gatherer

	ProviderCalls     *prometheus.CounterVec
	ProviderDurations *prometheus.HistogramVec
	Outcomes          *prometheus.CounterVec
	StaleResults      *prometheus.CounterVec
	Segments          *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec

	ActiveHazards  prometheus.Gauge
	HazardSnapshot prometheus.Gauge
	Sessions       prometheus.Gauge
}

// NewRouteSafetyCollector registers metrics against reg, defaulting to the global registry when nil
func NewRouteSafetyCollector(reg prometheus.Registerer) (*RouteSafetyCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	providerCalls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "route_provider_calls_total",
		Help: "Routing provider calls, labeled by call kind (initial, reroute) and result.",
	}, []string{"kind", "result"}), "route_provider_calls_total")
	if err != nil {
		return nil, err
	}

	providerDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "route_provider_duration_seconds",
		Help:    "Routing provider latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"}), "route_provider_duration_seconds")
	if err != nil {
		return nil, err
	}

	outcomes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "route_safety_outcomes_total",
		Help: "Supervisor outcomes emitted, labeled by kind.",
	}, []string{"kind"}), "route_safety_outcomes_total")
	if err != nil {
		return nil, err
	}

	stale, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "route_provider_stale_results_total",
		Help: "Provider completions discarded because a newer request superseded them.",
	}, []string{"kind"}), "route_provider_stale_results_total")
	if err != nil {
		return nil, err
	}

	segments, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "route_segments_classified_total",
		Help: "Route segments classified, labeled by classification.",
	}, []string{"classification"}), "route_segments_classified_total")
	if err != nil {
		return nil, err
	}

	httpRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP API requests, labeled by route pattern and status code.",
	}, []string{"route", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}

	activeHazards, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazards_active",
		Help: "Active hazards in the current snapshot.",
	}), "hazards_active")
	if err != nil {
		return nil, err
	}
	hazardSnapshot, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazard_snapshot_seq",
		Help: "Sequence number of the current hazard snapshot.",
	}), "hazard_snapshot_seq")
	if err != nil {
		return nil, err
	}
	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "routing_sessions",
		Help: "Live routing sessions.",
	}), "routing_sessions")
	if err != nil {
		return nil, err
	}

	return &RouteSafetyCollector{
		gatherer:          gatherer,
		ProviderCalls:     providerCalls,
		ProviderDurations: providerDurations,
		Outcomes:          outcomes,
		StaleResults:      stale,
		Segments:          segments,
		HTTPRequests:      httpRequests,
		ActiveHazards:     activeHazards,
		HazardSnapshot:    hazardSnapshot,
		Sessions:          sessions,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RouteSafetyCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *RouteSafetyCollector) ObserveProviderCall(kind string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ProviderCalls.WithLabelValues(kind, result).Inc()
	c.ProviderDurations.WithLabelValues(kind).Observe(duration.Seconds())
}

func (c *RouteSafetyCollector) ObserveSegmentation(total, atRisk int) {
	if c == nil {
		return
	}
	c.Segments.WithLabelValues("SAFE").Add(float64(total - atRisk))
	c.Segments.WithLabelValues("AT_RISK").Add(float64(atRisk))
}

func (c *RouteSafetyCollector) IncOutcome(kind string) {
	if c == nil {
		return
	}
	c.Outcomes.WithLabelValues(kind).Inc()
}

func (c *RouteSafetyCollector) IncStaleResult(kind string) {
	if c == nil {
		return
	}
	c.StaleResults.WithLabelValues(kind).Inc()
}

// SetHazardSnapshot records the current snapshot's sequence and active hazard count
func (c *RouteSafetyCollector) SetHazardSnapshot(seq uint64, active int) {
	if c == nil {
		return
	}
	c.HazardSnapshot.Set(float64(seq))
	c.ActiveHazards.Set(float64(active))
}

// SetSessions records the number of live routing sessions
func (c *RouteSafetyCollector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// Middleware counts requests to next under the given route label
func (c *RouteSafetyCollector) Middleware(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports websocket upgrades through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
