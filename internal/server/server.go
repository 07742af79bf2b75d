package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/gorilla/websocket"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/render"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
	"github.com/ersn/hazardroute/server/internal/observability"
	"github.com/ersn/hazardroute/server/internal/services"
)

const maxBodyBytes = 4 << 20

// HazardPublisher replaces the hazard snapshot seen by every session
type HazardPublisher func(ctx context.Context, set *hazard.Set) error

// Server exposes routing sessions and the hazard feed over HTTP and WebSocket
type Server struct {
	sessions  *services.SessionRegistry
	monitor   *feed.Monitor
	segmenter *routing.Segmenter
	publish   HazardPublisher
	metrics   *observability.RouteSafetyCollector
	logger    logging.Logger
	upgrader  websocket.Upgrader
}

// Option configures a Server
type Option func(*Server)

// WithHazardPublisher routes hazard uploads somewhere other than the local monitor
func WithHazardPublisher(p HazardPublisher) Option {
	return func(s *Server) {
		if p != nil {
			s.publish = p
		}
	}
}

// WithCollector records HTTP and session metrics
func WithCollector(c *observability.RouteSafetyCollector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithLogger sets the logger for requests that arrive without one on their context
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a server. Hazard uploads go straight to monitor unless a publisher is configured.
func New(sessions *services.SessionRegistry, monitor *feed.Monitor, segmenter *routing.Segmenter, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		monitor:   monitor,
		segmenter: segmenter,
		logger:    logging.NewDevLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.publish = func(_ context.Context, set *hazard.Set) error {
		monitor.Publish(set)
		return nil
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, label string, fn http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.Middleware(label, fn))
	}

	handle("POST /api/v1/sessions", "create_session", s.createSession)
	handle("DELETE /api/v1/sessions/{id}", "close_session", s.closeSession)
	handle("POST /api/v1/sessions/{id}/route", "request_route", s.requestRoute)
	handle("GET /api/v1/sessions/{id}/route", "get_route", s.getRoute)
	handle("DELETE /api/v1/sessions/{id}/route", "exit_route", s.exitRoute)
	handle("GET /api/v1/sessions/{id}/route.kml", "route_kml", s.routeKML)
	handle("GET /api/v1/sessions/{id}/route.geojson", "route_geojson", s.routeGeoJSON)
	handle("GET /api/v1/sessions/{id}/events", "events", s.events)
	handle("GET /api/v1/hazards", "list_hazards", s.listHazards)
	handle("POST /api/v1/hazards", "publish_hazards", s.publishHazards)
	handle("GET /api/v1/hazards/nearby", "nearby_hazards", s.nearbyHazards)

	return s.withLogger(mux)
}

// withLogger scopes a logger onto requests whose context has none
func (s *Server) withLogger(next http.Handler) http.Handler {
	logger := s.logger.Named("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.FromContext(r.Context()) == nil {
			r = r.WithContext(logging.With(r.Context(), logger))
		}
		next.ServeHTTP(w, r)
	})
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type routeRequest struct {
	Origin      *geo.Point `json:"origin"`
	Destination *geo.Point `json:"destination"`
}

// routeView is the route as map clients consume it
type routeView struct {
	State             services.State        `json:"state"`
	Route             *services.ActiveRoute `json:"route,omitempty"`
	Runs              []routing.Run         `json:"runs,omitempty"`
	AtRisk            int                   `json:"at_risk_segments"`
	LengthMeters      float64               `json:"length_meters,omitempty"`
	PendingGeneration uint64                `json:"pending_generation,omitempty"`
}

func newRouteView(state services.State, route *services.ActiveRoute, pending uint64) routeView {
	view := routeView{State: state, Route: route, PendingGeneration: pending}
	if route != nil {
		view.Runs = routing.Coalesce(route.Segments)
		view.AtRisk = route.AtRiskCount()
		view.LengthMeters = geo.PathLength(route.Path)
	}
	return view
}

type hazardsResponse struct {
	Seq        uint64          `json:"seq"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
	Hazards    []hazard.Hazard `json:"hazards"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Create(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.SetSessions(s.sessions.Count())
	writeJSON(w, http.StatusCreated, sessionResponse{ID: session.ID, CreatedAt: session.CreatedAt})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.SetSessions(s.sessions.Count())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestRoute(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Origin == nil || req.Destination == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "origin and destination are required"})
		return
	}

	route, err := session.Supervisor.RequestRoute(r.Context(), *req.Origin, *req.Destination)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRouteView(services.StateRouteActive, route, 0))
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.routeSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRouteView(snap.State, snap.Route, snap.PendingGeneration))
}

func (s *Server) exitRoute(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := session.Supervisor.ExitRoute(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) routeKML(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.routeSnapshot(w, r)
	if !ok {
		return
	}
	if snap.Route == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active route"})
		return
	}

	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	hazards := s.monitor.Current().Hazards.Active()
	if err := render.WriteKML(w, "Route", snap.Route.Segments, hazards); err != nil {
		logging.Errorw(r.Context(), "Failed to write route KML", "error", err)
	}
}

func (s *Server) routeGeoJSON(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.routeSnapshot(w, r)
	if !ok {
		return
	}
	if snap.Route == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active route"})
		return
	}

	fc := render.FeatureCollection(snap.Route.Segments, s.monitor.Current().Hazards.Active())
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		logging.Errorw(r.Context(), "Failed to write route GeoJSON", "error", err)
	}
}

func (s *Server) routeSnapshot(w http.ResponseWriter, r *http.Request) (services.RouteSnapshot, bool) {
	session, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return services.RouteSnapshot{}, false
	}
	snap, err := session.Supervisor.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return services.RouteSnapshot{}, false
	}
	return snap, true
}

func (s *Server) listHazards(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Current()
	resp := hazardsResponse{Seq: snap.Seq, Hazards: snap.Hazards.All()}
	if snap.Seq > 0 {
		resp.ReceivedAt = &snap.ReceivedAt
	}
	if resp.Hazards == nil {
		resp.Hazards = []hazard.Hazard{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) publishHazards(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	set, err := hazard.DecodeSet(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.publish(r.Context(), set); err != nil {
		logging.Errorw(r.Context(), "Failed to publish hazard snapshot", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to publish hazard snapshot"})
		return
	}

	logging.Infow(r.Context(), "Hazard snapshot uploaded", "hazards", set.Len(), "active", len(set.Active()))
	writeJSON(w, http.StatusAccepted, map[string]int{"hazards": set.Len(), "active": len(set.Active())})
}

func (s *Server) nearbyHazards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lat and lng query parameters are required"})
		return
	}

	p, err := geo.NewPoint(lat, lng)
	if err != nil {
		writeError(w, r, err)
		return
	}

	set := s.monitor.Current().Hazards
	var nearby []hazard.Hazard
	if radius := q.Get("radius"); radius != "" {
		meters, err := strconv.ParseFloat(radius, 64)
		if err != nil || meters <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "radius must be a positive number of meters"})
			return
		}
		nearby = hazard.NearbyHazards(p, set, meters)
	} else {
		nearby = s.segmenter.Index(set).Nearby(p)
	}
	if nearby == nil {
		nearby = []hazard.Hazard{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"point": p, "hazards": nearby})
}

// events streams session outcomes over a WebSocket, starting with the latest one
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw(r.Context(), "WebSocket upgrade failed", "session_id", session.ID, "error", err)
		return
	}
	defer conn.Close()

	outcomes, stop := session.Outcomes.Listen()
	defer stop()

	// Reader detects client close; clients never send anything we act on
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if last, ok := session.Outcomes.Last(); ok {
		if err := writeOutcome(conn, last); err != nil {
			return
		}
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case o, ok := <-outcomes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeOutcome(conn, o); err != nil {
				logging.Debugw(r.Context(), "WebSocket write failed", "session_id", session.ID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func writeOutcome(conn *websocket.Conn, o services.Outcome) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(o)
}

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrRouteUnavailable):
		return http.StatusNotFound
	case errors.Is(err, services.ErrRouteSuperseded):
		return http.StatusConflict
	case errors.Is(err, services.ErrSupervisorClosed):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Errorw(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
