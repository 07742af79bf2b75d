package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

// State is the supervisor's position in the route lifecycle
type State string

const (
	StateNoRoute          State = "NO_ROUTE"
	StateRouteRequested   State = "ROUTE_REQUESTED"
	StateRouteActive      State = "ROUTE_ACTIVE"
	StateRerouteRequested State = "REROUTE_REQUESTED"
)

var (
	// ErrRouteUnavailable means the routing provider produced no usable path
	ErrRouteUnavailable = errors.New("route unavailable")

	// ErrRouteSuperseded is returned to a pending RequestRoute when a newer request or an exit replaced it
	ErrRouteSuperseded = errors.New("route request superseded")

	// ErrSupervisorClosed is returned by calls made after Close
	ErrSupervisorClosed = errors.New("route supervisor closed")
)

// User-facing warning texts
const (
	MessageHazardBlocking  = "Warning: A new hazard is now blocking your current route. A safer route will be calculated if possible!"
	MessageNoAlternative   = "No alternative safe route could be found at this time. Proceed with caution or choose another destination."
	MessageNoRouteFound    = "Could not find directions."
	MessageStillAtRisk     = "The new route still passes near active hazards. Proceed with caution."
	MessageRerouted        = "A safer route has been found and is now displayed."
	MessageRouteCleared    = "Route cleared."
	MessageSegmentsUpdated = "Hazard conditions changed; the current route remains clear."
)

// RouteProvider turns an origin/destination pair into a waypoint path.
// Implementations may be slow or fail; the supervisor treats every error as no route.
type RouteProvider interface {
	Route(ctx context.Context, origin, destination geo.Point) ([]geo.Point, error)
}

// ActiveRoute is the route currently shown to the user
type ActiveRoute struct {
	Origin      geo.Point         `json:"origin"`
	Destination geo.Point         `json:"destination"`
	Path        []geo.Point       `json:"path"`
	Segments    []routing.Segment `json:"segments"`
	Generation  uint64            `json:"generation"`
	HazardSeq   uint64            `json:"hazard_seq"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (r *ActiveRoute) clone() *ActiveRoute {
	if r == nil {
		return nil
	}
	c := *r
	c.Path = append([]geo.Point(nil), r.Path...)
	c.Segments = append([]routing.Segment(nil), r.Segments...)
	return &c
}

// AtRiskCount returns the number of AT_RISK segments on the route
func (r *ActiveRoute) AtRiskCount() int {
	if r == nil {
		return 0
	}
	return routing.CountAtRisk(r.Segments)
}

// OutcomeKind names a user-visible supervisor event
type OutcomeKind string

const (
	OutcomeRouteActive     OutcomeKind = "route_active"
	OutcomeNoRouteFound    OutcomeKind = "no_route_found"
	OutcomeHazardBlocking  OutcomeKind = "hazard_blocking"
	OutcomeRerouted        OutcomeKind = "rerouted"
	OutcomeRerouteFailed   OutcomeKind = "reroute_failed"
	OutcomeSegmentsUpdated OutcomeKind = "segments_updated"
	OutcomeRouteCleared    OutcomeKind = "route_cleared"
)

// Outcome is delivered to outcome handlers in the order transitions happen
type Outcome struct {
	Kind       OutcomeKind     `json:"kind"`
	State      State           `json:"state"`
	Generation uint64          `json:"generation"`
	HazardSeq  uint64          `json:"hazard_seq"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	AtRisk     int             `json:"at_risk_segments"`
	Hazards    []hazard.Hazard `json:"hazards,omitempty"`
	Route      *ActiveRoute    `json:"route,omitempty"`
	At         time.Time       `json:"at"`
}

// RouteSnapshot is a consistent view of supervisor state
type RouteSnapshot struct {
	State             State        `json:"state"`
	Route             *ActiveRoute `json:"route,omitempty"`
	PendingGeneration uint64       `json:"pending_generation,omitempty"`
	// HazardSeq is the newest hazard snapshot the supervisor has processed
	HazardSeq uint64 `json:"hazard_seq"`
}

// MetricsRecorder receives supervisor measurements
type MetricsRecorder interface {
	ObserveProviderCall(kind string, duration time.Duration, err error)
	ObserveSegmentation(total, atRisk int)
	IncOutcome(kind string)
	IncStaleResult(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveProviderCall(string, time.Duration, error) {}
func (noopMetrics) ObserveSegmentation(int, int)                    {}
func (noopMetrics) IncOutcome(string)                               {}
func (noopMetrics) IncStaleResult(string)                           {}

// SupervisorOption configures a RouteSafetySupervisor
type SupervisorOption func(*RouteSafetySupervisor)

// WithOutcomeHandler registers fn for every outcome.
// Handlers run on the supervisor goroutine and must not call back into the supervisor.
func WithOutcomeHandler(fn func(Outcome)) SupervisorOption {
	return func(s *RouteSafetySupervisor) {
		s.handlers = append(s.handlers, fn)
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) SupervisorOption {
	return func(s *RouteSafetySupervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithProviderTimeout bounds each routing provider call
func WithProviderTimeout(d time.Duration) SupervisorOption {
	return func(s *RouteSafetySupervisor) {
		s.providerTimeout = d
	}
}

const (
	callInitial = "initial"
	callReroute = "reroute"
)

type routeReply struct {
	route *ActiveRoute
	err   error
}

// RouteSafetySupervisor owns one routing session's active route and reacts to hazard changes.
// All state transitions run on a single goroutine; public methods post work to it.
// Provider calls run on their own goroutines and post their completions back, tagged
// with the route epoch and generation they were issued for. Only a completion whose
// generation is the highest issued one in the current epoch is ever applied.
type RouteSafetySupervisor struct {
	provider        RouteProvider
	monitor         *feed.Monitor
	segmenter       *routing.Segmenter
	providerTimeout time.Duration
	handlers        []func(Outcome)
	metrics         MetricsRecorder

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	sub       feed.Handle

	// Owned by the loop goroutine
	state       State
	route       *ActiveRoute
	origin      geo.Point
	destination geo.Point
	epoch       uint64
	issued      uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	waiter      chan routeReply
	hazards     feed.Snapshot
}

// NewRouteSafetySupervisor starts a supervisor subscribed to monitor
func NewRouteSafetySupervisor(ctx context.Context, provider RouteProvider, monitor *feed.Monitor, segmenter *routing.Segmenter, opts ...SupervisorOption) *RouteSafetySupervisor {
	ctx = logging.EnsureLogger(ctx)
	ctx = logging.With(ctx, logging.FromContext(ctx).Named("route_safety"))
	base, cancel := context.WithCancel(ctx)
	s := &RouteSafetySupervisor{
		provider:        provider,
		monitor:         monitor,
		segmenter:       segmenter,
		providerTimeout: 30 * time.Second,
		metrics:         noopMetrics{},
		ctx:             base,
		cancel:          cancel,
		events:          make(chan func(), 64),
		done:            make(chan struct{}),
		state:           StateNoRoute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.epochCtx, s.epochCancel = context.WithCancel(base)

	// Subscribe before reading the current snapshot so nothing published in between is missed
	s.sub = monitor.Subscribe(func(snap feed.Snapshot) {
		_ = s.post(func() { s.onSnapshot(snap) })
	})
	s.hazards = monitor.Current()
	go s.loop()

	return s
}

// RequestRoute replaces any current route with a new one from origin to destination.
// It blocks until the provider answers, the request is superseded, or ctx ends.
func (s *RouteSafetySupervisor) RequestRoute(ctx context.Context, origin, destination geo.Point) (*ActiveRoute, error) {
	if err := geo.ValidatePoint(origin); err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if err := geo.ValidatePoint(destination); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	reply := make(chan routeReply, 1)
	if err := s.post(func() { s.startRequest(origin, destination, reply) }); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		return r.route, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSupervisorClosed
	}
}

// ExitRoute clears the route from any state. In-flight provider results are discarded.
func (s *RouteSafetySupervisor) ExitRoute(ctx context.Context) error {
	ack := make(chan struct{})
	if err := s.post(func() {
		s.exit()
		close(ack)
	}); err != nil {
		return err
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSupervisorClosed
	}
}

// Snapshot returns the current state and a copy of the active route
func (s *RouteSafetySupervisor) Snapshot(ctx context.Context) (RouteSnapshot, error) {
	reply := make(chan RouteSnapshot, 1)
	if err := s.post(func() {
		snap := RouteSnapshot{State: s.state, Route: s.route.clone(), HazardSeq: s.hazards.Seq}
		if s.state == StateRerouteRequested {
			snap.PendingGeneration = s.issued
		}
		reply <- snap
	}); err != nil {
		return RouteSnapshot{}, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return RouteSnapshot{}, ctx.Err()
	case <-s.done:
		return RouteSnapshot{}, ErrSupervisorClosed
	}
}

// Close stops the supervisor and its hazard subscription
func (s *RouteSafetySupervisor) Close() {
	s.closeOnce.Do(func() {
		s.monitor.Unsubscribe(s.sub)
		close(s.done)
		s.cancel()
	})
}

func (s *RouteSafetySupervisor) post(fn func()) error {
	select {
	case <-s.done:
		return ErrSupervisorClosed
	default:
	}

	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return ErrSupervisorClosed
	}
}

func (s *RouteSafetySupervisor) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// newEpoch invalidates every outstanding provider call and pending request
func (s *RouteSafetySupervisor) newEpoch() {
	s.epoch++
	s.issued = 0
	s.epochCancel()
	s.epochCtx, s.epochCancel = context.WithCancel(s.ctx)

	if s.waiter != nil {
		s.waiter <- routeReply{err: ErrRouteSuperseded}
		s.waiter = nil
	}
}

func (s *RouteSafetySupervisor) startRequest(origin, destination geo.Point, reply chan routeReply) {
	s.newEpoch()
	s.route = nil
	s.origin = origin
	s.destination = destination
	s.state = StateRouteRequested
	s.waiter = reply
	s.issued = 1

	logging.Infow(s.ctx, "Route safety: route requested",
		"origin", origin, "destination", destination, "epoch", s.epoch)

	go s.callProvider(s.epochCtx, s.epoch, s.issued, callInitial, origin, destination)
}

func (s *RouteSafetySupervisor) exit() {
	hadRoute := s.state != StateNoRoute
	s.newEpoch()
	s.route = nil
	s.state = StateNoRoute

	if hadRoute {
		logging.Infow(s.ctx, "Route safety: route cleared", "epoch", s.epoch)
		s.emit(Outcome{Kind: OutcomeRouteCleared, Message: MessageRouteCleared})
	}
}

func (s *RouteSafetySupervisor) onSnapshot(snap feed.Snapshot) {
	if snap.Seq <= s.hazards.Seq {
		return
	}
	s.hazards = snap

	if s.route == nil || (s.state != StateRouteActive && s.state != StateRerouteRequested) {
		return
	}

	idx := s.segmenter.Index(snap.Hazards)
	segments := routing.SegmentPath(s.route.Path, idx)
	atRisk := routing.CountAtRisk(segments)
	s.metrics.ObserveSegmentation(len(segments), atRisk)

	s.route.Segments = segments
	s.route.HazardSeq = snap.Seq
	s.route.UpdatedAt = time.Now()

	if atRisk == 0 {
		if s.state == StateRerouteRequested {
			// Fresher hazard data cleared the route; the pending reroute no longer applies
			s.issued++
			s.state = StateRouteActive
			logging.Infow(s.ctx, "Route safety: hazards cleared, pending reroute superseded",
				"hazard_seq", snap.Seq, "generation", s.route.Generation)
		}
		s.emit(Outcome{Kind: OutcomeSegmentsUpdated, Message: MessageSegmentsUpdated})
		return
	}

	s.issued++
	s.state = StateRerouteRequested

	logging.Warnw(s.ctx, "Route safety: hazard blocking active route",
		"hazard_seq", snap.Seq, "at_risk_segments", atRisk, "reroute_generation", s.issued)

	s.emit(Outcome{
		Kind:       OutcomeHazardBlocking,
		Message:    MessageHazardBlocking,
		Generation: s.issued,
		Hazards:    blockingHazards(s.route.Path, idx),
	})

	go s.callProvider(s.epochCtx, s.epoch, s.issued, callReroute, s.origin, s.destination)
}

// blockingHazards lists the distinct hazards near any waypoint, in path order
func blockingHazards(path []geo.Point, idx hazard.ProximityIndex) []hazard.Hazard {
	seen := make(map[string]bool)
	var hazards []hazard.Hazard
	for _, p := range path {
		for _, h := range idx.Nearby(p) {
			if !seen[h.ID] {
				seen[h.ID] = true
				hazards = append(hazards, h)
			}
		}
	}
	return hazards
}

func (s *RouteSafetySupervisor) callProvider(ctx context.Context, epoch, generation uint64, kind string, origin, destination geo.Point) {
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	start := time.Now()
	path, err := s.safeRoute(callCtx, origin, destination)
	if err == nil {
		if len(path) < 2 {
			err = fmt.Errorf("%w: provider returned %d waypoints", ErrRouteUnavailable, len(path))
		} else if verr := geo.ValidatePath(path); verr != nil {
			err = fmt.Errorf("%w: %v", ErrRouteUnavailable, verr)
		}
	} else if !errors.Is(err, ErrRouteUnavailable) {
		err = fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	s.metrics.ObserveProviderCall(kind, time.Since(start), err)

	_ = s.post(func() { s.complete(epoch, generation, kind, path, err) })
}

// safeRoute calls the provider, converting a panic into an error
func (s *RouteSafetySupervisor) safeRoute(ctx context.Context, origin, destination geo.Point) (path []geo.Point, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack, _ := prefaberrors.ParseStack(debug.Stack())
			logging.Errorw(s.ctx, "Route safety: recovered from provider panic",
				"error", r, "error.stack_trace", stack.MinimalStack(3, 5))
			path, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()
	return s.provider.Route(ctx, origin, destination)
}

func (s *RouteSafetySupervisor) complete(epoch, generation uint64, kind string, path []geo.Point, err error) {
	if epoch != s.epoch || generation != s.issued {
		s.metrics.IncStaleResult(kind)
		logging.Debugw(s.ctx, "Route safety: discarding stale provider result",
			"kind", kind, "epoch", epoch, "generation", generation,
			"current_epoch", s.epoch, "latest_generation", s.issued)
		return
	}

	switch kind {
	case callInitial:
		s.completeInitial(path, err)
	case callReroute:
		s.completeReroute(generation, path, err)
	}
}

func (s *RouteSafetySupervisor) completeInitial(path []geo.Point, err error) {
	waiter := s.waiter
	s.waiter = nil

	if err != nil {
		s.state = StateNoRoute
		s.route = nil
		logging.Warnw(s.ctx, "Route safety: no route found", "error", err)
		s.emit(Outcome{Kind: OutcomeNoRouteFound, Message: MessageNoRouteFound, Error: err.Error()})
		if waiter != nil {
			waiter <- routeReply{err: err}
		}
		return
	}

	snap := s.hazards
	segments := s.segmenter.SegmentSet(path, snap.Hazards)
	s.metrics.ObserveSegmentation(len(segments), routing.CountAtRisk(segments))

	s.route = &ActiveRoute{
		Origin:      s.origin,
		Destination: s.destination,
		Path:        path,
		Segments:    segments,
		Generation:  1,
		HazardSeq:   snap.Seq,
		UpdatedAt:   time.Now(),
	}
	s.state = StateRouteActive

	logging.Infow(s.ctx, "Route safety: route active",
		"waypoints", len(path), "at_risk_segments", s.route.AtRiskCount(), "hazard_seq", snap.Seq)
	s.emit(Outcome{Kind: OutcomeRouteActive})

	if waiter != nil {
		waiter <- routeReply{route: s.route.clone()}
	}
}

func (s *RouteSafetySupervisor) completeReroute(generation uint64, path []geo.Point, err error) {
	s.state = StateRouteActive

	if err != nil {
		logging.Warnw(s.ctx, "Route safety: no safe alternative found",
			"generation", generation, "error", err)
		s.emit(Outcome{Kind: OutcomeRerouteFailed, Message: MessageNoAlternative, Generation: generation, Error: err.Error()})
		return
	}

	snap := s.hazards
	segments := s.segmenter.SegmentSet(path, snap.Hazards)
	atRisk := routing.CountAtRisk(segments)
	s.metrics.ObserveSegmentation(len(segments), atRisk)

	s.route.Path = path
	s.route.Segments = segments
	s.route.Generation = generation
	s.route.HazardSeq = snap.Seq
	s.route.UpdatedAt = time.Now()

	message := MessageRerouted
	if atRisk > 0 {
		message = MessageStillAtRisk
	}
	logging.Infow(s.ctx, "Route safety: rerouted",
		"generation", generation, "waypoints", len(path), "at_risk_segments", atRisk)
	s.emit(Outcome{Kind: OutcomeRerouted, Message: message})
}

func (s *RouteSafetySupervisor) emit(o Outcome) {
	o.State = s.state
	o.At = time.Now()
	if s.route != nil {
		o.Route = s.route.clone()
		o.AtRisk = s.route.AtRiskCount()
		o.HazardSeq = s.route.HazardSeq
		if o.Generation == 0 {
			o.Generation = s.route.Generation
		}
	}

	s.metrics.IncOutcome(string(o.Kind))
	for _, h := range s.handlers {
		h(o)
	}
}
