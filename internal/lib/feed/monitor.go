package feed

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// Snapshot is one hazard set as published by the feed
type Snapshot struct {
	Seq        uint64      `json:"seq"`
	Hazards    *hazard.Set `json:"hazards"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Handle identifies a subscription
type Handle uint64

// Monitor holds the latest hazard snapshot and fans replacements out to subscribers.
// Publish never waits on subscribers: each subscriber has its own ordered mailbox
// drained by a dedicated goroutine, so a slow subscriber only delays itself.
type Monitor struct {
	ctx     context.Context
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	seq     uint64
	nextID  Handle
	subs    map[Handle]*subscriber
	closed  bool
	readyCh chan struct{}
}

// NewMonitor creates a monitor whose current snapshot is the empty set.
// ctx scopes the logger used by subscriber goroutines.
func NewMonitor(ctx context.Context) *Monitor {
	ctx = logging.EnsureLogger(ctx)
	m := &Monitor{
		ctx:     logging.With(ctx, logging.FromContext(ctx).Named("feed")),
		subs:    make(map[Handle]*subscriber),
		readyCh: make(chan struct{}),
	}
	m.current.Store(&Snapshot{Hazards: hazard.EmptySet()})
	return m
}

// Current returns the last published snapshot (the empty set before the first publish)
func (m *Monitor) Current() Snapshot {
	return *m.current.Load()
}

// Ready is closed once the first snapshot has been published
func (m *Monitor) Ready() <-chan struct{} {
	return m.readyCh
}

// Publish atomically replaces the current snapshot and queues it for every subscriber.
// Snapshots are numbered in arrival order.
func (m *Monitor) Publish(set *hazard.Set) Snapshot {
	if set == nil {
		set = hazard.EmptySet()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishLocked(set)
}

// PublishIfChanged publishes set only when it differs from the current snapshot.
// Polling sources use it so an unchanged reload does not re-notify subscribers.
// Before the first snapshot any set, even an empty one, is published.
func (m *Monitor) PublishIfChanged(set *hazard.Set) (Snapshot, bool) {
	if set == nil {
		set = hazard.EmptySet()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.current.Load()
	if m.seq > 0 && current.Hazards.Equal(set) {
		return *current, false
	}
	snap := m.publishLocked(set)
	return snap, snap.Seq != current.Seq
}

func (m *Monitor) publishLocked(set *hazard.Set) Snapshot {
	if m.closed {
		return *m.current.Load()
	}

	m.seq++
	snap := &Snapshot{Seq: m.seq, Hazards: set, ReceivedAt: time.Now()}
	m.current.Store(snap)
	if m.seq == 1 {
		close(m.readyCh)
	}

	for _, sub := range m.subs {
		sub.enqueue(*snap)
	}

	return *snap
}

// Subscribe registers onChange for every snapshot published after this call
func (m *Monitor) Subscribe(onChange func(Snapshot)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	handle := m.nextID
	sub := newSubscriber(m.ctx, handle, onChange)
	if m.closed {
		sub.stop()
		return handle
	}
	m.subs[handle] = sub
	go sub.run()

	return handle
}

// Unsubscribe stops delivery to handle. Snapshots still queued for it are dropped.
func (m *Monitor) Unsubscribe(handle Handle) {
	m.mu.Lock()
	sub, ok := m.subs[handle]
	delete(m.subs, handle)
	m.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// SubscriberCount returns the number of live subscriptions
func (m *Monitor) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close stops every subscriber; later publishes are ignored
func (m *Monitor) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[Handle]*subscriber)
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

type subscriber struct {
	ctx      context.Context
	handle   Handle
	onChange func(Snapshot)

	mu      sync.Mutex
	pending []Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscriber(ctx context.Context, handle Handle, onChange func(Snapshot)) *subscriber {
	return &subscriber{
		ctx:      ctx,
		handle:   handle,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscriber) enqueue(snap Snapshot) {
	s.mu.Lock()
	s.pending = append(s.pending, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.pending[0]
			s.pending[0] = Snapshot{}
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(snap)
		}
	}
}

func (s *subscriber) deliver(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(s.ctx, "Hazard feed: recovered from subscriber panic",
				"subscription", uint64(s.handle), "seq", snap.Seq,
				"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()
	s.onChange(snap)
}
