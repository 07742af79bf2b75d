package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

func newTestRegistry(t *testing.T, provider RouteProvider, maxSessions int) (*SessionRegistry, *feed.Monitor) {
	t.Helper()
	monitor := feed.NewMonitor(context.Background())
	registry := NewSessionRegistry(provider, monitor, routing.NewSegmenter(hazard.DefaultPolicy()), nil, time.Second, maxSessions)
	t.Cleanup(func() {
		registry.CloseAll(context.Background())
		monitor.Close()
	})
	return registry, monitor
}

func TestSessionRegistry_Lifecycle(t *testing.T) {
	registry, monitor := newTestRegistry(t, newFakeProvider(), 0)

	session, err := registry.Create(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, 1, monitor.SubscriberCount())

	got, err := registry.Get(session.ID)
	require.NoError(t, err)
	assert.Same(t, session, got)

	require.NoError(t, registry.Close(context.Background(), session.ID))
	assert.Equal(t, 0, registry.Count())
	assert.Equal(t, 0, monitor.SubscriberCount())

	_, err = registry.Get(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, registry.Close(context.Background(), session.ID), ErrSessionNotFound)
}

func TestSessionRegistry_Limit(t *testing.T) {
	registry, _ := newTestRegistry(t, newFakeProvider(), 2)

	for i := 0; i < 2; i++ {
		_, err := registry.Create(context.Background())
		require.NoError(t, err)
	}
	_, err := registry.Create(context.Background())
	assert.ErrorIs(t, err, ErrTooManySessions)

	registry.CloseAll(context.Background())
	assert.Equal(t, 0, registry.Count())
	_, err = registry.Create(context.Background())
	assert.NoError(t, err)
}

func TestSessionRegistry_SessionsAreIndependent(t *testing.T) {
	provider := newFakeProvider()
	registry, _ := newTestRegistry(t, provider, 0)

	a, err := registry.Create(context.Background())
	require.NoError(t, err)
	b, err := registry.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	events, stop := a.Outcomes.Listen()
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, err := a.Supervisor.RequestRoute(context.Background(), origin, destination)
		done <- err
	}()
	provider.next(t).reply <- providerReply{path: corridorPath(0)}
	require.NoError(t, <-done)

	select {
	case o := <-events:
		assert.Equal(t, OutcomeRouteActive, o.Kind)
	case <-time.After(waitTimeout):
		t.Fatal("session outcome not broadcast")
	}

	snap, err := b.Supervisor.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoRoute, snap.State)
}

func TestSessionRegistry_OutlivesCreatingContext(t *testing.T) {
	registry, _ := newTestRegistry(t, newFakeProvider(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	session, err := registry.Create(ctx)
	require.NoError(t, err)
	cancel()

	snap, err := session.Supervisor.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoRoute, snap.State)
}

func TestOutcomeBroadcaster_FanOut(t *testing.T) {
	b := NewOutcomeBroadcaster(4)
	_, ok := b.Last()
	assert.False(t, ok)

	first, stopFirst := b.Listen()
	second, stopSecond := b.Listen()
	defer stopSecond()

	b.Publish(Outcome{Kind: OutcomeRouteActive})
	assert.Equal(t, OutcomeRouteActive, (<-first).Kind)
	assert.Equal(t, OutcomeRouteActive, (<-second).Kind)

	stopFirst()
	stopFirst()
	_, open := <-first
	assert.False(t, open)

	b.Publish(Outcome{Kind: OutcomeRouteCleared})
	assert.Equal(t, OutcomeRouteCleared, (<-second).Kind)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, OutcomeRouteCleared, last.Kind)
}

func TestOutcomeBroadcaster_FullListenerDoesNotBlock(t *testing.T) {
	b := NewOutcomeBroadcaster(1)
	events, stop := b.Listen()
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Outcome{Kind: OutcomeSegmentsUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("publish blocked on a full listener")
	}
	assert.Len(t, events, 1)
}

func TestOutcomeBroadcaster_CloseEndsListeners(t *testing.T) {
	b := NewOutcomeBroadcaster(1)
	events, stop := b.Listen()

	b.Close()
	_, open := <-events
	assert.False(t, open)

	// Stopping after close is safe
	stop()
}
