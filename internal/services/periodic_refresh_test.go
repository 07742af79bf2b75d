package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

type stubStore struct {
	loads atomic.Int32

	mu  sync.Mutex
	set *hazard.Set
	err error
}

func (s *stubStore) LoadSnapshot(context.Context) (*hazard.Set, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set, s.err
}

func (s *stubStore) replace(set *hazard.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
}

func TestPeriodicRefresh_PublishesImmediatelyAndOnInterval(t *testing.T) {
	monitor := feed.NewMonitor(context.Background())
	defer monitor.Close()

	store := &stubStore{set: hazardsAt(t, origin)}
	svc := NewPeriodicRefreshService(store, monitor, 20*time.Millisecond)

	require.NoError(t, svc.StartPeriodicRefresh(context.Background()))
	require.NoError(t, svc.StartPeriodicRefresh(context.Background()), "second start is a no-op")
	assert.True(t, svc.IsRunning())

	select {
	case <-monitor.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("initial refresh did not publish")
	}
	assert.Equal(t, []string{"a"}, monitor.Current().Hazards.IDs())

	assert.Eventually(t, func() bool { return store.loads.Load() >= 3 }, waitTimeout, 10*time.Millisecond)

	svc.Stop()
	svc.Stop()
	assert.False(t, svc.IsRunning())
}

func TestPeriodicRefresh_FailureKeepsSnapshot(t *testing.T) {
	monitor := feed.NewMonitor(context.Background())
	defer monitor.Close()
	monitor.Publish(hazardsAt(t, origin))

	store := &stubStore{err: errors.New("connection reset")}
	svc := NewPeriodicRefreshService(store, monitor, time.Hour)
	require.NoError(t, svc.StartPeriodicRefresh(context.Background()))
	defer svc.Stop()

	assert.Eventually(t, func() bool { return store.loads.Load() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, uint64(1), monitor.Current().Seq)
	assert.Equal(t, []string{"a"}, monitor.Current().Hazards.IDs())
}

// Reloading an unchanged store does not re-notify subscribers
func TestPeriodicRefresh_UnchangedSnapshotIsNotRepublished(t *testing.T) {
	h := newHarness(t)
	path := corridorPath(0)
	h.activate(path)

	store := &stubStore{set: hazardsAt(t, path[2])}
	svc := NewPeriodicRefreshService(store, h.monitor, 5*time.Millisecond)
	require.NoError(t, svc.StartPeriodicRefresh(context.Background()))
	defer svc.Stop()

	o := h.outcome(OutcomeHazardBlocking)
	assert.Equal(t, uint64(1), o.HazardSeq)
	h.provider.next(t)

	assert.Eventually(t, func() bool { return store.loads.Load() >= 10 }, waitTimeout, 5*time.Millisecond)
	h.provider.assertNoCall(t)
	for _, extra := range h.drainOutcomes() {
		assert.NotEqual(t, OutcomeHazardBlocking, extra.Kind)
	}
	assert.Equal(t, uint64(1), h.monitor.Current().Seq)

	// A real change is still published
	store.replace(hazardsAt(t, path[2], path[4]))
	assert.Eventually(t, func() bool { return h.monitor.Current().Seq == 2 }, waitTimeout, 5*time.Millisecond)
}
