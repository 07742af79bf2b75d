package services

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// HazardStore loads the full current hazard snapshot
type HazardStore interface {
	LoadSnapshot(ctx context.Context) (*hazard.Set, error)
}

// PeriodicRefreshService reloads the hazard store on an interval and publishes the
// snapshot to the monitor when it changed. It backs up push-based feeds that can
// miss notifications.
type PeriodicRefreshService struct {
	store    HazardStore
	monitor  *feed.Monitor
	interval time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewPeriodicRefreshService creates a new periodic refresh service
func NewPeriodicRefreshService(store HazardStore, monitor *feed.Monitor, interval time.Duration) *PeriodicRefreshService {
	return &PeriodicRefreshService{
		store:    store,
		monitor:  monitor,
		interval: interval,
	}
}

// StartPeriodicRefresh loads immediately, then again every interval
func (p *PeriodicRefreshService) StartPeriodicRefresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})

	ctx = logging.EnsureLogger(ctx)
	ctx = logging.With(ctx, logging.FromContext(ctx).Named("refresh"))

	logging.Infow(ctx, "Starting periodic hazard refresh", "interval", p.interval)

	go p.refreshLoop(ctx, p.stopChan)
	return nil
}

// Stop gracefully stops the periodic refresh
func (p *PeriodicRefreshService) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
}

// IsRunning returns whether periodic refresh is active
func (p *PeriodicRefreshService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicRefreshService) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Infow(ctx, "Periodic hazard refresh stopping due to context cancellation")
			return
		case <-stop:
			logging.Infow(ctx, "Periodic hazard refresh stopped")
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// refresh loads one snapshot. A failed load keeps the previous snapshot current.
func (p *PeriodicRefreshService) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	set, err := p.store.LoadSnapshot(refreshCtx)
	if err != nil {
		logging.Errorw(ctx, "Periodic hazard refresh failed", "error", err)
		return
	}

	snap, published := p.monitor.PublishIfChanged(set)
	logging.Debugw(ctx, "Periodic hazard refresh completed",
		"hazards", set.Len(), "seq", snap.Seq, "changed", published)
}
