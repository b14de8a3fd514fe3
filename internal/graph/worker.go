package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/echopay/fraud-detection/internal/metrics"
)

// DefaultRefreshInterval is how often the worker recomputes centrality and
// communities.
const DefaultRefreshInterval = 30 * time.Second

// RefreshTimer periodically recomputes centrality measures, re-detects
// suspicious communities, and purges expired edge records. Keeping these off
// the per-transaction path preserves the latency budget.
type RefreshTimer struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	onAlert  func([]Community)
	stop     chan struct{}
	running  atomic.Bool
}

// NewRefreshTimer creates a graph maintenance worker. onAlert, if non-nil,
// receives the suspicious communities of each pass.
func NewRefreshTimer(service *Service, logger *slog.Logger, interval time.Duration, onAlert func([]Community)) *RefreshTimer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &RefreshTimer{
		service:  service,
		logger:   logger,
		interval: interval,
		onAlert:  onAlert,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *RefreshTimer) Running() bool {
	return t.running.Load()
}

// Start runs the maintenance loop until the context is cancelled or Stop is
// called.
func (t *RefreshTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDoWork(t.refresh)
		}
	}
}

// Stop signals the timer to stop.
func (t *RefreshTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RefreshTimer) safeDoWork(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in graph refresh worker", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (t *RefreshTimer) refresh() {
	now := time.Now().UTC()
	start := time.Now()

	purged := t.service.Graph().Cleanup(now)
	t.service.Graph().ComputeCentrality()
	suspicious := t.service.RefreshCommunities(now)

	metrics.GraphNodes.Set(float64(t.service.Graph().NodeCount()))
	metrics.GraphEdges.Set(float64(t.service.Graph().EdgeCount()))
	metrics.SuspiciousCommunities.Set(float64(len(suspicious)))

	if t.onAlert != nil && len(suspicious) > 0 {
		t.onAlert(suspicious)
	}

	t.logger.Info("graph refresh complete",
		"nodes", t.service.Graph().NodeCount(),
		"edges", t.service.Graph().EdgeCount(),
		"purged_records", purged,
		"suspicious_communities", len(suspicious),
		"duration_ms", time.Since(start).Milliseconds())
}
