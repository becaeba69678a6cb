// Package cleanup runs the janitor loop: expired-lease recovery, stale
// engine handling, and data retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/services"
)

// Service periodically:
//   - returns expired event leases to the queue
//   - marks engines with stale heartbeats unhealthy and releases their leases
//   - prunes terminal events, stream buffer rows, and terminal scenario runs
//     past their TTLs (a TTL of zero disables that prune)
//
// All sweeps are idempotent and safe to run from multiple replicas.
type Service struct {
	settings  *config.RetentionSettings
	events    *services.EventService
	engines   *services.EngineService
	scenarios *services.ScenarioService
	metrics   *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a janitor over the given services. metrics may be nil.
func NewService(
	settings *config.RetentionSettings,
	events *services.EventService,
	engines *services.EngineService,
	scenarios *services.ScenarioService,
	m *metrics.Metrics,
) *Service {
	return &Service{
		settings:  settings,
		events:    events,
		engines:   engines,
		scenarios: scenarios,
		metrics:   m,
	}
}

// Start launches the background janitor loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Janitor started",
		"interval", s.settings.CleanupInterval,
		"event_ttl", s.settings.EventTTL,
		"stream_event_ttl", s.settings.StreamEventTTL,
		"scenario_run_ttl", s.settings.ScenarioRunTTL)
}

// Stop signals the janitor loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Janitor stopped")
}

// RunOnce executes a single full sweep. main calls it synchronously at boot
// so leases orphaned by a crash are back in the queue before workers start;
// the loop calls it on every tick.
func (s *Service) RunOnce(ctx context.Context) {
	s.releaseExpiredLeases(ctx)
	s.sweepStaleEngines(ctx)
	s.pruneTerminalEvents(ctx)
	s.pruneStreamEvents(ctx)
	s.pruneTerminalRuns(ctx)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Sweeps run on a background context so a shutdown mid-sweep
			// finishes its writes instead of aborting them halfway.
			s.RunOnce(context.Background())
		}
	}
}

func (s *Service) releaseExpiredLeases(ctx context.Context) {
	count, err := s.events.ReleaseExpiredLeases(ctx)
	if err != nil {
		slog.Error("Janitor: expired lease sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.metrics.AddLeasesReclaimed(count)
		slog.Info("Janitor: released expired leases", "count", count)
	}
}

func (s *Service) sweepStaleEngines(ctx context.Context) {
	engineIDs, err := s.engines.MarkStaleUnhealthy(ctx)
	if err != nil {
		slog.Error("Janitor: stale engine sweep failed", "error", err)
		return
	}
	if len(engineIDs) == 0 {
		return
	}
	s.metrics.AddStaleEngines(len(engineIDs))

	for _, engineID := range engineIDs {
		released, err := s.events.ReleaseEngineLeases(ctx, engineID)
		if err != nil {
			slog.Error("Janitor: failed to release leases of stale engine",
				"engine_id", engineID, "error", err)
			continue
		}
		s.metrics.AddLeasesReclaimed(released)
		slog.Warn("Janitor: engine went stale",
			"engine_id", engineID, "released_leases", released)
	}
}

func (s *Service) pruneTerminalEvents(ctx context.Context) {
	if s.settings.EventTTL <= 0 {
		return
	}
	count, err := s.events.PruneTerminal(ctx, s.settings.EventTTL)
	if err != nil {
		slog.Error("Janitor: event prune failed", "error", err)
		return
	}
	if count > 0 {
		s.metrics.AddRowsPruned(metrics.PrunedEvents, count)
		slog.Info("Janitor: pruned terminal events", "count", count)
	}
}

func (s *Service) pruneStreamEvents(ctx context.Context) {
	if s.settings.StreamEventTTL <= 0 {
		return
	}
	count, err := s.events.PruneStreamEvents(ctx, s.settings.StreamEventTTL)
	if err != nil {
		slog.Error("Janitor: stream buffer prune failed", "error", err)
		return
	}
	if count > 0 {
		s.metrics.AddRowsPruned(metrics.PrunedStreamEvents, count)
		slog.Info("Janitor: pruned stream events", "count", count)
	}
}

func (s *Service) pruneTerminalRuns(ctx context.Context) {
	if s.settings.ScenarioRunTTL <= 0 {
		return
	}
	count, err := s.scenarios.PruneTerminalRuns(ctx, s.settings.ScenarioRunTTL)
	if err != nil {
		slog.Error("Janitor: scenario run prune failed", "error", err)
		return
	}
	if count > 0 {
		s.metrics.AddRowsPruned(metrics.PrunedRuns, count)
		slog.Info("Janitor: pruned terminal scenario runs", "count", count)
	}
}
