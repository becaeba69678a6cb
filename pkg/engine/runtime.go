package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/llm"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/models"
)

// startOrder fixes the fleet startup sequence so engine ids are stable
// across restarts.
var startOrder = []models.EngineType{
	models.EngineTypeActor,
	models.EngineTypeNarrator,
	models.EngineTypeAnalyst,
}

// Runtime manages the in-process engine fleet: one worker per configured
// engine instance, all sharing a single LLM client and control plane.
type Runtime struct {
	control    ControlPlane
	eventBus   *bus.Bus
	llmClient  llm.Client
	metrics    *metrics.Metrics
	settings   config.QueueSettings
	hintPrefix string

	mu      sync.Mutex
	workers []*Worker
	started bool
}

// NewRuntime creates an engine runtime. hintPrefix (typically the hostname)
// namespaces the engine id hints of the fleet. metrics may be nil.
func NewRuntime(control ControlPlane, eventBus *bus.Bus, llmClient llm.Client, metrics *metrics.Metrics, settings config.QueueSettings, hintPrefix string) *Runtime {
	return &Runtime{
		control:    control,
		eventBus:   eventBus,
		llmClient:  llmClient,
		metrics:    metrics,
		settings:   settings,
		hintPrefix: hintPrefix,
	}
}

// Start registers and starts the configured fleet. It is safe to call
// multiple times; subsequent calls are no-ops.
func (r *Runtime) Start(ctx context.Context, fleet map[models.EngineType]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		slog.Warn("Engine runtime already started, ignoring duplicate Start call")
		return nil
	}
	r.started = true

	total := 0
	for _, n := range fleet {
		total += n
	}
	slog.Info("Starting engine runtime", "worker_count", total)

	for _, engineType := range startOrder {
		for i := 0; i < fleet[engineType]; i++ {
			if _, err := r.startWorker(ctx, engineType, i); err != nil {
				r.stopLocked()
				return fmt.Errorf("failed to start %s worker %d: %w", engineType, i, err)
			}
		}
	}

	slog.Info("Engine runtime started")
	return nil
}

// startWorker builds and starts one worker. Caller holds r.mu.
func (r *Runtime) startWorker(ctx context.Context, engineType models.EngineType, ordinal int) (*Worker, error) {
	eng, err := New(engineType, r.llmClient)
	if err != nil {
		return nil, err
	}
	idHint := fmt.Sprintf("%s-%s-%d", r.hintPrefix, engineType, ordinal)
	worker := NewWorker(eng, r.control, r.eventBus, r.metrics, r.settings, idHint)
	if err := worker.Start(ctx); err != nil {
		return nil, err
	}
	r.workers = append(r.workers, worker)
	return worker, nil
}

// EnsureEngine starts a worker for the given engine type if the fleet does
// not already run one. The scenario manager calls this when a scenario needs
// an engine type the fleet configuration disabled.
func (r *Runtime) EnsureEngine(ctx context.Context, engineType models.EngineType) error {
	if !engineType.Valid() {
		return fmt.Errorf("unknown engine type %q", engineType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.engine.EngineType() == engineType {
			return nil
		}
	}

	slog.Info("Starting on-demand engine worker", "engine_type", engineType)
	_, err := r.startWorker(ctx, engineType, 0)
	return err
}

// Stop stops every worker. Workers shut down in parallel; each waits out its
// own in-flight events before deregistering.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runtime) stopLocked() {
	if len(r.workers) == 0 {
		return
	}
	slog.Info("Stopping engine runtime", "worker_count", len(r.workers))

	var wg sync.WaitGroup
	for _, worker := range r.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(worker)
	}
	wg.Wait()

	r.workers = nil
	slog.Info("Engine runtime stopped")
}

// Health returns a snapshot of every worker in the fleet.
func (r *Runtime) Health() []WorkerHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	health := make([]WorkerHealth, len(r.workers))
	for i, worker := range r.workers {
		health[i] = worker.Health()
	}
	return health
}
