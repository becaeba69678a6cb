package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

// Consecutive control-plane transport failures before the worker degrades
// its self-reported status, and before it reports unhealthy. Any successful
// call resets the count.
const (
	transportDegradedAfter  = 3
	transportUnhealthyAfter = 6
)

// reportTimeout bounds outcome reports (Complete/Fail) and deregistration,
// which run on background contexts so shutdown cannot cancel them mid-write.
const reportTimeout = 15 * time.Second

// WorkerHealth is a point-in-time snapshot of one worker's state.
type WorkerHealth struct {
	EngineID   string              `json:"engine_id"`
	EngineType models.EngineType   `json:"engine_type"`
	Status     models.EngineStatus `json:"status"`
	InFlight   int                 `json:"in_flight"`
	Processed  int                 `json:"processed"`
	Errors     int                 `json:"errors"`
	LastError  string              `json:"last_error,omitempty"`
}

// Worker drives one engine instance: it registers with the coordinator,
// polls the queue with jitter, processes leased events concurrently up to
// its slot capacity, and reports a heartbeat on every poll tick.
type Worker struct {
	engine   Engine
	control  ControlPlane
	eventBus *bus.Bus // nil for workers outside the coordinator process
	metrics  *metrics.Metrics
	settings config.QueueSettings
	idHint   string

	engineID string // assigned by Register, written once in Start

	slots    chan struct{} // in-flight slot tokens
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // poll loop
	inflight sync.WaitGroup // event goroutines

	// Health tracking
	mu              sync.RWMutex
	status          models.EngineStatus
	activeAgents    map[string]int // agent id -> in-flight events
	processed       int
	errs            int
	lastError       string
	transportErrors int
}

// NewWorker creates a worker for the given engine. eventBus may be nil:
// workers in other processes have no in-process bus, and the coordinator
// republishes their completed output envelopes instead. metrics may be nil.
func NewWorker(engine Engine, control ControlPlane, eventBus *bus.Bus, metrics *metrics.Metrics, settings config.QueueSettings, idHint string) *Worker {
	maxConcurrent := settings.MaxConcurrentEvents
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		engine:       engine,
		control:      control,
		eventBus:     eventBus,
		metrics:      metrics,
		settings:     settings,
		idHint:       idHint,
		slots:        make(chan struct{}, maxConcurrent),
		stopCh:       make(chan struct{}),
		status:       models.EngineStatusHealthy,
		activeAgents: make(map[string]int),
	}
}

// Start registers the engine with the control plane and begins the polling
// loop in a goroutine. The context governs polling only; in-flight events
// always run to completion.
func (w *Worker) Start(ctx context.Context) error {
	engine, err := w.control.Register(ctx, models.RegisterEngineRequest{
		EngineType:   w.engine.EngineType(),
		EngineIDHint: w.idHint,
		Capabilities: models.EngineCapabilities{
			MaxConcurrentAgents: cap(w.slots),
		},
		ResourceLimits: models.EngineResourceLimits{
			MaxConcurrentEvents:      cap(w.slots),
			MaxProcessingTimeSeconds: int(models.LeaseDuration.Seconds()),
		},
	})
	if err != nil {
		return err
	}
	w.engineID = engine.EngineID

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop stops polling, waits for in-flight events up to the graceful shutdown
// timeout, and deregisters the engine so its remaining leases return to the
// queue. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()

	log := slog.With("engine_id", w.engineID, "engine_type", w.engine.EngineType())

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.settings.GracefulShutdownTimeout):
		log.Warn("Shutdown timeout reached with events still in flight; their leases will expire")
	}

	if w.engineID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := w.control.Deregister(ctx, w.engineID); err != nil {
		log.Warn("Failed to deregister engine", "error", err)
		return
	}
	log.Info("Engine worker deregistered")
}

// EngineID returns the registry id assigned at registration.
func (w *Worker) EngineID() string { return w.engineID }

// Health returns a snapshot of the worker's state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		EngineID:   w.engineID,
		EngineType: w.engine.EngineType(),
		Status:     w.status,
		InFlight:   len(w.slots),
		Processed:  w.processed,
		Errors:     w.errs,
		LastError:  w.lastError,
	}
}

// run is the main polling loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("engine_id", w.engineID, "engine_type", w.engine.EngineType())
	log.Info("Engine worker started", "max_concurrent_events", cap(w.slots))

	for {
		select {
		case <-w.stopCh:
			log.Info("Engine worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, engine worker shutting down")
			return
		default:
			claimed, err := w.pollAndProcess(ctx)
			if err != nil {
				log.Error("Poll failed", "error", err)
				w.sleep(time.Second) // Brief backoff on error
				continue
			}
			if claimed == 0 {
				w.sleep(w.pollInterval())
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess sends the heartbeat, leases up to the free slot count, and
// spawns one goroutine per claimed event. Returns how many events were
// claimed.
func (w *Worker) pollAndProcess(ctx context.Context) (int, error) {
	w.heartbeat(ctx)

	free := cap(w.slots) - len(w.slots)
	if free == 0 {
		return 0, nil
	}
	if free > models.MaxLeaseBatch {
		free = models.MaxLeaseBatch
	}

	events, err := w.control.Lease(ctx, models.LeaseRequest{
		EngineType: w.engine.EngineType(),
		EngineID:   w.engineID,
		MaxEvents:  free,
	})
	if err != nil {
		w.noteTransportError(err)
		return 0, err
	}
	w.noteTransportSuccess()

	for _, event := range events {
		w.slots <- struct{}{} // never blocks: only this loop acquires
		w.trackAgent(event, +1)
		w.inflight.Add(1)
		go w.processEvent(event)
	}
	return len(events), nil
}

// processEvent runs one leased event through the engine and reports the
// outcome. It runs on its own goroutine with its own deadline so shutdown
// and poll cancellation never abort work mid-generation.
func (w *Worker) processEvent(event *models.EventInstance) {
	defer w.inflight.Done()
	defer func() { <-w.slots }()
	defer w.trackAgent(event, -1)

	log := slog.With(
		"engine_id", w.engineID,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"scenario_run_id", event.ScenarioRunID,
	)

	ctx, cancel := context.WithTimeout(context.Background(), models.LeaseDuration)
	defer cancel()

	// Keep the lease fresh while the LLM call runs long.
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go w.refreshLease(refreshCtx, event.EventID)

	start := time.Now()
	output, err := w.process(ctx, event)
	stopRefresh()

	if err != nil {
		w.noteProcessingError(err)
		w.metrics.ObserveEventProcessing(string(w.engine.EngineType()), string(models.EventStatusFailed), time.Since(start))
		log.Warn("Event processing failed", "error", err)
		w.reportFailure(event, err)
		return
	}
	w.metrics.ObserveEventProcessing(string(w.engine.EngineType()), string(models.EventStatusCompleted), time.Since(start))

	result := map[string]any{
		models.ResultKeyOutputEventType:  output.EventType,
		models.ResultKeyContent:          output.Content,
		models.ResultKeyProcessingTimeMS: time.Since(start).Milliseconds(),
	}
	if len(output.Data) > 0 {
		result[models.ResultKeyData] = output.Data
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), reportTimeout)
	defer cancelReport()
	if _, err := w.control.Complete(reportCtx, event.EventID, w.engineID, result); err != nil {
		if isTransportError(err) {
			w.noteTransportError(err)
		}
		log.Error("Failed to report event completion", "error", err)
		return
	}
	w.noteTransportSuccess()
	w.noteProcessed()
	log.Info("Event processed", "output_event_type", output.EventType,
		"duration_ms", time.Since(start).Milliseconds())

	w.publishOutput(event, output)
}

// process resolves the target agent's profile and runs the engine.
func (w *Worker) process(ctx context.Context, event *models.EventInstance) (*Output, error) {
	profile := &Profile{ScenarioRunID: event.ScenarioRunID}
	if event.TargetAgentID != nil {
		agent, err := w.control.GetAgent(ctx, event.ScenarioRunID, *event.TargetAgentID)
		if err != nil {
			return nil, err
		}
		profile, err = ProfileFromAgent(agent)
		if err != nil {
			return nil, err
		}
	}
	return w.engine.Process(ctx, event, profile)
}

// reportFailure reports a processing failure on a background context. Losing
// the lease in the meantime is expected after long stalls and not an error.
func (w *Worker) reportFailure(event *models.EventInstance, procErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	updated, err := w.control.Fail(ctx, event.EventID, w.engineID, procErr.Error())
	if err != nil {
		if errors.Is(err, services.ErrNotLeaseHolder) {
			slog.Warn("Lease lost before failure report", "event_id", event.EventID)
			return
		}
		if isTransportError(err) {
			w.noteTransportError(err)
		}
		slog.Error("Failed to report event failure", "event_id", event.EventID, "error", err)
		return
	}
	w.noteTransportSuccess()
	if updated != nil && updated.Status == models.EventStatusRetry {
		w.metrics.IncEventRetry(string(w.engine.EngineType()))
	}
}

// publishOutput hands the engine output to the in-process bus so the manager
// can route it. Only events addressed to an agent produce routable output.
func (w *Worker) publishOutput(event *models.EventInstance, output *Output) {
	if w.eventBus == nil || event.TargetAgentID == nil || output.EventType == "" {
		return
	}

	payload := map[string]any{models.PayloadKeyContent: output.Content}
	for k, v := range output.Data {
		payload[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.eventBus.Publish(ctx, bus.OutputEvent{
		ScenarioRunID: event.ScenarioRunID,
		SourceAgentID: *event.TargetAgentID,
		EventType:     output.EventType,
		Payload:       payload,
	}); err != nil {
		slog.Warn("Failed to publish engine output",
			"event_id", event.EventID, "output_event_type", output.EventType, "error", err)
	}
}

// refreshLease extends the event lease at half-lease intervals until the
// context is cancelled.
func (w *Worker) refreshLease(ctx context.Context, eventID string) {
	ticker := time.NewTicker(models.LeaseDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.control.ExtendLease(ctx, eventID, w.engineID, models.LeaseDuration); err != nil {
				slog.Warn("Lease refresh failed", "event_id", eventID, "error", err)
			}
		}
	}
}

// heartbeat reports status and workload. Heartbeats ride the poll tick, so a
// busy worker reports as often as an idle one.
func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.RLock()
	req := models.HeartbeatRequest{
		Status:              w.status,
		CurrentWorkload:     len(w.slots),
		ActiveAgents:        len(w.activeAgents),
		ProcessedEventCount: w.processed,
		ErrorCount:          w.errs,
		ResourceUtilization: map[string]any{
			"in_flight_events":      len(w.slots),
			"max_concurrent_events": cap(w.slots),
		},
	}
	if w.lastError != "" {
		lastError := w.lastError
		req.LastError = &lastError
	}
	w.mu.RUnlock()

	if _, err := w.control.Heartbeat(ctx, w.engineID, req); err != nil {
		w.noteTransportError(err)
		slog.Warn("Heartbeat failed", "engine_id", w.engineID, "error", err)
		return
	}
	w.noteTransportSuccess()
}

// trackAgent adjusts the in-flight count for the event's target agent.
func (w *Worker) trackAgent(event *models.EventInstance, delta int) {
	if event.TargetAgentID == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.activeAgents[*event.TargetAgentID] + delta
	if n <= 0 {
		delete(w.activeAgents, *event.TargetAgentID)
		return
	}
	w.activeAgents[*event.TargetAgentID] = n
}

func (w *Worker) noteProcessed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processed++
}

func (w *Worker) noteProcessingError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs++
	w.lastError = err.Error()
}

// noteTransportError counts a consecutive control-plane failure and degrades
// the self-reported status past the thresholds.
func (w *Worker) noteTransportError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transportErrors++
	w.lastError = err.Error()
	switch {
	case w.transportErrors >= transportUnhealthyAfter:
		w.status = models.EngineStatusUnhealthy
	case w.transportErrors >= transportDegradedAfter:
		w.status = models.EngineStatusDegraded
	}
}

// noteTransportSuccess resets the consecutive-failure count and restores a
// healthy status.
func (w *Worker) noteTransportSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transportErrors = 0
	w.status = models.EngineStatusHealthy
}

// isTransportError reports whether err is a transport-class failure rather
// than a domain rejection (lease lost, validation, not found).
func isTransportError(err error) bool {
	var validationErr *services.ValidationError
	switch {
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrNotLeaseHolder),
		errors.Is(err, services.ErrInvalidInput),
		errors.As(err, &validationErr):
		return false
	}
	return true
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.settings.PollInterval
	jitter := w.settings.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
