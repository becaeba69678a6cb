package services

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/models"
)

// EngineService manages the engine instance registry: registration,
// heartbeats, deregistration, and staleness bookkeeping.
type EngineService struct {
	db *database.Client
}

// NewEngineService creates a new EngineService
func NewEngineService(db *database.Client) *EngineService {
	return &EngineService{db: db}
}

const engineColumns = `engine_id, engine_type, status, capabilities, resource_limits, metadata,
	current_workload, active_agents, processed_events_count, error_count,
	resource_utilization, last_heartbeat, last_error, created_at, updated_at`

// Register adds an engine instance to the registry. An engine_id_hint is
// honored when the id is unused, or when its previous owner has gone stale
// or unhealthy (a restarted engine reconnecting under its old id takes it
// over with reset counters). A hint held by a live engine gets a short
// suffix instead, so two workers can never share an identity.
func (s *EngineService) Register(httpCtx context.Context, req models.RegisterEngineRequest) (*models.EngineInstance, error) {
	// Validate input
	if !req.EngineType.Valid() {
		return nil, NewValidationError("engine_type", fmt.Sprintf("unknown engine type %q", req.EngineType))
	}
	if req.Capabilities.MaxConcurrentAgents < 0 {
		return nil, NewValidationError("capabilities.max_concurrent_agents", "must not be negative")
	}
	if req.ResourceLimits.MaxConcurrentEvents < 0 {
		return nil, NewValidationError("resource_limits.max_concurrent_events", "must not be negative")
	}

	engineID := req.EngineIDHint
	if engineID == "" {
		engineID = fmt.Sprintf("%s-%s", req.EngineType, uuid.New().String())
	}

	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	limitsJSON, err := json.Marshal(req.ResourceLimits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource limits: %w", err)
	}
	metaJSON, err := marshalJSONB(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine, err := s.tryRegister(ctx, engineID, req, capsJSON, limitsJSON, metaJSON)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		suffixed := fmt.Sprintf("%s-%s", engineID, uuid.New().String()[:8])
		engine, err = s.tryRegister(ctx, suffixed, req, capsJSON, limitsJSON, metaJSON)
		if err != nil {
			return nil, err
		}
		if engine == nil {
			return nil, fmt.Errorf("failed to register engine: ids %q and %q both held by live engines", engineID, suffixed)
		}
	}
	return engine, nil
}

// tryRegister inserts the engine row under the given id. An existing row is
// taken over only when its heartbeat is stale or it is unhealthy; a live
// owner keeps the id and (nil, nil) is returned.
func (s *EngineService) tryRegister(ctx context.Context, engineID string, req models.RegisterEngineRequest, capsJSON, limitsJSON, metaJSON []byte) (*models.EngineInstance, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		INSERT INTO engine_instances (
			engine_id, engine_type, status, capabilities, resource_limits, metadata, last_heartbeat
		) VALUES ($1, $2, 'healthy', $3, $4, $5, now())
		ON CONFLICT (engine_id) DO UPDATE SET
			engine_type = EXCLUDED.engine_type,
			status = 'healthy',
			capabilities = EXCLUDED.capabilities,
			resource_limits = EXCLUDED.resource_limits,
			metadata = EXCLUDED.metadata,
			current_workload = 0,
			active_agents = 0,
			processed_events_count = 0,
			error_count = 0,
			last_heartbeat = now(),
			last_error = NULL,
			updated_at = now()
		WHERE engine_instances.status = 'unhealthy'
		   OR engine_instances.last_heartbeat <= now() - ($6 * interval '1 second')
		RETURNING `+engineColumns,
		engineID, string(req.EngineType), capsJSON, limitsJSON, metaJSON,
		int(models.StaleHeartbeatThreshold.Seconds()))

	engine, err := scanEngine(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register engine: %w", err)
	}
	return engine, nil
}

// Heartbeat records an engine's periodic self-report and refreshes its
// heartbeat timestamp.
func (s *EngineService) Heartbeat(httpCtx context.Context, engineID string, req models.HeartbeatRequest) (*models.EngineInstance, error) {
	if engineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}
	if !req.Status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown engine status %q", req.Status))
	}
	if req.CurrentWorkload < 0 {
		return nil, NewValidationError("current_workload", "must not be negative")
	}

	utilJSON, err := marshalJSONB(req.ResourceUtilization)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource utilization: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE engine_instances
		SET status = $2,
		    current_workload = $3,
		    active_agents = $4,
		    processed_events_count = $5,
		    error_count = $6,
		    resource_utilization = $7,
		    last_error = $8,
		    last_heartbeat = now(),
		    updated_at = now()
		WHERE engine_id = $1
		RETURNING `+engineColumns,
		engineID, string(req.Status), req.CurrentWorkload, req.ActiveAgents,
		req.ProcessedEventCount, req.ErrorCount, utilJSON, req.LastError)

	engine, err := scanEngine(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return engine, nil
}

// Deregister removes an engine from the registry and returns its leased
// events to the queue in the same transaction, so in-flight work is
// re-dispatched immediately instead of waiting out the lease.
// Returns the number of leases released.
func (s *EngineService) Deregister(httpCtx context.Context, engineID string) (int, error) {
	if engineID == "" {
		return 0, NewValidationError("engine_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE event_instances
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL
		WHERE leased_by = $1 AND status = 'processing'`, engineID)
	if err != nil {
		return 0, fmt.Errorf("failed to release engine leases: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released leases: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM engine_instances WHERE engine_id = $1`, engineID)
	if err != nil {
		return 0, fmt.Errorf("failed to deregister engine: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deregistered engines: %w", err)
	}
	if deleted == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(released), nil
}

// Get returns one engine instance by id.
func (s *EngineService) Get(ctx context.Context, engineID string) (*models.EngineInstance, error) {
	if engineID == "" {
		return nil, NewValidationError("engine_id", "required")
	}
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+engineColumns+` FROM engine_instances WHERE engine_id = $1`, engineID)
	engine, err := scanEngine(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get engine: %w", err)
	}
	return engine, nil
}

// List returns registered engines, optionally filtered by type and status.
func (s *EngineService) List(ctx context.Context, filters models.EngineFilters) ([]*models.EngineInstance, error) {
	if filters.EngineType != "" && !filters.EngineType.Valid() {
		return nil, NewValidationError("engine_type", fmt.Sprintf("unknown engine type %q", filters.EngineType))
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown engine status %q", filters.Status))
	}

	query := `SELECT ` + engineColumns + ` FROM engine_instances`
	var args []any
	var where []string
	if filters.EngineType != "" {
		args = append(args, string(filters.EngineType))
		where = append(where, fmt.Sprintf("engine_type = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at ASC, engine_id ASC"

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	defer rows.Close()

	var engines []*models.EngineInstance
	for rows.Next() {
		engine, err := scanEngine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engine: %w", err)
		}
		engines = append(engines, engine)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate engines: %w", err)
	}
	return engines, nil
}

// Counts summarizes the registry by status plus the number of engines with
// stale heartbeats.
func (s *EngineService) Counts(ctx context.Context) (models.EngineCounts, error) {
	var counts models.EngineCounts
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT status, COUNT(*),
		       COUNT(*) FILTER (WHERE last_heartbeat <= now() - ($1 * interval '1 second'))
		FROM engine_instances
		GROUP BY status`,
		int(models.StaleHeartbeatThreshold.Seconds()))
	if err != nil {
		return counts, fmt.Errorf("failed to count engines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.EngineStatus
		var n, stale int
		if err := rows.Scan(&status, &n, &stale); err != nil {
			return counts, fmt.Errorf("failed to scan engine counts: %w", err)
		}
		switch status {
		case models.EngineStatusHealthy:
			counts.Healthy = n
		case models.EngineStatusDegraded:
			counts.Degraded = n
		case models.EngineStatusUnhealthy:
			counts.Unhealthy = n
		}
		counts.Stale += stale
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to iterate engine counts: %w", err)
	}
	return counts, nil
}

// MarkStaleUnhealthy flips engines whose heartbeat is older than the
// staleness threshold to unhealthy and returns their ids. The caller is
// expected to release their leases afterwards.
func (s *EngineService) MarkStaleUnhealthy(ctx context.Context) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		UPDATE engine_instances
		SET status = 'unhealthy', updated_at = now()
		WHERE last_heartbeat <= now() - ($1 * interval '1 second')
		  AND status <> 'unhealthy'
		RETURNING engine_id`,
		int(models.StaleHeartbeatThreshold.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale engines: %w", err)
	}
	defer rows.Close()

	var engineIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan engine id: %w", err)
		}
		engineIDs = append(engineIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale engines: %w", err)
	}
	return engineIDs, nil
}

// scanEngine reads one engine_instances row in engineColumns order.
func scanEngine(row interface{ Scan(dest ...any) error }) (*models.EngineInstance, error) {
	var (
		e         models.EngineInstance
		capsRaw   []byte
		limitsRaw []byte
		metaRaw   []byte
		utilRaw   []byte
		lastError stdsql.NullString
	)

	err := row.Scan(
		&e.EngineID, &e.EngineType, &e.Status, &capsRaw, &limitsRaw, &metaRaw,
		&e.CurrentWorkload, &e.ActiveAgents, &e.ProcessedEventCount, &e.ErrorCount,
		&utilRaw, &e.LastHeartbeat, &lastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.LastError = nullStringPtr(lastError)

	if len(capsRaw) > 0 {
		if err := json.Unmarshal(capsRaw, &e.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if len(limitsRaw) > 0 {
		if err := json.Unmarshal(limitsRaw, &e.ResourceLimits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource limits: %w", err)
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(utilRaw) > 0 {
		if err := json.Unmarshal(utilRaw, &e.ResourceUtilization); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource utilization: %w", err)
		}
	}
	return &e, nil
}
