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

// ScenarioService manages scenario run and agent instance lifecycle.
type ScenarioService struct {
	db *database.Client
}

// NewScenarioService creates a new ScenarioService
func NewScenarioService(db *database.Client) *ScenarioService {
	return &ScenarioService{db: db}
}

const scenarioColumns = `scenario_run_id, template_name, name, status, config, started_at,
	completed_at, results, current_turn_number, created_at, updated_at`

const agentColumns = `agent_instance_id, scenario_run_id, template_name, instance_name,
	role_in_scenario, engine_type, status, config, state, created_at, updated_at`

// allowedTransitions is the scenario status machine. Statuses move forward
// only, except the running/paused pair; terminal statuses have no exits.
var allowedTransitions = map[models.ScenarioStatus][]models.ScenarioStatus{
	models.ScenarioStatusPending:      {models.ScenarioStatusInitializing, models.ScenarioStatusTerminated, models.ScenarioStatusFailed},
	models.ScenarioStatusInitializing: {models.ScenarioStatusRunning, models.ScenarioStatusTerminated, models.ScenarioStatusFailed},
	models.ScenarioStatusRunning:      {models.ScenarioStatusPaused, models.ScenarioStatusCompleted, models.ScenarioStatusTerminated, models.ScenarioStatusFailed},
	models.ScenarioStatusPaused:       {models.ScenarioStatusRunning, models.ScenarioStatusTerminated, models.ScenarioStatusFailed},
}

// CanTransition reports whether a scenario run may move from one status to
// another.
func CanTransition(from, to models.ScenarioStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CreateRun materializes a new scenario run in pending status.
func (s *ScenarioService) CreateRun(httpCtx context.Context, req models.CreateScenarioRunRequest) (*models.ScenarioRun, error) {
	// Validate input
	if req.TemplateName == "" {
		return nil, NewValidationError("template_name", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	configJSON, err := marshalJSONB(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID := uuid.New().String()
	row := s.db.DB().QueryRowContext(ctx, `
		INSERT INTO scenario_runs (scenario_run_id, template_name, name, status, config)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING `+scenarioColumns,
		runID, req.TemplateName, req.Name, configJSON)

	run, err := scanScenarioRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario run: %w", err)
	}
	return run, nil
}

// GetRun returns one scenario run by id.
func (s *ScenarioService) GetRun(ctx context.Context, scenarioRunID string) (*models.ScenarioRun, error) {
	if scenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+scenarioColumns+` FROM scenario_runs WHERE scenario_run_id = $1`, scenarioRunID)
	run, err := scanScenarioRun(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario run: %w", err)
	}
	return run, nil
}

// ListActive returns non-terminal scenario runs, newest first.
func (s *ScenarioService) ListActive(ctx context.Context) ([]*models.ScenarioSummary, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT scenario_run_id, name, template_name, status, started_at
		FROM scenario_runs
		WHERE status IN ('pending', 'initializing', 'running', 'paused')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active scenario runs: %w", err)
	}
	defer rows.Close()

	var summaries []*models.ScenarioSummary
	for rows.Next() {
		var sum models.ScenarioSummary
		var startedAt stdsql.NullTime
		if err := rows.Scan(&sum.ScenarioRunID, &sum.Name, &sum.TemplateName, &sum.Status, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario summary: %w", err)
		}
		sum.StartedAt = nullTimePtr(startedAt)
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario summaries: %w", err)
	}
	return summaries, nil
}

// TransitionRun moves a scenario run to a new status, enforcing the status
// machine with a compare-and-set on the current status. started_at is
// stamped on the first move to running, completed_at on any terminal move.
func (s *ScenarioService) TransitionRun(httpCtx context.Context, scenarioRunID string, to models.ScenarioStatus) (*models.ScenarioRun, error) {
	if scenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := s.GetRun(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	if current.Status == to {
		return current, nil
	}
	if current.Status.Terminal() {
		return nil, ErrTerminalState
	}
	if !CanTransition(current.Status, to) {
		return nil, NewValidationError("status",
			fmt.Sprintf("cannot transition from %s to %s", current.Status, to))
	}

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE scenario_runs
		SET status = $3,
		    started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('terminated', 'completed', 'failed') THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE scenario_run_id = $1 AND status = $2
		RETURNING `+scenarioColumns,
		scenarioRunID, string(current.Status), string(to))

	run, err := scanScenarioRun(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		// Lost a race with a concurrent transition. Re-read and report.
		latest, gerr := s.GetRun(ctx, scenarioRunID)
		if gerr != nil {
			return nil, gerr
		}
		if latest.Status == to {
			return latest, nil
		}
		return nil, NewValidationError("status",
			fmt.Sprintf("concurrent transition, scenario run is now %s", latest.Status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition scenario run: %w", err)
	}
	return run, nil
}

// MergeResults deep-merges a patch into the run's results column at the top
// level (JSONB || concatenation: patch keys replace existing keys).
func (s *ScenarioService) MergeResults(httpCtx context.Context, scenarioRunID string, patch map[string]any) (*models.ScenarioRun, error) {
	if scenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}
	if len(patch) == 0 {
		return s.GetRun(httpCtx, scenarioRunID)
	}

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results patch: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE scenario_runs
		SET results = COALESCE(results, '{}'::jsonb) || $2::jsonb,
		    updated_at = now()
		WHERE scenario_run_id = $1
		RETURNING `+scenarioColumns,
		scenarioRunID, patchJSON)

	run, err := scanScenarioRun(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to merge scenario results: %w", err)
	}
	return run, nil
}

// SaveSnapshot persists a state snapshot under results.state_snapshot along
// with the snapshot timestamp, so an interrupted run can be resumed from
// durable state.
func (s *ScenarioService) SaveSnapshot(ctx context.Context, scenarioRunID string, snap *models.StateSnapshot) (*models.ScenarioRun, error) {
	if snap == nil {
		return nil, NewValidationError("snapshot", "required")
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var snapMap map[string]any
	if err := json.Unmarshal(snapJSON, &snapMap); err != nil {
		return nil, fmt.Errorf("failed to convert snapshot: %w", err)
	}

	return s.MergeResults(ctx, scenarioRunID, map[string]any{
		models.ResultKeyStateSnapshot:    snapMap,
		models.ResultKeyLastSnapshotTime: snap.TakenAt.Format(time.RFC3339),
	})
}

// LoadSnapshot reads the state snapshot back from results. Returns
// ErrNotFound if the run exists but has no snapshot.
func (s *ScenarioService) LoadSnapshot(ctx context.Context, scenarioRunID string) (*models.StateSnapshot, error) {
	run, err := s.GetRun(ctx, scenarioRunID)
	if err != nil {
		return nil, err
	}
	raw, ok := run.Results[models.ResultKeyStateSnapshot]
	if !ok {
		return nil, ErrNotFound
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal snapshot: %w", err)
	}
	var snap models.StateSnapshot
	if err := json.Unmarshal(rawJSON, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SetCurrentTurn records the scenario's current turn number.
func (s *ScenarioService) SetCurrentTurn(httpCtx context.Context, scenarioRunID string, turn int) error {
	if scenarioRunID == "" {
		return NewValidationError("scenario_run_id", "required")
	}
	if turn < 0 {
		return NewValidationError("turn", "must not be negative")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE scenario_runs SET current_turn_number = $2, updated_at = now()
		WHERE scenario_run_id = $1`, scenarioRunID, turn)
	if err != nil {
		return fmt.Errorf("failed to set current turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count turn updates: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneTerminalRuns deletes terminal scenario runs older than the given
// age. Agent instances and events cascade with the run.
func (s *ScenarioService) PruneTerminalRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, NewValidationError("older_than", "must be positive")
	}
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM scenario_runs
		WHERE status IN ('terminated', 'completed', 'failed')
		  AND COALESCE(completed_at, updated_at) < now() - ($1 * interval '1 second')`,
		int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal scenario runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned scenario runs: %w", err)
	}
	return int(n), nil
}

// CreateAgentInstance materializes one role's agent instance for a run.
// Each role may be filled once per run.
func (s *ScenarioService) CreateAgentInstance(httpCtx context.Context, req models.CreateAgentInstanceRequest) (*models.AgentInstance, error) {
	// Validate input
	if req.ScenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}
	if req.TemplateName == "" {
		return nil, NewValidationError("template_name", "required")
	}
	if req.RoleInScenario == "" {
		return nil, NewValidationError("role_in_scenario", "required")
	}
	if !req.EngineType.Valid() {
		return nil, NewValidationError("engine_type", fmt.Sprintf("unknown engine type %q", req.EngineType))
	}
	instanceName := req.InstanceName
	if instanceName == "" {
		instanceName = req.RoleInScenario
	}

	configJSON, err := marshalJSONB(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	stateJSON, err := marshalJSONB(req.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentID := uuid.New().String()
	row := s.db.DB().QueryRowContext(ctx, `
		INSERT INTO agent_instances (
			agent_instance_id, scenario_run_id, template_name, instance_name,
			role_in_scenario, engine_type, status, config, state
		) VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8)
		RETURNING `+agentColumns,
		agentID, req.ScenarioRunID, req.TemplateName, instanceName,
		req.RoleInScenario, string(req.EngineType), configJSON, stateJSON)

	agent, err := scanAgentInstance(row)
	if err != nil {
		if isPgErrCode(err, "23505") { // unique_violation
			return nil, ErrAlreadyExists
		}
		if isPgErrCode(err, "23503") { // foreign_key_violation
			return nil, NewValidationError("scenario_run_id",
				fmt.Sprintf("unknown scenario run %q", req.ScenarioRunID))
		}
		return nil, fmt.Errorf("failed to create agent instance: %w", err)
	}
	return agent, nil
}

// GetAgentInstance returns one agent instance by id.
func (s *ScenarioService) GetAgentInstance(ctx context.Context, agentInstanceID string) (*models.AgentInstance, error) {
	if agentInstanceID == "" {
		return nil, NewValidationError("agent_instance_id", "required")
	}
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_instances WHERE agent_instance_id = $1`, agentInstanceID)
	agent, err := scanAgentInstance(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent instance: %w", err)
	}
	return agent, nil
}

// ListAgentInstances returns every agent instance for a run, in creation
// order.
func (s *ScenarioService) ListAgentInstances(ctx context.Context, scenarioRunID string) ([]*models.AgentInstance, error) {
	if scenarioRunID == "" {
		return nil, NewValidationError("scenario_run_id", "required")
	}
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agent_instances WHERE scenario_run_id = $1 ORDER BY created_at ASC, agent_instance_id ASC`,
		scenarioRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent instances: %w", err)
	}
	defer rows.Close()

	var agents []*models.AgentInstance
	for rows.Next() {
		agent, err := scanAgentInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent instance: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent instances: %w", err)
	}
	return agents, nil
}

// UpdateAgentState replaces the persisted agent state blob.
func (s *ScenarioService) UpdateAgentState(httpCtx context.Context, agentInstanceID string, state map[string]any) (*models.AgentInstance, error) {
	if agentInstanceID == "" {
		return nil, NewValidationError("agent_instance_id", "required")
	}
	stateJSON, err := marshalJSONB(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.DB().QueryRowContext(ctx, `
		UPDATE agent_instances SET state = $2, updated_at = now()
		WHERE agent_instance_id = $1
		RETURNING `+agentColumns,
		agentInstanceID, stateJSON)

	agent, err := scanAgentInstance(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update agent state: %w", err)
	}
	return agent, nil
}

// StopAgentsForRun marks every active agent of a run stopped. Returns the
// number of agents stopped.
func (s *ScenarioService) StopAgentsForRun(httpCtx context.Context, scenarioRunID string) (int, error) {
	if scenarioRunID == "" {
		return 0, NewValidationError("scenario_run_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE agent_instances SET status = 'stopped', updated_at = now()
		WHERE scenario_run_id = $1 AND status = 'active'`, scenarioRunID)
	if err != nil {
		return 0, fmt.Errorf("failed to stop agents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count stopped agents: %w", err)
	}
	return int(n), nil
}

// scanScenarioRun reads one scenario_runs row in scenarioColumns order.
func scanScenarioRun(row interface{ Scan(dest ...any) error }) (*models.ScenarioRun, error) {
	var (
		r           models.ScenarioRun
		configRaw   []byte
		startedAt   stdsql.NullTime
		completedAt stdsql.NullTime
		resultsRaw  []byte
	)

	err := row.Scan(
		&r.ScenarioRunID, &r.TemplateName, &r.Name, &r.Status, &configRaw,
		&startedAt, &completedAt, &resultsRaw, &r.CurrentTurnNumber,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.StartedAt = nullTimePtr(startedAt)
	r.CompletedAt = nullTimePtr(completedAt)

	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &r.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if len(resultsRaw) > 0 {
		if err := json.Unmarshal(resultsRaw, &r.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	return &r, nil
}

// scanAgentInstance reads one agent_instances row in agentColumns order.
func scanAgentInstance(row interface{ Scan(dest ...any) error }) (*models.AgentInstance, error) {
	var (
		a         models.AgentInstance
		configRaw []byte
		stateRaw  []byte
	)

	err := row.Scan(
		&a.AgentInstanceID, &a.ScenarioRunID, &a.TemplateName, &a.InstanceName,
		&a.RoleInScenario, &a.EngineType, &a.Status, &configRaw, &stateRaw,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &a.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if len(stateRaw) > 0 {
		if err := json.Unmarshal(stateRaw, &a.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}
	return &a, nil
}
