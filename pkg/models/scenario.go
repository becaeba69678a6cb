package models

import "time"

// ScenarioStatus is the lifecycle state of a scenario run.
//
// Transitions are monotonic except running ↔ paused; terminal statuses never
// transition again. The allowed-transition table lives in the scenario
// service.
type ScenarioStatus string

const (
	ScenarioStatusPending      ScenarioStatus = "pending"
	ScenarioStatusInitializing ScenarioStatus = "initializing"
	ScenarioStatusRunning      ScenarioStatus = "running"
	ScenarioStatusPaused       ScenarioStatus = "paused"
	ScenarioStatusTerminated   ScenarioStatus = "terminated"
	ScenarioStatusCompleted    ScenarioStatus = "completed"
	ScenarioStatusFailed       ScenarioStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s ScenarioStatus) Terminal() bool {
	switch s {
	case ScenarioStatusTerminated, ScenarioStatusCompleted, ScenarioStatusFailed:
		return true
	}
	return false
}

// Result keys written by the runner.
const (
	ResultKeyStateSnapshot     = "state_snapshot"
	ResultKeyLastSnapshotTime  = "last_snapshot_time"
	ResultKeyTerminationReason = "termination_reason"
	ResultKeyEventCounts       = "event_counts"
)

// Well-known termination reasons used by the runner's monitor.
const (
	TerminationReasonTimeout  = "timeout"
	TerminationReasonMaxTurns = "max_turns"
)

// ScenarioRun is the durable record of one scenario execution.
type ScenarioRun struct {
	ScenarioRunID     string         `json:"scenario_run_id"`
	TemplateName      string         `json:"template_name"`
	Name              string         `json:"name"`
	Status            ScenarioStatus `json:"status"`
	Config            map[string]any `json:"config,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Results           map[string]any `json:"results,omitempty"`
	CurrentTurnNumber int            `json:"current_turn_number"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusStopped AgentStatus = "stopped"
)

// AgentInstance is the persistent per-role record for the engine serving
// that role in one scenario run.
type AgentInstance struct {
	AgentInstanceID string         `json:"agent_instance_id"`
	ScenarioRunID   string         `json:"scenario_run_id"`
	TemplateName    string         `json:"template_name"`
	InstanceName    string         `json:"instance_name"`
	RoleInScenario  string         `json:"role_in_scenario"`
	EngineType      EngineType     `json:"engine_type"`
	Status          AgentStatus    `json:"status"`
	Config          map[string]any `json:"config,omitempty"`
	State           map[string]any `json:"state,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateScenarioRunRequest contains fields for materializing a run row.
type CreateScenarioRunRequest struct {
	TemplateName string         `json:"template_name"`
	Name         string         `json:"name"`
	Config       map[string]any `json:"config,omitempty"`
}

// CreateAgentInstanceRequest contains fields for materializing one role's
// agent instance.
type CreateAgentInstanceRequest struct {
	ScenarioRunID  string         `json:"scenario_run_id"`
	TemplateName   string         `json:"template_name"`
	InstanceName   string         `json:"instance_name"`
	RoleInScenario string         `json:"role_in_scenario"`
	EngineType     EngineType     `json:"engine_type"`
	Config         map[string]any `json:"config,omitempty"`
	State          map[string]any `json:"state,omitempty"`
}

// ScenarioSummary is the listing shape for GET /scenarios/active.
type ScenarioSummary struct {
	ScenarioRunID string         `json:"scenario_run_id"`
	Name          string         `json:"name"`
	TemplateName  string         `json:"template_name"`
	Status        ScenarioStatus `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
}

// StateSnapshot is the serialized copy of a scenario's in-memory state kept
// under results.state_snapshot for resume.
type StateSnapshot struct {
	Roles       map[string]string `json:"roles"` // role -> agent_instance_id
	ActorAgents []string          `json:"actor_agents"`
	CurrentTurn string            `json:"current_turn,omitempty"`
	TurnHistory []string          `json:"turn_history,omitempty"`
	State       map[string]any    `json:"state,omitempty"`
	TakenAt     time.Time         `json:"taken_at"`
}
