package models

import "time"

// EngineType identifies which kind of worker an engine instance is.
type EngineType string

const (
	EngineTypeActor    EngineType = "actor"
	EngineTypeNarrator EngineType = "narrator"
	EngineTypeAnalyst  EngineType = "analyst"
)

// Valid reports whether t is a known engine type.
func (t EngineType) Valid() bool {
	switch t {
	case EngineTypeActor, EngineTypeNarrator, EngineTypeAnalyst:
		return true
	}
	return false
}

// EngineStatus is the self-reported health of an engine instance.
type EngineStatus string

const (
	EngineStatusHealthy   EngineStatus = "healthy"
	EngineStatusDegraded  EngineStatus = "degraded"
	EngineStatusUnhealthy EngineStatus = "unhealthy"
)

// Valid reports whether s is a known engine status.
func (s EngineStatus) Valid() bool {
	switch s {
	case EngineStatusHealthy, EngineStatusDegraded, EngineStatusUnhealthy:
		return true
	}
	return false
}

// StaleHeartbeatThreshold is how long an engine may go without a heartbeat
// before it is considered stale.
const StaleHeartbeatThreshold = 5 * time.Minute

// EngineCapabilities describes what an engine instance can do. Declared once
// at registration.
type EngineCapabilities struct {
	SupportedEventTypes       []string       `json:"supported_event_types"`
	MaxConcurrentAgents       int            `json:"max_concurrent_agents"`
	SupportsStreaming         bool           `json:"supports_streaming"`
	SupportsMemoryPersistence bool           `json:"supports_memory_persistence"`
	CustomCapabilities        map[string]any `json:"custom_capabilities,omitempty"`
}

// Supports reports whether the engine declared support for eventType.
// An empty declaration means the engine accepts every event type bound to
// its engine type.
func (c EngineCapabilities) Supports(eventType string) bool {
	if len(c.SupportedEventTypes) == 0 {
		return true
	}
	for _, t := range c.SupportedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// EngineResourceLimits caps the concurrent work an engine instance takes on.
type EngineResourceLimits struct {
	MaxConcurrentEvents      int `json:"max_concurrent_events"`
	MemoryLimitMB            int `json:"memory_limit_mb"`
	CPULimitPercent          int `json:"cpu_limit_percent"`
	MaxProcessingTimeSeconds int `json:"max_processing_time_seconds"`
}

// EngineInstance is the durable registry record for one engine worker.
type EngineInstance struct {
	EngineID            string               `json:"engine_id"`
	EngineType          EngineType           `json:"engine_type"`
	Status              EngineStatus         `json:"status"`
	Capabilities        EngineCapabilities   `json:"capabilities"`
	ResourceLimits      EngineResourceLimits `json:"resource_limits"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
	CurrentWorkload     int                  `json:"current_workload"`
	ActiveAgents        int                  `json:"active_agents"`
	ProcessedEventCount int                  `json:"processed_events_count"`
	ErrorCount          int                  `json:"error_count"`
	ResourceUtilization map[string]any       `json:"resource_utilization,omitempty"`
	LastHeartbeat       time.Time            `json:"last_heartbeat"`
	LastError           *string              `json:"last_error,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Stale reports whether the engine's last heartbeat is older than the
// staleness threshold at the given instant.
func (e *EngineInstance) Stale(now time.Time) bool {
	return now.Sub(e.LastHeartbeat) > StaleHeartbeatThreshold
}

// RegisterEngineRequest contains fields for registering a new engine instance.
type RegisterEngineRequest struct {
	EngineType     EngineType           `json:"engine_type"`
	EngineIDHint   string               `json:"engine_id_hint,omitempty"`
	Capabilities   EngineCapabilities   `json:"capabilities"`
	ResourceLimits EngineResourceLimits `json:"resource_limits"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
}

// HeartbeatRequest carries an engine's periodic self-report.
type HeartbeatRequest struct {
	Status              EngineStatus   `json:"status"`
	CurrentWorkload     int            `json:"current_workload"`
	ActiveAgents        int            `json:"active_agents"`
	ProcessedEventCount int            `json:"processed_events_count"`
	ErrorCount          int            `json:"error_count"`
	ResourceUtilization map[string]any `json:"resource_utilization,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
}

// EngineFilters narrows engine listings.
type EngineFilters struct {
	EngineType EngineType   `json:"engine_type,omitempty"`
	Status     EngineStatus `json:"status,omitempty"`
}

// EngineCounts summarizes the registry by status. Stale is orthogonal: it
// counts engines whose heartbeat is older than the staleness threshold,
// whatever their reported status.
type EngineCounts struct {
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Stale     int `json:"stale"`
}

// SystemHealth aggregates registry and queue counts for the health endpoint.
type SystemHealth struct {
	HealthyEngines   int `json:"healthy_engines"`
	DegradedEngines  int `json:"degraded_engines"`
	UnhealthyEngines int `json:"unhealthy_engines"`
	StaleEngines     int `json:"stale_engines"`
	QueuedEvents     int `json:"queued_events"`
	ProcessingEvents int `json:"processing_events"`
	RetryEvents      int `json:"retry_events"`
	FailedEvents     int `json:"failed_events"`
}
