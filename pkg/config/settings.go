package config

import (
	"fmt"
	"time"

	"github.com/troupelab/troupe/pkg/models"
)

// QueueSettings controls how engine workers poll, claim, and process events.
type QueueSettings struct {
	// PollInterval is the base interval between lease requests.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter applied to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// MaxConcurrentEvents is the per-worker in-flight processing limit and
	// the upper bound of one lease batch.
	MaxConcurrentEvents int `yaml:"max_concurrent_events"`

	// MaxRetries is the system-wide event retry budget, overridable per
	// scenario via error_handling.max_retries.
	MaxRetries int `yaml:"max_retries"`

	// GracefulShutdownTimeout is the max time a stopping worker waits for
	// in-flight events. Stragglers are recovered by lease expiry.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// MonitorInterval is how often the scenario monitor checks timeout and
	// max-turns conditions.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// DefaultQueueSettings returns the built-in queue defaults.
func DefaultQueueSettings() *QueueSettings {
	return &QueueSettings{
		PollInterval:            5 * time.Second,
		PollIntervalJitter:      1 * time.Second,
		MaxConcurrentEvents:     5,
		MaxRetries:              models.DefaultMaxRetries,
		GracefulShutdownTimeout: 30 * time.Second,
		MonitorInterval:         2 * time.Second,
	}
}

// RetentionSettings controls the janitor loop and data retention.
type RetentionSettings struct {
	// EventTTL is how long terminal (completed/failed) events are kept.
	EventTTL time.Duration `yaml:"event_ttl"`

	// StreamEventTTL is how long lifecycle stream events are kept.
	StreamEventTTL time.Duration `yaml:"stream_event_ttl"`

	// ScenarioRunTTL is how long terminal scenario runs are kept.
	ScenarioRunTTL time.Duration `yaml:"scenario_run_ttl"`

	// CleanupInterval is how often the janitor runs. The same loop sweeps
	// expired leases and stale engines, so it stays short.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionSettings returns the built-in retention defaults.
func DefaultRetentionSettings() *RetentionSettings {
	return &RetentionSettings{
		EventTTL:        24 * time.Hour,
		StreamEventTTL:  1 * time.Hour,
		ScenarioRunTTL:  30 * 24 * time.Hour,
		CleanupInterval: 1 * time.Minute,
	}
}

// ServerSettings configures the control-plane HTTP server.
type ServerSettings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedWSOrigins lists additional WebSocket origin patterns beyond
	// same-host defaults.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerSettings returns the built-in server defaults.
func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Host: "0.0.0.0",
		Port: 8080,
	}
}

// Addr returns the host:port listen address.
func (s *ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EngineFleetSettings sizes the in-process worker fleet: how many engine
// instances of each type main starts. Remote workers registering over HTTP
// are always additive.
type EngineFleetSettings struct {
	Actor    int `yaml:"actor"`
	Narrator int `yaml:"narrator"`
	Analyst  int `yaml:"analyst"`
}

// DefaultEngineFleetSettings returns one engine of each type.
func DefaultEngineFleetSettings() *EngineFleetSettings {
	return &EngineFleetSettings{Actor: 1, Narrator: 1, Analyst: 1}
}

// Counts maps the fleet sizing per engine type, skipping zero entries.
func (s *EngineFleetSettings) Counts() map[models.EngineType]int {
	counts := make(map[models.EngineType]int, 3)
	if s.Actor > 0 {
		counts[models.EngineTypeActor] = s.Actor
	}
	if s.Narrator > 0 {
		counts[models.EngineTypeNarrator] = s.Narrator
	}
	if s.Analyst > 0 {
		counts[models.EngineTypeAnalyst] = s.Analyst
	}
	return counts
}
