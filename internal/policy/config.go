// Package policy holds the orchestration core's structured configuration
// object (spec.md §6) and the names of the pluggable scheduling policies
// of §4.5, which are implemented in internal/coordinator. The
// config loader is grounded on the teacher's agents.LoadTeamsConfig: a
// plain os.ReadFile + gopkg.in/yaml.v3 decode into a typed struct, with
// defaults applied after decode rather than via struct tags.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulingPolicy names one of the pluggable fit-score strategies of
// spec.md §4.5.
type SchedulingPolicy string

const (
	PolicyRoundRobin      SchedulingPolicy = "round-robin"
	PolicyLeastConnections SchedulingPolicy = "least-connections"
	PolicyResourceBased   SchedulingPolicy = "resource-based"
	PolicyCapabilityFirst SchedulingPolicy = "capability-first"
	PolicyWeighted        SchedulingPolicy = "weighted"
)

// ResourceLimits carries the per-dimension caps of spec.md §6.
type ResourceLimits struct {
	CPUCores    float64 `yaml:"cpu_cores"`
	MemoryMB    int64   `yaml:"memory_mb"`
	DiskMB      int64   `yaml:"disk_mb"`
	NetworkMbps int64   `yaml:"network_mbps"`
}

// Config is the single structured configuration object of spec.md §6.
// It is immutable once loaded; components hold a copy, not a pointer into
// a mutable shared value.
type Config struct {
	CheckIntervalSeconds        int              `yaml:"check_interval_seconds"`
	HeartbeatIntervalSeconds    int              `yaml:"heartbeat_interval_seconds"`
	ProgressTimeoutMinutes      int              `yaml:"progress_timeout_minutes"`
	ResponseTimeoutMinutes      int              `yaml:"response_timeout_minutes"`
	CompletionTimeoutMultiplier float64          `yaml:"completion_timeout_multiplier"`
	MaxReassignments            int              `yaml:"max_reassignments"`
	EvidenceValidationRequired  bool             `yaml:"evidence_validation_required"`
	AutoEscalationEnabled       bool             `yaml:"auto_escalation_enabled"`
	SchedulingPolicy            SchedulingPolicy `yaml:"scheduling_policy"`
	ResourceLimits              ResourceLimits   `yaml:"resource_limits"`
	QueueSoftCap                int              `yaml:"queue_soft_cap"`
	StorePath                   string           `yaml:"store_path"`
	StoreBackend                string           `yaml:"store_backend"` // "sqlite" or "filestore"

	// DefaultTaskEffortMinutes is the effort estimate the coordinator falls
	// back to for a task that was submitted with neither an explicit effort
	// nor a deadline to derive one from (spec.md §4.1's assignment deadline
	// computation).
	DefaultTaskEffortMinutes int `yaml:"default_task_effort_minutes"`
}

// Default returns the configuration with every spec.md §6 default applied.
func Default() Config {
	return Config{
		CheckIntervalSeconds:        60,
		HeartbeatIntervalSeconds:    30,
		ProgressTimeoutMinutes:      30,
		ResponseTimeoutMinutes:      5,
		CompletionTimeoutMultiplier: 1.5,
		MaxReassignments:            2,
		EvidenceValidationRequired:  true,
		AutoEscalationEnabled:       true,
		SchedulingPolicy:            PolicyCapabilityFirst,
		ResourceLimits: ResourceLimits{
			CPUCores:    8,
			MemoryMB:    16384,
			DiskMB:      102400,
			NetworkMbps: 1000,
		},
		QueueSoftCap:             10000,
		StorePath:                "orchestrator.db",
		StoreBackend:             "sqlite",
		DefaultTaskEffortMinutes: 30,
	}
}

// Load reads a YAML configuration file at path, applying defaults for any
// field left unset, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("policy: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("policy: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field-level invariants the rest of the core assumes
// hold; it does not re-derive defaults.
func (c Config) Validate() error {
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("policy: check_interval_seconds must be positive")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("policy: heartbeat_interval_seconds must be positive")
	}
	if c.ResponseTimeoutMinutes <= 0 {
		return fmt.Errorf("policy: response_timeout_minutes must be positive")
	}
	switch c.SchedulingPolicy {
	case PolicyRoundRobin, PolicyLeastConnections, PolicyResourceBased, PolicyCapabilityFirst, PolicyWeighted:
	default:
		return fmt.Errorf("policy: unknown scheduling_policy %q", c.SchedulingPolicy)
	}
	if c.MaxReassignments < 0 {
		return fmt.Errorf("policy: max_reassignments must be non-negative")
	}
	return nil
}

// HeartbeatInterval is the heartbeat cadence as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ResponseTimeout is the unresponsive threshold as a time.Duration.
func (c Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMinutes) * time.Minute
}

// ProgressTimeout is the stall threshold as a time.Duration.
func (c Config) ProgressTimeout() time.Duration {
	return time.Duration(c.ProgressTimeoutMinutes) * time.Minute
}

// CheckInterval is the monitor/coordinator tick period as a time.Duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// DefaultTaskEffort is the fallback effort estimate as a time.Duration.
func (c Config) DefaultTaskEffort() time.Duration {
	return time.Duration(c.DefaultTaskEffortMinutes) * time.Minute
}
