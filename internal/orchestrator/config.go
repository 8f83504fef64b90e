package orchestrator

import (
	"fmt"
	"time"

	"github.com/rendis/conductor/internal/coordination"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/monitor"
	"github.com/rendis/conductor/internal/scheduler"
	"github.com/rendis/conductor/internal/state"
	"github.com/rendis/conductor/pkg/schema"
)

// Backend names accepted by StateConfig and StoreConfig.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLibSQL = "libsql"
)

// Config is the full orchestrator configuration. Zero-valued fields are
// filled from DefaultConfig by Validate.
type Config struct {
	Engine       engine.Config       `yaml:"engine" json:"engine"`
	Coordination coordination.Config `yaml:"coordination" json:"coordination"`
	Monitor      MonitorConfig       `yaml:"monitor" json:"monitor"`
	Scheduler    SchedulerConfig     `yaml:"scheduler" json:"scheduler"`
	Pipeline     PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	State        StateConfig         `yaml:"state" json:"state"`
	Store        StoreConfig         `yaml:"store" json:"store"`

	// MaxConcurrentInvocations caps agent calls in flight across workflow
	// steps and coordination stages. Zero means unlimited.
	MaxConcurrentInvocations int `yaml:"max_concurrent_invocations" json:"max_concurrent_invocations"`

	// ShutdownTimeout is used when GracefulShutdown is called with zero.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MonitorConfig controls health and metrics aggregation.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Interval is both the health window and the metrics recompute period.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// SchedulerConfig controls cron-triggered workflows.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// PipelineConfig names the capabilities ExecuteCompleteWorkflow looks up
// for its analyze, implement and validate steps.
type PipelineConfig struct {
	WorkflowID          string `yaml:"workflow_id" json:"workflow_id"`
	AnalyzeCapability   string `yaml:"analyze_capability" json:"analyze_capability"`
	ImplementCapability string `yaml:"implement_capability" json:"implement_capability"`
	ValidateCapability  string `yaml:"validate_capability" json:"validate_capability"`
}

// StateConfig selects the StateStore backend.
type StateConfig struct {
	Backend  string `yaml:"backend" json:"backend"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	// Namespace scopes every key under "<namespace>.", so several
	// orchestrators can share one backend. Empty means unscoped.
	Namespace string `yaml:"namespace" json:"namespace,omitempty"`
}

// StoreConfig selects where terminal executions, event history and
// schedules are kept.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	// Path is the libSQL database, e.g. "file:conductor.db".
	Path string `yaml:"path" json:"path"`
	// VacuumOnShutdown compacts the libSQL database after the final
	// archive pass. Ignored by the memory backend.
	VacuumOnShutdown bool `yaml:"vacuum_on_shutdown" json:"vacuum_on_shutdown,omitempty"`
}

// DefaultConfig returns a single-process, in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Engine:       engine.DefaultConfig(),
		Coordination: coordination.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: monitor.DefaultInterval,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: scheduler.DefaultTickInterval,
		},
		Pipeline: PipelineConfig{
			WorkflowID:          "complete",
			AnalyzeCapability:   "analyze",
			ImplementCapability: "implement",
			ValidateCapability:  "validate",
		},
		State: StateConfig{
			Backend: BackendMemory,
			Addr:    "localhost:6379",
			Prefix:  "conductor:state:",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    "file:conductor.db",
		},
		MaxConcurrentInvocations: 16,
		ShutdownTimeout:          30 * time.Second,
	}
}

// Validate fills unset fields from DefaultConfig and rejects values that
// cannot work.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Engine.MaxConcurrentSteps == 0 {
		c.Engine.MaxConcurrentSteps = def.Engine.MaxConcurrentSteps
	}
	if c.Coordination.MaxConcurrent == 0 {
		c.Coordination.MaxConcurrent = def.Coordination.MaxConcurrent
	}
	if c.Coordination.DefaultTimeout == 0 {
		c.Coordination.DefaultTimeout = def.Coordination.DefaultTimeout
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = def.Monitor.Interval
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if c.Pipeline.WorkflowID == "" {
		c.Pipeline.WorkflowID = def.Pipeline.WorkflowID
	}
	if c.Pipeline.AnalyzeCapability == "" {
		c.Pipeline.AnalyzeCapability = def.Pipeline.AnalyzeCapability
	}
	if c.Pipeline.ImplementCapability == "" {
		c.Pipeline.ImplementCapability = def.Pipeline.ImplementCapability
	}
	if c.Pipeline.ValidateCapability == "" {
		c.Pipeline.ValidateCapability = def.Pipeline.ValidateCapability
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendMemory
	}
	if c.State.Prefix == "" {
		c.State.Prefix = def.State.Prefix
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(c.Engine.MaxConcurrentSteps > 0, "engine.max_concurrent_steps must be positive")
	check(c.Engine.DefaultStepTimeout >= 0, "engine.default_step_timeout must not be negative")
	check(c.Engine.Retention >= 0, "engine.retention must not be negative")
	check(c.Coordination.MaxConcurrent > 0, "coordination.max_concurrent must be positive")
	check(c.Coordination.DefaultTimeout > 0, "coordination.default_timeout must be positive")
	check(c.Coordination.Retention >= 0, "coordination.retention must not be negative")
	check(c.Monitor.Interval > 0, "monitor.interval must be positive")
	check(c.Scheduler.TickInterval > 0, "scheduler.tick_interval must be positive")
	check(c.MaxConcurrentInvocations >= 0, "max_concurrent_invocations must not be negative")
	check(c.ShutdownTimeout > 0, "shutdown_timeout must be positive")
	if c.State.Namespace != "" {
		check(state.ValidateKey(c.State.Namespace) == nil, "state.namespace %q is not a valid key", c.State.Namespace)
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.State.Addr != "", "state.addr is required for the redis backend")
	default:
		check(false, "state.backend %q is not one of memory, redis", c.State.Backend)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendLibSQL:
		check(c.Store.Path != "", "store.path is required for the libsql backend")
	default:
		check(false, "store.backend %q is not one of memory, libsql", c.Store.Backend)
	}

	if len(problems) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", problems[0]).
			WithDetails(map[string]any{"problems": problems})
	}
	return nil
}
