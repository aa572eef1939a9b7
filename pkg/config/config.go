// Package config holds the agent's runtime configuration, loadable from a
// YAML file and overridable by cmd/agent's cobra flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RecoverPolicy governs what the agent does with executors it finds still
// running on disk at startup.
type RecoverPolicy struct {
	// Reconnect, when true, waits for a recovered executor to re-register
	// within ExecutorReregisterTimeout before shutting it down. When false,
	// every recovered executor is shut down immediately regardless of
	// whether it is still alive.
	Reconnect bool `yaml:"reconnect"`

	// Cleanup, when true, also removes sandbox directories for executors
	// that were shut down during recovery. It does not affect whether an
	// executor is shut down — only what happens to its sandbox afterward.
	Cleanup bool `yaml:"cleanup"`
}

// Config is every configuration option the agent's components consume,
// plus the ambient fields cmd/agent needs to wire logging, metrics, and
// the transport.
type Config struct {
	// WorkDir is the root of sandboxes and checkpoints.
	WorkDir string `yaml:"work_dir"`

	// LauncherDir holds the mesos-executor binary resolved for
	// command-executor synthesis.
	LauncherDir string `yaml:"launcher_dir"`

	// ExecutorShutdownGracePeriod is the phase-1 shutdown timeout: how long
	// a Shutdown message is given to take effect before the isolator is
	// asked to destroy the executor.
	ExecutorShutdownGracePeriod time.Duration `yaml:"executor_shutdown_grace_period"`

	// ExecutorReregisterTimeout bounds how long recovery waits for a
	// still-alive executor to re-register before forcing shutdown.
	ExecutorReregisterTimeout time.Duration `yaml:"executor_reregister_timeout"`

	// PingInterval is how often the agent pings the master to detect a
	// silently dead connection; PingTimeout bounds how long a ping round
	// waits for the matching Pong before the liveness check counts it as a
	// miss.
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	// GCDelay is the maximum sandbox age at zero disk usage; GCMinAge is the
	// floor it decays to as usage approaches full; DiskWatchInterval is how
	// often pkg/gc resamples usage and re-evaluates the sandbox list.
	GCDelay           time.Duration `yaml:"gc_delay"`
	GCMinAge          time.Duration `yaml:"gc_min_age"`
	DiskWatchInterval time.Duration `yaml:"disk_watch_interval"`

	// Recover is the recovery policy applied to executors found on disk.
	Recover RecoverPolicy `yaml:"recover"`

	// Strict aborts the process on any recovery error when true. When false,
	// a failure to read slave.info or the checkpoint tree is logged and
	// returned from Agent.Recover, and an isolator Recover error is logged
	// and recovery continues; no executor is shut down because of a
	// recovery error.
	Strict bool `yaml:"strict"`

	// MaxCompletedExecutorsPerFramework / MaxCompletedTasksPerExecutor size
	// the ring buffers owned by Framework and Executor respectively.
	MaxCompletedExecutorsPerFramework int `yaml:"max_completed_executors_per_framework"`
	MaxCompletedTasksPerExecutor      int `yaml:"max_completed_tasks_per_executor"`

	// Hostname and Attributes seed AgentInfo on cold start.
	Hostname   string            `yaml:"hostname"`
	Attributes map[string]string `yaml:"attributes"`
}

// Default returns the node-agent's built-in defaults.
func Default() Config {
	return Config{
		WorkDir:                           "/var/lib/agentcore",
		LauncherDir:                       "/usr/libexec/agentcore",
		ExecutorShutdownGracePeriod:       5 * time.Second,
		ExecutorReregisterTimeout:         2 * time.Minute,
		PingInterval:                      10 * time.Second,
		PingTimeout:                       5 * time.Second,
		GCDelay:                           7 * 24 * time.Hour,
		GCMinAge:                          1 * time.Hour,
		DiskWatchInterval:                 1 * time.Minute,
		Recover:                           RecoverPolicy{Reconnect: true},
		Strict:                            false,
		MaxCompletedExecutorsPerFramework: 150,
		MaxCompletedTasksPerExecutor:      1000,
	}
}

// Load reads a YAML config file at path and merges it over Default(). A
// missing file is not an error — callers that only want flag-supplied
// configuration pass an empty path.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if c.MaxCompletedExecutorsPerFramework <= 0 {
		return fmt.Errorf("max_completed_executors_per_framework must be positive")
	}
	if c.MaxCompletedTasksPerExecutor <= 0 {
		return fmt.Errorf("max_completed_tasks_per_executor must be positive")
	}
	if c.ExecutorShutdownGracePeriod <= 0 {
		return fmt.Errorf("executor_shutdown_grace_period must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping_timeout must be positive")
	}
	return nil
}
