package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmux/agentmux/internal/domain/agent"
	wt "github.com/agentmux/agentmux/internal/domain/worktree"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentmux.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTMUX_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTMUX_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTMUX_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTMUX_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTMUX_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTMUX_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTMUX_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "AGENTMUX_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTMUX_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTMUX_LOG_ASYNC")
	setInt(&cfg.Logging.AsyncBuffer, "AGENTMUX_LOG_ASYNC_BUFFER")
	setInt(&cfg.Logging.AsyncWorkers, "AGENTMUX_LOG_ASYNC_WORKERS")

	setInt(&cfg.Breaker.MaxFailures, "AGENTMUX_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "AGENTMUX_BREAKER_COOLDOWN")

	setInt(&cfg.Git.MaxConcurrent, "AGENTMUX_GIT_MAX_CONCURRENT")
	setInt64(&cfg.Cache.MaxSizeMB, "AGENTMUX_CACHE_SIZE_MB")

	setDuration(&cfg.Queue.BackoffBase, "AGENTMUX_BACKOFF_BASE")
	setDuration(&cfg.Queue.BackoffCap, "AGENTMUX_BACKOFF_CAP")

	setString(&cfg.Worktree.RepoPath, "AGENTMUX_REPO_PATH")
	setString(&cfg.Worktree.BasePath, "AGENTMUX_WORKTREE_BASE")
	setString(&cfg.Worktree.BaseBranch, "AGENTMUX_BASE_BRANCH")
	setBranchStrategy(&cfg.Worktree.BranchStrategy, "AGENTMUX_BRANCH_STRATEGY")
	setConflictStrategy(&cfg.Worktree.ConflictStrategy, "AGENTMUX_CONFLICT_STRATEGY")
	setBool(&cfg.Worktree.CleanupOnShutdown, "AGENTMUX_WORKTREE_CLEANUP")

	setString(&cfg.Lifecycle.Session, "AGENTMUX_TMUX_SESSION")
	setString(&cfg.Lifecycle.Shell, "AGENTMUX_SHELL")
	setString(&cfg.Lifecycle.WorkerCommand, "AGENTMUX_WORKER_COMMAND")
	setInt(&cfg.Lifecycle.PaneCols, "AGENTMUX_PANE_COLS")
	setInt(&cfg.Lifecycle.PaneRows, "AGENTMUX_PANE_ROWS")
	setDuration(&cfg.Lifecycle.SettleDelay, "AGENTMUX_SETTLE_DELAY")
	setDuration(&cfg.Lifecycle.RestartDelay, "AGENTMUX_RESTART_DELAY")
	setDuration(&cfg.Lifecycle.HealthCheckInterval, "AGENTMUX_HEALTH_INTERVAL")
	setBool(&cfg.Lifecycle.AutoRestart, "AGENTMUX_AUTO_RESTART")

	setString(&cfg.Spawner.IsolationMode, "AGENTMUX_ISOLATION_MODE")
	setDuration(&cfg.Spawner.StaggerDelay, "AGENTMUX_STAGGER_DELAY")
	setRole(&cfg.Spawner.DefaultRole, "AGENTMUX_DEFAULT_ROLE")
	setInt(&cfg.Spawner.PoolSize, "AGENTMUX_POOL_SIZE")

	setDuration(&cfg.Driver.TickInterval, "AGENTMUX_TICK_INTERVAL")
	setBool(&cfg.Driver.MergeOnDone, "AGENTMUX_MERGE_ON_DONE")
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port must not be empty")
	}
	if cfg.Queue.BackoffBase <= 0 {
		return errors.New("queue backoff_base must be positive")
	}
	if cfg.Queue.BackoffCap < cfg.Queue.BackoffBase {
		return errors.New("queue backoff_cap must be >= backoff_base")
	}
	switch cfg.Worktree.ConflictStrategy {
	case wt.ConflictAbort, wt.ConflictStash, wt.ConflictTheirs, wt.ConflictOurs:
	default:
		return fmt.Errorf("unknown conflict strategy %q", cfg.Worktree.ConflictStrategy)
	}
	switch cfg.Worktree.BranchStrategy {
	case wt.BranchPerAgent, wt.BranchPerTask:
	default:
		return fmt.Errorf("unknown branch strategy %q", cfg.Worktree.BranchStrategy)
	}
	if cfg.Lifecycle.HealthCheckInterval < 0 {
		return errors.New("lifecycle health_check_interval must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBranchStrategy(dst *wt.BranchStrategy, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = wt.BranchStrategy(v)
	}
}

func setConflictStrategy(dst *wt.ConflictStrategy, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = wt.ConflictStrategy(v)
	}
}

func setRole(dst *agent.Role, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = agent.Role(v)
	}
}
