// Package config resolves klauss's runtime configuration from, in
// precedence order, CLI flags, environment variables, an optional
// project-root YAML file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds resolved klauss configuration (§6, §9).
type Config struct {
	// Store.
	DBPath string

	// Project.
	ProjectName       string
	ProjectRoot       string
	AllowExternalDirs bool

	// Workers.
	DefaultWorkerCount int
	IdleTimeout        time.Duration
	AutoStartWorkers   bool

	// Coordination.
	CoordinationEnabled bool
	SharedDB            bool

	// Task execution.
	ExecutorCommand   string
	TaskTimeout       time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	Verbose bool
}

// FileConfig mirrors the optional project-root YAML config file's shape
// (§6): "declares database.path, project.name, project.root,
// safety.allow_external_dirs, workers.default_count,
// workers.idle_timeout_seconds, coordination.enabled,
// coordination.shared_db."
type FileConfig struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Project struct {
		Name string `yaml:"name"`
		Root string `yaml:"root"`
	} `yaml:"project"`
	Safety struct {
		AllowExternalDirs *bool `yaml:"allow_external_dirs"`
	} `yaml:"safety"`
	Workers struct {
		DefaultCount       int `yaml:"default_count"`
		IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	} `yaml:"workers"`
	Coordination struct {
		Enabled  *bool `yaml:"enabled"`
		SharedDB *bool `yaml:"shared_db"`
	} `yaml:"coordination"`
}

// ConfigFileName is the expected filename at the project root.
const ConfigFileName = "klauss.yaml"

// DefaultIdleTimeout is how long the worker pool can sit idle before the
// coordinator shuts the whole cluster down (§4.4 step 2).
const DefaultIdleTimeout = 300 * time.Second

func defaults() *Config {
	return &Config{
		DefaultWorkerCount:  4,
		IdleTimeout:         DefaultIdleTimeout,
		AutoStartWorkers:    false,
		CoordinationEnabled: true,
		SharedDB:            true,
		ExecutorCommand:     "claude",
		TaskTimeout:         30 * time.Minute,
		PollInterval:        2 * time.Second,
		HeartbeatInterval:   5 * time.Second,
	}
}

// Load resolves Config for projectRoot ("" defaults to the current working
// directory), applying env > file > built-in default precedence. CLI
// flags are applied by the caller afterward, since cobra owns flag
// parsing (§6: "CLI args > env > config file > built-in defaults").
func Load(projectRoot string) (*Config, error) {
	cfg := defaults()

	root := projectRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		root = wd
	}
	cfg.ProjectRoot = root
	cfg.ProjectName = filepath.Base(root)
	cfg.DBPath = filepath.Join(root, ".klauss", "klauss.db")

	if err := applyFile(cfg, root); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	return cfg, nil
}

func applyFile(cfg *Config, root string) error {
	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Database.Path != "" {
		cfg.DBPath = resolveRelative(root, fc.Database.Path)
	}
	if fc.Project.Name != "" {
		cfg.ProjectName = fc.Project.Name
	}
	if fc.Project.Root != "" {
		cfg.ProjectRoot = resolveRelative(root, fc.Project.Root)
	}
	if fc.Safety.AllowExternalDirs != nil {
		cfg.AllowExternalDirs = *fc.Safety.AllowExternalDirs
	}
	if fc.Workers.DefaultCount > 0 {
		cfg.DefaultWorkerCount = fc.Workers.DefaultCount
	}
	if fc.Workers.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(fc.Workers.IdleTimeoutSeconds) * time.Second
	}
	if fc.Coordination.Enabled != nil {
		cfg.CoordinationEnabled = *fc.Coordination.Enabled
	}
	if fc.Coordination.SharedDB != nil {
		cfg.SharedDB = *fc.Coordination.SharedDB
	}

	return nil
}

func resolveRelative(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// applyEnv overlays KLAUSS_* environment variables (§6).
func applyEnv(cfg *Config) {
	if v := os.Getenv("KLAUSS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KLAUSS_WORKERS"); v != "" {
		cfg.DefaultWorkerCount = parseIntOrDefault(v, cfg.DefaultWorkerCount)
	}
	if v := os.Getenv("KLAUSS_AUTO_START_WORKERS"); v != "" {
		cfg.AutoStartWorkers = v == "true" || v == "1"
	}
	if v := os.Getenv("KLAUSS_TASK_TIMEOUT"); v != "" {
		cfg.TaskTimeout = parseDurationOrDefault(v, cfg.TaskTimeout)
	}
	if v := os.Getenv("KLAUSS_EXECUTOR_COMMAND"); v != "" {
		cfg.ExecutorCommand = v
	}
	if v := os.Getenv("KLAUSS_ALLOW_EXTERNAL_DIRS"); v != "" {
		cfg.AllowExternalDirs = v == "true" || v == "1"
	}
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// LogPath returns the path of a named log file under the persisted state
// layout's logs/ subdirectory (§6).
func (c *Config) LogPath(name string) string {
	return filepath.Join(filepath.Dir(c.DBPath), "logs", name+".log")
}
