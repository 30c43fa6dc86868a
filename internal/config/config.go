// Package config handles configuration loading, validation, and hot-reload
// for the orchestrator: XDG user config, project-level overrides, and
// environment variables, merged with viper the same way the teacher does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every tunable named in the Scheduler Loop's configuration
// table. Field names mirror the orchestrator.Option setters one-to-one.
type Config struct {
	MaxCodingConcurrency   int           `mapstructure:"max_coding_concurrency"`
	MaxTotalAgents         int           `mapstructure:"max_total_agents"`
	TestingAgentRatio      int           `mapstructure:"testing_agent_ratio"`
	CountTestingTowardsCap bool          `mapstructure:"count_testing_towards_cap"`
	YoloMode               bool          `mapstructure:"yolo_mode"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxFeatureRetries      int           `mapstructure:"max_feature_retries"`
	InitializerTimeout     time.Duration `mapstructure:"initializer_timeout"`
	ClaimMaxAttempts       int           `mapstructure:"claim_max_attempts"`
	KillTreeGrace          time.Duration `mapstructure:"kill_tree_grace"`

	Worker WorkerConfig `mapstructure:"worker"`
}

// WorkerConfig names the binary the Process Supervisor spawns for every
// role. Args come first on the command line, followed by the
// orchestrator's own --project-dir/--role/--feature-id flags.
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Default returns a Config with the values spec'd as the Scheduler Loop's
// built-in defaults.
func Default() *Config {
	return &Config{
		MaxCodingConcurrency:   3,
		MaxTotalAgents:         10,
		TestingAgentRatio:      1,
		CountTestingTowardsCap: false,
		YoloMode:               false,
		PollInterval:           5 * time.Second,
		MaxFeatureRetries:      3,
		InitializerTimeout:     30 * time.Minute,
		ClaimMaxAttempts:       10,
		KillTreeGrace:          5 * time.Second,
		Worker: WorkerConfig{
			Command: "orchestrator-worker",
		},
	}
}

// Load reads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//
//  1. Environment variables (ORCHESTRATOR_*)
//  2. Project config (.orchestrator.yaml in cwd or a parent)
//  3. User config (~/.config/orchestrator/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return LoadForProject(cwd)
}

// LoadForProject is Load, but project-config discovery starts at
// projectDir and walks up its parents, instead of the process's current
// working directory. Used by commands that accept an explicit
// <project-dir> argument rather than assuming the caller already cd'ed
// into it.
func LoadForProject(projectDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfigFrom(projectDir); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("orchestrator")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a single file, bypassing XDG/project
// discovery. Used by tests and by the project config Watcher.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to the user config file, creating its directory if
// necessary.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveToPath(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveToPath writes cfg to an arbitrary YAML file, e.g. a project's
// .orchestrator.yaml. Used by Save and by `orchestrator init`.
func SaveToPath(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("max_coding_concurrency", cfg.MaxCodingConcurrency)
	v.Set("max_total_agents", cfg.MaxTotalAgents)
	v.Set("testing_agent_ratio", cfg.TestingAgentRatio)
	v.Set("count_testing_towards_cap", cfg.CountTestingTowardsCap)
	v.Set("yolo_mode", cfg.YoloMode)
	v.Set("poll_interval", cfg.PollInterval.String())
	v.Set("max_feature_retries", cfg.MaxFeatureRetries)
	v.Set("initializer_timeout", cfg.InitializerTimeout.String())
	v.Set("claim_max_attempts", cfg.ClaimMaxAttempts)
	v.Set("kill_tree_grace", cfg.KillTreeGrace.String())
	v.Set("worker.command", cfg.Worker.Command)
	v.Set("worker.args", cfg.Worker.Args)

	return v.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file, or ""
// if none was found.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("max_coding_concurrency", d.MaxCodingConcurrency)
	v.SetDefault("max_total_agents", d.MaxTotalAgents)
	v.SetDefault("testing_agent_ratio", d.TestingAgentRatio)
	v.SetDefault("count_testing_towards_cap", d.CountTestingTowardsCap)
	v.SetDefault("yolo_mode", d.YoloMode)
	v.SetDefault("poll_interval", d.PollInterval.String())
	v.SetDefault("max_feature_retries", d.MaxFeatureRetries)
	v.SetDefault("initializer_timeout", d.InitializerTimeout.String())
	v.SetDefault("claim_max_attempts", d.ClaimMaxAttempts)
	v.SetDefault("kill_tree_grace", d.KillTreeGrace.String())
	v.SetDefault("worker.command", d.Worker.Command)
}

func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchestrator")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchestrator")
	}
	return filepath.Join(home, ".config", "orchestrator")
}

// findProjectConfig searches for .orchestrator.yaml in the current
// directory and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return findProjectConfigFrom(cwd)
}

// findProjectConfigFrom searches for .orchestrator.yaml starting at dir and
// walking up its parents.
func findProjectConfigFrom(dir string) string {
	for {
		configPath := filepath.Join(dir, ".orchestrator.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// ClampResult records a single field the validator adjusted because its
// configured value fell outside an allowed range.
type ClampResult struct {
	Field   string
	Was     int
	Clamped int
	Reason  string
}

// Validate clamps out-of-range fields to safe bounds and reports each
// adjustment, for the caller to publish as orchestrator.EventConfigClamped.
// It never returns an error: every input has a safe in-range value.
func Validate(cfg *Config) []ClampResult {
	var results []ClampResult

	clamp := func(field string, val *int, min, max int, reason string) {
		if *val < min {
			results = append(results, ClampResult{Field: field, Was: *val, Clamped: min, Reason: reason})
			*val = min
		} else if *val > max {
			results = append(results, ClampResult{Field: field, Was: *val, Clamped: max, Reason: reason})
			*val = max
		}
	}

	clamp("max_coding_concurrency", &cfg.MaxCodingConcurrency, 1, 64, "must be at least 1 and at most 64")
	clamp("max_total_agents", &cfg.MaxTotalAgents, cfg.MaxCodingConcurrency, 256, "must be at least max_coding_concurrency")
	clamp("testing_agent_ratio", &cfg.TestingAgentRatio, 0, 16, "must be between 0 and 16")
	clamp("max_feature_retries", &cfg.MaxFeatureRetries, 1, 100, "must be at least 1")
	clamp("claim_max_attempts", &cfg.ClaimMaxAttempts, 1, 1000, "must be at least 1")

	if cfg.PollInterval <= 0 {
		results = append(results, ClampResult{Field: "poll_interval", Reason: "must be positive, defaulted"})
		cfg.PollInterval = Default().PollInterval
	}
	if cfg.InitializerTimeout <= 0 {
		results = append(results, ClampResult{Field: "initializer_timeout", Reason: "must be positive, defaulted"})
		cfg.InitializerTimeout = Default().InitializerTimeout
	}
	if cfg.KillTreeGrace <= 0 {
		results = append(results, ClampResult{Field: "kill_tree_grace", Reason: "must be positive, defaulted"})
		cfg.KillTreeGrace = Default().KillTreeGrace
	}
	if cfg.Worker.Command == "" {
		results = append(results, ClampResult{Field: "worker.command", Reason: "must be set, defaulted"})
		cfg.Worker.Command = Default().Worker.Command
	}

	return results
}

// Watcher watches the project config file for changes and invokes onChange
// with the freshly loaded, validated Config on every write. Grounded on the
// teacher's NotificationManager: an fsnotify.Watcher on a directory, a done
// channel, errors logged and ignored rather than fatal.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchProjectConfig starts watching the directory containing the active
// project config file (if any) and calls onChange after every write event
// that touches it. Returns nil, nil if there is no project config to watch.
func WatchProjectConfig(onChange func(*Config, []ClampResult)) (*Watcher, error) {
	return WatchProjectConfigIn(".", onChange)
}

// WatchProjectConfigIn is WatchProjectConfig, but discovery starts at dir
// instead of the process's current working directory.
func WatchProjectConfigIn(dir string, onChange func(*Config, []ClampResult)) (*Watcher, error) {
	path := findProjectConfigFrom(dir)
	if path == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher: watch dir: %w", err)
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange func(*Config, []ClampResult)) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFromPath(path)
			if err != nil {
				continue
			}
			clamped := Validate(cfg)
			onChange(cfg, clamped)
		case <-w.watcher.Errors:
			// Ignore errors, keep watching.
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
