package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/featureforge/orchestrator/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Inspect or edit orchestrator configuration",
	Long: `View or modify orchestrator configuration.

Without arguments, displays the effective configuration (after XDG, project,
and environment overrides are merged). With one argument (key), displays
the value for that key. With two arguments (key value), sets the value in
the user config file at ~/.config/orchestrator/config.yaml.

Project-specific overrides belong in .orchestrator.yaml at the project root.`,
	Run: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	switch len(args) {
	case 0:
		displayAllConfig(cfg)
	case 1:
		displayConfigKey(cfg, args[0])
	default:
		setConfigKey(cfg, args[0], args[1])
	}
}

func displayAllConfig(cfg *config.Config) {
	fmt.Printf("max_coding_concurrency: %d\n", cfg.MaxCodingConcurrency)
	fmt.Printf("max_total_agents: %d\n", cfg.MaxTotalAgents)
	fmt.Printf("testing_agent_ratio: %d\n", cfg.TestingAgentRatio)
	fmt.Printf("count_testing_towards_cap: %t\n", cfg.CountTestingTowardsCap)
	fmt.Printf("yolo_mode: %t\n", cfg.YoloMode)
	fmt.Printf("poll_interval: %s\n", cfg.PollInterval)
	fmt.Printf("max_feature_retries: %d\n", cfg.MaxFeatureRetries)
	fmt.Printf("initializer_timeout: %s\n", cfg.InitializerTimeout)
	fmt.Printf("claim_max_attempts: %d\n", cfg.ClaimMaxAttempts)
	fmt.Printf("kill_tree_grace: %s\n", cfg.KillTreeGrace)
	fmt.Printf("worker.command: %s\n", cfg.Worker.Command)
	fmt.Printf("worker.args: %s\n", strings.Join(cfg.Worker.Args, " "))

	if clamps := config.Validate(cfg); len(clamps) > 0 {
		fmt.Println("\nwarning: the active configuration has out-of-range values that would be clamped at startup:")
		for _, c := range clamps {
			fmt.Printf("  %s: %s\n", c.Field, c.Reason)
		}
	}
}

func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s (in %s)\n", key, value, config.GetUserConfigPath())
}

func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "max_coding_concurrency":
		return strconv.Itoa(cfg.MaxCodingConcurrency), nil
	case "max_total_agents":
		return strconv.Itoa(cfg.MaxTotalAgents), nil
	case "testing_agent_ratio":
		return strconv.Itoa(cfg.TestingAgentRatio), nil
	case "count_testing_towards_cap":
		return strconv.FormatBool(cfg.CountTestingTowardsCap), nil
	case "yolo_mode":
		return strconv.FormatBool(cfg.YoloMode), nil
	case "poll_interval":
		return cfg.PollInterval.String(), nil
	case "max_feature_retries":
		return strconv.Itoa(cfg.MaxFeatureRetries), nil
	case "initializer_timeout":
		return cfg.InitializerTimeout.String(), nil
	case "claim_max_attempts":
		return strconv.Itoa(cfg.ClaimMaxAttempts), nil
	case "kill_tree_grace":
		return cfg.KillTreeGrace.String(), nil
	case "worker.command":
		return cfg.Worker.Command, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "max_coding_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for max_coding_concurrency: %w", err)
		}
		cfg.MaxCodingConcurrency = n
	case "max_total_agents":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for max_total_agents: %w", err)
		}
		cfg.MaxTotalAgents = n
	case "testing_agent_ratio":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for testing_agent_ratio: %w", err)
		}
		cfg.TestingAgentRatio = n
	case "count_testing_towards_cap":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for count_testing_towards_cap: %w", err)
		}
		cfg.CountTestingTowardsCap = b
	case "yolo_mode":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for yolo_mode: %w", err)
		}
		cfg.YoloMode = b
	case "poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for poll_interval: %w", err)
		}
		cfg.PollInterval = d
	case "max_feature_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for max_feature_retries: %w", err)
		}
		cfg.MaxFeatureRetries = n
	case "initializer_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for initializer_timeout: %w", err)
		}
		cfg.InitializerTimeout = d
	case "claim_max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for claim_max_attempts: %w", err)
		}
		cfg.ClaimMaxAttempts = n
	case "kill_tree_grace":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for kill_tree_grace: %w", err)
		}
		cfg.KillTreeGrace = d
	case "worker.command":
		cfg.Worker.Command = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
