package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, resolves, and validates configuration from the
// given YAML file. It is the single entry point used by main.
func Initialize(path string) (*Config, error) {
	log := slog.With("config", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	resolve(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"llm_provider", cfg.LLM.Provider,
		"base_dir", cfg.ContextStorage.BaseDir,
		"broker", cfg.Broker.Backend,
		"environments", len(cfg.CommandExecutor.Environments))
	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// User values override built-in defaults; unset user values keep them.
	cfg := Default()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	return cfg, nil
}

// resolve fills in values derived from other settings.
func resolve(cfg *Config) {
	base := cfg.ContextStorage.BaseDir
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.Driver == "sqlite3" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(base, "tasks.db")
	}
	if cfg.PauseResume.SignalFile == "" {
		cfg.PauseResume.SignalFile = filepath.Join(base, "pause_signal")
	}
	if cfg.Continuous.Healthcheck.Dir == "" {
		cfg.Continuous.Healthcheck.Dir = filepath.Join(base, "healthcheck")
	}
	if cfg.ContextStorage.SummaryPrompt == "" {
		cfg.ContextStorage.SummaryPrompt = DefaultSummaryPrompt
	}
}
