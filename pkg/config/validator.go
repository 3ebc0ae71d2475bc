package config

import (
	"errors"
	"fmt"
)

// Validate performs comprehensive validation on the loaded configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}

	var errs []error
	errs = append(errs, validateLLM(&cfg.LLM)...)
	errs = append(errs, validateContextStorage(&cfg.ContextStorage)...)
	errs = append(errs, validatePlanning(&cfg.Planning)...)
	errs = append(errs, validateCommandExecutor(&cfg.CommandExecutor)...)
	errs = append(errs, validateBroker(&cfg.Broker)...)
	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateMCPServers(cfg.MCPServers)...)
	return errors.Join(errs...)
}

func validateLLM(c *LLMConfig) []error {
	var errs []error
	if c.Provider == "" {
		errs = append(errs, NewValidationError("llm", "provider", errors.New("required")))
	} else if _, ok := c.Providers[c.Provider]; !ok {
		errs = append(errs, NewValidationError("llm", "provider",
			fmt.Errorf("no configuration for provider %q", c.Provider)))
	}
	for name, p := range c.Providers {
		if p.Model == "" {
			errs = append(errs, NewValidationError("llm."+name, "model", errors.New("required")))
		}
		if p.Window() <= 0 {
			errs = append(errs, NewValidationError("llm."+name, "context_length",
				errors.New("must be positive")))
		}
	}
	for user, provider := range c.UserOverrides {
		if _, ok := c.Providers[provider]; !ok {
			errs = append(errs, NewValidationError("llm.user_overrides", user,
				fmt.Errorf("unknown provider %q", provider)))
		}
	}
	return errs
}

func validateContextStorage(c *ContextStorageConfig) []error {
	var errs []error
	if c.BaseDir == "" {
		errs = append(errs, NewValidationError("context_storage", "base_dir", errors.New("required")))
	}
	if c.CompressionThreshold <= 0 || c.CompressionThreshold > 1 {
		errs = append(errs, NewValidationError("context_storage", "compression_threshold",
			fmt.Errorf("must be in (0, 1], got %v", c.CompressionThreshold)))
	}
	if c.KeepRecentMessages < 1 {
		errs = append(errs, NewValidationError("context_storage", "keep_recent_messages",
			errors.New("must be at least 1")))
	}
	if c.MinToCompress < 1 {
		errs = append(errs, NewValidationError("context_storage", "min_to_compress",
			errors.New("must be at least 1")))
	}
	return errs
}

func validatePlanning(c *PlanningConfig) []error {
	var errs []error
	if c.MaxSubtasks < 1 {
		errs = append(errs, NewValidationError("planning", "max_subtasks", errors.New("must be at least 1")))
	}
	if c.MaxLLMProcesses < 1 {
		errs = append(errs, NewValidationError("planning", "max_llm_process_num", errors.New("must be at least 1")))
	}
	if c.Reflection.Enabled && c.Reflection.TriggerInterval < 1 {
		errs = append(errs, NewValidationError("planning.reflection", "trigger_interval",
			errors.New("must be at least 1")))
	}
	if c.Revision.MaxRevisions < 0 {
		errs = append(errs, NewValidationError("planning.revision", "max_revisions",
			errors.New("must not be negative")))
	}
	if c.Verification.Enabled && c.Verification.MaxRounds < 1 {
		errs = append(errs, NewValidationError("planning.verification", "max_rounds",
			errors.New("must be at least 1")))
	}
	if c.Replan.Global < 1 {
		errs = append(errs, NewValidationError("planning.replan", "global", errors.New("must be at least 1")))
	}
	return errs
}

func validateCommandExecutor(c *CommandExecutorConfig) []error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Environments) == 0 {
		errs = append(errs, NewValidationError("command_executor", "environments",
			errors.New("at least one environment is required")))
	}
	if c.DefaultEnvironment == "" {
		errs = append(errs, NewValidationError("command_executor", "default_environment",
			errors.New("required")))
	} else if _, ok := c.Environments[c.DefaultEnvironment]; !ok {
		errs = append(errs, NewValidationError("command_executor", "default_environment",
			fmt.Errorf("%q is not a configured environment", c.DefaultEnvironment)))
	}
	if c.Execution.TimeoutSeconds < 1 {
		errs = append(errs, NewValidationError("command_executor.execution", "timeout_seconds",
			errors.New("must be at least 1")))
	}
	if c.Execution.MaxOutputSize < 1024 {
		errs = append(errs, NewValidationError("command_executor.execution", "max_output_size",
			errors.New("must be at least 1024 bytes")))
	}
	if c.Cleanup.StaleThresholdHours < 1 {
		errs = append(errs, NewValidationError("command_executor.cleanup", "stale_threshold_hours",
			errors.New("must be at least 1")))
	}
	return errs
}

func validateBroker(c *BrokerConfig) []error {
	var errs []error
	switch c.Backend {
	case "database":
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, NewValidationError("broker.nats", "url", errors.New("required")))
		}
		if c.NATS.Stream == "" {
			errs = append(errs, NewValidationError("broker.nats", "stream", errors.New("required")))
		}
		if c.NATS.Subject == "" {
			errs = append(errs, NewValidationError("broker.nats", "subject", errors.New("required")))
		}
	default:
		errs = append(errs, NewValidationError("broker", "backend",
			fmt.Errorf("must be \"database\" or \"nats\", got %q", c.Backend)))
	}
	return errs
}

func validateDatabase(c *DatabaseConfig) []error {
	var errs []error
	switch c.Driver {
	case "sqlite3":
		if c.Path == "" {
			errs = append(errs, NewValidationError("database", "path", errors.New("required for sqlite3")))
		}
	case "postgres":
		if c.DSN == "" {
			errs = append(errs, NewValidationError("database", "dsn", errors.New("required for postgres")))
		}
	default:
		errs = append(errs, NewValidationError("database", "driver",
			fmt.Errorf("must be \"sqlite3\" or \"postgres\", got %q", c.Driver)))
	}
	return errs
}

func validateMCPServers(servers []MCPServerConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		section := fmt.Sprintf("mcp_servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, NewValidationError(section, "name", errors.New("required")))
		} else if seen[s.Name] {
			errs = append(errs, NewValidationError(section, "name",
				fmt.Errorf("duplicate server name %q", s.Name)))
		}
		seen[s.Name] = true
		if len(s.Command) == 0 {
			errs = append(errs, NewValidationError(section, "command", errors.New("required")))
		}
	}
	return errs
}
