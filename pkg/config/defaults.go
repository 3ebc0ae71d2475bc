package config

// DefaultSummaryPrompt is the instruction prepended to the messages being
// compressed when no summary_prompt is configured.
const DefaultSummaryPrompt = `Summarize the conversation below for an autonomous coding agent that will continue the task. Preserve: the task goal, key decisions, file paths touched, commands run with their outcomes, unresolved errors, and any constraints stated by the user. Be concise; drop pleasantries and redundant tool output.`

// Default returns the built-in configuration. User YAML is merged on top;
// zero values in the user document keep these defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:        "openai",
			FunctionCalling: true,
			Providers:       map[string]LLMProviderConfig{},
		},
		ContextStorage: ContextStorageConfig{
			Enabled:              true,
			BaseDir:              "./agent_contexts",
			CompressionThreshold: 0.7,
			KeepRecentMessages:   5,
			MinToCompress:        5,
			CleanupDays:          90,
		},
		Planning: PlanningConfig{
			Enabled:         true,
			Strategy:        "phased",
			MaxSubtasks:     10,
			MaxLLMProcesses: 100,
			Reflection: ReflectionConfig{
				Enabled:         true,
				TriggerOnError:  true,
				TriggerInterval: 5,
			},
			Revision:     RevisionConfig{MaxRevisions: 3},
			Verification: VerificationConfig{Enabled: true, MaxRounds: 2},
			Replan: ReplanBudgets{
				Clarification:   2,
				Redecomposition: 3,
				Regeneration:    3,
				Partial:         2,
				Revision:        2,
				Global:          10,
			},
		},
		ContextInheritance: InheritanceConfig{
			Enabled:            true,
			ContextExpiryDays:  90,
			MaxInheritedTokens: 8000,
		},
		CommandExecutor: CommandExecutorConfig{
			Enabled: true,
			Environments: map[string]string{
				"python":  "python:3.12-slim",
				"node":    "node:22-slim",
				"golang":  "golang:1.25",
				"generic": "ubuntu:24.04",
			},
			DefaultEnvironment: "generic",
			Docker: DockerConfig{
				CPULimit:    "2",
				MemoryLimit: "4g",
				Network:     DockerNetworkConfig{ExternalAccess: true},
			},
			Clone: CloneConfig{
				Shallow:         true,
				Depth:           1,
				AutoInstallDeps: true,
			},
			Execution: ExecutionConfig{
				TimeoutSeconds: 1800,
				MaxOutputSize:  1 << 20,
			},
			Cleanup: CleanupConfig{
				IntervalHours:       6,
				StaleThresholdHours: 24,
			},
		},
		Continuous: ContinuousConfig{
			Producer: ProducerConfig{IntervalMinutes: 5},
			Consumer: ConsumerConfig{
				QueueTimeoutSeconds: 30,
				MinIntervalSeconds:  1,
			},
			Healthcheck: HealthcheckConfig{UpdateIntervalSeconds: 30},
		},
		PauseResume: PauseResumeConfig{
			Enabled:              true,
			CheckIntervalSeconds: 1,
			PausedTaskExpiryDays: 14,
		},
		TaskStop: TaskStopConfig{
			Enabled:              true,
			CheckIntervalSeconds: 1,
		},
		Tracker: TrackerConfig{
			GitHub: GitHubConfig{APIBaseURL: "https://api.github.com"},
			GitLab: GitLabConfig{BaseURL: "https://gitlab.com"},
			Labels: LabelsConfig{
				Trigger:    "coding agent",
				InProgress: "coding agent processing",
				Done:       "coding agent done",
				Failed:     "coding agent failed",
				Paused:     "coding agent paused",
				Stopped:    "coding agent stopped",
			},
			TimeoutSeconds: 60,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		Broker: BrokerConfig{
			Backend:                  "database",
			VisibilityTimeoutSeconds: 1800,
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Stream:  "CODEBOT_TASKS",
				Subject: "codebot.tasks",
				Durable: "codebot-consumer",
			},
		},
		API: APIConfig{Port: 8080},
	}
}
