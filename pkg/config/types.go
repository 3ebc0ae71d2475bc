// Package config loads and validates the orchestrator's single hierarchical
// configuration document. YAML is parsed into typed structs at startup;
// subsystems receive typed sub-views, never raw maps.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize().
type Config struct {
	LLM                LLMConfig             `yaml:"llm"`
	MCPServers         []MCPServerConfig     `yaml:"mcp_servers"`
	ContextStorage     ContextStorageConfig  `yaml:"context_storage"`
	Planning           PlanningConfig        `yaml:"planning"`
	ContextInheritance InheritanceConfig     `yaml:"context_inheritance"`
	CommandExecutor    CommandExecutorConfig `yaml:"command_executor"`
	Continuous         ContinuousConfig      `yaml:"continuous"`
	PauseResume        PauseResumeConfig     `yaml:"pause_resume"`
	TaskStop           TaskStopConfig        `yaml:"task_stop"`
	Tracker            TrackerConfig         `yaml:"tracker"`
	Database           DatabaseConfig        `yaml:"database"`
	Broker             BrokerConfig          `yaml:"broker"`
	API                APIConfig             `yaml:"api"`
}

// LLMConfig selects the active provider and holds per-provider settings.
// Provider entries appear inline under llm: keyed by provider name
// (openai, ollama, lmstudio, ...).
type LLMConfig struct {
	Provider        string `yaml:"provider"`
	FunctionCalling bool   `yaml:"function_calling"`

	Providers map[string]LLMProviderConfig `yaml:",inline"`

	// UserOverrides maps a requester name to an alternate provider name,
	// resolved per task.
	UserOverrides map[string]string `yaml:"user_overrides,omitempty"`
}

// ResolveProvider returns the provider name for a requester, falling back to
// the default provider.
func (c LLMConfig) ResolveProvider(requester string) string {
	if p, ok := c.UserOverrides[requester]; ok && p != "" {
		return p
	}
	return c.Provider
}

// Active returns the provider config for a requester.
func (c LLMConfig) Active(requester string) (string, LLMProviderConfig, bool) {
	name := c.ResolveProvider(requester)
	p, ok := c.Providers[name]
	return name, p, ok
}

// LLMProviderConfig holds one provider's connection settings.
// endpoint/base_url and context_length/max_token are accepted as aliases.
type LLMProviderConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	ContextLength int     `yaml:"context_length"`
	MaxToken      int     `yaml:"max_token"`
	APIKey        string  `yaml:"api_key"`
	Temperature   float32 `yaml:"temperature"`
	TimeoutSecs   int     `yaml:"timeout_seconds"`
}

// URL returns the effective base URL (endpoint wins over base_url).
func (p LLMProviderConfig) URL() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return p.BaseURL
}

// Window returns the effective context length (context_length wins).
func (p LLMProviderConfig) Window() int {
	if p.ContextLength > 0 {
		return p.ContextLength
	}
	return p.MaxToken
}

// Timeout returns the per-request timeout.
func (p LLMProviderConfig) Timeout() time.Duration {
	if p.TimeoutSecs > 0 {
		return time.Duration(p.TimeoutSecs) * time.Second
	}
	return 300 * time.Second
}

// MCPServerConfig describes one configured MCP tool sub-server. Parsed
// and validated ahead of wiring; only the built-in text editor is
// launched today.
// TODO: launch these alongside the text editor and merge their tools
// into the sandbox tool surface.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// ContextStorageConfig governs the per-task context directory tree.
type ContextStorageConfig struct {
	Enabled              bool    `yaml:"enabled"`
	BaseDir              string  `yaml:"base_dir"`
	CompressionThreshold float64 `yaml:"compression_threshold"`
	KeepRecentMessages   int     `yaml:"keep_recent_messages"`
	MinToCompress        int     `yaml:"min_to_compress"`
	CleanupDays          int     `yaml:"cleanup_days"`
	SummaryPrompt        string  `yaml:"summary_prompt,omitempty"`
}

// ReflectionConfig controls when the execution phase reflects.
type ReflectionConfig struct {
	Enabled         bool `yaml:"enabled"`
	TriggerOnError  bool `yaml:"trigger_on_error"`
	TriggerInterval int  `yaml:"trigger_interval"`
}

// RevisionConfig bounds reflection-driven plan revisions.
type RevisionConfig struct {
	MaxRevisions int `yaml:"max_revisions"`
}

// VerificationConfig controls the post-execution verification phase.
type VerificationConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxRounds int  `yaml:"max_rounds"`
}

// ReplanBudgets bounds LLM-issued replan decisions per phase and globally.
type ReplanBudgets struct {
	Clarification   int `yaml:"clarification"`
	Redecomposition int `yaml:"redecomposition"`
	Regeneration    int `yaml:"regeneration"`
	Partial         int `yaml:"partial"`
	Revision        int `yaml:"revision"`
	Global          int `yaml:"global"`
}

// PlanningConfig governs the planning coordinator.
type PlanningConfig struct {
	Enabled         bool               `yaml:"enabled"`
	Strategy        string             `yaml:"strategy"`
	MaxSubtasks     int                `yaml:"max_subtasks"`
	MaxLLMProcesses int                `yaml:"max_llm_process_num"`
	Reflection      ReflectionConfig   `yaml:"reflection"`
	Revision        RevisionConfig     `yaml:"revision"`
	Verification    VerificationConfig `yaml:"verification"`
	Replan          ReplanBudgets      `yaml:"replan"`
}

// InheritanceConfig governs seeding a new task from a prior completed one.
type InheritanceConfig struct {
	Enabled            bool `yaml:"enabled"`
	ContextExpiryDays  int  `yaml:"context_expiry_days"`
	MaxInheritedTokens int  `yaml:"max_inherited_tokens"`
}

// DockerNetworkConfig restricts container egress.
type DockerNetworkConfig struct {
	ExternalAccess bool     `yaml:"external_access"`
	WhitelistMode  bool     `yaml:"whitelist_mode"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
}

// DockerConfig holds container resource settings.
type DockerConfig struct {
	CPULimit    string              `yaml:"cpu_limit"`
	MemoryLimit string              `yaml:"memory_limit"`
	Network     DockerNetworkConfig `yaml:"network"`
}

// CloneConfig governs repository cloning inside the sandbox.
type CloneConfig struct {
	Shallow         bool `yaml:"shallow"`
	Depth           int  `yaml:"depth"`
	AutoInstallDeps bool `yaml:"auto_install_deps"`
}

// ExecutionConfig bounds in-container command execution.
type ExecutionConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxOutputSize  int `yaml:"max_output_size"`
}

// CleanupConfig schedules the stale-container sweep.
type CleanupConfig struct {
	IntervalHours       int `yaml:"interval_hours"`
	StaleThresholdHours int `yaml:"stale_threshold_hours"`
}

// CommandExecutorConfig governs the containerized execution environment.
type CommandExecutorConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Environments       map[string]string `yaml:"environments"`
	DefaultEnvironment string            `yaml:"default_environment"`
	EditorCommand      string            `yaml:"editor_command"`
	Docker             DockerConfig      `yaml:"docker"`
	Clone              CloneConfig       `yaml:"clone"`
	Execution          ExecutionConfig   `yaml:"execution"`
	Cleanup            CleanupConfig     `yaml:"cleanup"`
}

// ImageFor resolves an environment name to an image, falling back to the
// default environment for unknown or empty names.
func (c CommandExecutorConfig) ImageFor(envName string) (name, image string) {
	if img, ok := c.Environments[envName]; ok {
		return envName, img
	}
	return c.DefaultEnvironment, c.Environments[c.DefaultEnvironment]
}

// ProducerConfig paces the producer polling loop.
type ProducerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes"`
	DelayFirstRun   bool `yaml:"delay_first_run"`
}

// ConsumerConfig paces the consumer loop.
type ConsumerConfig struct {
	QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`
	MinIntervalSeconds  int `yaml:"min_interval_seconds"`
}

// HealthcheckConfig writes liveness heartbeat files.
type HealthcheckConfig struct {
	Dir                   string `yaml:"dir"`
	UpdateIntervalSeconds int    `yaml:"update_interval_seconds"`
}

// ContinuousConfig groups long-running-mode settings.
type ContinuousConfig struct {
	Producer    ProducerConfig    `yaml:"producer"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Healthcheck HealthcheckConfig `yaml:"healthcheck"`
}

// PauseResumeConfig governs the filesystem pause signal.
type PauseResumeConfig struct {
	Enabled              bool   `yaml:"enabled"`
	SignalFile           string `yaml:"signal_file"`
	CheckIntervalSeconds int    `yaml:"check_interval"`
	PausedTaskExpiryDays int    `yaml:"paused_task_expiry_days"`
}

// TaskStopConfig governs assignee-removal stop detection.
type TaskStopConfig struct {
	Enabled              bool `yaml:"enabled"`
	CheckIntervalSeconds int  `yaml:"check_interval"`
}

// LabelsConfig names the tracker labels that drive the lifecycle.
type LabelsConfig struct {
	Trigger    string `yaml:"trigger"`
	InProgress string `yaml:"in_progress"`
	Done       string `yaml:"done"`
	Failed     string `yaml:"failed"`
	Paused     string `yaml:"paused"`
	Stopped    string `yaml:"stopped"`
}

// GitHubConfig holds GitHub API access settings.
type GitHubConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	Token      string `yaml:"token"`
	BotUser    string `yaml:"bot_user"`
}

// GitLabConfig holds GitLab API access settings.
type GitLabConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	BotUser string `yaml:"bot_user"`
}

// TrackerConfig groups tracker platform settings.
type TrackerConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	GitLab GitLabConfig `yaml:"gitlab"`
	Labels LabelsConfig `yaml:"labels"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the tracker API timeout.
func (c TrackerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// DatabaseConfig selects and configures the index database.
type DatabaseConfig struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path is the sqlite file location; empty means {base_dir}/tasks.db.
	Path string `yaml:"path"`
	// DSN is the postgres connection string (postgres driver only).
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// NATSConfig configures the JetStream broker backend.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
}

// BrokerConfig selects the queue backend.
type BrokerConfig struct {
	// Backend is "database" (default) or "nats".
	Backend string     `yaml:"backend"`
	NATS    NATSConfig `yaml:"nats"`

	// VisibilityTimeoutSeconds bounds how long a claimed database-backend
	// delivery stays invisible before it is redelivered.
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
}

// VisibilityTimeout returns the redelivery window for the database backend.
func (c BrokerConfig) VisibilityTimeout() time.Duration {
	if c.VisibilityTimeoutSeconds > 0 {
		return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// APIConfig controls the optional read-only status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
}
