// ABOUTME: Configuration loading and parsing for clara-gateway
// ABOUTME: Supports YAML/TOML files with env expansion, env overrides, and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete clara-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Adapters     AdaptersConfig     `yaml:"adapters" toml:"adapters"`
	Sessions     SessionsConfig     `yaml:"sessions" toml:"sessions"`
	Router       RouterConfig       `yaml:"router" toml:"router"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm" toml:"llm"`
	Tools        ToolsConfig        `yaml:"tools" toml:"tools"`
	Supervisor   SupervisorConfig   `yaml:"supervisor" toml:"supervisor"`
	Hooks        []HookConfig       `yaml:"hooks" toml:"hooks"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" toml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"CLARA_HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"CLARA_GRPC_ADDR"` // optional gRPC health listener
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path" env:"CLARA_DB_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"CLARA_JWT_SECRET"`
}

// AdaptersConfig holds connection-level settings for adapter nodes
type AdaptersConfig struct {
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`
	PingInterval         time.Duration `yaml:"-" toml:"-"`
	PingTimeout          time.Duration `yaml:"-" toml:"-"`
	RedeliveryBuffer     int           `yaml:"redelivery_buffer" toml:"redelivery_buffer"`

	// Raw string values for YAML unmarshaling
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
	PingIntervalRaw         string `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeoutRaw          string `yaml:"ping_timeout" toml:"ping_timeout"`
}

// SessionsConfig controls session archiving
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RouterConfig controls per-channel queueing
type RouterConfig struct {
	MaxActiveChannels int           `yaml:"max_active_channels" toml:"max_active_channels"`
	QueueIdleTimeout  time.Duration `yaml:"-" toml:"-"`
	DedupeWindow      time.Duration `yaml:"-" toml:"-"`
	DedupeMaxEntries  int           `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`
	Batching          bool          `yaml:"batching" toml:"batching"`

	QueueIdleTimeoutRaw string `yaml:"queue_idle_timeout" toml:"queue_idle_timeout"`
	DedupeWindowRaw     string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// OrchestratorConfig bounds the tool-calling loop
type OrchestratorConfig struct {
	MaxToolDepth       int           `yaml:"max_tool_depth" toml:"max_tool_depth"`
	MaxContinuations   int           `yaml:"max_continuations" toml:"max_continuations"`
	MaxToolResultChars int           `yaml:"max_tool_result_chars" toml:"max_tool_result_chars"`
	ToolPreviewChars   int           `yaml:"tool_preview_chars" toml:"tool_preview_chars"`
	HistoryLimit       int           `yaml:"history_limit" toml:"history_limit"`
	SystemPrompt       string        `yaml:"system_prompt" toml:"system_prompt"`
	RequestTimeout     time.Duration `yaml:"-" toml:"-"`
	CancelGrace        time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	CancelGraceRaw    string `yaml:"cancel_grace" toml:"cancel_grace"`
}

// LLMConfig selects the model provider
type LLMConfig struct {
	Provider  string            `yaml:"provider" toml:"provider"` // anthropic, openai, echo
	Model     string            `yaml:"model" toml:"model"`
	APIKey    string            `yaml:"api_key" toml:"api_key" env:"CLARA_LLM_API_KEY"`
	BaseURL   string            `yaml:"base_url" toml:"base_url"`
	MaxTokens int               `yaml:"max_tokens" toml:"max_tokens"`
	Tiers     map[string]string `yaml:"tiers" toml:"tiers"`
}

// ToolsConfig holds tool executor settings
type ToolsConfig struct {
	DefaultTimeout    time.Duration     `yaml:"-" toml:"-"`
	DefaultTimeoutRaw string            `yaml:"default_timeout" toml:"default_timeout"`
	MCPServers        []MCPServerConfig `yaml:"mcp_servers" toml:"mcp_servers"`
}

// MCPServerConfig describes a remote tool server reached over stdio
type MCPServerConfig struct {
	Name       string            `yaml:"name" toml:"name"`
	Command    string            `yaml:"command" toml:"command"`
	Args       []string          `yaml:"args" toml:"args"`
	Env        map[string]string `yaml:"env" toml:"env"`
	Timeout    time.Duration     `yaml:"-" toml:"-"`
	TimeoutRaw string            `yaml:"timeout" toml:"timeout"`
}

// SupervisorConfig holds the adapter process table
type SupervisorConfig struct {
	PIDDir   string                 `yaml:"pid_dir" toml:"pid_dir"`
	Adapters []AdapterProcessConfig `yaml:"adapters" toml:"adapters"`
}

// AdapterProcessConfig describes one managed adapter subprocess
type AdapterProcessConfig struct {
	Name          string            `yaml:"name" toml:"name"`
	Command       string            `yaml:"command" toml:"command"`
	Args          []string          `yaml:"args" toml:"args"`
	Dir           string            `yaml:"dir" toml:"dir"`
	Env           map[string]string `yaml:"env" toml:"env"`
	Enabled       *bool             `yaml:"enabled" toml:"enabled"`
	RestartPolicy string            `yaml:"restart_policy" toml:"restart_policy"` // always, on_failure, never
	Backoff       string            `yaml:"backoff" toml:"backoff"`               // fixed, exponential
	MaxRestarts   int               `yaml:"max_restarts" toml:"max_restarts"`

	RestartDelay    time.Duration `yaml:"-" toml:"-"`
	MaxRestartDelay time.Duration `yaml:"-" toml:"-"`
	ResetWindow     time.Duration `yaml:"-" toml:"-"`
	StopTimeout     time.Duration `yaml:"-" toml:"-"`

	RestartDelayRaw    string `yaml:"restart_delay" toml:"restart_delay"`
	MaxRestartDelayRaw string `yaml:"max_restart_delay" toml:"max_restart_delay"`
	ResetWindowRaw     string `yaml:"reset_window" toml:"reset_window"`
	StopTimeoutRaw     string `yaml:"stop_timeout" toml:"stop_timeout"`
}

// IsEnabled reports whether the adapter should start with the gateway.
func (a AdapterProcessConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// HookConfig is one hook subscription
type HookConfig struct {
	Name        string        `yaml:"name" toml:"name"`
	Event       string        `yaml:"event" toml:"event"`
	Command     string        `yaml:"command" toml:"command"`
	WorkingDir  string        `yaml:"working_dir" toml:"working_dir"`
	Priority    int           `yaml:"priority" toml:"priority"`
	Enabled     *bool         `yaml:"enabled" toml:"enabled"`
	Description string        `yaml:"description" toml:"description"`
	Timeout     time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw  string        `yaml:"timeout" toml:"timeout"`
}

// IsEnabled reports whether the hook is active.
func (h HookConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// SchedulerConfig holds the scheduled task table
type SchedulerConfig struct {
	Tasks []TaskConfig `yaml:"tasks" toml:"tasks"`
}

// TaskConfig is one scheduled task
type TaskConfig struct {
	Name        string         `yaml:"name" toml:"name"`
	Type        string         `yaml:"type" toml:"type"` // interval, cron, one_shot
	Cron        string         `yaml:"cron" toml:"cron"`
	RunAt       string         `yaml:"run_at" toml:"run_at"` // RFC3339
	Command     string         `yaml:"command" toml:"command"`
	WorkingDir  string         `yaml:"working_dir" toml:"working_dir"`
	Message     *MessageAction `yaml:"message" toml:"message"`
	Enabled     *bool          `yaml:"enabled" toml:"enabled"`
	Description string         `yaml:"description" toml:"description"`

	Interval     time.Duration `yaml:"-" toml:"-"`
	InitialDelay time.Duration `yaml:"-" toml:"-"`
	Delay        time.Duration `yaml:"-" toml:"-"`
	Timeout      time.Duration `yaml:"-" toml:"-"`

	IntervalRaw     string `yaml:"interval" toml:"interval"`
	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
	DelayRaw        string `yaml:"delay" toml:"delay"`
	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
}

// IsEnabled reports whether the task is active.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// MessageAction synthesizes an inbound message when a task fires
type MessageAction struct {
	Platform  string `yaml:"platform" toml:"platform"`
	UserID    string `yaml:"user_id" toml:"user_id"`
	ChannelID string `yaml:"channel_id" toml:"channel_id"`
	Content   string `yaml:"content" toml:"content"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"CLARA_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, CLARA_* overrides
// are applied, and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := ExpandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:18789"},
		Database: DatabaseConfig{Path: "clara-gateway.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	applyDefaults(cfg)
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func ExpandEnvVars(s string) string {
	return ExpandVars(s, os.Getenv)
}

// ExpandVars replaces ${VAR_NAME} patterns using lookup.
func ExpandVars(s string, lookup func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return lookup(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q must be sqlite or sqlite3", c.Database.Driver)
	}
	switch c.LLM.Provider {
	case "", "anthropic", "openai", "echo":
	default:
		return fmt.Errorf("llm.provider %q must be anthropic, openai or echo", c.LLM.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if err := validateAdapters(c.Supervisor.Adapters); err != nil {
		return err
	}
	if err := validateHooks(c.Hooks); err != nil {
		return err
	}
	if err := validateTasks(c.Scheduler.Tasks); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, s := range c.Tools.MCPServers {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("tools.mcp_servers[%d]: name and command are required", i)
		}
		if strings.Contains(s.Name, "__") {
			return fmt.Errorf("tools.mcp_servers[%d]: name %q must not contain \"__\"", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("tools.mcp_servers: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func validateAdapters(adapters []AdapterProcessConfig) error {
	seen := make(map[string]bool)
	for i, a := range adapters {
		if a.Name == "" {
			return fmt.Errorf("supervisor.adapters[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("supervisor.adapters: duplicate name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" {
			return fmt.Errorf("supervisor.adapters[%s]: command is required", a.Name)
		}
		switch a.RestartPolicy {
		case "always", "on_failure", "never":
		default:
			return fmt.Errorf("supervisor.adapters[%s]: restart_policy %q must be always, on_failure or never", a.Name, a.RestartPolicy)
		}
		switch a.Backoff {
		case "fixed", "exponential":
		default:
			return fmt.Errorf("supervisor.adapters[%s]: backoff %q must be fixed or exponential", a.Name, a.Backoff)
		}
		if a.MaxRestarts < 0 {
			return fmt.Errorf("supervisor.adapters[%s]: max_restarts must not be negative", a.Name)
		}
	}
	return nil
}

func validateHooks(hooks []HookConfig) error {
	seen := make(map[string]bool)
	for i, h := range hooks {
		if h.Name == "" {
			return fmt.Errorf("hooks[%d]: name is required", i)
		}
		if seen[h.Name] {
			return fmt.Errorf("hooks: duplicate name %q", h.Name)
		}
		seen[h.Name] = true
		if h.Event == "" {
			return fmt.Errorf("hooks[%s]: event is required", h.Name)
		}
		if h.Command == "" {
			return fmt.Errorf("hooks[%s]: command is required", h.Name)
		}
	}
	return nil
}

func validateTasks(tasks []TaskConfig) error {
	seen := make(map[string]bool)
	cron := gronx.New()
	for i, t := range tasks {
		if t.Name == "" {
			return fmt.Errorf("scheduler.tasks[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("scheduler.tasks: duplicate name %q", t.Name)
		}
		seen[t.Name] = true

		if t.Command == "" && t.Message == nil {
			return fmt.Errorf("scheduler.tasks[%s]: command or message is required", t.Name)
		}
		if t.Message != nil && (t.Message.Platform == "" || t.Message.ChannelID == "" || t.Message.Content == "") {
			return fmt.Errorf("scheduler.tasks[%s]: message needs platform, channel_id and content", t.Name)
		}

		switch t.Type {
		case "interval":
			if t.Interval <= 0 {
				return fmt.Errorf("scheduler.tasks[%s]: interval must be positive", t.Name)
			}
		case "cron":
			if !cron.IsValid(t.Cron) {
				return fmt.Errorf("scheduler.tasks[%s]: invalid cron expression %q", t.Name, t.Cron)
			}
		case "one_shot":
			if t.RunAt == "" && t.Delay <= 0 {
				return fmt.Errorf("scheduler.tasks[%s]: one_shot needs run_at or delay", t.Name)
			}
			if t.RunAt != "" {
				if _, err := time.Parse(time.RFC3339, t.RunAt); err != nil {
					return fmt.Errorf("scheduler.tasks[%s]: run_at: %w", t.Name, err)
				}
			}
		default:
			return fmt.Errorf("scheduler.tasks[%s]: type %q must be interval, cron or one_shot", t.Name, t.Type)
		}
	}
	return nil
}

// parseDuration parses raw into dst when raw is non-empty.
func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"adapters.reconnect_grace_period", cfg.Adapters.ReconnectGracePeriodRaw, &cfg.Adapters.ReconnectGracePeriod},
		{"adapters.ping_interval", cfg.Adapters.PingIntervalRaw, &cfg.Adapters.PingInterval},
		{"adapters.ping_timeout", cfg.Adapters.PingTimeoutRaw, &cfg.Adapters.PingTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"router.queue_idle_timeout", cfg.Router.QueueIdleTimeoutRaw, &cfg.Router.QueueIdleTimeout},
		{"router.dedupe_window", cfg.Router.DedupeWindowRaw, &cfg.Router.DedupeWindow},
		{"orchestrator.request_timeout", cfg.Orchestrator.RequestTimeoutRaw, &cfg.Orchestrator.RequestTimeout},
		{"orchestrator.cancel_grace", cfg.Orchestrator.CancelGraceRaw, &cfg.Orchestrator.CancelGrace},
		{"tools.default_timeout", cfg.Tools.DefaultTimeoutRaw, &cfg.Tools.DefaultTimeout},
	}
	for _, f := range fields {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}

	for i := range cfg.Tools.MCPServers {
		s := &cfg.Tools.MCPServers[i]
		if err := parseDuration("tools.mcp_servers."+s.Name+".timeout", s.TimeoutRaw, &s.Timeout); err != nil {
			return err
		}
	}

	for i := range cfg.Supervisor.Adapters {
		a := &cfg.Supervisor.Adapters[i]
		prefix := "supervisor.adapters." + a.Name + "."
		if err := parseDuration(prefix+"restart_delay", a.RestartDelayRaw, &a.RestartDelay); err != nil {
			return err
		}
		if err := parseDuration(prefix+"max_restart_delay", a.MaxRestartDelayRaw, &a.MaxRestartDelay); err != nil {
			return err
		}
		if err := parseDuration(prefix+"reset_window", a.ResetWindowRaw, &a.ResetWindow); err != nil {
			return err
		}
		if err := parseDuration(prefix+"stop_timeout", a.StopTimeoutRaw, &a.StopTimeout); err != nil {
			return err
		}
	}

	for i := range cfg.Hooks {
		h := &cfg.Hooks[i]
		if err := parseDuration("hooks."+h.Name+".timeout", h.TimeoutRaw, &h.Timeout); err != nil {
			return err
		}
	}

	for i := range cfg.Scheduler.Tasks {
		t := &cfg.Scheduler.Tasks[i]
		prefix := "scheduler.tasks." + t.Name + "."
		if err := parseDuration(prefix+"interval", t.IntervalRaw, &t.Interval); err != nil {
			return err
		}
		if err := parseDuration(prefix+"initial_delay", t.InitialDelayRaw, &t.InitialDelay); err != nil {
			return err
		}
		if err := parseDuration(prefix+"delay", t.DelayRaw, &t.Delay); err != nil {
			return err
		}
		if err := parseDuration(prefix+"timeout", t.TimeoutRaw, &t.Timeout); err != nil {
			return err
		}
	}

	return nil
}

// applyDefaults fills zero values with the gateway defaults.
func applyDefaults(cfg *Config) {
	setDefault := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	setInt := func(i *int, v int) {
		if *i == 0 {
			*i = v
		}
	}

	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	setDefault(&cfg.Adapters.ReconnectGracePeriod, 2*time.Minute)
	setDefault(&cfg.Adapters.PingInterval, 30*time.Second)
	setDefault(&cfg.Adapters.PingTimeout, 10*time.Second)
	setInt(&cfg.Adapters.RedeliveryBuffer, 256)

	setDefault(&cfg.Sessions.IdleTimeout, 24*time.Hour)
	setDefault(&cfg.Sessions.SweepInterval, 5*time.Minute)

	setInt(&cfg.Router.MaxActiveChannels, 32)
	setDefault(&cfg.Router.QueueIdleTimeout, 5*time.Minute)
	setDefault(&cfg.Router.DedupeWindow, 30*time.Second)
	setInt(&cfg.Router.DedupeMaxEntries, 1000)

	setInt(&cfg.Orchestrator.MaxToolDepth, 75)
	setInt(&cfg.Orchestrator.MaxContinuations, 3)
	setInt(&cfg.Orchestrator.MaxToolResultChars, 50000)
	setInt(&cfg.Orchestrator.ToolPreviewChars, 200)
	setInt(&cfg.Orchestrator.HistoryLimit, 30)
	setDefault(&cfg.Orchestrator.RequestTimeout, 10*time.Minute)
	setDefault(&cfg.Orchestrator.CancelGrace, 5*time.Second)

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	setInt(&cfg.LLM.MaxTokens, 4096)

	setDefault(&cfg.Tools.DefaultTimeout, 30*time.Second)

	for i := range cfg.Supervisor.Adapters {
		a := &cfg.Supervisor.Adapters[i]
		if a.RestartPolicy == "" {
			a.RestartPolicy = "on_failure"
		}
		if a.Backoff == "" {
			a.Backoff = "fixed"
		}
		setDefault(&a.RestartDelay, 5*time.Second)
		setDefault(&a.MaxRestartDelay, 5*time.Minute)
		setDefault(&a.ResetWindow, 5*time.Minute)
		setDefault(&a.StopTimeout, 10*time.Second)
		setInt(&a.MaxRestarts, 10)
	}
	for i := range cfg.Hooks {
		setDefault(&cfg.Hooks[i].Timeout, 30*time.Second)
	}
	for i := range cfg.Scheduler.Tasks {
		setDefault(&cfg.Scheduler.Tasks[i].Timeout, 5*time.Minute)
	}
}
