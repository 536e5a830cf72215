// Package config handles TripMind configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/tripmind/config.yaml,
// /etc/tripmind/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tripmind", "config.yaml"))
	}

	paths = append(paths, "/etc/tripmind/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all TripMind configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Amap      AmapConfig      `yaml:"amap"`
	Tools     ToolsConfig     `yaml:"tools"`
	Output    OutputConfig    `yaml:"output"`
	Usage     UsageConfig     `yaml:"usage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LogConfig       `yaml:"logging"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// CORSOrigins lists allowed browser origins. Empty allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// WriteTimeoutSec bounds each SSE frame write (default 30).
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

// RateLimitConfig is a token-bucket rate and burst.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is the model used for every flow unless overridden.
	Default string `yaml:"default"`
	// HTML is the model for the HTML rendering stage. Falls back to Default.
	HTML      string        `yaml:"html"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider serving it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama
}

// OpenAIConfig configures any OpenAI-compatible endpoint. The default
// base URL is DashScope's compatible mode.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL is present.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// AgentConfig tunes the orchestrator.
type AgentConfig struct {
	MaxToolIterations     int `yaml:"max_tool_iterations"`
	MaxTaskSteps          int `yaml:"max_task_steps"`
	RetryMaxAttempts      int `yaml:"retry_max_attempts"`
	RetryBaseDelayMs      int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs       int `yaml:"retry_max_delay_ms"`
	StreamBuffer          int `yaml:"stream_buffer"`
	StreamStallTimeoutSec int `yaml:"stream_stall_timeout_sec"`
}

// RetryBaseDelay returns the first backoff delay.
func (c AgentConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the backoff ceiling.
func (c AgentConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// StreamStallTimeout returns how long a stalled stream consumer is
// tolerated before the stream is dropped.
func (c AgentConfig) StreamStallTimeout() time.Duration {
	return time.Duration(c.StreamStallTimeoutSec) * time.Second
}

// MemoryConfig bounds conversation memory.
type MemoryConfig struct {
	MaxMessages       int `yaml:"max_messages"`
	MaxSessions       int `yaml:"max_sessions"`
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
}

// SessionTTL returns the idle expiry for a session.
func (c MemoryConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// SweepInterval returns how often idle sessions are swept.
func (c MemoryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// PromptsConfig locates prompt template overrides.
type PromptsConfig struct {
	// Dir holds *.tmpl files that shadow the embedded templates of the
	// same name. Empty uses the embedded set only.
	Dir string `yaml:"dir"`
}

// AmapConfig configures the Amap web service tools.
type AmapConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// JSKey and SecurityCode are handed to the HTML stage so the
	// generated page can load the Amap JS map.
	JSKey        string `yaml:"js_key"`
	SecurityCode string `yaml:"security_code"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	TimeoutSec        int     `yaml:"timeout_sec"`
}

// Configured reports whether the Amap tools can be registered.
func (c AmapConfig) Configured() bool { return c.APIKey != "" }

// ToolsConfig configures tool caching and the invocation policy.
type ToolsConfig struct {
	CacheTTLMinutes int         `yaml:"cache_ttl_minutes"`
	Redis           RedisConfig `yaml:"redis"`

	// PolicyFile is a rego module defining data.tool_policy.decision.
	// Empty uses the built-in policy.
	PolicyFile string `yaml:"policy_file"`

	// FetchMaxChars caps web_fetch output (default 8000).
	FetchMaxChars int `yaml:"fetch_max_chars"`
}

// CacheTTL returns the lifetime of a cached tool result.
func (c ToolsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// RedisConfig defines the optional Redis tool cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Configured reports whether Redis should be used.
func (c RedisConfig) Configured() bool { return c.Addr != "" }

// OutputConfig defines where generated artifacts are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
	// PublicBaseURL, when set, is where Dir is served from. Generated
	// HTML pages then embed a QR code linking to themselves.
	PublicBaseURL string `yaml:"public_base_url"`
}

// UsageConfig selects the usage record sink.
type UsageConfig struct {
	// Driver is "sqlite3" (default), "sqlite" (pure Go) or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// MQTTConfig configures the optional usage event publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceName  string `yaml:"device_name"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// LogConfig selects log level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads configuration from a YAML file. Environment variables
// (${VAR}) are expanded before parsing, then defaults are applied and
// the result validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials. It is what the CLI runs with when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen-plus"
	}
	if c.Models.HTML == "" {
		c.Models.HTML = c.Models.Default
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 8
	}
	if c.Agent.MaxTaskSteps == 0 {
		c.Agent.MaxTaskSteps = 20
	}
	if c.Agent.RetryMaxAttempts == 0 {
		c.Agent.RetryMaxAttempts = 3
	}
	if c.Agent.RetryBaseDelayMs == 0 {
		c.Agent.RetryBaseDelayMs = 500
	}
	if c.Agent.RetryMaxDelayMs == 0 {
		c.Agent.RetryMaxDelayMs = 5000
	}
	if c.Agent.StreamBuffer == 0 {
		c.Agent.StreamBuffer = 32
	}
	if c.Agent.StreamStallTimeoutSec == 0 {
		c.Agent.StreamStallTimeoutSec = 30
	}
	if c.Memory.MaxMessages == 0 {
		c.Memory.MaxMessages = 20
	}
	if c.Memory.MaxSessions == 0 {
		c.Memory.MaxSessions = 10000
	}
	if c.Memory.SessionTTLMinutes == 0 {
		c.Memory.SessionTTLMinutes = 120
	}
	if c.Memory.SweepIntervalSec == 0 {
		c.Memory.SweepIntervalSec = 60
	}
	if c.Amap.BaseURL == "" {
		c.Amap.BaseURL = "https://restapi.amap.com/v3"
	}
	if c.Amap.RequestsPerSecond == 0 {
		c.Amap.RequestsPerSecond = 3
	}
	if c.Amap.Burst == 0 {
		c.Amap.Burst = 3
	}
	if c.Amap.TimeoutSec == 0 {
		c.Amap.TimeoutSec = 10
	}
	if c.Tools.CacheTTLMinutes == 0 {
		c.Tools.CacheTTLMinutes = 60
	}
	if c.Tools.FetchMaxChars == 0 {
		c.Tools.FetchMaxChars = 8000
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "tmp"
	}
	if c.Usage.Driver == "" {
		c.Usage.Driver = "sqlite3"
	}
	if c.Usage.Path == "" {
		c.Usage.Path = "data/usage.db"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "tripmind"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "tripmind"
	}
}

// Validate checks for settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Agent.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be at least 1"))
	}
	if c.Agent.MaxTaskSteps < 1 {
		errs = append(errs, fmt.Errorf("agent.max_task_steps must be at least 1"))
	}
	if c.Memory.MaxMessages < 1 {
		errs = append(errs, fmt.Errorf("memory.max_messages must be at least 1"))
	}
	switch c.Usage.Driver {
	case "sqlite3", "sqlite":
	case "postgres":
		if c.Usage.DSN == "" {
			errs = append(errs, fmt.Errorf("usage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("usage.driver %q unknown (valid: sqlite3, sqlite, postgres)", c.Usage.Driver))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
