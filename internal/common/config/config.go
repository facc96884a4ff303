// Package config provides configuration management for Kandev.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kandev.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Events       EventsConfig       `mapstructure:"events"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
	Routing      RoutingConfig      `mapstructure:"routing"`
	AgentRuntime AgentRuntimeConfig `mapstructure:"agentRuntime"`
}

// SandboxConfig holds the session-sandbox lifecycle's tunable timeouts and
// reuse policy.
type SandboxConfig struct {
	// CreationTimeoutSeconds bounds how long SandboxAPI.create may take.
	CreationTimeoutSeconds int `mapstructure:"creationTimeoutSeconds"`
	// StartupHealthTimeoutMs bounds the health poll after a fresh provision.
	StartupHealthTimeoutMs int `mapstructure:"startupHealthTimeoutMs"`
	// ResumeHealthTimeoutMs bounds the health poll after a resume.
	ResumeHealthTimeoutMs int `mapstructure:"resumeHealthTimeoutMs"`
	// ActiveHealthCheckTimeoutMs bounds the opportunistic probe of an
	// already-active record before reuse.
	ActiveHealthCheckTimeoutMs int `mapstructure:"activeHealthCheckTimeoutMs"`
	// TimeoutSeconds is sandboxTimeout (spec §6): the idle duration after
	// which an active session is eligible for the reconciler's stale-active
	// sweep, added to staleActiveGraceMinutes at the listStaleActive call
	// site.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	// ReusePolicy is "resume_preferred" or "recreate" (provisioner.ReusePolicy).
	ReusePolicy string `mapstructure:"reusePolicy"`
	// OpenCodeModel names the model the agent server inside the sandbox runs.
	OpenCodeModel string `mapstructure:"openCodeModel"`
}

// ReconcilerConfig holds the background sweep's cadence and TTLs.
type ReconcilerConfig struct {
	IntervalSeconds         int `mapstructure:"intervalSeconds"`
	StaleActiveGraceMinutes int `mapstructure:"staleActiveGraceMinutes"`
	PausedTTLMinutes        int `mapstructure:"pausedTtlMinutes"`
}

// RoutingConfig controls how TurnPipeline decides whether an unmentioned,
// owned-thread message deserves a response.
type RoutingConfig struct {
	// Mode is "off" (never respond without a mention), "heuristic"
	// (keyword/reply-chain based), or "ai" (delegates to an LLM classifier).
	Mode string `mapstructure:"mode"`
}

// AgentRuntimeConfig configures the HTTP client talking to the agent server
// running inside each sandbox.
type AgentRuntimeConfig struct {
	RequestTimeoutSeconds int    `mapstructure:"requestTimeoutSeconds"`
	HealthPollIntervalMs  int    `mapstructure:"healthPollIntervalMs"`
	AuthTokenHeader       string `mapstructure:"authTokenHeader"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled is loaded from config (default: true) but is not read by the
	// orchestrator, which always connects to Docker at startup.
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CreationTimeout returns the sandbox creation timeout as a time.Duration.
func (s *SandboxConfig) CreationTimeout() time.Duration {
	return time.Duration(s.CreationTimeoutSeconds) * time.Second
}

// Timeout returns sandboxTimeout (spec §6), the idle duration an active
// session may go untouched before the reconciler's stale-active sweep
// considers it, as a time.Duration.
func (s *SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Interval returns the reconciler sweep cadence as a time.Duration.
func (r *ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// RequestTimeout returns the agent HTTP client's per-request timeout.
func (a *AgentRuntimeConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// HealthPollInterval returns the agent health-poll cadence.
func (a *AgentRuntimeConfig) HealthPollInterval() time.Duration {
	return time.Duration(a.HealthPollIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./kandev.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kandev")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kandev")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "kandev-cluster")
	v.SetDefault("nats.clientId", "kandev-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults â€” platform-aware host and volume path
	v.SetDefault("docker.enabled", true) // Docker runtime enabled by default if Docker is available
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "kandev-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Sandbox lifecycle defaults
	v.SetDefault("sandbox.creationTimeoutSeconds", 120)
	v.SetDefault("sandbox.startupHealthTimeoutMs", 60000)
	v.SetDefault("sandbox.resumeHealthTimeoutMs", 30000)
	v.SetDefault("sandbox.activeHealthCheckTimeoutMs", 5000)
	v.SetDefault("sandbox.timeoutSeconds", 1800) // 30 minutes, the sandboxTimeout idle threshold
	v.SetDefault("sandbox.reusePolicy", "resume_preferred")
	v.SetDefault("sandbox.openCodeModel", "")

	// Reconciler defaults
	v.SetDefault("reconciler.intervalSeconds", 300)
	v.SetDefault("reconciler.staleActiveGraceMinutes", 30)
	v.SetDefault("reconciler.pausedTtlMinutes", 120)

	// Routing defaults
	v.SetDefault("routing.mode", "heuristic")

	// Agent runtime defaults
	v.SetDefault("agentRuntime.requestTimeoutSeconds", 30)
	v.SetDefault("agentRuntime.healthPollIntervalMs", 2000)
	v.SetDefault("agentRuntime.authTokenHeader", "X-Sandbox-Token")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "kandev", "volumes")
	}
	return "/var/lib/kandev/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KANDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kandev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "KANDEV_EVENTS_NAMESPACE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Docker validation - none here; the orchestrator exits at startup
	// if the Docker daemon cannot be reached

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Sandbox validation
	validReusePolicies := map[string]bool{"resume_preferred": true, "recreate": true}
	if !validReusePolicies[cfg.Sandbox.ReusePolicy] {
		errs = append(errs, "sandbox.reusePolicy must be one of: resume_preferred, recreate")
	}
	if cfg.Sandbox.StartupHealthTimeoutMs <= 0 {
		errs = append(errs, "sandbox.startupHealthTimeoutMs must be positive")
	}
	if cfg.Sandbox.ResumeHealthTimeoutMs <= 0 {
		errs = append(errs, "sandbox.resumeHealthTimeoutMs must be positive")
	}

	// Reconciler validation
	if cfg.Reconciler.IntervalSeconds <= 0 {
		errs = append(errs, "reconciler.intervalSeconds must be positive")
	}

	// Routing validation
	validRoutingModes := map[string]bool{"off": true, "heuristic": true, "ai": true}
	if !validRoutingModes[cfg.Routing.Mode] {
		errs = append(errs, "routing.mode must be one of: off, heuristic, ai")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
