// Package config provides configuration management for the Aether kernel.
// It supports loading configuration from environment variables, a config file,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the kernel.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Auth      AuthConfig      `mapstructure:"auth"`
	FS        FSConfig        `mapstructure:"fs"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the state store configuration. The kernel persists all
// durable state in a single SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // empty: <fs.root>/aether.db
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the container backend configuration.
type DockerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	APIVersion   string `mapstructure:"apiVersion"`
	DefaultImage string `mapstructure:"defaultImage"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Secret        string `mapstructure:"secret"`        // token/KDF pepper
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// FSConfig holds the virtual filesystem configuration.
type FSConfig struct {
	Root string `mapstructure:"root"` // host directory holding per-user subtrees
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	MaxSteps        int `mapstructure:"maxSteps"`        // hard step budget per agent
	ApprovalStep    int `mapstructure:"approvalStep"`    // step at which further steps need approval
	StepRetryBudget int `mapstructure:"stepRetryBudget"` // tolerated consecutive step errors
}

// ClusterConfig holds cluster routing configuration.
type ClusterConfig struct {
	Role     string `mapstructure:"role"`     // standalone, hub, node
	NodeID   string `mapstructure:"nodeId"`   // stable identity when role != standalone
	Capacity int    `mapstructure:"capacity"` // max concurrent agents this node accepts
}

// SchedulerConfig holds cron/trigger scheduler configuration.
type SchedulerConfig struct {
	TickInterval   int `mapstructure:"tickInterval"`   // in seconds
	MetricInterval int `mapstructure:"metricInterval"` // in seconds
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

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// TickDuration returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) TickDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// MetricDuration returns the metric sampling cadence as a time.Duration.
func (s *SchedulerConfig) MetricDuration() time.Duration {
	return time.Duration(s.MetricInterval) * time.Second
}

// DatabasePath resolves the state store file path, defaulting to a file under
// the FS root.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.FS.Root, "aether.db")
}

// detectDefaultLogFormat mirrors logger.detectLogFormat for config defaults.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AETHER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "aether-kernel")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "ubuntu:22.04")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenDuration", 7*24*3600) // 7 days, fixed lifetime

	home, _ := os.UserHomeDir()
	v.SetDefault("fs.root", filepath.Join(home, ".aether"))

	v.SetDefault("agent.maxSteps", 50)
	v.SetDefault("agent.approvalStep", 40)
	v.SetDefault("agent.stepRetryBudget", 3)

	v.SetDefault("cluster.role", "standalone")
	v.SetDefault("cluster.nodeId", "")
	v.SetDefault("cluster.capacity", 8)

	v.SetDefault("scheduler.tickInterval", 1)
	v.SetDefault("scheduler.metricInterval", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AETHER_ prefix with snake_case
// naming. The config file is aether.yaml in the current directory or
// /etc/aether/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short-form env vars that do not follow the section_key convention.
	_ = v.BindEnv("server.port", "AETHER_PORT")
	_ = v.BindEnv("fs.root", "AETHER_FS_ROOT")
	_ = v.BindEnv("auth.secret", "AETHER_SECRET")
	_ = v.BindEnv("database.path", "AETHER_DB_PATH")
	_ = v.BindEnv("nats.url", "AETHER_NATS_URL")

	v.SetConfigName("aether")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aether/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.FS.Root == "" {
		errs = append(errs, "fs.root must be set")
	}
	switch cfg.Cluster.Role {
	case "standalone", "hub", "node":
	default:
		errs = append(errs, "cluster.role must be standalone, hub, or node")
	}
	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, "agent.maxSteps must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
