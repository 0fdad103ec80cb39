// Package config provides configuration management for the Trinity
// orchestration engine: environment variables, an optional config file, and
// defaults, layered via spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the core reads at startup.
// Runtime-mutable operational thresholds (the ops.* family) live in the
// Settings store, not here — this struct only supplies their process-level
// defaults and the knobs that must be known before the store exists.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig configures the distributed event bus backing the Activity
// Journal's fan-out. Empty URL means use the in-memory bus (single process).
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"clientId"`
}

type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
	PortBase   int    `mapstructure:"portBase"`
}

// SchedulerConfig configures the cron/one-shot evaluator's tick (spec §4.7).
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// SupervisorConfig configures the fleet-health loop's tick (spec §4.9).
type SupervisorConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// OpsConfig supplies process-level defaults for the ops.* Settings keys.
// A fresh deployment seeds Settings from these; thereafter Settings wins.
type OpsConfig struct {
	ContextWarnPct        int     `mapstructure:"contextWarnPct"`
	ContextCriticalPct    int     `mapstructure:"contextCriticalPct"`
	IdleTimeoutMin        int     `mapstructure:"idleTimeoutMin"`
	DailyCostLimitUSD     float64 `mapstructure:"dailyCostLimitUsd"`
	MaxExecutionMin       int     `mapstructure:"maxExecutionMin"`
	MaxParallelTasksGlobal int    `mapstructure:"maxParallelTasksGlobal"`
	PerAgentParallelCap   int     `mapstructure:"perAgentParallelCap"`
	AlertSuppressMin      int     `mapstructure:"alertSuppressMin"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig configures the OTLP/HTTP exporter behind execution spans.
// An empty Endpoint leaves tracing a no-op, the default for local/dev runs.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./trinity.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trinity")
	v.SetDefault("database.dbName", "trinity")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "trinity-orchestrator")

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.network", "trinity-network")
	v.SetDefault("docker.portBase", 2290)

	v.SetDefault("scheduler.tickInterval", 15*time.Second)
	v.SetDefault("supervisor.tickInterval", 60*time.Second)

	v.SetDefault("ops.contextWarnPct", 75)
	v.SetDefault("ops.contextCriticalPct", 90)
	v.SetDefault("ops.idleTimeoutMin", 30)
	v.SetDefault("ops.dailyCostLimitUsd", 50.0)
	v.SetDefault("ops.maxExecutionMin", 10)
	v.SetDefault("ops.maxParallelTasksGlobal", 50)
	v.SetDefault("ops.perAgentParallelCap", 5)
	v.SetDefault("ops.alertSuppressMin", 15)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from env vars (TRINITY_ prefix), an optional
// config.yaml in the current directory or /etc/trinity/, and falls back to
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trinity/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Ops.PerAgentParallelCap <= 0 {
		errs = append(errs, "ops.perAgentParallelCap must be positive")
	}
	if cfg.Ops.MaxParallelTasksGlobal < cfg.Ops.PerAgentParallelCap {
		errs = append(errs, "ops.maxParallelTasksGlobal must be >= ops.perAgentParallelCap")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
