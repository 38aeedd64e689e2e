// Package config defines Nightfall's validated configuration value and a
// loader that mirrors the teacher's env vars > env file > file > defaults
// precedence. The loader reads no command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig describes either a local model server or a cloud provider.
// Exactly one of Host/Port (local) is meaningful; cloud providers only need
// Name/Model.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
	Host  string `yaml:"host,omitempty"`
	Port  int    `yaml:"port,omitempty"`
}

// ConcurrencyConfig bounds parallel engineer dispatch.
type ConcurrencyConfig struct {
	MaxEngineers int `yaml:"max_engineers"`
}

// TaskConfig bounds the rework loop, provider retries, and context window.
type TaskConfig struct {
	MaxReworkCycles int `yaml:"max_rework_cycles"`
	MaxRetries      int `yaml:"max_retries"`
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// LogsConfig controls task-log retention.
type LogsConfig struct {
	Retention int `yaml:"retention"`
}

// Config is Nightfall's full validated configuration value.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Task        TaskConfig        `yaml:"task"`
	Logs        LogsConfig        `yaml:"logs"`
}

// Defaults returns the configuration used when no file or env override is
// present.
func Defaults() Config {
	return Config{
		Provider: ProviderConfig{
			Name:  "ollama",
			Model: "qwen2.5-coder",
			Host:  "127.0.0.1",
			Port:  11434,
		},
		Concurrency: ConcurrencyConfig{MaxEngineers: 3},
		Task: TaskConfig{
			MaxReworkCycles:  2,
			MaxRetries:       3,
			MaxContextTokens: 32000,
		},
		Logs: LogsConfig{Retention: 50},
	}
}

// RetryBackoffCap is the ceiling on the provider adapter's exponential
// backoff, per spec §6.
const RetryBackoffCap = 16 * time.Second

// Load builds a Config starting from Defaults, then applying (in increasing
// priority): an on-disk YAML file, a .env file, then plain process
// environment variables. This mirrors the teacher's ConfigManager precedence
// (config/manager.go) though the final authority here is a typed struct
// instead of an untyped map.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".nightfall", "config.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	envFile := os.Getenv("NIGHTFALL_DOTENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIGHTFALL_PROVIDER_NAME"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("NIGHTFALL_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("NIGHTFALL_PROVIDER_HOST"); v != "" {
		cfg.Provider.Host = v
	}
	if v := getEnvInt("NIGHTFALL_PROVIDER_PORT"); v != 0 {
		cfg.Provider.Port = v
	}
	if v := getEnvInt("NIGHTFALL_MAX_ENGINEERS"); v != 0 {
		cfg.Concurrency.MaxEngineers = v
	}
	if v := getEnvInt("NIGHTFALL_MAX_REWORK_CYCLES"); v != 0 {
		cfg.Task.MaxReworkCycles = v
	}
	if v := getEnvInt("NIGHTFALL_MAX_RETRIES"); v != 0 {
		cfg.Task.MaxRetries = v
	}
	if v := getEnvInt("NIGHTFALL_MAX_CONTEXT_TOKENS"); v != 0 {
		cfg.Task.MaxContextTokens = v
	}
	if v := getEnvInt("NIGHTFALL_LOG_RETENTION"); v != 0 {
		cfg.Logs.Retention = v
	}
}

func getEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Save marshals cfg as YAML and writes it to path, creating parent
// directories as needed. Used by the /settings and /model commands.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the invariants the orchestrator relies on.
func Validate(cfg Config) error {
	if cfg.Concurrency.MaxEngineers < 1 {
		return fmt.Errorf("concurrency.max_engineers must be >= 1, got %d", cfg.Concurrency.MaxEngineers)
	}
	if cfg.Task.MaxReworkCycles < 0 {
		return fmt.Errorf("task.max_rework_cycles must be >= 0, got %d", cfg.Task.MaxReworkCycles)
	}
	if cfg.Provider.Name == "" {
		return fmt.Errorf("provider.name must not be empty")
	}
	return nil
}
