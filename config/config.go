// Package config loads backbone settings from a JSON or YAML file with
// environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider   = "openai"
	DefaultBatchSize  = 20
	DefaultTimeoutSec = 120
	DefaultSchedule   = "@every 5m"
	DefaultSweepLimit = 500
	DefaultLogLevel   = "info"
)

type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

type ExtractionConfig struct {
	// Provider is "openai", "anthropic" or "exec".
	Provider   string   `json:"provider" yaml:"provider"`
	Model      string   `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey     string   `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string   `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	Command    []string `json:"command,omitempty" yaml:"command,omitempty"`
	BatchSize  int      `json:"batchSize,omitempty" yaml:"batch_size,omitempty"`
	TimeoutSec int      `json:"timeoutSec,omitempty" yaml:"timeout_sec,omitempty"`
	Schedule   string   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	SweepLimit int      `json:"sweepLimit,omitempty" yaml:"sweep_limit,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(ConfigDir(), "marrow.db"),
		},
		Extraction: ExtractionConfig{
			Provider:   DefaultProvider,
			BatchSize:  DefaultBatchSize,
			TimeoutSec: DefaultTimeoutSec,
			Schedule:   DefaultSchedule,
			SweepLimit: DefaultSweepLimit,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".marrow")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig builds the effective configuration: defaults, then the file
// at path (ConfigPath when empty; a missing file is fine), then MARROW_*
// environment variables. A .env file in the working directory is loaded
// first so its variables take part in the override pass.
func LoadConfig(path string) (*Config, error) {
	godotenv.Load()

	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultConfig().Store.Path
	}
	if cfg.Extraction.Provider == "" {
		cfg.Extraction.Provider = DefaultProvider
	}
	if cfg.Extraction.BatchSize <= 0 {
		cfg.Extraction.BatchSize = DefaultBatchSize
	}
	if cfg.Extraction.TimeoutSec <= 0 {
		cfg.Extraction.TimeoutSec = DefaultTimeoutSec
	}
	if cfg.Extraction.Schedule == "" {
		cfg.Extraction.Schedule = DefaultSchedule
	}
	if cfg.Extraction.SweepLimit <= 0 {
		cfg.Extraction.SweepLimit = DefaultSweepLimit
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MARROW_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MARROW_PROVIDER"); v != "" {
		cfg.Extraction.Provider = v
	}
	if v := os.Getenv("MARROW_MODEL"); v != "" {
		cfg.Extraction.Model = v
	}
	if v := os.Getenv("MARROW_API_KEY"); v != "" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Extraction.APIKey == "" && cfg.Extraction.Provider == "openai" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Extraction.APIKey == "" && cfg.Extraction.Provider == "anthropic" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("MARROW_BASE_URL"); v != "" {
		cfg.Extraction.BaseURL = v
	}
	if v := os.Getenv("MARROW_SCHEDULE"); v != "" {
		cfg.Extraction.Schedule = v
	}
	if v := os.Getenv("MARROW_BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.BatchSize = parsed
		}
	}
	if v := os.Getenv("MARROW_TIMEOUT_SEC"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.TimeoutSec = parsed
		}
	}
	if v := os.Getenv("MARROW_SWEEP_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.SweepLimit = parsed
		}
	}
	if v := os.Getenv("MARROW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// SaveConfig writes cfg as indented JSON to the default config path.
func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
