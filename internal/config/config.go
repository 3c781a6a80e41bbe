package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/user/agentlink/internal/stream"
	"github.com/user/agentlink/internal/types"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Backend  struct {
		Mode        string `json:"mode"`
		RemoteURL   string `json:"remote_url"`
		Port        int    `json:"port"`
		AutoConnect bool   `json:"auto_connect"`
		Directory   string `json:"directory"`
		Username    string `json:"username"`
		Password    string `json:"password" secret:"true"`
	} `json:"backend"`
	Connection struct {
		ProbeTimeoutMs    int `json:"probe_timeout_ms"`
		LivenessIntervalS int `json:"liveness_interval_s"`
	} `json:"connection"`
	Stream struct {
		BaseDelayMs        int     `json:"base_delay_ms"`
		Multiplier         float64 `json:"multiplier"`
		MaxDelayMs         int     `json:"max_delay_ms"`
		MaxAttempts        int     `json:"max_attempts"`
		HeartbeatTimeoutMs int     `json:"heartbeat_timeout_ms"`
		WatchdogIntervalMs int     `json:"watchdog_interval_ms"`
	} `json:"stream"`
	Transcript struct {
		BatchWindowMs int `json:"batch_window_ms"`
	} `json:"transcript"`
	Model struct {
		ProviderID string `json:"provider_id"`
		ModelID    string `json:"model_id"`
	} `json:"model"`
	Session struct {
		LastID string `json:"last_id"`
	} `json:"session"`
	HTTP struct {
		Enabled        bool     `json:"enabled"`
		Listen         string   `json:"listen"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
}

// DefaultPath returns ~/.agentlink/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".agentlink", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".agentlink"),
		LogLevel: "info",
	}
	cfg.Backend.Mode = "local"
	cfg.Backend.AutoConnect = true
	cfg.Connection.ProbeTimeoutMs = 3000
	cfg.Connection.LivenessIntervalS = 30
	cfg.Stream.BaseDelayMs = 1000
	cfg.Stream.Multiplier = 2
	cfg.Stream.MaxDelayMs = 30000
	cfg.Stream.MaxAttempts = 10
	cfg.Stream.HeartbeatTimeoutMs = 45000
	cfg.Stream.WatchdogIntervalMs = 10000
	cfg.Transcript.BatchWindowMs = 16
	cfg.HTTP.Listen = "127.0.0.1:7420"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("AGENTLINK_REMOTE_URL"); url != "" {
		cfg.Backend.Mode = "remote"
		cfg.Backend.RemoteURL = url
	}
	if port := os.Getenv("AGENTLINK_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("parse AGENTLINK_PORT: %w", err)
		}
		cfg.Backend.Port = n
	}
	if password := os.Getenv("AGENTLINK_PASSWORD"); password != "" {
		cfg.Backend.Password = password
	}
	if level := os.Getenv("AGENTLINK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv("AGENTLINK_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

// Save writes cfg as indented JSON through a temp file and rename.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Connection.ProbeTimeoutMs) * time.Millisecond
}

func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.Connection.LivenessIntervalS) * time.Second
}

func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.Transcript.BatchWindowMs) * time.Millisecond
}

// StreamOptions returns the event stream settings; zero values fall back
// to the stream defaults.
func (c *Config) StreamOptions() stream.Options {
	opts := stream.DefaultOptions()
	s := c.Stream
	if s.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelayMs > 0 {
		opts.Retry.InitialDelay = time.Duration(s.BaseDelayMs) * time.Millisecond
	}
	if s.Multiplier >= 1 {
		opts.Retry.Multiplier = s.Multiplier
	}
	if s.MaxDelayMs > 0 {
		opts.Retry.MaxDelay = time.Duration(s.MaxDelayMs) * time.Millisecond
	}
	if s.HeartbeatTimeoutMs > 0 {
		opts.HeartbeatTimeout = time.Duration(s.HeartbeatTimeoutMs) * time.Millisecond
	}
	if s.WatchdogIntervalMs > 0 {
		opts.WatchdogInterval = time.Duration(s.WatchdogIntervalMs) * time.Millisecond
	}
	return opts
}

// SelectedModel returns the configured model, or nil to let the backend
// choose.
func (c *Config) SelectedModel() *types.ModelRef {
	if c.Model.ProviderID == "" || c.Model.ModelID == "" {
		return nil
	}
	return &types.ModelRef{ProviderID: c.Model.ProviderID, ModelID: c.Model.ModelID}
}

// JournalDir is where per-session event journals are kept.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}
