package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type BackendConfig struct {
	BaseURL    string  `yaml:"base_url"`
	Token      string  `yaml:"token"`
	TimeoutSec int     `yaml:"timeout_seconds"`
	MaxRPS     float64 `yaml:"max_rps"`
}

type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

type WebUIConfig struct {
	Listen string `yaml:"listen"`
}

type SessionConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
	MaxPolls       int `yaml:"max_polls"`
	ResetDelaySec  int `yaml:"reset_delay_seconds"`
	RetentionHours int `yaml:"retention_hours"`
}

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	DBPath   string         `yaml:"db_path"`
	Database DatabaseConfig `yaml:"database"`
	WebUI    WebUIConfig    `yaml:"webui"`
	Telegram TelegramConfig `yaml:"telegram"`
	Session  SessionConfig  `yaml:"session"`
	LogLevel string         `yaml:"log_level"`
}

// LoadConfig reads path; a missing file yields the defaults so the CLI works
// with flags and environment only.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SCANCONSOLE_API_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("SCANCONSOLE_API_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://127.0.0.1:8000/api/v1"
	}
	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = 30
	}
	if c.DBPath == "" {
		c.DBPath = "data/scanconsole.db"
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "./migrations"
	}
	if c.WebUI.Listen == "" {
		c.WebUI.Listen = "127.0.0.1:8088"
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.Session.TickIntervalMs <= 0 {
		c.Session.TickIntervalMs = 500
	}
	if c.Session.PollIntervalMs <= 0 {
		c.Session.PollIntervalMs = 5000
	}
	if c.Session.MaxPolls <= 0 {
		c.Session.MaxPolls = 1440
	}
	if c.Session.ResetDelaySec <= 0 {
		c.Session.ResetDelaySec = 3
	}
	if c.Session.RetentionHours <= 0 {
		c.Session.RetentionHours = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Session.TickIntervalMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalMs) * time.Millisecond
}

func (c *Config) ResetDelay() time.Duration {
	return time.Duration(c.Session.ResetDelaySec) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Session.RetentionHours) * time.Hour
}
