// Package config loads the gateway configuration: YAML file with
// environment overrides and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelegramConfig struct {
	Token          string  `yaml:"token"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

type AgentConfig struct {
	Bin            string   `yaml:"bin"`
	Model          string   `yaml:"model"`
	ExtraArgs      []string `yaml:"extra_args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type GitConfig struct {
	AutoCommit  bool   `yaml:"auto_commit"`
	AutoPush    bool   `yaml:"auto_push"`
	PushHourUTC int    `yaml:"push_hour_utc"`
	UserName    string `yaml:"user_name"`
	UserEmail   string `yaml:"user_email"`
}

type SessionsConfig struct {
	// Dir is the agent's transcript directory scanned by the sweeper.
	Dir string `yaml:"dir"`
	// RetainDays is the sweep cutoff: transcripts younger than this are
	// always kept.
	RetainDays int `yaml:"retain_days"`
	// SweepSchedule is a 5-field cron expression for the daily sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkingRoot      string `yaml:"working_root"`
	DBPath           string `yaml:"db_path"`
	LogLevel         string `yaml:"log_level"`
	IdleSleepSeconds int    `yaml:"idle_sleep_seconds"`
	MaxResultChars   int    `yaml:"max_result_chars"`
	MaxSendFileBytes int64  `yaml:"max_send_file_bytes"`

	Telegram TelegramConfig `yaml:"telegram"`
	Agent    AgentConfig    `yaml:"agent"`
	Git      GitConfig      `yaml:"git"`
	Sessions SessionsConfig `yaml:"sessions"`
}

func HomeDir() string {
	if override := os.Getenv("MAJORDOMO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".majordomo")
}

// ConfigPath returns the config.yaml location inside the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:         "info",
		IdleSleepSeconds: 1,
		MaxResultChars:   3500,
		MaxSendFileBytes: 50 << 20,
		Agent: AgentConfig{
			Bin:            "codex",
			TimeoutSeconds: 1800,
		},
		Git: GitConfig{
			AutoCommit:  true,
			AutoPush:    true,
			PushHourUTC: 3,
			UserName:    "Assistant Bot",
			UserEmail:   "assistant-bot@local",
		},
		Sessions: SessionsConfig{
			RetainDays:    7,
			SweepSchedule: "30 3 * * *",
		},
	}
}

// Load reads <home>/config.yaml (if present), applies environment overrides,
// fills defaults derived from the home directory, and validates.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create majordomo home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = strings.TrimSpace(raw)
	}
	if raw := os.Getenv("MAJORDOMO_WORKING_ROOT"); raw != "" {
		cfg.WorkingRoot = raw
	}
	if raw := os.Getenv("MAJORDOMO_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MAJORDOMO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MAJORDOMO_AGENT_BIN"); raw != "" {
		cfg.Agent.Bin = raw
	}
	if raw := os.Getenv("MAJORDOMO_AGENT_MODEL"); raw != "" {
		cfg.Agent.Model = raw
	}
	if raw := os.Getenv("MAJORDOMO_AGENT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MAJORDOMO_SESSIONS_DIR"); raw != "" {
		cfg.Sessions.Dir = raw
	}
	if raw := os.Getenv("MAJORDOMO_ALLOWED_USER_IDS"); raw != "" {
		cfg.Telegram.AllowedUserIDs = parseIDList(raw)
	}
	if raw := os.Getenv("MAJORDOMO_ALLOWED_CHAT_IDS"); raw != "" {
		cfg.Telegram.AllowedChatIDs = parseIDList(raw)
	}
}

func normalize(cfg *Config) {
	if cfg.WorkingRoot == "" {
		cfg.WorkingRoot = cfg.HomeDir
	}
	if abs, err := filepath.Abs(cfg.WorkingRoot); err == nil {
		cfg.WorkingRoot = abs
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "majordomo.db")
	}
	if cfg.Sessions.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.Sessions.Dir = filepath.Join(home, ".codex", "sessions")
	}
	if cfg.IdleSleepSeconds <= 0 {
		cfg.IdleSleepSeconds = 1
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = 1800
	}
	if cfg.Sessions.RetainDays <= 0 {
		cfg.Sessions.RetainDays = 7
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "30 3 * * *"
	}
}

func validate(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (config telegram.token or TELEGRAM_TOKEN)")
	}
	if cfg.Git.PushHourUTC < 0 || cfg.Git.PushHourUTC > 23 {
		return fmt.Errorf("git.push_hour_utc must be 0-23, got %d", cfg.Git.PushHourUTC)
	}
	return nil
}

func parseIDList(raw string) []int64 {
	var ids []int64
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if id, err := strconv.ParseInt(token, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
