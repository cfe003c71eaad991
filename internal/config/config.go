package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the nudge configuration
type Config struct {
	Backup     BackupConfig     `yaml:"backup"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Storage    StorageConfig    `yaml:"storage"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Notify     NotifyConfig     `yaml:"notify"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Server     ServerConfig     `yaml:"server"`
}

// BackupConfig locates the SMS Backup & Restore export files.
type BackupConfig struct {
	Dir              string `yaml:"dir"`
	MessagePrefix    string `yaml:"message_prefix"`
	CallPrefix       string `yaml:"call_prefix"`
	IncludeTestFiles bool   `yaml:"include_test_files"`
}

// HeuristicsConfig holds the tunable constants of the reply heuristic.
type HeuristicsConfig struct {
	StaleAfter        time.Duration `yaml:"stale_after"`
	InactiveAfter     time.Duration `yaml:"inactive_after"`
	ShortVocabulary   []string      `yaml:"short_vocabulary"`
	ShortMaxWords     int           `yaml:"short_max_words"`
	ShortMaxChars     int           `yaml:"short_max_chars"`
	RecentMessages    int           `yaml:"recent_messages"`
	SnapshotBodyChars int           `yaml:"snapshot_body_chars"`
}

// StorageConfig selects the SQLite driver and database file.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// DirectoryConfig describes the Notion contacts database.
type DirectoryConfig struct {
	Enabled                bool     `yaml:"enabled"`
	DatabaseID             string   `yaml:"database_id"`
	Token                  string   `yaml:"-"`
	PhoneProperties        []string `yaml:"phone_properties"`
	LastContactedProperty  string   `yaml:"last_contacted_property"`
	RecentMessagesProperty string   `yaml:"recent_messages_property"`
	PageSize               int      `yaml:"page_size"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	ChatID  int64  `yaml:"chat_id"`
	Token   string `yaml:"-"`
}

// ScheduleConfig controls the live runners.
type ScheduleConfig struct {
	Cron            string `yaml:"cron"`
	Watch           bool   `yaml:"watch"`
	DebounceSeconds int    `yaml:"debounce_seconds"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultShortVocabulary lists terse acknowledgments that never warrant a reply alert.
var DefaultShortVocabulary = []string{
	"ok", "k", "kk", "yes", "no", "yeah", "nah", "sure", "thanks", "thx", "ty", "np", "lol",
}

// Defaults returns a config with every field populated.
func Defaults() *Config {
	return &Config{
		Backup: BackupConfig{
			MessagePrefix: "sms-",
			CallPrefix:    "calls-",
		},
		Heuristics: HeuristicsConfig{
			StaleAfter:        48 * time.Hour,
			InactiveAfter:     30 * 24 * time.Hour,
			ShortVocabulary:   append([]string(nil), DefaultShortVocabulary...),
			ShortMaxWords:     2,
			ShortMaxChars:     5,
			RecentMessages:    3,
			SnapshotBodyChars: 100,
		},
		Storage: StorageConfig{Driver: "sqlite"},
		Directory: DirectoryConfig{
			PhoneProperties:        []string{"Primary Phone", "Secondary Phone"},
			LastContactedProperty:  "Last Contacted",
			RecentMessagesProperty: "Recent Messages",
			PageSize:               100,
		},
		Schedule: ScheduleConfig{
			Cron:            "0 0 7 * * *",
			DebounceSeconds: 5,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8000",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("NUDGE_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "nudge"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("NUDGE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Nudge"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "nudge"), nil
	}

	return filepath.Join(home, ".local", "share", "nudge"), nil
}

// DBPath returns the configured database path, defaulting into the data dir.
func (c *Config) DBPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "nudge.db"), nil
}

// ReportDir returns where text reports are written.
func (c *Config) ReportDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "reports"), nil
}

// Load loads config from the config file, then applies .env and environment overrides.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	// Missing .env files are fine; godotenv never overrides variables already set.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	cfg := Defaults()
	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NUDGE_BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}
	if v := os.Getenv("NOTION_DATABASE_ID"); v != "" {
		c.Directory.DatabaseID = v
	}
	c.Directory.Token = os.Getenv("NOTION_TOKEN")
	c.Notify.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse TELEGRAM_CHAT_ID: %w", err)
		}
		c.Notify.Telegram.ChatID = id
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	h := c.Heuristics
	if h.StaleAfter <= 0 {
		return fmt.Errorf("heuristics.stale_after must be positive")
	}
	if h.InactiveAfter <= 0 {
		return fmt.Errorf("heuristics.inactive_after must be positive")
	}
	if h.ShortMaxWords < 0 || h.ShortMaxChars < 0 {
		return fmt.Errorf("heuristics.short_max_words and short_max_chars must not be negative")
	}
	if h.RecentMessages <= 0 || h.SnapshotBodyChars <= 0 {
		return fmt.Errorf("heuristics.recent_messages and snapshot_body_chars must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver must be sqlite or sqlite3, got %q", c.Storage.Driver)
	}
	if c.Directory.PageSize <= 0 || c.Directory.PageSize > 100 {
		return fmt.Errorf("directory.page_size must be between 1 and 100")
	}
	if c.Schedule.DebounceSeconds < 0 {
		return fmt.Errorf("schedule.debounce_seconds must not be negative")
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
