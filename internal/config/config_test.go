package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Setenv("NUDGE_CONFIG_DIR", t.TempDir())
	t.Setenv("NOTION_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heuristics.StaleAfter != 48*time.Hour {
		t.Fatalf("stale_after = %s, want 48h", cfg.Heuristics.StaleAfter)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if len(cfg.Heuristics.ShortVocabulary) != len(DefaultShortVocabulary) {
		t.Fatalf("expected default vocabulary, got %v", cfg.Heuristics.ShortVocabulary)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NUDGE_CONFIG_DIR", dir)
	t.Setenv("NUDGE_BACKUP_DIR", "/tmp/backups")
	t.Setenv("NOTION_TOKEN", "secret")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	yml := "heuristics:\n  stale_after: 72h\n  short_vocabulary: [ok, cool]\ndirectory:\n  enabled: true\n  database_id: db-1\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heuristics.StaleAfter != 72*time.Hour {
		t.Fatalf("stale_after = %s, want 72h", cfg.Heuristics.StaleAfter)
	}
	if got := cfg.Heuristics.ShortVocabulary; len(got) != 2 || got[1] != "cool" {
		t.Fatalf("vocabulary = %v", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Heuristics.RecentMessages != 3 {
		t.Fatalf("recent_messages = %d, want 3", cfg.Heuristics.RecentMessages)
	}
	if cfg.Backup.Dir != "/tmp/backups" {
		t.Fatalf("backup dir = %q", cfg.Backup.Dir)
	}
	if cfg.Directory.Token != "secret" || cfg.Directory.DatabaseID != "db-1" {
		t.Fatalf("directory = %+v", cfg.Directory)
	}
	if cfg.Notify.Telegram.ChatID != 12345 {
		t.Fatalf("chat id = %d", cfg.Notify.Telegram.ChatID)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero stale":     func(c *Config) { c.Heuristics.StaleAfter = 0 },
		"bad driver":     func(c *Config) { c.Storage.Driver = "postgres" },
		"page too large": func(c *Config) { c.Directory.PageSize = 500 },
		"no snapshots":   func(c *Config) { c.Heuristics.RecentMessages = 0 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("NUDGE_CONFIG_DIR", t.TempDir())
	t.Setenv("NUDGE_BACKUP_DIR", "")
	cfg := Defaults()
	cfg.Backup.Dir = "/data/sms"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Backup.Dir != "/data/sms" {
		t.Fatalf("backup dir = %q", loaded.Backup.Dir)
	}
}
