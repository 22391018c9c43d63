package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/config"
)

// clearEnv isolates a test from variables the loader consults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_TOKEN", "GORELAY_SUPPORT_GROUP_ID", "GORELAY_LOG_LEVEL", "GORELAY_BIND_ADDR",
		"GORELAY_WORKER_COUNT", "GORELAY_DRAIN_TIMEOUT_SECONDS", "GORELAY_LLM_PROVIDER",
		"GORELAY_LLM_MODEL", "GEMINI_MODEL", "GORELAY_PERSONA_NAME",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func withHome(t *testing.T, configYAML string) string {
	t.Helper()
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("GORELAY_HOME", home)
	if configYAML != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestLoad_FromGorelayHome(t *testing.T) {
	home := withHome(t, "worker_count: 3\ntelegram:\n  token: abc\n  support_group_id: -100123\nstorage:\n  history_file: /var/lib/history.json\n")
	if err := os.WriteFile(filepath.Join(home, config.PersonaFile), []byte("  Act as Infinity:\n"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.FirstRun {
		t.Fatalf("home=%q firstRun=%v", cfg.HomeDir, cfg.FirstRun)
	}
	if cfg.WorkerCount != 3 || cfg.Telegram.SupportGroupID != -100123 || cfg.Telegram.Token != "abc" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Persona.Preamble != "Act as Infinity:" {
		t.Fatalf("persona preamble = %q", cfg.Persona.Preamble)
	}
	if cfg.TopicMapPath() != filepath.Join(home, config.DefaultTopicMapFile) {
		t.Fatalf("topic map path = %q", cfg.TopicMapPath())
	}
	if cfg.HistoryPath() != "/var/lib/history.json" {
		t.Fatalf("absolute history path not kept: %q", cfg.HistoryPath())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	withHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatalf("expected FirstRun without config.yaml")
	}
	if cfg.BindAddr != config.DefaultBindAddr || cfg.LogLevel != "info" || cfg.WorkerCount != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LLM.Provider != "google" || cfg.Persona.Name != "Support" {
		t.Fatalf("llm/persona defaults: %+v %+v", cfg.LLM, cfg.Persona)
	}
	if !cfg.Backup.Enabled || cfg.Backup.Keep != 10 || cfg.Backup.Schedule != config.DefaultBackupSchedule {
		t.Fatalf("backup defaults: %+v", cfg.Backup)
	}
	if cfg.GenerationTimeout() != 60*time.Second || cfg.PollTimeout() != 50*time.Second {
		t.Fatalf("timeouts: gen=%v poll=%v", cfg.GenerationTimeout(), cfg.PollTimeout())
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	withHome(t, "telegram:\n  token: from-yaml\n  support_group_id: -1\nlog_level: info\n")
	t.Setenv("TELEGRAM_TOKEN", "from-env")
	t.Setenv("GORELAY_SUPPORT_GROUP_ID", "-100999")
	t.Setenv("GORELAY_LOG_LEVEL", "DEBUG")
	t.Setenv("GORELAY_WORKER_COUNT", "2")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Telegram.SupportGroupID != -100999 {
		t.Fatalf("telegram overrides not applied: %+v", cfg.Telegram)
	}
	if cfg.LogLevel != "debug" || cfg.WorkerCount != 2 {
		t.Fatalf("log=%q workers=%d", cfg.LogLevel, cfg.WorkerCount)
	}
}

func TestLoad_BadGroupIDEnv(t *testing.T) {
	withHome(t, "")
	t.Setenv("GORELAY_SUPPORT_GROUP_ID", "not-a-number")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	withHome(t, "telegram: [unterminated\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestNormalizeProviderName(t *testing.T) {
	withHome(t, "llm:\n  provider: Gemini\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestGenerationTimeout_ZeroDisables(t *testing.T) {
	withHome(t, "llm:\n  timeout_seconds: 0\n")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GenerationTimeout() != 0 {
		t.Fatalf("timeout = %v, want disabled", cfg.GenerationTimeout())
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	tests := []struct {
		provider string
		env      string
	}{
		{"google", "GEMINI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"openrouter", "OPENROUTER_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			clearEnv(t)
			cfg := config.Config{LLM: config.LLMConfig{Provider: tt.provider, APIKey: "yaml-key"}}
			if got := cfg.ProviderAPIKey(); got != "yaml-key" {
				t.Fatalf("without env got %q", got)
			}
			t.Setenv(tt.env, "env-key")
			if got := cfg.ProviderAPIKey(); got != "env-key" {
				t.Fatalf("with env got %q", got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	err := config.Config{Backup: config.BackupConfig{Enabled: true}}.Validate()
	if !errors.Is(err, config.ErrMissingToken) || !errors.Is(err, config.ErrMissingGroupID) {
		t.Fatalf("validate = %v", err)
	}
	if !strings.Contains(err.Error(), "backup.keep") {
		t.Fatalf("expected backup.keep failure in %v", err)
	}
}

func TestSetSupportGroup_PreservesOtherSettings(t *testing.T) {
	home := withHome(t, "log_level: debug\ntelegram:\n  token: abc\n")
	if err := config.SetSupportGroup(home, -100777); err != nil {
		t.Fatalf("set group: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.SupportGroupID != -100777 || cfg.Telegram.Token != "abc" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config after SetSupportGroup: %+v", cfg)
	}
}

func TestFingerprint_ChangesWithGroup(t *testing.T) {
	a := config.Config{Telegram: config.TelegramConfig{SupportGroupID: 1}}
	b := config.Config{Telegram: config.TelegramConfig{SupportGroupID: 2}}
	if a.Fingerprint() == b.Fingerprint() || a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint not stable or not distinct")
	}
}
