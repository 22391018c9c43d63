package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-relay/internal/otel"
)

const (
	DefaultBindAddr       = "127.0.0.1:18790"
	DefaultTopicMapFile   = "user_topic_map.json"
	DefaultHistoryFile    = "conversation_history.json"
	DefaultBackupSchedule = "0 */6 * * *"
	PersonaFile           = "PERSONA.md"
)

// Validation failures reported by Validate.
var (
	ErrMissingToken   = errors.New("config: telegram token is required (TELEGRAM_TOKEN or telegram.token)")
	ErrMissingGroupID = errors.New("config: support group id is required (GORELAY_SUPPORT_GROUP_ID or telegram.support_group_id)")
)

type TelegramConfig struct {
	Token          string `yaml:"token"`
	SupportGroupID int64  `yaml:"support_group_id"`
	// PollTimeoutSeconds is the getUpdates long-poll duration.
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
}

// LLMConfig selects the reply generator.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// TimeoutSeconds bounds one generation. 0 disables the timeout.
	TimeoutSeconds *int `yaml:"timeout_seconds"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

type PersonaConfig struct {
	Name          string `yaml:"name"`
	Preamble      string `yaml:"preamble"`
	FallbackReply string `yaml:"fallback_reply"`
}

// StorageConfig names the JSON documents. Relative paths resolve against the
// home directory.
type StorageConfig struct {
	TopicMapFile string `yaml:"topic_map_file"`
	HistoryFile  string `yaml:"history_file"`
}

// BackupConfig schedules document snapshots into <home>/backups.
type BackupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Keep     int    `yaml:"keep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	BindAddr            string `yaml:"bind_addr"`
	WorkerCount         int    `yaml:"worker_count"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Telegram  TelegramConfig `yaml:"telegram"`
	LLM       LLMConfig      `yaml:"llm"`
	Persona   PersonaConfig  `yaml:"persona"`
	Storage   StorageConfig  `yaml:"storage"`
	Backup    BackupConfig   `yaml:"backup"`
	Telemetry otel.Config    `yaml:"telemetry"`

	// FirstRun is set when config.yaml does not exist yet.
	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TopicMapPath is the resolved mapping document path.
func (c Config) TopicMapPath() string {
	return c.resolve(c.Storage.TopicMapFile)
}

// HistoryPath is the resolved conversation history document path.
func (c Config) HistoryPath() string {
	return c.resolve(c.Storage.HistoryFile)
}

// BackupDir is where snapshots are written.
func (c Config) BackupDir() string {
	return filepath.Join(c.HomeDir, "backups")
}

// PersonaPath is the persona preamble override file.
func (c Config) PersonaPath() string {
	return filepath.Join(c.HomeDir, PersonaFile)
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// GenerationTimeout is the per-reply generator deadline; zero means none.
func (c Config) GenerationTimeout() time.Duration {
	if c.LLM.TimeoutSeconds == nil {
		return 60 * time.Second
	}
	if *c.LLM.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Telegram.PollTimeoutSeconds) * time.Second
}

// ProviderAPIKey returns the API key for the configured provider, checking env
// overrides first.
func (c Config) ProviderAPIKey() string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[c.LLM.Provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// Fingerprint returns a stable hash of the settings that shape behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "group=%d|workers=%d|bind=%s|log=%s|provider=%s|model=%s|persona=%s",
		c.Telegram.SupportGroupID, c.WorkerCount, c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Persona.Name)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Validate reports settings required to run the relay.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, ErrMissingToken)
	}
	if c.Telegram.SupportGroupID == 0 {
		errs = append(errs, ErrMissingGroupID)
	}
	if c.Backup.Enabled && c.Backup.Keep < 1 {
		errs = append(errs, fmt.Errorf("config: backup.keep must be at least 1, got %d", c.Backup.Keep))
	}
	return errors.Join(errs...)
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		BindAddr:            DefaultBindAddr,
		WorkerCount:         8,
		DrainTimeoutSeconds: 5,
		Telegram:            TelegramConfig{PollTimeoutSeconds: 50},
		LLM:                 LLMConfig{Provider: "google"},
		Persona:             PersonaConfig{Name: "Support"},
		Storage:             StorageConfig{TopicMapFile: DefaultTopicMapFile, HistoryFile: DefaultHistoryFile},
		Backup:              BackupConfig{Enabled: true, Schedule: DefaultBackupSchedule, Keep: 10},
	}
}

func HomeDir() string {
	if override := os.Getenv("GORELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gorelay")
}

// Load reads <home>/config.yaml, applies env overrides and PERSONA.md, and
// normalizes the result. It does not validate.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gorelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if preamble, ok := ReadPersona(cfg.PersonaPath()); ok {
		cfg.Persona.Preamble = preamble
	}
	normalize(&cfg)
	return cfg, nil
}

// ReadPersona returns the trimmed contents of a persona file, if any.
func ReadPersona(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(b))
	return s, s != ""
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telegram.PollTimeoutSeconds <= 0 {
		cfg.Telegram.PollTimeoutSeconds = 50
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if strings.TrimSpace(cfg.Persona.Name) == "" {
		cfg.Persona.Name = "Support"
	}
	if strings.TrimSpace(cfg.Storage.TopicMapFile) == "" {
		cfg.Storage.TopicMapFile = DefaultTopicMapFile
	}
	if strings.TrimSpace(cfg.Storage.HistoryFile) == "" {
		cfg.Storage.HistoryFile = DefaultHistoryFile
	}
	if strings.TrimSpace(cfg.Backup.Schedule) == "" {
		cfg.Backup.Schedule = DefaultBackupSchedule
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gorelay"
	}
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("GORELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GORELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GORELAY_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("GORELAY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("GORELAY_SUPPORT_GROUP_ID"); raw != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("parse GORELAY_SUPPORT_GROUP_ID: %w", err)
		}
		cfg.Telegram.SupportGroupID = v
	}
	if raw := os.Getenv("GORELAY_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("GORELAY_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" && cfg.LLM.Model == "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("GORELAY_PERSONA_NAME"); raw != "" {
		cfg.Persona.Name = raw
	}
	return nil
}

// SetSupportGroup writes telegram.support_group_id into config.yaml,
// preserving other settings.
func SetSupportGroup(homeDir string, groupID int64) error {
	path := ConfigPath(homeDir)
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	tg, _ := raw["telegram"].(map[string]interface{})
	if tg == nil {
		tg = make(map[string]interface{})
	}
	tg["support_group_id"] = groupID
	raw["telegram"] = tg
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
