package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

var tokenShape = regexp.MustCompile(`^\d{5,}:[A-Za-z0-9_-]{30,}$`)

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTelegram,
		checkAPIKey,
		checkTopicMap,
		checkHistory,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults and environment",
			Detail: fmt.Sprintf("Create %s or run `gorelay init`", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	var problems []string
	switch token := strings.TrimSpace(cfg.Telegram.Token); {
	case token == "":
		problems = append(problems, "bot token not set (TELEGRAM_TOKEN)")
	case !tokenShape.MatchString(token):
		problems = append(problems, "bot token does not look like <id>:<secret>")
	}
	switch id := cfg.Telegram.SupportGroupID; {
	case id == 0:
		problems = append(problems, "support group id not set (GORELAY_SUPPORT_GROUP_ID)")
	case id > 0:
		problems = append(problems, fmt.Sprintf("support group id %d is positive; supergroup ids start with -100", id))
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: problems[0], Detail: strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("Token set, support group %d", cfg.Telegram.SupportGroupID)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	if cfg.ProviderAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s provider", provider)}
	}
	if provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "openai_compatible endpoint configured without key"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s provider; AI replies disabled", provider),
		Detail:  "Messages are still relayed. Set llm.api_key or the provider's env var to enable auto-replies",
	}
}

func checkTopicMap(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Topic Map", Status: StatusSkip, Message: "Config missing"}
	}
	return checkDocument("Topic Map", cfg.TopicMapPath(), persistence.TopicMapSchema)
}

func checkHistory(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History", Status: StatusSkip, Message: "Config missing"}
	}
	return checkDocument("History", cfg.HistoryPath(), persistence.HistorySchema)
}

func checkDocument(name, path string, schema *jsonschema.Schema) CheckResult {
	res := persistence.NewFile(path, schema, nil).Read()
	switch res.Status {
	case persistence.StatusLoaded:
		return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s is valid", filepath.Base(path))}
	case persistence.StatusMissing:
		return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s not created yet", filepath.Base(path))}
	case persistence.StatusUnavailable:
		return CheckResult{Name: name, Status: StatusFail, Message: "Document unreadable", Detail: errString(res.Err)}
	default:
		return CheckResult{Name: name, Status: StatusWarn, Message: fmt.Sprintf("%s is %s and will be reset on start", filepath.Base(path), strings.ToLower(string(res.Status))),
			Detail: errString(res.Err)}
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, filepath.Dir(cfg.TopicMapPath()), filepath.Dir(cfg.HistoryPath())} {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Data directories writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	llmHost, ok := endpoints[provider]
	if !ok {
		llmHost = endpoints["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var resolved []string
	for _, host := range []string{"api.telegram.org", llmHost} {
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		if err != nil {
			return CheckResult{
				Name:    "Network",
				Status:  StatusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, time.Since(start).Milliseconds()),
			}
		}
		resolved = append(resolved, fmt.Sprintf("%s(%d)", host, len(addrs)))
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%dms)", strings.Join(resolved, ", "), time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
