package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNotConfigured is returned by Generate when no provider API key is set.
var ErrNotConfigured = errors.New("engine: generator not configured")

// ErrEmptyResponse marks a model response with no text, usually a blocked prompt.
var ErrEmptyResponse = errors.New("engine: empty response")

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// defaultModels lists the model picked when the config names none.
var defaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-haiku-4-5",
	"openai":     "gpt-4o-mini",
	"openrouter": "openrouter/auto",
}

// GeneratorConfig selects the LLM provider and credentials.
type GeneratorConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	// Empty defaults to google.
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	Logger *slog.Logger
}

// GenkitGenerator turns a prompt into reply text with a single genkit call.
type GenkitGenerator struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	on        bool
	logger    *slog.Logger
}

// NewGenkitGenerator initializes genkit for the configured provider. A missing
// API key yields a generator whose Available reports false.
func NewGenkitGenerator(ctx context.Context, cfg GeneratorConfig) *GenkitGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := NormalizeProvider(cfg.Provider)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}

	gen := &GenkitGenerator{
		provider:  provider,
		modelName: ModelName(provider, cfg.Model),
		logger:    logger,
	}
	if apiKey == "" {
		gen.g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; AI replies disabled", "provider", provider)
		return gen
	}

	switch provider {
	case "anthropic":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
	case "openrouter":
		gen.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  openRouterBaseURL,
		}))
	case "google":
		gen.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}),
			genkit.WithDefaultModel(gen.modelName),
		)
	default:
		gen.g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; AI replies disabled", "provider", provider)
		return gen
	}
	gen.on = true
	logger.Info("generator initialized", "provider", provider, "model", gen.modelName)
	return gen
}

// Available reports whether a provider was configured.
func (g *GenkitGenerator) Available() bool {
	return g != nil && g.on
}

// Model returns the fully qualified model name used for calls.
func (g *GenkitGenerator) Model() string {
	return g.modelName
}

// Generate sends the prompt as one user message and returns the reply text.
func (g *GenkitGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if !g.Available() {
		return "", ErrNotConfigured
	}
	resp, err := genkit.Generate(ctx, g.g,
		ai.WithModelName(g.modelName),
		ai.WithMessages(ai.NewUserTextMessage(prompt)),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate (%s): %w", g.modelName, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// NormalizeProvider lowercases the provider and defaults it to google.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "gemini" {
		return "google"
	}
	return provider
}

// EnvAPIKey reads the conventional API key variable for provider.
func EnvAPIKey(provider string) string {
	switch NormalizeProvider(provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// ModelName qualifies model with the genkit plugin prefix for provider.
func ModelName(provider, model string) string {
	provider = NormalizeProvider(provider)
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + strings.TrimPrefix(model, "anthropic/")
	case "openai":
		return "openai/" + strings.TrimPrefix(model, "openai/")
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + strings.TrimPrefix(model, "googleai/")
	}
}
