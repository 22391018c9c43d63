package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/history"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/registry"
)

const (
	// DefaultFallback is returned when generation fails or yields no text.
	DefaultFallback    = "Sorry, I ran into a problem while processing your message. Please try again in a moment; a member of our team will reply soon."
	DefaultPersonaName = "Support"
	DefaultTimeout     = 60 * time.Second
)

// DefaultPreamble builds the persona instruction used when no PERSONA.md exists.
func DefaultPreamble(name string) string {
	return fmt.Sprintf("Act as %s and chat with the user through the chat history (if any) in a short sentence:", name)
}

// Generator produces reply text for a prompt.
type Generator interface {
	Available() bool
	Generate(ctx context.Context, prompt string) (string, error)
}

// Users is the registry surface the orchestrator reads.
type Users interface {
	IsAIModeEnabled(userID int64) bool
	User(userID int64) (registry.UserRecord, bool)
}

// Turns is the history surface the orchestrator reads and appends to.
type Turns interface {
	Recent(userID int64, n int) []history.Turn
	Append(userID int64, role history.Role, text string) bool
}

// Tagger resolves a user's labels, reconciling pending ones.
type Tagger interface {
	TagsByUserID(userID int64) []string
}

// Persona controls prompt framing and the fallback reply.
type Persona struct {
	Name     string
	Preamble string
	Fallback string
}

// Config wires the orchestrator.
type Config struct {
	Generator Generator
	Users     Users
	History   Turns
	Tags      Tagger
	Persona   Persona
	// Timeout bounds one generator call. Zero disables the bound.
	Timeout time.Duration
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Orchestrator composes prompts from history and tags, calls the generator
// once, and records the exchange.
type Orchestrator struct {
	gen     Generator
	users   Users
	history Turns
	tags    Tagger
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	mu      sync.RWMutex
	persona Persona
}

// New builds an orchestrator. Missing persona fields take defaults.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		gen:     cfg.Generator,
		users:   cfg.Users,
		history: cfg.History,
		tags:    cfg.Tags,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.NopTracer()
	}
	if o.metrics == nil {
		o.metrics = otel.NopMetrics()
	}
	o.SetPersona(cfg.Persona)
	return o
}

// SetPersona swaps the persona, for hot reload of PERSONA.md.
func (o *Orchestrator) SetPersona(p Persona) {
	if strings.TrimSpace(p.Name) == "" {
		p.Name = DefaultPersonaName
	}
	if strings.TrimSpace(p.Preamble) == "" {
		p.Preamble = DefaultPreamble(p.Name)
	}
	if strings.TrimSpace(p.Fallback) == "" {
		p.Fallback = DefaultFallback
	}
	o.mu.Lock()
	o.persona = p
	o.mu.Unlock()
}

// CurrentPersona returns the active persona.
func (o *Orchestrator) CurrentPersona() Persona {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.persona
}

// Enabled reports whether a generator is configured.
func (o *Orchestrator) Enabled() bool {
	return o.gen != nil && o.gen.Available()
}

// GenerateReply returns the reply for the user's message, or false when no
// reply should be sent. The user's turn is recorded before the generator
// runs; only a real reply is recorded as the assistant turn.
func (o *Orchestrator) GenerateReply(ctx context.Context, userID int64, text string) (string, bool) {
	logger := o.logger.With("user_id", userID)
	if !o.Enabled() {
		logger.WarnContext(ctx, "skipping ai reply: generator not configured")
		return "", false
	}
	if !o.users.IsAIModeEnabled(userID) {
		logger.InfoContext(ctx, "skipping ai reply: ai mode disabled")
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		logger.InfoContext(ctx, "skipping ai reply: no text content")
		return "", false
	}

	persona := o.CurrentPersona()
	prior := o.history.Recent(userID, history.DefaultRecent)
	o.history.Append(userID, history.RoleUser, text)

	var tags []string
	user, known := o.users.User(userID)
	if known {
		tags = o.tags.TagsByUserID(userID)
	}
	prompt := BuildPrompt(persona, user, known, tags, prior, text)

	ctx, span := otel.StartClientSpan(ctx, o.tracer, "llm.generate", otel.AttrUserID.Int64(userID))
	defer span.End()

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := o.gen.Generate(callCtx, prompt)
	o.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())

	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = engine.ErrEmptyResponse
	}
	if err != nil {
		class := engine.ClassifyError(err)
		if errors.Is(err, engine.ErrEmptyResponse) {
			logger.WarnContext(ctx, "generator returned no text; prompt may have been blocked")
		} else {
			logger.ErrorContext(ctx, "generator call failed", "error", err, "error_class", string(class))
		}
		span.SetStatus(codes.Error, string(class))
		span.SetAttributes(otel.AttrErrClass.String(string(class)))
		o.metrics.GeneratorFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
		return persona.Fallback, true
	}

	o.history.Append(userID, history.RoleAssistant, reply)
	logger.InfoContext(ctx, "generated ai reply", "chars", len(reply))
	return reply, true
}

// BuildPrompt assembles the generator input. prior is rendered before the
// current message; it never contains the current message itself.
func BuildPrompt(p Persona, user registry.UserRecord, known bool, tags []string, prior []history.Turn, current string) string {
	var info string
	if known {
		var b strings.Builder
		b.WriteString("User Information:\n")
		fmt.Fprintf(&b, "Username: @%s\n", user.Username)
		fmt.Fprintf(&b, "Display Name: %s", user.DisplayName())
		if len(tags) > 0 {
			fmt.Fprintf(&b, "\nTags: %s", strings.Join(tags, ", "))
		}
		info = b.String()
	}

	var convo string
	if len(prior) > 0 {
		var b strings.Builder
		b.WriteString("Previous conversation:\n")
		for _, t := range prior {
			speaker := p.Name
			if t.Role == history.RoleUser {
				speaker = "User"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, t.Text)
		}
		convo = b.String()
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s\n\nCurrent message: \"%s\"", p.Preamble, info, convo, current)
}
