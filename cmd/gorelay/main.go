package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/dispatch"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/gateway"
	"github.com/basket/go-relay/internal/history"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/registry"
	"github.com/basket/go-relay/internal/relay"
	"github.com/basket/go-relay/internal/responder"
	"github.com/basket/go-relay/internal/tags"
	"github.com/basket/go-relay/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `gorelay %s - Telegram support relay with AI replies

USAGE:
  %s [flags] [subcommand]

SUBCOMMANDS:
  %s run                      Start the relay (default)
  %s status                   Show relay health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s backup                   Snapshot the topic map and history now
  %s init --group <id>        Record the support group id in config.yaml
  %s version                  Print the version

FLAGS:
`, Version, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GORELAY_HOME              Data directory (default: ~/.gorelay)
  TELEGRAM_TOKEN            Bot token
  GORELAY_SUPPORT_GROUP_ID  Forum supergroup id (negative)
  GEMINI_API_KEY            Required for the google provider
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to <home>/logs only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	sub := "run"
	if len(args) > 0 {
		sub = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch sub {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Println(Version)
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "backup":
		os.Exit(runBackupCommand(args))
	case "init":
		os.Exit(runInitCommand(args))
	case "run":
		if len(args) != 0 {
			fmt.Fprintf(os.Stderr, "unexpected argument %q for run\n", args[0])
			os.Exit(2)
		}
		runRelay(ctx, stop, *quiet)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", sub)
		printUsage()
		os.Exit(2)
	}
}

func runRelay(ctx context.Context, stop context.CancelFunc, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	otelProvider, err := otel.Init(ctx, telemetryCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	go audit.Follow(ctx, eventBus)

	reg, mapStatus := registry.Open(cfg.TopicMapPath(), cfg.Telegram.SupportGroupID, logger, eventBus)
	ring, historyStatus := history.Open(cfg.HistoryPath(), logger)
	ledger := tags.NewLedger(reg, logger, eventBus)
	logger.Info("startup phase", "phase", "documents_loaded",
		"topic_map", mapStatus, "history", historyStatus, "users", reg.Stats().Users)

	gen := engine.NewGenkitGenerator(ctx, engine.GeneratorConfig{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.ProviderAPIKey(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		Logger:                   logger,
	})
	replier := responder.New(responder.Config{
		Generator: gen,
		Users:     reg,
		History:   ring,
		Tags:      ledger,
		Persona:   personaFrom(cfg),
		Timeout:   cfg.GenerationTimeout(),
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
	})
	generatorName := ""
	if gen.Available() {
		generatorName = gen.Model()
	} else {
		logger.Warn("AI replies disabled: no API key for provider", "provider", cfg.LLM.Provider)
	}

	controller := relay.NewController(relay.Config{
		SupportGroupID: cfg.Telegram.SupportGroupID,
		BotName:        cfg.Persona.Name,
		Registry:       reg,
		Replier:        replier,
		History:        ring,
		Tags:           ledger,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
		Bus:            eventBus,
	})
	dispatcher := dispatch.New(cfg.WorkerCount, logger)

	tg := channels.NewTelegramChannel(channels.TelegramConfig{
		Token:          cfg.Telegram.Token,
		SupportGroupID: cfg.Telegram.SupportGroupID,
		PollTimeout:    cfg.PollTimeout(),
		Logger:         logger,
	})
	botID, err := tg.Connect(ctx)
	if err != nil {
		fatalStartup(logger, "E_TELEGRAM_INIT", err)
	}
	controller.SetTransport(tg, botID)
	tg.Bind(controller, dispatcher)
	logger.Info("startup phase", "phase", "telegram_connected", "bot_id", botID)

	var sched *cron.Scheduler
	if cfg.Backup.Enabled {
		sched, err = cron.NewScheduler(cron.Config{
			Documents: []cron.Document{reg, ring},
			Dir:       cfg.BackupDir(),
			Schedule:  cfg.Backup.Schedule,
			Keep:      cfg.Backup.Keep,
			Logger:    logger,
		})
		if err != nil {
			fatalStartup(logger, "E_BACKUP_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	gw := gateway.New(gateway.Config{
		Registry:          reg,
		Queue:             dispatcher,
		ConfigFingerprint: cfg.Fingerprint(),
		Generator:         generatorName,
		AuditRejected:     audit.RejectedCount,
		AuditFailed:       audit.FailedCount,
		LastBackup: func() time.Time {
			if sched == nil {
				return time.Time{}
			}
			return sched.LastRun()
		},
	})
	go gw.Follow(ctx, eventBus)
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_HEALTH_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_HEALTH_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchPersona(watcher, replier, logger)
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := tg.Start(ctx); err != nil {
			logger.Error("telegram channel stopped", "error", err)
			stop()
		}
	}()
	logger.Info("startup phase", "phase", "relay_running", "workers", cfg.WorkerCount)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("health server error", "error", err)
		stop()
	}

	// Intake stops first, then queued events drain within the bound.
	<-pollDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("drain timed out", "pending", dispatcher.Pending(), "error", err)
	}
	logger.Info("shutdown complete")
}

func personaFrom(cfg config.Config) responder.Persona {
	return responder.Persona{
		Name:     cfg.Persona.Name,
		Preamble: cfg.Persona.Preamble,
		Fallback: cfg.Persona.FallbackReply,
	}
}

// watchPersona reapplies the persona whenever config.yaml or PERSONA.md
// changes. Other settings take effect on restart.
func watchPersona(w *config.Watcher, replier *responder.Orchestrator, logger *slog.Logger) {
	for ev := range w.Events() {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config reload failed", "path", ev.Path, "error", err)
			continue
		}
		replier.SetPersona(personaFrom(cfg))
		logger.Info("persona reloaded", "path", ev.Path, "persona_file", ev.IsPersona())
	}
}

func runBackupCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gorelay backup")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	reg, _ := registry.Open(cfg.TopicMapPath(), cfg.Telegram.SupportGroupID, nil, nil)
	ring, _ := history.Open(cfg.HistoryPath(), nil)
	sched, err := cron.NewScheduler(cron.Config{
		Documents: []cron.Document{reg, ring},
		Dir:       cfg.BackupDir(),
		Schedule:  cfg.Backup.Schedule,
		Keep:      cfg.Backup.Keep,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	paths, err := sched.SnapshotNow()
	for _, p := range paths {
		fmt.Println(p)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	return 0
}

func runInitCommand(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	group := fs.Int64("group", 0, "support group id (negative supergroup id)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *group >= 0 {
		fmt.Fprintln(os.Stderr, "usage: gorelay init --group <negative supergroup id>")
		return 2
	}
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if err := config.SetSupportGroup(home, *group); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("support group %d written to %s\n", *group, config.ConfigPath(home))
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Entry{
		Action:  "runtime.startup",
		Subject: reasonCode,
		Outcome: audit.OutcomeFailed,
		Detail:  message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
