package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-valet/internal/agent"
	"github.com/basket/go-valet/internal/approval"
	"github.com/basket/go-valet/internal/audit"
	"github.com/basket/go-valet/internal/bus"
	"github.com/basket/go-valet/internal/channels"
	"github.com/basket/go-valet/internal/config"
	"github.com/basket/go-valet/internal/convstore"
	"github.com/basket/go-valet/internal/jobs"
	otelPkg "github.com/basket/go-valet/internal/otel"
	"github.com/basket/go-valet/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the bot (blocks until SIGINT/SIGTERM)
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  VALET_HOME              Data directory (default: ~/.valet)
  TELEGRAM_TOKEN          Telegram bot token (overrides config.yaml)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("starter config.yaml written", "home", cfg.HomeDir)
		fmt.Printf("Wrote %s. Fill in the telegram token and allowed_ids, then restart.\n", config.ConfigPath(cfg.HomeDir))
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	metricsOn := true
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		ServiceName:    "valet",
		MetricsEnabled: &metricsOn,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	convStore, err := convstore.New(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_CONVSTORE_INIT", err)
	}

	jobStore, err := jobs.NewStore(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_JOBSTORE_INIT", err)
	}
	supervisor := jobs.NewSupervisor(jobStore, cfg.Jobs, cfg.HomeDir, logger, eventBus, provider.Tracer)

	broker := approval.NewBroker(cfg.Approval, logger, eventBus)
	runner := agent.NewProcessRunner(cfg.Engine, cfg.HomeDir, logger, broker)
	invoker := agent.NewInvoker(cfg, runner, convStore, logger, eventBus, metrics, provider.Tracer)

	if !cfg.Channels.Telegram.Enabled {
		fatalStartup(logger, "E_NO_CHANNEL", fmt.Errorf("no channel enabled; set channels.telegram.enabled in config.yaml"))
	}
	telegram := channels.NewTelegramChannel(
		cfg.Channels.Telegram.Token,
		cfg.Channels.Telegram.AllowedIDs,
		invoker, supervisor, broker, convStore, cfg.HomeDir, logger, provider.Tracer,
	)
	broker.SetPrompter(telegram)

	// Counters are fed off the bus so the jobs and approval packages stay
	// free of instrument plumbing.
	go func() {
		jobSub := eventBus.Subscribe("job.")
		aprSub := eventBus.Subscribe("approval.")
		turnSub := eventBus.Subscribe("turn.")
		defer eventBus.Unsubscribe(jobSub)
		defer eventBus.Unsubscribe(aprSub)
		defer eventBus.Unsubscribe(turnSub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-turnSub.Ch():
				switch ev.Topic {
				case bus.TopicTurnStarted:
					metrics.TurnsStarted.Add(ctx, 1)
				case bus.TopicTurnFailed:
					metrics.TurnsFailed.Add(ctx, 1)
				}
			case ev := <-jobSub.Ch():
				switch ev.Topic {
				case bus.TopicJobStarted:
					metrics.JobsSpawned.Add(ctx, 1)
				case bus.TopicJobFinished:
					if je, ok := ev.Payload.(bus.JobEvent); ok && je.Duration > 0 {
						metrics.JobDuration.Record(ctx, je.Duration.Seconds())
					}
				}
			case ev := <-aprSub.Ch():
				switch ev.Topic {
				case bus.TopicApprovalRequested:
					metrics.ApprovalsRequested.Add(ctx, 1)
				case bus.TopicApprovalExpired:
					metrics.ApprovalTimeouts.Add(ctx, 1)
				}
			}
		}
	}()

	channelErr := make(chan error, 1)
	go func() {
		channelErr <- telegram.Start(ctx)
	}()
	logger.Info("startup phase", "phase", "running", "version", Version)

	// Config reload: persona, approval policy, and the chat allow-list;
	// engine and token changes need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	go func() {
		for range watcher.Events() {
			fresh, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			invoker.SetInstructions(fresh.Instructions)
			broker.Policy().Reload(fresh.Approval)
			telegram.SetAllowedIDs(fresh.Channels.Telegram.AllowedIDs)
			logger.Info("config reloaded", "fingerprint", fresh.Fingerprint())
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-channelErr:
		if err != nil {
			fatalStartup(logger, "E_CHANNEL", err)
		}
		logger.Info("channel stopped")
	}

	// Graceful shutdown: unblock any waiting approvals, then give running
	// jobs a window to finish.
	broker.DenyAll("shutting down")
	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if supervisor.Drain(drain) {
		logger.Info("jobs drained")
	} else {
		logger.Warn("drain timeout, jobs left running", "timeout", drain)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.fatal", reasonCode, message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"valet","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file if present. Existing
// environment variables win.
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
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// isTerminal reports whether stdout is attached to a terminal.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func writeStarterConfig(homeDir string) error {
	const starter = `# valet configuration
log_level: info

engine:
  binary: claude
  # model: claude-sonnet-4-5
  # fallback_model: claude-haiku-4-5

channels:
  telegram:
    enabled: true
    token: ""        # or set TELEGRAM_TOKEN in the environment
    allowed_ids: []  # numeric Telegram user IDs allowed to talk to the bot

approval:
  timeout_seconds: 120
`
	path := config.ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(starter), 0o600)
}
