package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/audit"
	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/channels"
	"github.com/basket/go-paw/internal/config"
	"github.com/basket/go-paw/internal/cron"
	"github.com/basket/go-paw/internal/gateway"
	"github.com/basket/go-paw/internal/llm"
	otelPkg "github.com/basket/go-paw/internal/otel"
	"github.com/basket/go-paw/internal/pairing"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/session"
	"github.com/basket/go-paw/internal/skills"
	"github.com/basket/go-paw/internal/telemetry"
	"github.com/basket/go-paw/internal/tui"
)

const drainTimeout = 5 * time.Second

func runGateway(ctx context.Context, interactive, quiet bool) int {
	home := config.HomeDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(home); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(home, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if cfg.NeedsSetup {
		if err := firstRunSetup(ctx, home, interactive); err != nil {
			if errors.Is(err, tui.ErrSetupCancelled) {
				fmt.Println("\n  Run gopaw again (or `gopaw setup`) to finish setup.")
				return 0
			}
			fatalStartup(logger, "E_SETUP", err)
		}
		logger.Info("config.yaml written", "path", config.ConfigPath(home))
	}

	store, err := config.OpenStore(home)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}
	cfg = store.Get()
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		if h != "127.0.0.1" && h != "localhost" && h != "::1" && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	telemetryCfg := cfg.Telemetry
	if telemetryCfg.File == "" {
		telemetryCfg.File = filepath.Join(home, "logs", "traces.jsonl")
	}
	telemetryCfg.File = config.ExpandHome(telemetryCfg.File)
	otelProvider, err := otelPkg.Init(ctx, telemetryCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	db, err := persistence.Open(filepath.Join(home, "gopaw.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	audit.SetDB(db.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()
	eventBus.OnDrop(func(topic string) {
		metrics.BusDrops.Add(ctx, 1, otelPkg.Attrs(attribute.String("topic", topic)))
	})
	pairMgr := pairing.New(store, logger)
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	agents := agent.DefaultFactory{Logger: logger, HTTPClient: httpClient}

	reminders := cron.NewReminders(db, eventBus, logger)
	intentions := cron.NewIntentions(cron.IntentionsConfig{
		Store:    db,
		Bus:      eventBus,
		Factory:  agents,
		Settings: store,
		Logger:   logger,
	})
	defer intentions.Close()

	loader := skills.NewLoader(skills.DefaultDirs(home, cfg.SkillsDirs), logger)
	if err := os.MkdirAll(filepath.Join(home, "skills"), 0o755); err != nil {
		fatalStartup(logger, "E_SKILL_DIR_CREATE", err)
	}
	if err := loader.Reload(ctx); err != nil {
		logger.Warn("some skills failed to load", "error", err)
	}
	skillWatcher := skills.NewWatcher(loader.Paths(), logger)
	if err := skillWatcher.Start(ctx); err != nil {
		logger.Warn("skills watcher disabled", "error", err)
	} else {
		go skillWatcher.Run(ctx, loader)
	}
	runner := skills.NewExecutor(skills.ExecutorConfig{
		Loader:   loader,
		Factory:  agents,
		Settings: store,
		Bus:      eventBus,
		Logger:   logger,
	})

	cfgWatcher := config.NewWatcher(home, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go cfgWatcher.Apply(ctx, store)
	}

	scheduler := cron.NewScheduler(cron.Config{
		Reminders:  reminders,
		Intentions: intentions,
		Logger:     logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	authToken, err := loadAuthToken(home)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	services := session.Services{
		Settings:    store,
		Pairing:     pairMgr,
		Reminders:   reminders,
		Intentions:  intentions,
		Skills:      loader,
		SkillRunner: runner,
		LLM:         llm.GenkitFactory{Pool: llm.NewGenkitPool()},
		Agents:      agents,
		HTTPClient:  httpClient,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	}

	gw := gateway.New(gateway.Config{
		Services:     services,
		Bus:          eventBus,
		Store:        db,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})
	go gw.Run(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  Port in use. Stop the other process or change bind_addr in config.yaml", err))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.TelegramBotToken != "" {
		tg := channels.NewTelegramChannel(channels.TelegramConfig{
			Token:    cfg.TelegramBotToken,
			Services: services,
			Bus:      eventBus,
			Logger:   logger,
		})
		channelDone := make(chan struct{})
		go func() {
			defer close(channelDone)
			channels.Serve(ctx, tg, logger)
		}()
		defer func() {
			select {
			case <-channelDone:
			case <-time.After(drainTimeout):
				logger.Warn("telegram channel did not stop in time")
			}
		}()
	} else {
		logger.Warn("no telegram bot token; only the web dashboard is available")
	}

	if interactive && quiet {
		fmt.Printf("\n  🐾 GoPaw %s running\n", Version)
		fmt.Printf("  Dashboard: ws://%s/ws (token in %s)\n", cfg.BindAddr, filepath.Join(home, "auth.token"))
		if !cfg.Paired() && cfg.TelegramBotToken != "" {
			fmt.Println("  Send /start to your bot to pair it.")
		}
		fmt.Println("  Press Ctrl+C to stop.")
	}

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return exit
}

// firstRunSetup writes config.yaml for a fresh home: through the wizard when
// a terminal is attached, as defaults otherwise.
func firstRunSetup(ctx context.Context, home string, interactive bool) error {
	current, err := config.LoadFile(home)
	if err != nil {
		return err
	}
	if interactive {
		current, err = tui.RunSetup(ctx, current)
		if err != nil {
			return err
		}
	}
	return config.Save(home, current)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
