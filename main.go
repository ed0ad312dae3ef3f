// Command castwatch runs the collector for one target.
// It:
//   - Loads configuration and fails fast when the target identity is missing.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the batched persistence buffer, the credential refresh loop, the trigger
//     engine and the poll loop with its realtime feed.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: the open session is closed and buffered rows
// are flushed before exit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/buffer"
	"github.com/onnwee/castwatch/collector"
	"github.com/onnwee/castwatch/config"
	"github.com/onnwee/castwatch/crypto"
	"github.com/onnwee/castwatch/db"
	"github.com/onnwee/castwatch/feed"
	"github.com/onnwee/castwatch/platform"
	"github.com/onnwee/castwatch/server"
	"github.com/onnwee/castwatch/telemetry"
	"github.com/onnwee/castwatch/triggers"
)

const serviceName = "castwatch"

func main() {
	// Local development convenience only; production relies on real env
	_ = godotenv.Load()

	slog.SetDefault(telemetry.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), serviceName))

	if err := run(); err != nil {
		slog.Error("collector exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateTarget(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		return err
	}

	telemetry.Init()
	flushSentry, err := telemetry.InitErrorReporting(cfg.SentryDSN, cfg.SentryEnvironment, serviceName)
	if err != nil {
		slog.Warn("error reporting disabled", slog.Any("err", err))
	} else {
		defer flushSentry()
	}
	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing(serviceName, "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := migrate(ctx, database); err != nil {
		return err
	}

	enc, err := crypto.FromKey(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	sink, err := newBuffer(ctx, cfg, database)
	if err != nil {
		return err
	}

	client := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformStatusURL, cfg.RequestTimeout, cfg.PlatformRPS)
	client.RateLimitDelay = cfg.RateLimitDelay

	creds := auth.NewManager(auth.Options{
		Methods:  authChain(cfg, client),
		Store:    &auth.FileStore{Path: cfg.AuthStatePath, Enc: enc},
		Margin:   cfg.AuthRefreshMargin,
		Debounce: cfg.AuthDebounce,
	})
	if _, err := creds.Restore(ctx); err != nil {
		slog.Warn("stored credential not restored", slog.Any("err", err), slog.String("component", "auth"))
	}

	triggerStore := &triggers.SQLStore{DB: database}
	engine := triggers.New(triggers.Options{
		Store:        triggerStore,
		Data:         triggerStore,
		Guard:        triggers.NewDMGuard(cfg.DMTestMode, cfg.DMTestWhitelist),
		TTL:          cfg.TriggerRefreshInterval,
		WarmupCycles: cfg.TriggerWarmupCycles,
	})

	col, err := collector.New(collector.Options{
		AccountID:         cfg.AccountID,
		CastName:          cfg.CastName,
		CastSource:        cfg.CastSource,
		Pipeline:          cfg.PipelineName(),
		ModelID:           cfg.ModelID,
		StatusInterval:    cfg.StatusPollInterval,
		ViewerInterval:    cfg.ViewerPollInterval,
		LoopInterval:      cfg.LoopInterval,
		HealthInterval:    cfg.HealthInterval,
		ThumbnailInterval: cfg.ThumbnailInterval,
		ThumbnailCDN:      cfg.ThumbnailCDN,
		Platform:          client,
		Feed:              feed.NewClient(feed.Options{URL: cfg.FeedURL}),
		Sink:              sink,
		Sessions:          &collector.SQLSessionStore{DB: database},
		Credentials:       creds,
		Triggers:          engine,
		Health:            &collector.SQLHealthWriter{DB: database},
		Cookies:           collector.NewCookieCache(collector.SQLCookieLoader(database, cfg.AccountID), nil),
	})
	if err != nil {
		return err
	}

	startPprof()

	slog.Info("starting collector",
		slog.String("cast", cfg.CastName),
		slog.String("account", cfg.AccountID),
		slog.String("source", cfg.CastSource),
		slog.Bool("dm_test_mode", cfg.DMTestMode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = telemetry.RecoverAndReport(r, map[string]string{"component": "auth"})
			}
		}()
		creds.Run(gctx, cfg.AuthCheckInterval)
		return nil
	})
	g.Go(func() error {
		engine.Run(gctx, triggers.Schedule{
			Refresh:     cfg.TriggerRefreshInterval,
			Scheduled:   cfg.TriggerScheduledInterval,
			PostSession: cfg.PostSessionInterval,
		})
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.NewCollectorMux(database, col))
	})
	g.Go(func() error {
		err := col.Run(gctx)
		if err != nil {
			telemetry.CaptureError(err, map[string]string{"cast": cfg.CastName})
		}
		return err
	})

	err = g.Wait()
	slog.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// migrate applies versioned migrations and falls back to the embedded schema for databases
// that predate them.
func migrate(ctx context.Context, database *sql.DB) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
		return nil
	}
	slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	return nil
}

func newBuffer(ctx context.Context, cfg *config.Config, database *sql.DB) (*buffer.Buffer, error) {
	opts := buffer.Options{
		Writer:        &buffer.SQLWriter{DB: database},
		MaxSize:       cfg.BatchMaxSize,
		FlushInterval: cfg.BatchFlushInterval,
	}
	if cfg.BufferSpillPath != "" {
		spill, err := buffer.OpenSpillStore(ctx, cfg.BufferSpillPath)
		if err != nil {
			return nil, err
		}
		opts.Spill = spill
	}
	b := buffer.New(opts)
	b.Start(ctx)
	return b, nil
}

// authChain orders the acquisition methods: the shared auth manager first, then the
// platform's own pages, the scripted browser when configured, and finally the environment.
func authChain(cfg *config.Config, client *platform.Client) []auth.Method {
	methods := []auth.Method{
		&auth.RemoteMethod{URL: cfg.AuthManagerURL},
		&auth.PageMethod{Source: client, Model: cfg.CastName},
		&auth.ConfigMethod{Source: client},
	}
	if cfg.AuthBrowserCmd != "" {
		methods = append(methods, &auth.BrowserMethod{
			Command: cfg.AuthBrowserCmd,
			Model:   cfg.CastName,
			BaseURL: cfg.PlatformBaseURL,
			Source:  client,
		})
	}
	return append(methods, &auth.EnvMethod{Token: cfg.EnvJWT, CFClearance: cfg.EnvCFClearance})
}

func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
