// Command auth-manager is the single writer of the shared platform credential. It runs the
// acquisition chain and the refresh loop, persists the credential, and serves it to the
// collectors on a loopback listener (GET /auth, GET /health, POST /refresh, GET /metrics).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/config"
	"github.com/onnwee/castwatch/crypto"
	"github.com/onnwee/castwatch/db"
	"github.com/onnwee/castwatch/platform"
	"github.com/onnwee/castwatch/server"
	"github.com/onnwee/castwatch/telemetry"
)

const serviceName = "castwatch-auth-manager"

func main() {
	_ = godotenv.Load()

	slog.SetDefault(telemetry.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), serviceName))

	if err := run(); err != nil {
		slog.Error("auth manager exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
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
	shutdownTracing, err := telemetry.InitTracing(serviceName, "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	enc, err := crypto.FromKey(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	store, closeStore := openStore(ctx, cfg, enc)
	defer closeStore()

	client := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformStatusURL, cfg.RequestTimeout, cfg.PlatformRPS)
	client.RateLimitDelay = cfg.RateLimitDelay

	mgr := auth.NewManager(auth.Options{
		Methods:  chain(cfg, client),
		Store:    store,
		Margin:   cfg.AuthRefreshMargin,
		Debounce: cfg.AuthDebounce,
	})
	if _, err := mgr.Restore(ctx); err != nil {
		slog.Warn("stored credential not restored", slog.Any("err", err), slog.String("component", "auth"))
	}

	if cfg.AuthManagerToken == "" {
		slog.Warn("AUTH_MANAGER_TOKEN not set: POST /refresh is unprotected", slog.String("component", "auth"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Run(gctx, cfg.AuthCheckInterval)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.AuthManagerAddr, server.NewAuthMux(gctx, mgr, cfg.AuthManagerToken))
	})
	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// openStore prefers platform_credentials so every host sees the same credential, and falls
// back to the local state file when the database is unreachable.
func openStore(ctx context.Context, cfg *config.Config, enc crypto.Encryptor) (auth.Store, func()) {
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Warn("database unavailable, persisting credential to file",
			slog.Any("err", err),
			slog.String("path", cfg.AuthStatePath),
			slog.String("component", "auth"))
		return &auth.FileStore{Path: cfg.AuthStatePath, Enc: enc}, func() {}
	}
	return &auth.DBStore{DB: database, Enc: enc}, func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
}

// chain is the collector's order without the remote method, since this process is the
// remote. The page method needs a model and is skipped without CAST_NAME.
func chain(cfg *config.Config, client *platform.Client) []auth.Method {
	var methods []auth.Method
	if cfg.CastName != "" {
		methods = append(methods, &auth.PageMethod{Source: client, Model: cfg.CastName})
	}
	methods = append(methods, &auth.ConfigMethod{Source: client})
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
