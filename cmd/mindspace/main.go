package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mindspace-dev/mindspace-store/internal/config"
	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/mailer"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/internal/vault"
	"github.com/mindspace-dev/mindspace-store/pkg/activity"
	"github.com/mindspace-dev/mindspace-store/pkg/reconcile"
	"github.com/mindspace-dev/mindspace-store/pkg/sdk"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

var CLI struct {
	Debug bool `help:"Enable debug logging." env:"MINDSPACE_DEBUG"`

	Serve   ServeCmd   `cmd:"" help:"Run the HTTP API and the background sync worker."`
	History HistoryCmd `cmd:"" help:"Print a user's filtered history as JSON."`
	Summary SummaryCmd `cmd:"" help:"Print a user's dashboard summary."`
	Sync    SyncCmd    `cmd:"" help:"Merge local-only entries into the remote store."`
	Migrate MigrateCmd `cmd:"" help:"Copy every user record between the local and remote stores."`
	Cleanup CleanupCmd `cmd:"" help:"Drop history entries older than the retention window."`
	Ping    PingCmd    `cmd:"" help:"Check whether the remote store is reachable."`
	Secret  SecretCmd  `cmd:"" help:"Store a secret in the OS keyring."`
}

// App is shared by every command.
type App struct {
	Config     *config.Config
	Logger     *log.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	Router     *storage.Router
	Reconciler *reconcile.Reconciler
	Service    *activity.Service
}

func newApp(ctx context.Context, cfg *config.Config, l *log.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	router, err := sdk.New(ctx, sdk.Options{
		DataDir:       cfg.DataDir,
		Remote:        sdk.RemoteKind(cfg.Remote),
		StoreAddr:     cfg.StoreAddr,
		DisableTLS:    cfg.DisableTLS,
		PostgresDSN:   cfg.PostgresDSN,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		ProbeTimeout:  cfg.ProbeTimeout,
		CallTimeout:   cfg.RemoteTimeout,
		Metrics:       m,
		Logger:        l,
	})
	if err != nil {
		return nil, err
	}

	opts := activity.Options{
		SyncInterval:    cfg.SyncInterval,
		Retention:       cfg.Retention,
		OtpSendInterval: cfg.OtpSendInterval,
		Metrics:         m,
		Logger:          l,
	}
	if cfg.OtpSecret != "" {
		opts.OtpKey = vault.DeriveKey(cfg.OtpSecret)
	}
	if cfg.MailEnabled() {
		opts.Mailer = mailer.New(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.EmailAddress,
			Password: cfg.EmailPassword,
		}, l)
	} else {
		l.Warn("Email credentials not configured, verification codes will not be mailed")
	}

	rc := reconcile.New(router, m, l)
	return &App{
		Config:     cfg,
		Logger:     l,
		Registry:   reg,
		Metrics:    m,
		Router:     router,
		Reconciler: rc,
		Service:    activity.NewService(router, rc, opts),
	}, nil
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("mindspace"),
		kong.Description("MindSpace activity store: history, sync and verification"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	l, err := logger.New(logger.Config{Debug: CLI.Debug || cfg.Debug, Dir: cfg.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The secret command must work before any store is reachable.
	if kctx.Command() == "secret <name> <value>" {
		if err := kctx.Run(&App{Config: cfg, Logger: l}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := newApp(context.Background(), cfg, l)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.Router.Close()

	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		app.Router.Close()
		os.Exit(1)
	}
}
