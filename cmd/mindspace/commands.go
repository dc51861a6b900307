package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mindspace-dev/mindspace-store/internal/api"
	"github.com/mindspace-dev/mindspace-store/internal/config"
	"github.com/mindspace-dev/mindspace-store/internal/worker"
	"github.com/mindspace-dev/mindspace-store/pkg/activity"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func window(days int) *int {
	if days < 0 {
		return nil
	}
	return &days
}

type ServeCmd struct {
	Port string `help:"HTTP port (defaults to MINDSPACE_HTTP_PORT)."`
}

func (c *ServeCmd) Run(app *App) error {
	port := c.Port
	if port == "" {
		port = app.Config.HTTPPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := activity.NewSessions()
	syncer := worker.NewSyncer(sessions, app.Service, app.Logger, app.Config.SyncConcurrency)
	go syncer.Start(ctx, app.Config.SyncInterval)

	if !app.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewEngine(&api.Handler{
		Service:  app.Service,
		Sessions: sessions,
		Storage:  app.Router,
		Gatherer: app.Registry,
		Logger:   app.Logger,
	})
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("HTTP API listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("Shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type HistoryCmd struct {
	User string   `arg:"" help:"User ID."`
	Days int      `help:"Only entries from the last N days (negative for all)." default:"-1"`
	Mood []string `help:"Only these mood categories (repeatable)."`
	Sync bool     `help:"Reconcile before reading."`
}

func (c *HistoryCmd) Run(app *App) error {
	sess, err := activity.NewSession(c.User)
	if err != nil {
		return err
	}
	rec, err := app.Service.GetHistory(context.Background(), sess, activity.HistoryQuery{
		WindowDays: window(c.Days),
		Moods:      c.Mood,
		Sync:       c.Sync,
	})
	if err != nil {
		return err
	}
	return printJSON(rec)
}

type SummaryCmd struct {
	User string `arg:"" help:"User ID."`
	Days int    `help:"Only entries from the last N days (negative for all)." default:"-1"`
}

func (c *SummaryCmd) Run(app *App) error {
	sess, err := activity.NewSession(c.User)
	if err != nil {
		return err
	}
	sum, err := app.Service.GetSummary(context.Background(), sess, window(c.Days))
	if err != nil {
		return err
	}
	return printJSON(sum)
}

type SyncCmd struct {
	User string `arg:"" optional:"" help:"User ID. All users with local records when omitted."`
}

func (c *SyncCmd) Run(app *App) error {
	ctx := context.Background()
	if !app.Router.Available(ctx) {
		return fmt.Errorf("%w: nothing to sync against", storage.ErrRemoteUnavailable)
	}
	if c.User == "" {
		n, err := app.Reconciler.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Merged local entries for %d user(s).\n", n)
		return nil
	}
	changed, err := app.Reconciler.Reconcile(ctx, c.User)
	if err != nil {
		return err
	}
	if changed {
		fmt.Println("Merged local entries.")
	} else {
		fmt.Println("Already in sync.")
	}
	return nil
}

type MigrateCmd struct {
	Direction string `arg:"" enum:"up,down" help:"up copies local records to the remote store, down copies remote records to local files."`
}

func (c *MigrateCmd) Run(app *App) error {
	ctx := context.Background()
	remote := app.Router.Remote()
	if remote == nil || !app.Router.Available(ctx) {
		return fmt.Errorf("%w: migration needs a reachable remote", storage.ErrRemoteUnavailable)
	}

	var (
		n   int
		err error
	)
	if c.Direction == "up" {
		n, err = storage.Migrate(ctx, app.Router.Local(), remote, app.Logger)
	} else {
		n, err = storage.Migrate(ctx, remote, app.Router.Local(), app.Logger)
	}
	if err != nil {
		return fmt.Errorf("migration failed after %d record(s): %w", n, err)
	}
	fmt.Printf("Copied %d record(s).\n", n)
	return nil
}

type CleanupCmd struct {
	User string `arg:"" help:"User ID."`
}

func (c *CleanupCmd) Run(app *App) error {
	sess, err := activity.NewSession(c.User)
	if err != nil {
		return err
	}
	removed, err := app.Service.CleanupOldData(context.Background(), sess)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d old entr(ies).\n", removed)
	return nil
}

type PingCmd struct{}

func (c *PingCmd) Run(app *App) error {
	if app.Router.Remote() == nil {
		fmt.Println("No remote store configured; using local files in", app.Router.Local().Dir())
		return nil
	}
	if !app.Router.Available(context.Background()) {
		return storage.ErrRemoteUnavailable
	}
	fmt.Println("PONG")
	return nil
}

type SecretCmd struct {
	Name  string `arg:"" enum:"postgres-dsn,mongo-uri,email-password,otp-key" help:"Secret to store."`
	Value string `arg:"" help:"Secret value."`
}

func (c *SecretCmd) Run(app *App) error {
	if err := config.StoreSecret(c.Name, c.Value); err != nil {
		return err
	}
	fmt.Printf("Stored %s in the OS keyring.\n", c.Name)
	return nil
}
