package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mindspace-dev/mindspace-store/internal/config"
	"github.com/mindspace-dev/mindspace-store/internal/engine"
	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/server"
	"github.com/mindspace-dev/mindspace-store/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	l, err := logger.New(logger.Config{Debug: cfg.Debug, Dir: cfg.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	l.Info("Starting MindSpace document daemon...")

	persister, err := engine.NewPersistence(cfg.StoreDataDir, l)
	if err != nil {
		l.Fatal("Failed to initialize persistence", "error", err)
	}

	initialData, err := persister.LoadAll()
	if err != nil {
		l.Warn("Could not load existing data", "error", err)
	}

	store := engine.NewMemStore(initialData, persister, l)
	l.Info("Engine started", "collections", len(initialData), "dir", cfg.StoreDataDir)

	router := server.NewRouter(store, l)

	if cfg.DisableTLS {
		l.Warn("TLS encryption disabled (MINDSPACE_DISABLE_TLS=true)")
	} else {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			l.Fatal("Failed to generate TLS certificate", "error", err)
		}
		router.SetCertificate(cert)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		l.Info("Shutdown signal received, finalizing disk writes")
		router.Stop()
	}()

	if err := router.Listen(cfg.StorePort); err != nil {
		l.Error("TCP server failed", "error", err)
		store.Wait()
		os.Exit(1)
	}

	store.Wait()
	l.Info("Persistence complete, exiting")
}
