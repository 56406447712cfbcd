package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fetcharr/internal/api"
	"fetcharr/internal/arr"
	"fetcharr/internal/config"
	"fetcharr/internal/engine"
	"fetcharr/internal/events"
	"fetcharr/internal/hostclient"
	"fetcharr/internal/logger"
	"fetcharr/internal/storage"
	"fetcharr/internal/taskstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stdout, logger.ParseLevel(cfg.Logging.Level), cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	log.Info("starting fetcharr", "version", Version, "data_dir", cfg.Server.DataDir)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Downloads.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create downloads dir: %w", err)
	}

	db, err := storage.Open(cfg.DatabasePath(), log)
	if err != nil {
		return err
	}
	defer db.Close()

	host, err := hostclient.New(cfg.Host.BaseURL, cfg.Host.Email, cfg.Host.Password, cfg.Host.PreferSecondaryAPI, db, log)
	if err != nil {
		return err
	}

	store := taskstore.New(log)
	fabric := events.NewFabric()

	var seriesClient, movieClient *arr.Client
	if cfg.SeriesManager.Enabled {
		seriesClient = arr.NewClient(cfg.SeriesManager.URL, cfg.SeriesManager.APIKey, arr.SeriesManager, cfg.SeriesManager.QualityProfileID, log)
	}
	if cfg.MovieManager.Enabled {
		movieClient = arr.NewClient(cfg.MovieManager.URL, cfg.MovieManager.APIKey, arr.MovieManager, cfg.MovieManager.QualityProfileID, log)
	}
	var arrMgr *arr.Manager
	if seriesClient != nil || movieClient != nil {
		arrMgr = arr.NewManager(seriesClient, movieClient, db, cfg.Downloads.Directory, log)
	}

	eng := engine.New(cfg, db, store, host, fabric, arrMgr, log)
	if err := eng.Start(); err != nil {
		return err
	}

	hub := api.NewHub(store, fabric, func() interface{} { return eng.Stats() }, log)
	go hub.Run()

	srv := api.NewServer(eng, db, store, host, hub, Version, log)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	hub.Stop()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown incomplete", "error", err)
	}
	fabric.Close()

	log.Info("goodbye")
	return nil
}
