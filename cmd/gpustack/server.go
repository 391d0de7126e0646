package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/internal/config"
	"github.com/MasterYang7/gpustack/internal/hub"
	"github.com/MasterYang7/gpustack/internal/scheduler"
	"github.com/MasterYang7/gpustack/internal/server"
	"github.com/MasterYang7/gpustack/internal/store"
)

const (
	schedulerInterval = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func runServer(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bs, err := config.EnsureDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	log.Info().
		Str("data_dir", bs.DataDir).
		Str("admin_password_file", filepath.Join(bs.DataDir, config.AdminPasswordFile)).
		Str("token_file", filepath.Join(bs.DataDir, config.TokenFile)).
		Msg("data directory ready")

	// The server owns the heartbeat interval and announces it to workers at
	// registration; zero in the config means "use the built-in default".
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = config.DefaultHeartbeatSeconds
	}

	st, err := store.Open(bs.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	srv, err := server.New(server.Options{
		Store:            st,
		Hub:              hub.New(cfg.HubBaseURL),
		Log:              log,
		AdminPassword:    bs.AdminPassword,
		JoinToken:        bs.Token,
		HeartbeatSeconds: cfg.HeartbeatSeconds,
		EnableCORS:       cfg.EnableCORS,
		AllowedOrigins:   cfg.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	sched := scheduler.New(st, log, schedulerInterval, 3*heartbeat)
	go sched.Run(ctx)
	go srv.RunMetricsUpdater(ctx, heartbeat)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
