package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/internal/client"
	"github.com/MasterYang7/gpustack/internal/config"
	"github.com/MasterYang7/gpustack/internal/worker"
	"github.com/MasterYang7/gpustack/internal/worker/backend"
)

// Backend processes bind inside this range; the advertised instance port is
// whichever free port the runtime picked.
const (
	backendPortStart = 40000
	backendPortEnd   = 41024
)

func runWorker(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uuid, err := worker.EnsureWorkerUUID(cfg.DataDir)
	if err != nil {
		return err
	}
	ip := cfg.WorkerIP
	if ip == "" {
		ip = worker.DetectIP(cfg.ServerURL)
	}
	log.Info().Str("name", cfg.WorkerName).Str("ip", ip).Str("uuid", uuid).
		Str("server", cfg.ServerURL).Msg("joining server")

	api := client.New(cfg.ServerURL, cfg.Token)
	collector := worker.NewCollector(cfg.WorkerName, ip, cfg.WorkerPort, uuid,
		worker.NvidiaSMIDetector{}, api, log)
	runtime := backend.NewSubprocessRuntime(backend.SubprocessConfig{
		// Bind wide so the server's inference proxy can reach instances.
		Host:      "0.0.0.0",
		PortStart: backendPortStart,
		PortEnd:   backendPortEnd,
	}, log)

	agent := worker.NewAgent(worker.AgentConfig{
		API:       api,
		Collector: collector,
		Runtime:   runtime,
		Heartbeat: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		Log:       log,
	})
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
