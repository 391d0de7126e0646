// Package worker implements the agent that joins a server, reports host and
// GPU status, and runs the backend processes for instances scheduled here.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/internal/worker/backend"
	"github.com/MasterYang7/gpustack/pkg/types"
)

// ServerAPI is the slice of the server client the agent needs. The concrete
// implementation is internal/client.Client.
type ServerAPI interface {
	RegisterWorker(ctx context.Context, w types.Worker) (types.RegisterWorkerResponse, error)
	UpdateWorkerStatus(ctx context.Context, id int64, w types.Worker) error
	ListInstancesForWorker(ctx context.Context, workerID int64) ([]types.ModelInstance, error)
	GetModel(ctx context.Context, id int64) (types.Model, error)
	UpdateInstanceState(ctx context.Context, id int64, upd types.InstanceStateUpdate) error
}

// uuidFile persists the machine identity under the data directory so
// re-registration after restart hits the same worker row.
const uuidFile = "worker_uuid"

// EnsureWorkerUUID loads or creates the persistent worker uuid in dataDir.
func EnsureWorkerUUID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, uuidFile)
	if b, err := os.ReadFile(path); err == nil {
		v := strings.TrimSpace(string(b))
		if v != "" {
			return v, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	v := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(v+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write worker uuid: %w", err)
	}
	return v, nil
}

// DetectIP returns the local address used to reach the server.
func DetectIP(serverURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(serverURL, "https://"), "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	conn, err := net.DialTimeout("udp", host, 3*time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// Agent joins a server, heartbeats, and reconciles assigned instances.
type Agent struct {
	api       ServerAPI
	collector *Collector
	syncer    *Syncer
	log       zerolog.Logger

	heartbeat time.Duration
	workerID  int64
}

// AgentConfig wires an Agent.
type AgentConfig struct {
	API       ServerAPI
	Collector *Collector
	Runtime   backend.Runtime
	Heartbeat time.Duration
	Log       zerolog.Logger
}

// NewAgent constructs an Agent. Heartbeat <= 0 defers to the server's answer
// at registration time.
func NewAgent(cfg AgentConfig) *Agent {
	log := cfg.Log.With().Str("component", "worker").Logger()
	return &Agent{
		api:       cfg.API,
		collector: cfg.Collector,
		syncer:    NewSyncer(cfg.API, cfg.Runtime, log),
		log:       log,
		heartbeat: cfg.Heartbeat,
	}
}

// registerBackoff bounds retry pacing when the server is unavailable.
const registerBackoff = 5 * time.Second

// Run registers and then loops heartbeats and instance syncs until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	for {
		// Initial collection skips GPU probing; the first heartbeat upgrades
		// the worker to ready.
		report := a.collector.Collect(ctx, true, 0)
		resp, err := a.api.RegisterWorker(ctx, report)
		if err == nil {
			a.workerID = resp.Worker.ID
			a.syncer.workerID = resp.Worker.ID
			if a.heartbeat <= 0 && resp.HeartbeatSeconds > 0 {
				a.heartbeat = time.Duration(resp.HeartbeatSeconds) * time.Second
			}
			a.log.Info().Int64("worker_id", a.workerID).Msg("registered with server")
			break
		}
		a.log.Error().Err(err).Msg("registration failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerBackoff):
		}
	}
	if a.heartbeat <= 0 {
		a.heartbeat = 15 * time.Second
	}

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.syncer.StopAll()
			return ctx.Err()
		case <-ticker.C:
			report := a.collector.Collect(ctx, false, a.workerID)
			if err := a.api.UpdateWorkerStatus(ctx, a.workerID, report); err != nil {
				a.log.Error().Err(err).Msg("heartbeat failed")
			}
			if err := a.syncer.SyncOnce(ctx); err != nil {
				a.log.Error().Err(err).Msg("instance sync failed")
			}
		}
	}
}
