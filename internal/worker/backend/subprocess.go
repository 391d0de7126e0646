package backend

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// SubprocessConfig tunes the subprocess runtime.
type SubprocessConfig struct {
	// Host backends bind to; defaults to 127.0.0.1.
	Host string
	// PortStart/PortEnd bound the port range probed for free ports.
	PortStart int
	PortEnd   int
	// Binaries overrides the executable per backend (tests point these at
	// a fake server).
	Binaries map[types.BackendName]string
	// StartTimeout bounds the wait for readiness; defaults to 5 minutes,
	// model loading is slow.
	StartTimeout time.Duration
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	port    int
	pid     int
	ready   bool
	// exited delivers the single cmd.Wait result; Start and Stop select on
	// it instead of calling Wait themselves.
	exited chan error
}

type subprocessRuntime struct {
	cfg        SubprocessConfig
	log        zerolog.Logger
	mu         sync.Mutex
	procs      map[string]*procInfo // key: instance name
	httpClient *http.Client
}

// NewSubprocessRuntime returns a Runtime that spawns one engine process per
// instance and health-polls it over HTTP.
func NewSubprocessRuntime(cfg SubprocessConfig, log zerolog.Logger) Runtime {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Minute
	}
	// Timeout stays 0: health checks carry their own context deadlines.
	return &subprocessRuntime{
		cfg:        cfg,
		log:        log.With().Str("component", "backend").Logger(),
		procs:      make(map[string]*procInfo),
		httpClient: &http.Client{Timeout: 0},
	}
}

func (r *subprocessRuntime) binaryFor(b types.BackendName) string {
	if bin, ok := r.cfg.Binaries[b]; ok && bin != "" {
		return bin
	}
	return string(b)
}

// commandArgs builds the engine command line for a spec bound to host:port.
func commandArgs(spec Spec, host string, port int) []string {
	switch spec.Backend {
	case types.BackendVoxBox:
		args := []string{"start", "--model", spec.ModelRef, "--host", host, "--port", strconv.Itoa(port)}
		return append(args, spec.ExtraArgs...)
	default: // llama-box
		args := []string{"-m", spec.ModelRef, "--host", host, "--port", strconv.Itoa(port)}
		return append(args, spec.ExtraArgs...)
	}
}

func (r *subprocessRuntime) Start(ctx context.Context, spec Spec) (Process, error) {
	if strings.TrimSpace(spec.ModelRef) == "" {
		return Process{}, fmt.Errorf("model ref is empty for instance %s", spec.InstanceName)
	}

	r.mu.Lock()
	if p := r.procs[spec.InstanceName]; p != nil {
		base := p.baseURL
		r.mu.Unlock()
		if r.isHealthy(base, time.Second) {
			return Process{PID: p.pid, Port: p.port, BaseURL: base}, nil
		}
		// Unhealthy leftover: drop and respawn.
		_ = r.Stop(spec.InstanceName)
		r.mu.Lock()
	}
	r.mu.Unlock()

	host := r.cfg.Host
	var port int
	var err error
	if r.cfg.PortStart > 0 && r.cfg.PortEnd >= r.cfg.PortStart {
		port, err = pickPortInRange(host, r.cfg.PortStart, r.cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return Process{}, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(r.binaryFor(spec.Backend), commandArgs(spec, host, port)...)
	cmd.Env = append(os.Environ(), cudaVisibleDevices(spec.GPUIndexes))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Process{}, fmt.Errorf("start %s: %w", spec.Backend, err)
	}
	r.log.Info().
		Str("instance", spec.InstanceName).
		Str("backend", string(spec.Backend)).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("backend starting")

	// Single watcher reaps the process; a crash surfaces before the
	// readiness deadline, and Stop waits on the same channel.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	r.mu.Lock()
	r.procs[spec.InstanceName] = &procInfo{cmd: cmd, baseURL: baseURL, port: port, pid: cmd.Process.Pid, exited: exited}
	r.mu.Unlock()

	deadline := time.Now().Add(r.cfg.StartTimeout)
	for {
		if ctx.Err() != nil {
			r.remove(spec.InstanceName)
			_ = cmd.Process.Kill()
			return Process{}, ctx.Err()
		}
		if time.Now().After(deadline) {
			r.remove(spec.InstanceName)
			_ = cmd.Process.Kill()
			return Process{}, fmt.Errorf("%s not ready in time: %s", spec.Backend, baseURL)
		}
		select {
		case werr := <-exited:
			r.remove(spec.InstanceName)
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			if werr != nil {
				return Process{}, fmt.Errorf("%s exited early: %v; stderr tail: %s", spec.Backend, werr, tail)
			}
			return Process{}, fmt.Errorf("%s exited before ready: %s", spec.Backend, baseURL)
		default:
		}
		if r.isHealthy(baseURL, time.Second) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	r.mu.Lock()
	if p := r.procs[spec.InstanceName]; p != nil {
		p.ready = true
	}
	r.mu.Unlock()
	r.log.Info().Str("instance", spec.InstanceName).Str("url", baseURL).Msg("backend ready")
	return Process{PID: cmd.Process.Pid, Port: port, BaseURL: baseURL}, nil
}

func (r *subprocessRuntime) Stop(instanceName string) error {
	r.mu.Lock()
	p := r.procs[instanceName]
	r.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	// SIGTERM first, SIGKILL after a grace period. The watcher started in
	// Start holds the only Wait on the process; reap through its channel.
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	r.remove(instanceName)
	r.log.Info().Str("instance", instanceName).Int("pid", p.pid).Msg("backend stopped")
	return nil
}

func (r *subprocessRuntime) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for k := range r.procs {
		names = append(names, k)
	}
	r.mu.Unlock()
	for _, name := range names {
		_ = r.Stop(name)
	}
}

func (r *subprocessRuntime) Alive(instanceName string) bool {
	r.mu.Lock()
	p := r.procs[instanceName]
	r.mu.Unlock()
	if p == nil {
		return false
	}
	return r.isHealthy(p.baseURL, time.Second)
}

func (r *subprocessRuntime) remove(instanceName string) {
	r.mu.Lock()
	delete(r.procs, instanceName)
	r.mu.Unlock()
}

// isHealthy checks whether the backend at baseURL answers /health.
func (r *subprocessRuntime) isHealthy(baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func cudaVisibleDevices(indexes []int) string {
	if len(indexes) == 0 {
		return "CUDA_VISIBLE_DEVICES="
	}
	parts := make([]string, len(indexes))
	for i, idx := range indexes {
		parts[i] = strconv.Itoa(idx)
	}
	return "CUDA_VISIBLE_DEVICES=" + strings.Join(parts, ",")
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	lastColon := strings.LastIndex(addr, ":")
	if lastColon < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[lastColon+1:])
}
