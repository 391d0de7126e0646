// Package backend launches and supervises inference engine processes
// (llama-box for LLMs, vox-box for speech models) on behalf of the worker.
package backend

import (
	"context"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// Spec describes one backend launch for a model instance.
type Spec struct {
	InstanceName string
	Backend      types.BackendName
	Category     types.ModelCategory
	// ModelRef is a local file path (local_path source) or a hub repo id.
	ModelRef string
	// ExtraArgs are the model's backend_params, passed verbatim.
	ExtraArgs []string
	// GPUIndexes selects devices via CUDA_VISIBLE_DEVICES; empty = CPU.
	GPUIndexes []int
}

// Process identifies a started backend.
type Process struct {
	PID     int
	Port    int
	BaseURL string
}

// Runtime starts and stops backend processes, keyed by instance name.
type Runtime interface {
	// Start launches the backend and blocks until it passes health checks
	// or ctx/deadline expires. Idempotent: a healthy existing process is
	// returned as is.
	Start(ctx context.Context, spec Spec) (Process, error)
	// Stop terminates the process for the instance. Stopping an unknown
	// instance is a no-op.
	Stop(instanceName string) error
	// StopAll terminates every managed process. Best effort.
	StopAll()
	// Alive reports whether the instance's process currently passes a
	// health check.
	Alive(instanceName string) bool
}
