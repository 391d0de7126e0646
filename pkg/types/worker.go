package types

import "time"

// WorkerState represents the lifecycle state of a worker node.
type WorkerState string

const (
	// WorkerStateReady means the worker heartbeats and its status is usable
	// for scheduling.
	WorkerStateReady WorkerState = "ready"
	// WorkerStateNotReady means the worker registered but is not yet usable
	// (initial registration, or GPU detection failed).
	WorkerStateNotReady WorkerState = "not_ready"
	// WorkerStateUnreachable means the worker has missed heartbeats.
	WorkerStateUnreachable WorkerState = "unreachable"
)

// CPUInfo describes the worker CPU.
type CPUInfo struct {
	// Logical core count.
	Total int `json:"total"`
	// Utilization percentage over all cores.
	UtilizationRate float64 `json:"utilization_rate"`
}

// MemoryInfo describes system RAM in bytes.
type MemoryInfo struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	// Allocated is the RAM claimed by model instances placed on this worker.
	Allocated uint64 `json:"allocated"`
	// IsUnifiedMemory is true when RAM and VRAM share the same pool
	// (e.g. Apple silicon). Mirrors the flag on the first GPU device.
	IsUnifiedMemory bool `json:"is_unified_memory"`
}

// SwapInfo describes swap usage in bytes.
type SwapInfo struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
}

// MountPoint describes a filesystem mount in bytes.
type MountPoint struct {
	Name       string `json:"name"`
	MountPoint string `json:"mount_point"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
	Free       uint64 `json:"free"`
	Available  uint64 `json:"available"`
}

// OSInfo identifies the operating system.
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// KernelInfo identifies the kernel.
type KernelInfo struct {
	Name         string `json:"name"`
	Release      string `json:"release"`
	Architecture string `json:"architecture"`
}

// GPUCoreInfo describes GPU compute utilization.
type GPUCoreInfo struct {
	UtilizationRate float64 `json:"utilization_rate"`
}

// GPUMemoryInfo describes GPU memory in bytes.
type GPUMemoryInfo struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	// Allocated is the VRAM claimed by model instances placed on this device.
	Allocated       uint64 `json:"allocated"`
	IsUnifiedMemory bool   `json:"is_unified_memory"`
}

// GPUDevice describes one GPU on a worker.
type GPUDevice struct {
	// Device index as reported by the driver.
	// example: 0
	Index int `json:"index"`
	// Device UUID when available.
	UUID string `json:"uuid,omitempty"`
	// Marketing name, e.g. "NVIDIA GeForce RTX 4090".
	Name   string        `json:"name"`
	Vendor string        `json:"vendor"`
	Core   GPUCoreInfo   `json:"core"`
	Memory GPUMemoryInfo `json:"memory"`
	// Temperature in Celsius; negative when unknown.
	Temperature float64 `json:"temperature"`
}

// WorkerStatus is the resource snapshot a worker reports on every heartbeat.
type WorkerStatus struct {
	CPU        CPUInfo      `json:"cpu"`
	Memory     MemoryInfo   `json:"memory"`
	Swap       SwapInfo     `json:"swap"`
	Filesystem []MountPoint `json:"filesystem,omitempty"`
	OS         OSInfo       `json:"os"`
	Kernel     KernelInfo   `json:"kernel"`
	// Uptime in seconds.
	Uptime     uint64      `json:"uptime"`
	GPUDevices []GPUDevice `json:"gpu_devices,omitempty"`
}

// Worker is a node that registered with the server to contribute resources.
type Worker struct {
	ID int64 `json:"id"`
	// UUID is the stable machine identity; registration is idempotent on it.
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	// Port of the worker status/inference endpoint.
	Port   int               `json:"port"`
	Labels map[string]string `json:"labels,omitempty"`

	State        WorkerState  `json:"state"`
	StateMessage string       `json:"state_message,omitempty"`
	Status       WorkerStatus `json:"status"`

	HeartbeatTime time.Time `json:"heartbeat_time"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
