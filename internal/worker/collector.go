package worker

import (
	"context"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// InstanceSource lists the model instances assigned to this worker, so the
// collector can report allocated RAM/VRAM alongside measured usage.
type InstanceSource interface {
	ListInstancesForWorker(ctx context.Context, workerID int64) ([]types.ModelInstance, error)
}

// Collector assembles the Worker status report sent on every heartbeat.
type Collector struct {
	workerName string
	workerIP   string
	workerPort int
	uuid       string
	gpus       GPUDetector
	instances  InstanceSource
	log        zerolog.Logger
}

// NewCollector builds a collector. instances may be nil (initial collection
// before registration has no worker id to query with).
func NewCollector(name, ip string, port int, uuid string, gpus GPUDetector, instances InstanceSource, log zerolog.Logger) *Collector {
	return &Collector{
		workerName: name,
		workerIP:   ip,
		workerPort: port,
		uuid:       uuid,
		gpus:       gpus,
		instances:  instances,
		log:        log.With().Str("component", "collector").Logger(),
	}
}

// Collect gathers the full worker report. With initial true, GPU probing is
// skipped and the worker reports not_ready; the first heartbeat upgrades it.
// Individual probe failures degrade the report rather than failing it.
func (c *Collector) Collect(ctx context.Context, initial bool, workerID int64) types.Worker {
	var status types.WorkerStatus
	var stateMessage string

	c.collectSystemInfo(ctx, &status)

	if !initial {
		devices, err := c.gpus.DetectGPUs(ctx)
		switch {
		case err == nil:
			status.GPUDevices = devices
		case IsGPUDetectError(err):
			stateMessage = err.Error()
		default:
			c.log.Error().Err(err).Msg("gpu detection failed")
		}
	}

	injectUnifiedMemory(&status)
	injectComputedFilesystemUsage(&status)
	c.injectAllocated(ctx, &status, workerID)

	state := types.WorkerStateReady
	if initial || stateMessage != "" {
		state = types.WorkerStateNotReady
	}

	hostname, _ := os.Hostname()
	return types.Worker{
		UUID:         c.uuid,
		Name:         c.workerName,
		Hostname:     hostname,
		IP:           c.workerIP,
		Port:         c.workerPort,
		State:        state,
		StateMessage: stateMessage,
		Status:       status,
	}
}

func (c *Collector) collectSystemInfo(ctx context.Context, status *types.WorkerStatus) {
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		status.CPU.Total = counts
	} else {
		c.log.Error().Err(err).Msg("cpu count probe failed")
	}
	if percs, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percs) > 0 {
		status.CPU.UtilizationRate = percs[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.Memory.Total = vm.Total
		status.Memory.Used = vm.Used
	} else {
		c.log.Error().Err(err).Msg("memory probe failed")
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		status.Swap.Total = sw.Total
		status.Swap.Used = sw.Used
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range parts {
			usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
			if err != nil {
				continue
			}
			status.Filesystem = append(status.Filesystem, types.MountPoint{
				Name:       part.Device,
				MountPoint: part.Mountpoint,
				Total:      usage.Total,
				Used:       usage.Used,
				Free:       usage.Free,
				Available:  usage.Free,
			})
		}
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		status.OS = types.OSInfo{Name: info.Platform, Version: info.PlatformVersion}
		status.Kernel = types.KernelInfo{Name: info.OS, Release: info.KernelVersion, Architecture: info.KernelArch}
		status.Uptime = info.Uptime
	} else {
		c.log.Error().Err(err).Msg("host probe failed")
	}
}

// injectUnifiedMemory mirrors the first GPU's unified-memory flag onto RAM,
// so schedulers know VRAM and RAM share one pool.
func injectUnifiedMemory(status *types.WorkerStatus) {
	unified := false
	if len(status.GPUDevices) > 0 {
		unified = status.GPUDevices[0].Memory.IsUnifiedMemory
	}
	status.Memory.IsUnifiedMemory = unified
}

// injectComputedFilesystemUsage appends an aggregate mount on Windows, where
// per-drive mounts hide the machine-wide capacity.
func injectComputedFilesystemUsage(status *types.WorkerStatus) {
	if runtime.GOOS != "windows" || len(status.Filesystem) == 0 {
		return
	}
	computed := types.MountPoint{Name: "computed", MountPoint: "/"}
	for _, mp := range status.Filesystem {
		computed.Total += mp.Total
		computed.Used += mp.Used
		computed.Free += mp.Free
		computed.Available += mp.Available
	}
	status.Filesystem = append(status.Filesystem, computed)
}

// injectAllocated sums claims of instances placed on this worker into the
// memory and per-GPU allocated fields.
func (c *Collector) injectAllocated(ctx context.Context, status *types.WorkerStatus, workerID int64) {
	if c.instances == nil || workerID == 0 {
		return
	}
	items, err := c.instances.ListInstancesForWorker(ctx, workerID)
	if err != nil {
		c.log.Error().Err(err).Msg("listing instances for allocation report failed")
		return
	}
	var ram uint64
	vram := make(map[int]uint64)
	for _, mi := range items {
		switch mi.State {
		case types.InstanceScheduled, types.InstanceInitializing, types.InstanceRunning:
		default:
			continue
		}
		ram += mi.Claim.RAM
		for idx, v := range mi.Claim.VRAM {
			vram[idx] += v
		}
	}
	status.Memory.Allocated = ram
	for i := range status.GPUDevices {
		status.GPUDevices[i].Memory.Allocated = vram[status.GPUDevices[i].Index]
	}
}
