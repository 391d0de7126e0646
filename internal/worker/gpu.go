package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// GPUDetector probes the GPUs available on this host.
type GPUDetector interface {
	DetectGPUs(ctx context.Context) ([]types.GPUDevice, error)
}

// gpuDetectError distinguishes "no usable GPU stack" from transient probe
// failures; it downgrades the worker to not_ready with a message instead of
// erroring the whole collection.
type gpuDetectError struct{ msg string }

func (e gpuDetectError) Error() string { return e.msg }

// IsGPUDetectError reports whether err means GPU detection is unavailable.
func IsGPUDetectError(err error) bool {
	_, ok := err.(gpuDetectError)
	return ok
}

// NvidiaSMIDetector shells out to nvidia-smi. The zero value uses the binary
// from PATH.
type NvidiaSMIDetector struct {
	// Binary overrides the nvidia-smi path (tests point this at a script).
	Binary string
}

const smiQuery = "index,uuid,name,memory.total,memory.used,utilization.gpu,temperature.gpu"

// DetectGPUs runs nvidia-smi and parses its CSV output.
func (d NvidiaSMIDetector) DetectGPUs(ctx context.Context) ([]types.GPUDevice, error) {
	bin := d.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin,
		"--query-gpu="+smiQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, gpuDetectError{msg: "nvidia-smi not found; no NVIDIA GPU stack on this host"}
		}
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMIOutput(string(out))
}

// parseSMIOutput turns nvidia-smi CSV lines into GPU devices. Memory values
// arrive in MiB with nounits.
func parseSMIOutput(out string) ([]types.GPUDevice, error) {
	var devices []types.GPUDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			return nil, fmt.Errorf("unexpected nvidia-smi line: %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse gpu index %q: %w", fields[0], err)
		}
		totalMiB := parseFloatOrZero(fields[3])
		usedMiB := parseFloatOrZero(fields[4])
		devices = append(devices, types.GPUDevice{
			Index:  index,
			UUID:   fields[1],
			Name:   fields[2],
			Vendor: "NVIDIA",
			Core:   types.GPUCoreInfo{UtilizationRate: parseFloatOrZero(fields[5])},
			Memory: types.GPUMemoryInfo{
				Total: uint64(totalMiB) << 20,
				Used:  uint64(usedMiB) << 20,
			},
			Temperature: parseFloatOrZero(fields[6]),
		})
	}
	return devices, nil
}

// parseFloatOrZero tolerates "[N/A]" and similar non-numeric markers.
func parseFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// StaticDetector reports a fixed device list; used for custom setups and in
// tests.
type StaticDetector struct {
	Devices []types.GPUDevice
}

func (d StaticDetector) DetectGPUs(ctx context.Context) ([]types.GPUDevice, error) {
	return d.Devices, nil
}
