package scheduler

import (
	"os"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// Default VRAM claims in bytes when the model does not override one and no
// local file is available to size it from.
const (
	defaultLLMClaim    = 6 << 30
	defaultSpeechClaim = 2 << 30
	minClaim           = 512 << 20
)

// estimateClaim computes the VRAM an instance of the model needs.
// Precedence: explicit override, local file size with loading overhead,
// category default.
func estimateClaim(m types.Model) uint64 {
	if m.VRAMClaim > 0 {
		return m.VRAMClaim
	}
	if m.Source == types.SourceLocalPath && m.LocalPath != "" {
		if fi, err := os.Stat(m.LocalPath); err == nil && fi.Size() > 0 {
			// Runtime overhead (kv cache, activations) on top of the weights.
			est := uint64(fi.Size()) + uint64(fi.Size())/5
			if est < minClaim {
				est = minClaim
			}
			return est
		}
	}
	switch m.Category {
	case types.CategoryLLM:
		return defaultLLMClaim
	case types.CategorySpeechToText, types.CategoryTextToSpeech:
		return defaultSpeechClaim
	default:
		return defaultLLMClaim
	}
}

// allocations aggregates VRAM already claimed on a worker, keyed by GPU index,
// plus claimed RAM. Instances in any state from scheduled through running
// count; pending and error ones hold nothing.
type allocations struct {
	ram  uint64
	vram map[int]uint64
}

func aggregateAllocations(instances []types.ModelInstance) map[int64]allocations {
	out := make(map[int64]allocations)
	for _, mi := range instances {
		switch mi.State {
		case types.InstanceScheduled, types.InstanceInitializing, types.InstanceRunning:
		default:
			continue
		}
		if mi.WorkerID == 0 {
			continue
		}
		a := out[mi.WorkerID]
		if a.vram == nil {
			a.vram = make(map[int]uint64)
		}
		a.ram += mi.Claim.RAM
		for idx, v := range mi.Claim.VRAM {
			a.vram[idx] += v
		}
		out[mi.WorkerID] = a
	}
	return out
}
