package scheduler

import (
	"github.com/MasterYang7/gpustack/pkg/types"
)

// candidate is a placement option: one GPU (or CPU slot) on a worker.
type candidate struct {
	worker *types.Worker
	// gpuIndex is -1 for a CPU-only placement.
	gpuIndex int
	// free is the unclaimed memory of the chosen device in bytes.
	free uint64
}

// filterCandidates returns every (worker, device) that can hold claim bytes.
// Only ready workers participate. A worker without GPUs can host an instance
// on RAM when the backend tolerates CPU serving.
func filterCandidates(workers []types.Worker, alloc map[int64]allocations, claim uint64, allowCPU bool) []candidate {
	var out []candidate
	for i := range workers {
		w := &workers[i]
		if w.State != types.WorkerStateReady {
			continue
		}
		a := alloc[w.ID]
		if len(w.Status.GPUDevices) == 0 {
			if !allowCPU {
				continue
			}
			free := freeBytes(w.Status.Memory.Total, w.Status.Memory.Used, a.ram)
			if free >= claim {
				out = append(out, candidate{worker: w, gpuIndex: -1, free: free})
			}
			continue
		}
		for _, gpu := range w.Status.GPUDevices {
			free := freeBytes(gpu.Memory.Total, gpu.Memory.Used, a.vram[gpu.Index])
			if free >= claim {
				out = append(out, candidate{worker: w, gpuIndex: gpu.Index, free: free})
			}
		}
	}
	return out
}

// freeBytes subtracts whichever of measured use or claimed allocation is
// larger, so double counting a running instance's memory does not starve
// the worker.
func freeBytes(total, used, allocated uint64) uint64 {
	taken := used
	if allocated > taken {
		taken = allocated
	}
	if taken >= total {
		return 0
	}
	return total - taken
}

// pickCandidate scores candidates per the placement strategy.
// Spread prefers the most free memory; binpack the least that still fits.
func pickCandidate(cands []candidate, strategy types.PlacementStrategy) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		switch strategy {
		case types.PlacementBinpack:
			if c.free < best.free {
				best = c
			}
		default: // spread
			if c.free > best.free {
				best = c
			}
		}
	}
	return best, true
}
