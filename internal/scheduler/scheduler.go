// Package scheduler places pending model instances onto workers by filtering
// devices with enough free memory and scoring the survivors per the model's
// placement strategy.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

var (
	scheduleAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpustack",
		Subsystem: "scheduler",
		Name:      "attempts_total",
		Help:      "Total instance placement attempts",
	})
	scheduleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpustack",
		Subsystem: "scheduler",
		Name:      "failures_total",
		Help:      "Placement attempts that found no candidate",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(scheduleAttempts, scheduleFailures)
}

const defaultInterval = 5 * time.Second

// Scheduler periodically assigns pending instances to workers.
type Scheduler struct {
	store    *store.Store
	log      zerolog.Logger
	interval time.Duration
	// heartbeatTimeout governs when workers flip to unreachable.
	heartbeatTimeout time.Duration
}

// New constructs a Scheduler. interval <= 0 selects the default.
func New(st *store.Store, log zerolog.Logger, interval, heartbeatTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{store: st, log: log.With().Str("component", "scheduler").Logger(), interval: interval, heartbeatTimeout: heartbeatTimeout}
}

// Run loops until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduling pass failed")
			}
		}
	}
}

// Tick runs one scheduling pass: sweep stale workers, then place pending
// instances one by one so each placement sees the claims of the previous.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.heartbeatTimeout > 0 {
		cutoff := time.Now().Add(-s.heartbeatTimeout)
		ids, err := s.store.MarkWorkersUnreachable(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.log.Warn().Int64("worker_id", id).Msg("worker missed heartbeats, marked unreachable")
		}
	}

	pending, err := s.store.ListInstances(ctx, store.InstanceFilter{State: types.InstancePending})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	placed, err := s.store.ListInstances(ctx, store.InstanceFilter{})
	if err != nil {
		return err
	}
	alloc := aggregateAllocations(placed)

	for i := range pending {
		mi := pending[i]
		scheduleAttempts.Inc()
		model, err := s.store.GetModel(ctx, mi.ModelID)
		if err != nil {
			if store.IsNotFound(err) {
				// Model deleted between passes; instance cascades soon.
				continue
			}
			return err
		}
		claim := estimateClaim(model)
		allowCPU := model.Backend == types.BackendVoxBox
		cands := filterCandidates(workers, alloc, claim, allowCPU)
		best, ok := pickCandidate(cands, model.PlacementStrategy)
		if !ok {
			scheduleFailures.WithLabelValues("no_fit").Inc()
			if mi.StateMessage != unschedulableMessage {
				mi.StateMessage = unschedulableMessage
				if err := s.store.UpdateInstance(ctx, &mi); err != nil {
					return err
				}
			}
			s.log.Debug().Str("instance", mi.Name).Uint64("claim", claim).Msg("no worker fits instance")
			continue
		}

		mi.WorkerID = best.worker.ID
		mi.WorkerIP = best.worker.IP
		mi.State = types.InstanceScheduled
		mi.StateMessage = ""
		if best.gpuIndex >= 0 {
			mi.GPUIndexes = []int{best.gpuIndex}
			mi.Claim = types.ComputedResourceClaim{VRAM: map[int]uint64{best.gpuIndex: claim}}
		} else {
			mi.GPUIndexes = nil
			mi.Claim = types.ComputedResourceClaim{RAM: claim}
		}
		if err := s.store.UpdateInstance(ctx, &mi); err != nil {
			return err
		}
		// Account the new claim so later instances in this pass see it.
		a := alloc[best.worker.ID]
		if a.vram == nil {
			a.vram = make(map[int]uint64)
		}
		if best.gpuIndex >= 0 {
			a.vram[best.gpuIndex] += claim
		} else {
			a.ram += claim
		}
		alloc[best.worker.ID] = a

		s.log.Info().
			Str("instance", mi.Name).
			Int64("worker_id", best.worker.ID).
			Int("gpu_index", best.gpuIndex).
			Uint64("claim", claim).
			Msg("instance scheduled")
	}
	return nil
}

const unschedulableMessage = "no worker with sufficient free memory"
