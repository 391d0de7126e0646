package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MasterYang7/gpustack/internal/worker/backend"
	"github.com/MasterYang7/gpustack/pkg/types"
)

// Syncer reconciles the instances the server assigned to this worker with
// the backend processes actually running here.
type Syncer struct {
	api      ServerAPI
	runtime  backend.Runtime
	log      zerolog.Logger
	workerID int64
	// running tracks instance name -> id for cleanup of unassigned ones.
	running map[string]int64
}

// NewSyncer wires a Syncer; workerID is set after registration.
func NewSyncer(api ServerAPI, rt backend.Runtime, log zerolog.Logger) *Syncer {
	return &Syncer{api: api, runtime: rt, log: log.With().Str("component", "syncer").Logger(), running: make(map[string]int64)}
}

// SyncOnce runs one reconciliation pass.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if s.workerID == 0 {
		return nil
	}
	assigned, err := s.api.ListInstancesForWorker(ctx, s.workerID)
	if err != nil {
		return fmt.Errorf("list assigned instances: %w", err)
	}

	desired := make(map[string]bool, len(assigned))
	for i := range assigned {
		mi := assigned[i]
		desired[mi.Name] = true
		switch mi.State {
		case types.InstanceScheduled:
			s.startInstance(ctx, mi)
		case types.InstanceRunning, types.InstanceInitializing:
			if !s.runtime.Alive(mi.Name) {
				// Process died or the worker restarted; bring it back.
				s.log.Warn().Str("instance", mi.Name).Msg("backend not alive, restarting")
				s.startInstance(ctx, mi)
			}
		}
	}

	// Stop backends whose instance is gone or no longer ours.
	for name := range s.running {
		if !desired[name] {
			s.log.Info().Str("instance", name).Msg("instance unassigned, stopping backend")
			_ = s.runtime.Stop(name)
			delete(s.running, name)
		}
	}
	return nil
}

// startInstance resolves the model, launches the backend, and reports the
// state transitions. Failures go back to the server as error state; the
// operator sees the message on the deployment page.
func (s *Syncer) startInstance(ctx context.Context, mi types.ModelInstance) {
	model, err := s.api.GetModel(ctx, mi.ModelID)
	if err != nil {
		s.reportError(ctx, mi.ID, fmt.Sprintf("resolve model: %v", err))
		return
	}
	if err := s.api.UpdateInstanceState(ctx, mi.ID, types.InstanceStateUpdate{State: types.InstanceInitializing}); err != nil {
		s.log.Error().Err(err).Str("instance", mi.Name).Msg("reporting initializing failed")
	}

	spec := backend.Spec{
		InstanceName: mi.Name,
		Backend:      model.Backend,
		Category:     model.Category,
		ModelRef:     modelRef(model),
		ExtraArgs:    model.BackendParams,
		GPUIndexes:   mi.GPUIndexes,
	}
	proc, err := s.runtime.Start(ctx, spec)
	if err != nil {
		s.reportError(ctx, mi.ID, fmt.Sprintf("start backend: %v", err))
		return
	}
	s.running[mi.Name] = mi.ID
	upd := types.InstanceStateUpdate{State: types.InstanceRunning, Port: proc.Port, PID: proc.PID}
	if err := s.api.UpdateInstanceState(ctx, mi.ID, upd); err != nil {
		s.log.Error().Err(err).Str("instance", mi.Name).Msg("reporting running failed")
		return
	}
	s.log.Info().Str("instance", mi.Name).Int("port", proc.Port).Msg("instance running")
}

func (s *Syncer) reportError(ctx context.Context, id int64, msg string) {
	if err := s.api.UpdateInstanceState(ctx, id, types.InstanceStateUpdate{State: types.InstanceError, StateMessage: msg}); err != nil {
		s.log.Error().Err(err).Int64("instance_id", id).Msg("reporting error state failed")
	}
}

// StopAll terminates every backend this syncer started.
func (s *Syncer) StopAll() {
	s.runtime.StopAll()
	s.running = make(map[string]int64)
}

// modelRef picks what the backend loads: a local file or a hub reference.
func modelRef(m types.Model) string {
	if m.Source == types.SourceLocalPath {
		return m.LocalPath
	}
	if m.HuggingFaceFilename != "" {
		return m.HuggingFaceRepoID + "/" + m.HuggingFaceFilename
	}
	return m.HuggingFaceRepoID
}
