package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

func validateModel(m *types.Model) string {
	if m.Name == "" {
		return "model name is required"
	}
	switch m.Source {
	case types.SourceHuggingFace:
		if m.HuggingFaceRepoID == "" {
			return "huggingface_repo_id is required for huggingface source"
		}
	case types.SourceLocalPath:
		if m.LocalPath == "" {
			return "local_path is required for local_path source"
		}
	default:
		return "source must be huggingface or local_path"
	}
	switch m.Category {
	case types.CategoryLLM, types.CategorySpeechToText, types.CategoryTextToSpeech:
	default:
		return "category must be llm, speech_to_text or text_to_speech"
	}
	if m.Backend == "" {
		// Audio models default to vox-box, everything else to llama-box.
		if m.Category == types.CategorySpeechToText || m.Category == types.CategoryTextToSpeech {
			m.Backend = types.BackendVoxBox
		} else {
			m.Backend = types.BackendLlamaBox
		}
	}
	switch m.Backend {
	case types.BackendLlamaBox, types.BackendVoxBox:
	default:
		return "backend must be llama-box or vox-box"
	}
	if m.Replicas < 0 {
		return "replicas must not be negative"
	}
	if m.Replicas == 0 {
		m.Replicas = 1
	}
	if m.PlacementStrategy == "" {
		m.PlacementStrategy = types.PlacementSpread
	}
	switch m.PlacementStrategy {
	case types.PlacementSpread, types.PlacementBinpack:
	default:
		return "placement_strategy must be spread or binpack"
	}
	return ""
}

func instanceName(modelName string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return modelName + "-" + suffix
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var in types.Model
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if msg := validateModel(&in); msg != "" {
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	if _, err := s.store.GetModelByName(r.Context(), in.Name); err == nil {
		writeJSONError(w, http.StatusConflict, "model already exists: "+in.Name)
		return
	} else if !store.IsNotFound(err) {
		writeJSONError(w, http.StatusInternalServerError, "failed to check model name")
		return
	}
	in.ID = 0
	if err := s.store.CreateModel(r.Context(), &in); err != nil {
		s.log.Error().Err(err).Str("name", in.Name).Msg("create model failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to create model")
		return
	}
	if err := s.reconcileReplicas(r.Context(), in); err != nil {
		s.log.Error().Err(err).Str("name", in.Name).Msg("create instances failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to create model instances")
		return
	}
	s.log.Info().Str("name", in.Name).Int("replicas", in.Replicas).Msg("model created")
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListModels(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list models")
		return
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Items: items})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	m, err := s.store.GetModel(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load model")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleUpdateModel rewrites the deployment and reconciles its instance
// count against the new replica target.
func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	existing, err := s.store.GetModel(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load model")
		return
	}
	var in types.Model
	if !s.decodeJSON(w, r, &in) {
		return
	}
	in.ID = existing.ID
	if in.Name == "" {
		in.Name = existing.Name
	}
	if msg := validateModel(&in); msg != "" {
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}
	if in.Name != existing.Name {
		writeJSONError(w, http.StatusBadRequest, "model name cannot be changed")
		return
	}
	if err := s.store.UpdateModel(r.Context(), &in); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to update model")
		return
	}
	if err := s.reconcileReplicas(r.Context(), in); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to reconcile instances")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid model id")
		return
	}
	if err := s.store.DeleteModel(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete model")
		return
	}
	s.log.Info().Int64("id", id).Msg("model deleted")
	w.WriteHeader(http.StatusNoContent)
}

// reconcileReplicas creates or removes instances until the count matches the
// model's replica target. Extra instances are trimmed from the end, error
// instances first, so healthy ones survive a scale-down.
func (s *Server) reconcileReplicas(ctx context.Context, m types.Model) error {
	instances, err := s.store.ListInstances(ctx, store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		return err
	}
	for len(instances) < m.Replicas {
		mi := types.ModelInstance{
			Name:      instanceName(m.Name),
			ModelID:   m.ID,
			ModelName: m.Name,
			State:     types.InstancePending,
		}
		if err := s.store.CreateInstance(ctx, &mi); err != nil {
			return err
		}
		instances = append(instances, mi)
	}
	if len(instances) > m.Replicas {
		doomed := pickScaleDownVictims(instances, len(instances)-m.Replicas)
		for _, mi := range doomed {
			if err := s.store.DeleteInstance(ctx, mi.ID); err != nil && !store.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

func pickScaleDownVictims(instances []types.ModelInstance, n int) []types.ModelInstance {
	victims := make([]types.ModelInstance, 0, n)
	for _, mi := range instances {
		if len(victims) == n {
			break
		}
		if mi.State == types.InstanceError || mi.State == types.InstancePending {
			victims = append(victims, mi)
		}
	}
	for i := len(instances) - 1; i >= 0 && len(victims) < n; i-- {
		mi := instances[i]
		already := false
		for _, v := range victims {
			if v.ID == mi.ID {
				already = true
				break
			}
		}
		if !already {
			victims = append(victims, mi)
		}
	}
	return victims
}
