package server

import (
	"net/http"
	"strconv"

	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	var f store.InstanceFilter
	q := r.URL.Query()
	if v := q.Get("worker_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid worker_id")
			return
		}
		f.WorkerID = id
	}
	if v := q.Get("model_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid model_id")
			return
		}
		f.ModelID = id
	}
	if v := q.Get("state"); v != "" {
		f.State = types.ModelInstanceState(v)
	}
	items, err := s.store.ListInstances(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, types.ModelInstancesResponse{Items: items})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	mi, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	writeJSON(w, http.StatusOK, mi)
}

// handleDeleteInstance removes one instance. The scheduler will not replace
// it unless the model's replica count says so; deleting below the target is
// how an operator forces a reschedule.
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	if err := s.store.DeleteInstance(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete instance")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateInstanceState accepts worker-reported transitions. Placement
// fields stay untouched; only runtime state, port and pid move.
func (s *Server) handleUpdateInstanceState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	var upd types.InstanceStateUpdate
	if !s.decodeJSON(w, r, &upd) {
		return
	}
	switch upd.State {
	case types.InstanceInitializing, types.InstanceRunning, types.InstanceError:
	default:
		writeJSONError(w, http.StatusBadRequest, "state must be initializing, running or error")
		return
	}
	mi, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	mi.State = upd.State
	mi.StateMessage = upd.StateMessage
	if upd.Port != 0 {
		mi.Port = upd.Port
	}
	if upd.PID != 0 {
		mi.PID = upd.PID
	}
	if err := s.store.UpdateInstance(r.Context(), &mi); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to update instance")
		return
	}
	s.log.Debug().Int64("id", id).Str("state", string(upd.State)).Msg("instance state updated")
	w.WriteHeader(http.StatusNoContent)
}
