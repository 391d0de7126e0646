package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// handleRegisterWorker registers a worker, idempotently by machine UUID.
// Re-registering an existing UUID updates the record instead of creating a
// duplicate, so a reinstalled worker keeps its identity.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var in types.Worker
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if in.UUID == "" {
		writeJSONError(w, http.StatusBadRequest, "worker uuid is required")
		return
	}
	if in.Name == "" {
		in.Name = in.Hostname
	}
	if in.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "worker name is required")
		return
	}
	in.ID = 0
	if err := s.store.UpsertWorker(r.Context(), &in); err != nil {
		s.log.Error().Err(err).Str("uuid", in.UUID).Msg("register worker failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}
	s.log.Info().Str("name", in.Name).Str("ip", in.IP).Int64("id", in.ID).Msg("worker registered")
	writeJSON(w, http.StatusOK, types.RegisterWorkerResponse{
		Worker:           in,
		HeartbeatSeconds: s.heartbeatSeconds,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, types.WorkersResponse{Items: items})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load worker")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// handleDeleteWorker removes a worker and sends its instances back to pending.
func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	if err := s.store.ResetInstancesForWorker(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to reset instances")
		return
	}
	if err := s.store.DeleteWorker(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to delete worker")
		return
	}
	s.log.Info().Int64("id", id).Msg("worker deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateWorkerStatus is the heartbeat endpoint. The reported snapshot
// replaces the stored status and refreshes the heartbeat timestamp.
func (s *Server) handleUpdateWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	var in types.Worker
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.store.UpdateWorkerStatus(r.Context(), id, in.State, in.StateMessage, in.Status); err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to update worker status")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
