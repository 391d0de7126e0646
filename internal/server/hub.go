package server

import (
	"net/http"
	"strconv"
)

// handleHubSearch proxies a model search to the configured model hub.
func (s *Server) handleHubSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("search")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "search query is required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	items, err := s.hub.Search(r.Context(), query, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("query", query).Msg("hub search failed")
		writeJSONError(w, http.StatusBadGateway, "model hub search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
