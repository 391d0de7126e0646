package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

// proxyMaxBodyBytes caps inference request bodies. Audio transcription
// uploads are the largest legitimate payloads.
const proxyMaxBodyBytes = 64 << 20

// handleOpenAIModels lists deployments with at least one running instance in
// the shape OpenAI API consumers expect.
func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list models")
		return
	}
	out := types.OpenAIModelList{Object: "list", Data: []types.OpenAIModel{}}
	for _, m := range models {
		running, err := s.store.ListInstances(r.Context(), store.InstanceFilter{ModelID: m.ID, State: types.InstanceRunning})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to list instances")
			return
		}
		if len(running) == 0 {
			continue
		}
		out.Data = append(out.Data, types.OpenAIModel{ID: m.Name, Object: "model", OwnedBy: "gpustack"})
	}
	writeJSON(w, http.StatusOK, out)
}

// resolveInstance picks a running instance of the named model, round-robin
// across replicas.
func (s *Server) resolveInstance(ctx context.Context, modelName string) (types.ModelInstance, int, string) {
	m, err := s.store.GetModelByName(ctx, modelName)
	if err != nil {
		if store.IsNotFound(err) {
			return types.ModelInstance{}, http.StatusNotFound, "model not found: " + modelName
		}
		return types.ModelInstance{}, http.StatusInternalServerError, "failed to load model"
	}
	running, err := s.store.ListInstances(ctx, store.InstanceFilter{ModelID: m.ID, State: types.InstanceRunning})
	if err != nil {
		return types.ModelInstance{}, http.StatusInternalServerError, "failed to list instances"
	}
	if len(running) == 0 {
		return types.ModelInstance{}, http.StatusServiceUnavailable, "no running instance for model: " + modelName
	}
	n := atomic.AddUint64(&s.rr, 1)
	return running[int(n)%len(running)], 0, ""
}

// handleProxyJSON forwards a JSON inference request to a running instance of
// the model named in the body.
func (s *Server) handleProxyJSON(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, proxyMaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "request body must name a model")
		return
	}
	mi, status, msg := s.resolveInstance(r.Context(), probe.Model)
	if status != 0 {
		writeJSONError(w, status, msg)
		return
	}
	s.forward(w, r, mi, body)
}

// handleProxyMultipart forwards a multipart request (audio transcription)
// after finding the model field without consuming the original body.
func (s *Server) handleProxyMultipart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, proxyMaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	modelName, err := multipartModelField(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	mi, status, msg := s.resolveInstance(r.Context(), modelName)
	if status != 0 {
		writeJSONError(w, status, msg)
		return
	}
	s.forward(w, r, mi, body)
}

func multipartModelField(contentType string, body []byte) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", errBadMultipart
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", errBadMultipart
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", errNoModelField
		}
		if err != nil {
			return "", errBadMultipart
		}
		if part.FormName() != "model" {
			continue
		}
		// The model field is a short string; anything longer is abuse.
		val, err := io.ReadAll(io.LimitReader(part, 256))
		if err != nil {
			return "", errBadMultipart
		}
		name := strings.TrimSpace(string(val))
		if name == "" {
			return "", errNoModelField
		}
		return name, nil
	}
}

var (
	errBadMultipart = proxyError("request must be multipart/form-data with a boundary")
	errNoModelField = proxyError("multipart body must include a model field")
)

type proxyError string

func (e proxyError) Error() string { return string(e) }

// forward streams the request to the instance's backend process. The backend
// serves the OpenAI surface under /v1, so the /v1-openai prefix is rewritten.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, mi types.ModelInstance, body []byte) {
	target := &url.URL{Scheme: "http", Host: mi.WorkerIP + ":" + strconv.Itoa(mi.Port)}
	backendPath := "/v1" + strings.TrimPrefix(r.URL.Path, "/v1-openai")

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = backendPath
			req.Host = target.Host
			req.Header.Del("Authorization")
		},
		// Stream token-by-token responses without buffering.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn().Err(err).Str("instance", mi.Name).Msg("proxy to instance failed")
			writeJSONError(w, http.StatusBadGateway, "instance unavailable: "+mi.Name)
		},
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	proxy.ServeHTTP(w, r)
}
