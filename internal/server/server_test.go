package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MasterYang7/gpustack/internal/hub"
	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/types"
)

const (
	testAdminPassword = "admin-password-for-tests"
	testJoinToken     = "join-token-for-tests-0123456789abcdef0123"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gpustack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	srv, err := New(Options{
		Store:            st,
		Hub:              hub.New("http://127.0.0.1:0"),
		Log:              zerolog.Nop(),
		AdminPassword:    testAdminPassword,
		JoinToken:        testJoinToken,
		HeartbeatSeconds: 15,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodGet, "/v1/workers", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d, want 401", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/workers", "wrong-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d, want 401", rec.Code)
	}
}

func TestAuthAcceptsAdminPasswordAndJoinToken(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	for _, tok := range []string{testAdminPassword, testJoinToken} {
		rec := doRequest(t, h, http.MethodGet, "/v1/workers", tok, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("token %q: got %d, want 200", tok, rec.Code)
		}
	}
}

func TestAuthRateLimiting(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authLimiter = newIPLimiter(rate.Every(time.Hour), 3)
	h := srv.Router()

	var last int
	for i := 0; i < 5; i++ {
		rec := doRequest(t, h, http.MethodGet, "/v1/workers", "wrong", nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("after burst: got %d, want 429", last)
	}
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := doRequest(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d, want 200", path, rec.Code)
		}
	}
}

func testWorker(uuid, name string) types.Worker {
	return types.Worker{
		UUID:     uuid,
		Name:     name,
		Hostname: name,
		IP:       "10.0.0.1",
		Port:     10150,
		State:    types.WorkerStateReady,
		Status: types.WorkerStatus{
			Memory: types.MemoryInfo{Total: 64 << 30},
			GPUDevices: []types.GPUDevice{
				{Index: 0, Name: "NVIDIA A100", Vendor: "NVIDIA", Memory: types.GPUMemoryInfo{Total: 40 << 30}},
			},
		},
	}
}

func TestRegisterWorkerIsIdempotentByUUID(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/workers", testJoinToken, testWorker("uuid-1", "node-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first register: got %d: %s", rec.Code, rec.Body.String())
	}
	var first types.RegisterWorkerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Worker.ID == 0 {
		t.Fatal("expected assigned worker id")
	}
	if first.HeartbeatSeconds != 15 {
		t.Fatalf("heartbeat seconds = %d, want 15", first.HeartbeatSeconds)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/workers", testJoinToken, testWorker("uuid-1", "node-a-renamed"))
	if rec.Code != http.StatusOK {
		t.Fatalf("second register: got %d", rec.Code)
	}
	var second types.RegisterWorkerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Worker.ID != first.Worker.ID {
		t.Fatalf("re-registration created a new worker: %d != %d", second.Worker.ID, first.Worker.ID)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/workers", testAdminPassword, nil)
	var list types.WorkersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("got %d workers, want 1", len(list.Items))
	}
	if list.Items[0].Name != "node-a-renamed" {
		t.Fatalf("name = %q, want updated name", list.Items[0].Name)
	}
}

func TestRegisterWorkerRequiresUUID(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	w := testWorker("", "node-a")
	rec := doRequest(t, h, http.MethodPost, "/v1/workers", testJoinToken, w)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestWorkerHeartbeatUpdatesStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/workers", testJoinToken, testWorker("uuid-1", "node-a"))
	var reg types.RegisterWorkerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	hb := testWorker("uuid-1", "node-a")
	hb.Status.CPU.UtilizationRate = 42.5
	path := "/v1/workers/" + strconv.FormatInt(reg.Worker.ID, 10) + "/status"
	rec = doRequest(t, h, http.MethodPut, path, testJoinToken, hb)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/workers/"+strconv.FormatInt(reg.Worker.ID, 10), testAdminPassword, nil)
	var got types.Worker
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status.CPU.UtilizationRate != 42.5 {
		t.Fatalf("cpu utilization = %v, want 42.5", got.Status.CPU.UtilizationRate)
	}
}

func TestDeleteUnknownWorkerReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodDelete, "/v1/workers/999", testAdminPassword, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func testModel(name string, replicas int) types.Model {
	return types.Model{
		Name:              name,
		Source:            types.SourceHuggingFace,
		HuggingFaceRepoID: "TheOrg/" + name,
		Category:          types.CategoryLLM,
		Backend:           types.BackendLlamaBox,
		Replicas:          replicas,
	}
}

func TestCreateModelCreatesPendingInstances(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 3))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/model-instances?model_id="+strconv.FormatInt(m.ID, 10), testAdminPassword, nil)
	var list types.ModelInstancesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Items) != 3 {
		t.Fatalf("got %d instances, want 3", len(list.Items))
	}
	for _, mi := range list.Items {
		if mi.State != types.InstancePending {
			t.Fatalf("instance %s state = %s, want pending", mi.Name, mi.State)
		}
		if !strings.HasPrefix(mi.Name, "llama-") {
			t.Fatalf("instance name %q lacks model prefix", mi.Name)
		}
	}
}

func TestCreateModelRejectsDuplicateName(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	if rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1)); rec.Code != http.StatusCreated {
		t.Fatalf("first create: got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1)); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: got %d, want 409", rec.Code)
	}
}

func TestCreateModelValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	m := testModel("bad", 1)
	m.HuggingFaceRepoID = ""
	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, m)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing repo id: got %d, want 400", rec.Code)
	}

	m = testModel("bad2", 1)
	m.Category = "video"
	rec = doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, m)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad category: got %d, want 400", rec.Code)
	}
}

func TestAudioModelDefaultsToVoxBox(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	m := types.Model{
		Name:              "whisper",
		Source:            types.SourceHuggingFace,
		HuggingFaceRepoID: "Systran/faster-whisper-medium",
		Category:          types.CategorySpeechToText,
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, m)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}
	var got types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Backend != types.BackendVoxBox {
		t.Fatalf("backend = %s, want vox-box", got.Backend)
	}
}

func TestUpdateModelScalesReplicas(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}

	m.Replicas = 3
	rec = doRequest(t, h, http.MethodPut, "/v1/models/"+strconv.FormatInt(m.ID, 10), testAdminPassword, m)
	if rec.Code != http.StatusOK {
		t.Fatalf("scale up: got %d: %s", rec.Code, rec.Body.String())
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("after scale up: %d instances, want 3", len(instances))
	}

	m.Replicas = 1
	rec = doRequest(t, h, http.MethodPut, "/v1/models/"+strconv.FormatInt(m.ID, 10), testAdminPassword, m)
	if rec.Code != http.StatusOK {
		t.Fatalf("scale down: got %d", rec.Code)
	}
	instances, err = st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("after scale down: %d instances, want 1", len(instances))
	}
}

func TestScaleDownPrefersUnhealthyInstances(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 2))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	healthy := instances[0]
	healthy.State = types.InstanceRunning
	if err := st.UpdateInstance(context.Background(), &healthy); err != nil {
		t.Fatalf("update: %v", err)
	}

	m.Replicas = 1
	rec = doRequest(t, h, http.MethodPut, "/v1/models/"+strconv.FormatInt(m.ID, 10), testAdminPassword, m)
	if rec.Code != http.StatusOK {
		t.Fatalf("scale down: got %d", rec.Code)
	}
	remaining, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != healthy.ID {
		t.Fatalf("scale down removed the running instance")
	}
}

func TestDeleteModelCascadesInstances(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 2))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec = doRequest(t, h, http.MethodDelete, "/v1/models/"+strconv.FormatInt(m.ID, 10), testAdminPassword, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 0 {
		t.Fatalf("instances survived model deletion: %d", len(instances))
	}
}

func TestUpdateInstanceState(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	mi := instances[0]

	upd := types.InstanceStateUpdate{State: types.InstanceRunning, Port: 40000, PID: 1234}
	rec = doRequest(t, h, http.MethodPut, "/v1/model-instances/"+strconv.FormatInt(mi.ID, 10)+"/state", testJoinToken, upd)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("state update: got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := st.GetInstance(context.Background(), mi.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.InstanceRunning || got.Port != 40000 || got.PID != 1234 {
		t.Fatalf("instance not updated: %+v", got)
	}
}

func TestUpdateInstanceStateRejectsServerOwnedStates(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	upd := types.InstanceStateUpdate{State: types.InstanceScheduled}
	rec = doRequest(t, h, http.MethodPut, "/v1/model-instances/"+strconv.FormatInt(instances[0].ID, 10)+"/state", testJoinToken, upd)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestListInstancesFiltersByWorker(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 2))
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	assigned := instances[0]
	assigned.WorkerID = 7
	assigned.State = types.InstanceScheduled
	if err := st.UpdateInstance(context.Background(), &assigned); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/model-instances?worker_id=7", testJoinToken, nil)
	var list types.ModelInstancesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != assigned.ID {
		t.Fatalf("filter returned wrong instances: %+v", list.Items)
	}
}

func TestHubSearchHandler(t *testing.T) {
	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("search"); got != "whisper" {
			t.Errorf("search = %q, want whisper", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"Systran/faster-whisper-medium","downloads":100,"pipeline_tag":"automatic-speech-recognition"}]`))
	}))
	defer hubSrv.Close()

	srv, _ := newTestServer(t)
	srv.hub = hub.New(hubSrv.URL)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodGet, "/v1/hub/models?search=whisper", testAdminPassword, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Items []hub.Model `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].ID != "Systran/faster-whisper-medium" {
		t.Fatalf("unexpected results: %+v", out.Items)
	}
}

func TestHubSearchRequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	rec := doRequest(t, h, http.MethodGet, "/v1/hub/models", testAdminPassword, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

// runInstanceOnBackend seeds a model with one running instance pointing at
// the given httptest backend.
func runInstanceOnBackend(t *testing.T, h http.Handler, st *store.Store, name, backendURL string) {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel(name, 1))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create model: got %d", rec.Code)
	}
	var m types.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	instances, err := st.ListInstances(context.Background(), store.InstanceFilter{ModelID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	u, err := url.Parse(backendURL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("backend port: %v", err)
	}
	mi := instances[0]
	mi.State = types.InstanceRunning
	mi.WorkerIP = u.Hostname()
	mi.Port = port
	if err := st.UpdateInstance(context.Background(), &mi); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestOpenAIModelListShowsOnlyRunning(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()

	srv, st := newTestServer(t)
	h := srv.Router()
	runInstanceOnBackend(t, h, st, "served", backend.URL)
	if rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("idle", 1)); rec.Code != http.StatusCreated {
		t.Fatalf("create idle model: got %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1-openai/models", testAdminPassword, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var list types.OpenAIModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "served" {
		t.Fatalf("unexpected model list: %+v", list.Data)
	}
}

func TestProxyRoutesChatCompletionToRunningInstance(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("Authorization") != "" {
			t.Error("authorization header leaked to backend")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer backend.Close()

	srv, st := newTestServer(t)
	h := srv.Router()
	runInstanceOnBackend(t, h, st, "llama", backend.URL)

	body := map[string]any{"model": "llama", "messages": []map[string]string{{"role": "user", "content": "hi"}}}
	rec := doRequest(t, h, http.MethodPost, "/v1-openai/chat/completions", testAdminPassword, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("backend path = %q, want /v1/chat/completions", gotPath)
	}
	if !strings.Contains(rec.Body.String(), "hello") {
		t.Fatalf("backend response not forwarded: %s", rec.Body.String())
	}
}

func TestProxyUnknownModelReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	body := map[string]any{"model": "nope"}
	rec := doRequest(t, h, http.MethodPost, "/v1-openai/chat/completions", testAdminPassword, body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestProxyNoRunningInstanceReturns503(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	if rec := doRequest(t, h, http.MethodPost, "/v1/models", testAdminPassword, testModel("llama", 1)); rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}
	body := map[string]any{"model": "llama"}
	rec := doRequest(t, h, http.MethodPost, "/v1-openai/chat/completions", testAdminPassword, body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rec.Code)
	}
}

func TestProxyRequiresModelField(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	body := map[string]any{"messages": []string{}}
	rec := doRequest(t, h, http.MethodPost, "/v1-openai/chat/completions", testAdminPassword, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestProxyMultipartTranscription(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"transcribed"}`))
	}))
	defer backend.Close()

	srv, st := newTestServer(t)
	h := srv.Router()
	runInstanceOnBackend(t, h, st, "whisper", backend.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", "whisper"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("RIFFfakeaudio")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1-openai/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAdminPassword)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/v1/audio/transcriptions" {
		t.Fatalf("backend path = %q", gotPath)
	}
	if !strings.Contains(rec.Body.String(), "transcribed") {
		t.Fatalf("response not forwarded: %s", rec.Body.String())
	}
}

func TestMultipartModelFieldErrors(t *testing.T) {
	if _, err := multipartModelField("application/json", nil); err == nil {
		t.Fatal("expected error for non-multipart content type")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "x")
	_ = mw.Close()
	if _, err := multipartModelField(mw.FormDataContentType(), buf.Bytes()); err == nil {
		t.Fatal("expected error when model field is missing")
	}
}
