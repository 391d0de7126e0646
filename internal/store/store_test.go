package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testWorker(name, uuid string) *types.Worker {
	return &types.Worker{
		UUID:     uuid,
		Name:     name,
		Hostname: name + ".local",
		IP:       "10.0.0.1",
		Port:     10150,
		State:    types.WorkerStateReady,
		Status: types.WorkerStatus{
			CPU:    types.CPUInfo{Total: 16},
			Memory: types.MemoryInfo{Total: 64 << 30},
			GPUDevices: []types.GPUDevice{
				{Index: 0, Name: "RTX 4090", Vendor: "NVIDIA", Memory: types.GPUMemoryInfo{Total: 24 << 30}},
			},
		},
	}
}

func TestUpsertWorkerIsIdempotentByUUID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := testWorker("node0", "uuid-0")
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if w.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	firstID := w.ID

	// Same UUID, changed address: must update, not duplicate.
	w2 := testWorker("node0-renamed", "uuid-0")
	w2.IP = "10.0.0.2"
	if err := s.UpsertWorker(ctx, w2); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if w2.ID != firstID {
		t.Fatalf("expected same id %d, got %d", firstID, w2.ID)
	}
	all, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(all))
	}
	if all[0].Name != "node0-renamed" || all[0].IP != "10.0.0.2" {
		t.Fatalf("update not applied: %+v", all[0])
	}
	if all[0].Status.GPUDevices[0].Memory.Total != 24<<30 {
		t.Fatalf("status not round-tripped: %+v", all[0].Status)
	}
}

func TestUpsertWorkerIDSurvivesOtherInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := testWorker("node0", "uuid-0")
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	firstID := w.ID

	// Inserts into other tables move the connection's last rowid; a
	// re-registration must still resolve the worker's own id.
	m := &types.Model{Name: "llama", Source: types.SourceLocalPath, LocalPath: "/models/llama.gguf", Category: types.CategoryLLM, Backend: types.BackendLlamaBox, Replicas: 3}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	for i := 0; i < 3; i++ {
		mi := &types.ModelInstance{Name: "llama-" + string(rune('a'+i)), ModelID: m.ID, ModelName: m.Name, State: types.InstancePending}
		if err := s.CreateInstance(ctx, mi); err != nil {
			t.Fatalf("create instance: %v", err)
		}
	}

	w2 := testWorker("node0", "uuid-0")
	if err := s.UpsertWorker(ctx, w2); err != nil {
		t.Fatalf("re-register upsert: %v", err)
	}
	if w2.ID != firstID {
		t.Fatalf("expected id %d after re-registration, got %d", firstID, w2.ID)
	}
	all, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(all))
	}
}

func TestUpdateWorkerStatusAndUnreachable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := testWorker("node0", "uuid-0")
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	st := w.Status
	st.CPU.UtilizationRate = 42.5
	if err := s.UpdateWorkerStatus(ctx, w.ID, types.WorkerStateReady, "", st); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.CPU.UtilizationRate != 42.5 {
		t.Fatalf("status not updated: %+v", got.Status.CPU)
	}

	// A cutoff in the future means the heartbeat is stale.
	ids, err := s.MarkWorkersUnreachable(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("mark unreachable: %v", err)
	}
	if len(ids) != 1 || ids[0] != w.ID {
		t.Fatalf("expected worker %d flipped, got %v", w.ID, ids)
	}
	got, _ = s.GetWorker(ctx, w.ID)
	if got.State != types.WorkerStateUnreachable {
		t.Fatalf("expected unreachable, got %s", got.State)
	}

	if err := s.UpdateWorkerStatus(ctx, 9999, types.WorkerStateReady, "", st); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestModelCRUDAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := &types.Model{
		Name:              "whisper-medium",
		Source:            types.SourceHuggingFace,
		HuggingFaceRepoID: "Systran/faster-whisper-medium",
		Category:          types.CategorySpeechToText,
		Backend:           types.BackendVoxBox,
		BackendParams:     []string{"--data-type", "float16"},
		Replicas:          2,
		PlacementStrategy: types.PlacementSpread,
	}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	if m.ID == 0 {
		t.Fatalf("expected assigned id")
	}

	got, err := s.GetModelByName(ctx, "whisper-medium")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != m.ID || len(got.BackendParams) != 2 || got.Backend != types.BackendVoxBox {
		t.Fatalf("unexpected model: %+v", got)
	}

	m.Replicas = 3
	if err := s.UpdateModel(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetModel(ctx, m.ID)
	if got.Replicas != 3 {
		t.Fatalf("replicas not updated: %+v", got)
	}

	mi := &types.ModelInstance{Name: "whisper-medium-0", ModelID: m.ID, ModelName: m.Name, State: types.InstancePending}
	if err := s.CreateInstance(ctx, mi); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.DeleteModel(ctx, m.ID); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if _, err := s.GetInstance(ctx, mi.ID); !IsNotFound(err) {
		t.Fatalf("expected cascade delete of instance, got %v", err)
	}
	if err := s.DeleteModel(ctx, m.ID); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInstanceFilterAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := &types.Model{Name: "llama", Source: types.SourceLocalPath, LocalPath: "/models/llama.gguf", Category: types.CategoryLLM, Backend: types.BackendLlamaBox, Replicas: 2}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	a := &types.ModelInstance{Name: "llama-0", ModelID: m.ID, ModelName: m.Name, State: types.InstanceRunning, WorkerID: 1, WorkerIP: "10.0.0.1",
		GPUIndexes: []int{0}, Claim: types.ComputedResourceClaim{VRAM: map[int]uint64{0: 4 << 30}}, Port: 30001, PID: 77}
	b := &types.ModelInstance{Name: "llama-1", ModelID: m.ID, ModelName: m.Name, State: types.InstancePending}
	for _, mi := range []*types.ModelInstance{a, b} {
		if err := s.CreateInstance(ctx, mi); err != nil {
			t.Fatalf("create instance: %v", err)
		}
	}

	pending, err := s.ListInstances(ctx, InstanceFilter{State: types.InstancePending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	onWorker, err := s.ListInstances(ctx, InstanceFilter{WorkerID: 1})
	if err != nil {
		t.Fatalf("list by worker: %v", err)
	}
	if len(onWorker) != 1 || onWorker[0].Claim.VRAM[0] != 4<<30 {
		t.Fatalf("claim not round-tripped: %+v", onWorker)
	}

	if err := s.ResetInstancesForWorker(ctx, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := s.GetInstance(ctx, a.ID)
	if got.State != types.InstancePending || got.WorkerID != 0 || got.Port != 0 {
		t.Fatalf("instance not reset: %+v", got)
	}

	counts, err := s.CountInstancesByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[types.InstancePending] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
