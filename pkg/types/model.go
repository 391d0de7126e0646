package types

import "time"

// ModelSource says where model files come from.
type ModelSource string

const (
	SourceHuggingFace ModelSource = "huggingface"
	SourceLocalPath   ModelSource = "local_path"
)

// ModelCategory classifies what a model does.
type ModelCategory string

const (
	CategoryLLM          ModelCategory = "llm"
	CategorySpeechToText ModelCategory = "speech_to_text"
	CategoryTextToSpeech ModelCategory = "text_to_speech"
)

// BackendName identifies the inference engine used to serve a model.
type BackendName string

const (
	// BackendLlamaBox serves GGUF LLMs.
	BackendLlamaBox BackendName = "llama-box"
	// BackendVoxBox serves speech-to-text and text-to-speech models.
	BackendVoxBox BackendName = "vox-box"
)

// PlacementStrategy selects how instances are spread over workers.
type PlacementStrategy string

const (
	// PlacementSpread prefers the worker with the most free VRAM.
	PlacementSpread PlacementStrategy = "spread"
	// PlacementBinpack prefers the fullest worker that still fits.
	PlacementBinpack PlacementStrategy = "binpack"
)

// Model is a deployment: a named model plus how and where to serve it.
type Model struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	Source ModelSource `json:"source"`
	// HuggingFaceRepoID is set when Source is huggingface.
	// example: Systran/faster-whisper-medium
	HuggingFaceRepoID string `json:"huggingface_repo_id,omitempty"`
	// HuggingFaceFilename optionally narrows the repo to one file (GGUF).
	HuggingFaceFilename string `json:"huggingface_filename,omitempty"`
	// LocalPath is set when Source is local_path.
	LocalPath string `json:"local_path,omitempty"`

	Category ModelCategory `json:"category"`
	Backend  BackendName   `json:"backend"`
	// BackendParams are passed verbatim to the backend process.
	BackendParams []string `json:"backend_params,omitempty"`

	// Replicas is the desired number of running instances.
	Replicas int `json:"replicas"`
	// VRAMClaim overrides the estimated VRAM requirement in bytes (0 = estimate).
	VRAMClaim         uint64            `json:"vram_claim,omitempty"`
	PlacementStrategy PlacementStrategy `json:"placement_strategy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModelInstanceState is the lifecycle state of one instance of a model.
type ModelInstanceState string

const (
	// InstancePending awaits scheduling.
	InstancePending ModelInstanceState = "pending"
	// InstanceScheduled is assigned to a worker, not yet started.
	InstanceScheduled ModelInstanceState = "scheduled"
	// InstanceInitializing is downloading/loading on the worker.
	InstanceInitializing ModelInstanceState = "initializing"
	// InstanceRunning serves traffic.
	InstanceRunning ModelInstanceState = "running"
	// InstanceError failed; StateMessage carries the reason.
	InstanceError ModelInstanceState = "error"
)

// ComputedResourceClaim is what an instance takes from its worker.
type ComputedResourceClaim struct {
	// RAM in bytes.
	RAM uint64 `json:"ram,omitempty"`
	// VRAM in bytes keyed by GPU index.
	VRAM map[int]uint64 `json:"vram,omitempty"`
}

// ModelInstance is one scheduled copy of a model on a worker.
type ModelInstance struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ModelID   int64  `json:"model_id"`
	ModelName string `json:"model_name"`

	// WorkerID is zero until the scheduler places the instance.
	WorkerID int64  `json:"worker_id,omitempty"`
	WorkerIP string `json:"worker_ip,omitempty"`

	State        ModelInstanceState `json:"state"`
	StateMessage string             `json:"state_message,omitempty"`

	GPUIndexes []int                 `json:"gpu_indexes,omitempty"`
	Claim      ComputedResourceClaim `json:"computed_resource_claim"`

	// Port of the backend process on the worker; zero until running.
	Port int `json:"port,omitempty"`
	PID  int `json:"pid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
