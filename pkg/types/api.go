package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: whisper-medium
	Error string `json:"error" example:"model not found: whisper-medium"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// WorkersResponse wraps the list returned by GET /v1/workers.
type WorkersResponse struct {
	Items []Worker `json:"items"`
}

// ModelsResponse wraps the list returned by GET /v1/models.
type ModelsResponse struct {
	Items []Model `json:"items"`
}

// ModelInstancesResponse wraps the list returned by GET /v1/model-instances.
type ModelInstancesResponse struct {
	Items []ModelInstance `json:"items"`
}

// RegisterWorkerResponse is returned on worker registration.
type RegisterWorkerResponse struct {
	Worker Worker `json:"worker"`
	// HeartbeatSeconds tells the worker how often to report status.
	// example: 15
	HeartbeatSeconds int `json:"heartbeat_seconds" example:"15"`
}

// InstanceStateUpdate is sent by a worker when an instance changes state.
type InstanceStateUpdate struct {
	State        ModelInstanceState `json:"state"`
	StateMessage string             `json:"state_message,omitempty"`
	Port         int                `json:"port,omitempty"`
	PID          int                `json:"pid,omitempty"`
}

// OpenAIModel is one entry of the OpenAI-compatible model listing.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelList is the OpenAI-compatible GET /v1/models payload served to
// API consumers (distinct from the management /v1/models resource).
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}
