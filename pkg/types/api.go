package types

// ModelView is a descriptor augmented with live process status, returned by
// GET /models.
type ModelView struct {
	ModelDescriptor
	// Live status of the backing process (stopped when none is known).
	// example: running
	Status ProcessStatus `json:"status" example:"running"`
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Port bound by the live process, if any.
	// example: 8001
	LivePort int `json:"live_port,omitempty" example:"8001"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models       []ModelView       `json:"models"`
	DefaultModel string            `json:"default_model,omitempty"`
	TypeDefaults map[string]string `json:"default_models,omitempty"`
}

// CleanupResponse reports how many exited process records POST
// /models/cleanup removed.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// ModelStatusResponse describes one supervised process for GET /models/{id}.
type ModelStatusResponse struct {
	ModelID   string        `json:"model_id"`
	Status    ProcessStatus `json:"status"`
	ExecMode  ExecMode      `json:"exec_mode,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Port      int           `json:"port,omitempty"`
	StartedAt int64         `json:"started_at_unix,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Signal    string        `json:"signal,omitempty"`
	Output    []string      `json:"output,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

// EnqueueRequest is the POST /jobs payload.
type EnqueueRequest struct {
	Type           JobType `json:"type"`
	Model          string  `json:"model,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Size           string  `json:"size,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	N              int     `json:"n,omitempty"`
	InputImagePath string  `json:"input_image_path,omitempty"`
	MaskImagePath  string  `json:"mask_image_path,omitempty"`
	Strength       float64 `json:"strength,omitempty"`
}

// CurrentJobResponse is returned by GET /queue/current.
type CurrentJobResponse struct {
	Job *Job `json:"job"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: model not found: sdxl
	Error string `json:"error" example:"model not found: sdxl"`
	// example: 404
	Code int `json:"code" example:"404"`
}
