package types

import "time"

// ExecMode describes how a model backend is invoked.
type ExecMode string

const (
	// ExecServer is a long-lived local HTTP process.
	ExecServer ExecMode = "server"
	// ExecCLI is a one-shot local binary invoked once per job.
	ExecCLI ExecMode = "cli"
	// ExecAPI is a remote OpenAI-compatible endpoint with no local process.
	ExecAPI ExecMode = "api"
)

// Valid reports whether m is a known exec mode.
func (m ExecMode) Valid() bool {
	switch m {
	case ExecServer, ExecCLI, ExecAPI:
		return true
	}
	return false
}

// LocalProcess reports whether the mode is backed by a process on this host.
func (m ExecMode) LocalProcess() bool { return m == ExecServer || m == ExecCLI }

// LoadMode controls when a model process is started.
type LoadMode string

const (
	LoadOnDemand LoadMode = "on_demand"
	LoadPreload  LoadMode = "preload"
)

// Valid reports whether m is a known load mode.
func (m LoadMode) Valid() bool { return m == LoadOnDemand || m == LoadPreload }

// Capability names recognized by the executors.
const (
	CapTextToImage  = "text-to-image"
	CapImageToImage = "image-to-image"
	CapUpscale      = "upscale"
)

// ModelDescriptor is a normalized model definition. It is immutable once the
// registry has been loaded.
type ModelDescriptor struct {
	// Stable identifier for the model (config map key).
	// example: sdxl-turbo
	ID string `json:"id" example:"sdxl-turbo"`
	// Human-friendly name.
	// example: SDXL Turbo
	Name        string `json:"name" example:"SDXL Turbo"`
	Description string `json:"description,omitempty"`
	// example: server
	ExecMode ExecMode `json:"exec_mode" example:"server"`
	// example: on_demand
	LoadMode LoadMode `json:"load_mode" example:"on_demand"`
	// Executable to spawn (server and cli modes).
	// example: ./bin/sd-server
	Command string `json:"command,omitempty" example:"./bin/sd-server"`
	// Arguments; may contain {port} and {model.id} placeholders.
	Args []string `json:"args,omitempty"`
	// Fixed listen port (0 means allocate on start).
	// example: 8001
	Port int `json:"port,omitempty" example:"8001"`
	// Base URL of the OpenAI-compatible API.
	// example: http://127.0.0.1:8001/v1
	API string `json:"api,omitempty" example:"http://127.0.0.1:8001/v1"`
	// APIDerived is true when API was synthesized from Port.
	APIDerived bool   `json:"api_derived,omitempty"`
	APIKey     string `json:"-"`
	// Capabilities, e.g. text-to-image, image-to-image.
	Capabilities     []string       `json:"capabilities,omitempty"`
	ModelType        string         `json:"model_type,omitempty"`
	GenerationParams map[string]any `json:"generation_params,omitempty"`
	// ReadyPatterns override the readiness strategy with model specific regexes.
	ReadyPatterns []string `json:"ready_patterns,omitempty"`
	// ReadyStrategy names a built-in readiness family (default, sdcpp, comfy).
	ReadyStrategy string `json:"ready_strategy,omitempty"`
	// HealthPath is probed over HTTP while waiting for readiness, if set.
	HealthPath string `json:"health_path,omitempty"`
	// Default marks the model as the global default.
	Default bool `json:"default,omitempty"`
}

// HasCapability reports whether the model declares capability c.
func (m ModelDescriptor) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ProcessStatus is the lifecycle state of a supervised process.
type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopping ProcessStatus = "stopping"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessError    ProcessStatus = "error"
)

// JobType selects the kind of image request.
type JobType string

const (
	JobGenerate  JobType = "generate"
	JobEdit      JobType = "edit"
	JobVariation JobType = "variation"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobGenerate, JobEdit, JobVariation:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobModelLoading JobStatus = "model_loading"
	JobProcessing   JobStatus = "processing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one queued generation request.
type Job struct {
	ID              string    `json:"id"`
	Type            JobType   `json:"type"`
	Model           string    `json:"model,omitempty"`
	Prompt          string    `json:"prompt"`
	NegativePrompt  string    `json:"negative_prompt,omitempty"`
	Size            string    `json:"size,omitempty"`
	Seed            *int64    `json:"seed,omitempty"`
	N               int       `json:"n,omitempty"`
	InputImagePath  string    `json:"input_image_path,omitempty"`
	MaskImagePath   string    `json:"mask_image_path,omitempty"`
	Strength        float64   `json:"strength,omitempty"`
	Status          JobStatus `json:"status"`
	Progress        float64   `json:"progress"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	Error           string    `json:"error,omitempty"`
	GenerationID    string    `json:"generation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Image is one generated image payload.
type Image struct {
	Data          []byte `json:"-"`
	ContentType   string `json:"content_type"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
