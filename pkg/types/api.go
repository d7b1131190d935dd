package types

// LoadRequest asks the daemon to load a model.
type LoadRequest struct {
	// Model id to load.
	Model string `json:"model"`
	// Backend optionally pins a backend tag instead of letting scoring pick.
	Backend string `json:"backend,omitempty"`
}

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	Model   string          `json:"model,omitempty"`
	Prompt  string          `json:"prompt"`
	Options GenerateOptions `json:"options,omitempty"`
	Stream  bool            `json:"stream,omitempty"`
}

// InstanceStatus is the per-loaded-model slice of StatusResponse.
type InstanceStatus struct {
	ModelID       string `json:"model_id"`
	Backend       string `json:"backend"`
	State         string `json:"state"`
	LastUsed      int64  `json:"last_used"`
	MemoryBytes   int64  `json:"memory_bytes"`
	QueueLen      int    `json:"queue_len"`
	Inflight      int    `json:"inflight"`
	MaxQueueDepth int    `json:"max_queue_depth"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	State          string           `json:"state"`
	BudgetBytes    int64            `json:"budget_bytes"`
	UsedBytes      int64            `json:"used_bytes"`
	AvailableBytes int64            `json:"available_bytes"`
	Instances      []InstanceStatus `json:"instances"`
	Downloads      []DownloadStatus `json:"downloads,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// DownloadStatus describes one in-flight or queued download task.
type DownloadStatus struct {
	TaskID   string  `json:"task_id"`
	ModelID  string  `json:"model_id"`
	Fraction float64 `json:"fraction"`
	Attempt  int     `json:"attempt"`
}

// ErrorResponse is the JSON error envelope used by all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
