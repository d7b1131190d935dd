package types

import "time"

// Format identifies a model's on-disk serialization format.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatSafetensors Format = "safetensors"
	FormatONNX        Format = "onnx"
	FormatMLX         Format = "mlx"
	FormatCoreML      Format = "coreml"
	FormatTFLite      Format = "tflite"
	FormatUnknown     Format = ""
)

// Metadata is the uniform record extracted from a format-specific header.
// Fields that a format does not carry stay zero.
type Metadata struct {
	// Architecture describes the model family (e.g., llama, mistral, phi).
	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	// ParameterCount is the total number of weights, if declared.
	ParameterCount uint64 `json:"parameter_count,omitempty" yaml:"parameter_count,omitempty"`
	// ContextLength is the maximum trained context window.
	ContextLength uint64 `json:"context_length,omitempty" yaml:"context_length,omitempty"`
	// Quantization is the quantization variant string (e.g., Q4_K_M, fp16).
	Quantization string `json:"quantization,omitempty" yaml:"quantization,omitempty"`
	// TokenizerKind names the tokenizer the model expects (e.g., bpe, sentencepiece).
	TokenizerKind string `json:"tokenizer_kind,omitempty" yaml:"tokenizer_kind,omitempty"`
	// TensorCount is the number of tensors in the file, if declared.
	TensorCount uint64 `json:"tensor_count,omitempty" yaml:"tensor_count,omitempty"`
}

// ModelInfo describes a discoverable or loadable model.
//
// A ModelInfo is created by discovery (local scan or catalog entry) and is
// filled in as the model moves through download, extraction and validation:
// LocalPath once bytes are on disk, Metadata once the header has been parsed.
type ModelInfo struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" yaml:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" yaml:"name,omitempty" example:"TinyLlama (Q4)"`
	// Format tag for the on-disk serialization.
	// example: gguf
	Format Format `json:"format" yaml:"format,omitempty" example:"gguf"`
	// URLs are download locations in preference order. Empty for local-only models.
	URLs []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	// SizeBytes is the artifact size, if known ahead of download.
	SizeBytes int64 `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	// SHA256 is the expected artifact checksum, lowercase hex. Empty skips verification.
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	// EstMemoryBytes is the estimated resident memory once loaded.
	EstMemoryBytes int64 `json:"est_memory_bytes,omitempty" yaml:"est_memory_bytes,omitempty"`
	// Backends lists backend tags the catalog declares compatible. Empty means
	// any backend whose supported-format set matches.
	Backends []string `json:"backends,omitempty" yaml:"backends,omitempty"`
	// LocalPath is the model artifact on disk, set once downloaded/extracted.
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
	// Metadata is filled by header extraction during validation.
	Metadata *Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GenerateOptions captures generation parameters passed through to a backend.
type GenerateOptions struct {
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
}

// Usage contains token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult summarizes a completed generation.
type GenerationResult struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Stage names one phase of the load pipeline, for progress reporting.
type Stage string

const (
	StageDiscovery      Stage = "discovery"
	StageDownload       Stage = "download"
	StageExtraction     Stage = "extraction"
	StageValidation     Stage = "validation"
	StageInitialization Stage = "initialization"
	StageLoading        Stage = "loading"
	StageReady          Stage = "ready"
)

// StageProgress reports one stage's completion.
type StageProgress struct {
	Stage    Stage         `json:"stage"`
	Fraction float64       `json:"fraction"`
	Message  string        `json:"message,omitempty"`
	ETA      time.Duration `json:"eta,omitempty"`
}

// OverallProgress aggregates all stages into a single figure.
type OverallProgress struct {
	ModelID    string         `json:"model_id"`
	Percentage float64        `json:"percentage"`
	Active     *StageProgress `json:"active,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
