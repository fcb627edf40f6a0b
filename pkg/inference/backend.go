// Package inference defines the polymorphic Backend contract over
// heterogeneous model file formats (GGUF, ONNX): load/unload, blocking
// infer, token streaming, and embeddings.
package inference

import (
	"context"
	"strings"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/models"
)

// BackendType identifies which engine a Backend wraps.
type BackendType string

const (
	BackendGGUF BackendType = "gguf"
	BackendONNX BackendType = "onnx"
)

// FromModelPath resolves a BackendType from a path. Unlike
// models.Manager.ResolveModel, this falls back to GGUF for unrecognized
// extensions — resilience for mis-named files reached via a direct path
// (SPEC_FULL.md Open Question 1).
func FromModelPath(path string) BackendType {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".onnx"):
		return BackendONNX
	case strings.HasSuffix(lower, ".gguf"):
		return BackendGGUF
	}
	switch {
	case strings.Contains(lower, "onnx"):
		return BackendONNX
	case strings.Contains(lower, "llama"), strings.Contains(lower, "gpt"):
		return BackendGGUF
	default:
		return BackendGGUF
	}
}

// Config is an alias of the shared backend configuration struct, consumed
// at Backend construction and immutable thereafter.
type Config = config.BackendConfig

// Params are inference request parameters, validated at the request
// boundary before being handed to a Backend.
type Params struct {
	MaxTokens      int
	Temperature    float64
	TopP           float64
	TopK           int
	Stream         bool
	StopSequences  []string
	Seed           *int64
}

// Validate checks Params against SPEC_FULL.md §3 bounds.
func (p *Params) Validate() error {
	if p.MaxTokens <= 0 || p.MaxTokens > 2_000_000 {
		return coreerrors.New(coreerrors.Validation, "InferenceParams.validate", "max_tokens must be in (0, 2000000]")
	}
	if p.Temperature < 0.0 || p.Temperature > 2.0 {
		return coreerrors.New(coreerrors.Validation, "InferenceParams.validate", "temperature must be in [0.0, 2.0]")
	}
	if p.TopP < 0.0 || p.TopP > 1.0 {
		return coreerrors.New(coreerrors.Validation, "InferenceParams.validate", "top_p must be in [0.0, 1.0]")
	}
	return nil
}

// Metrics records one inference invocation's timing and token counts.
type Metrics struct {
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	TotalTimeMS      int64
	TokensPerSecond  float64
	PromptTimeMS     int64
	CompletionTimeMS int64
}

// TokensPerSecond computes completionTokens / completionTimeSeconds,
// guarding against division by a near-zero duration with epsilon = 0.001s.
func TokensPerSecond(completionTokens int, completionTimeSeconds float64) float64 {
	const epsilon = 0.001
	if completionTimeSeconds < epsilon {
		completionTimeSeconds = epsilon
	}
	return float64(completionTokens) / completionTimeSeconds
}

// StreamToken is one element of a token stream. A non-nil Err terminates
// the stream; it is always the last element sent.
type StreamToken struct {
	Text string
	Err  error
}

// Backend is the polymorphic handle over one loaded model. Implementations
// are not required to be safe for concurrent use; ModelCache's Handle type
// is responsible for serializing mutating calls across callers.
type Backend interface {
	LoadModel(ctx context.Context, info models.Info) error
	UnloadModel(ctx context.Context) error
	IsLoaded() bool
	GetModelInfo() (models.Info, bool)
	Infer(ctx context.Context, prompt string, params Params) (string, error)
	InferStream(ctx context.Context, prompt string, params Params) (<-chan StreamToken, error)
	GetEmbeddings(ctx context.Context, text string) ([]float32, error)
	GetMetrics() (Metrics, bool)
	GetBackendType() BackendType
}

// errNotLoaded is the sentinel message used for every operation invoked
// while Unloaded, per the §4.A state machine.
func errNotLoaded(op string) error {
	return coreerrors.New(coreerrors.Backend, op, "Model not loaded")
}
