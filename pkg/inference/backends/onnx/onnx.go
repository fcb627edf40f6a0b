// Package onnx implements inference.Backend over ONNX model files.
//
// Like the gguf package, this is a software-only reference engine: rather
// than binding libonnxruntime, it validates and loads the model file, looks
// for a sibling tokenizer file for token-count estimation, and produces a
// deterministic placeholder completion. A production deployment swaps this
// for a real ONNX Runtime-backed engine behind the same inference.Backend
// contract.
package onnx

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/models"
)

const op = "onnx.Backend"

var tokenizerFilenames = []string{"tokenizer.json", "vocab.txt", "tokenizer_config.json"}

// Backend is the ONNX inference engine.
type Backend struct {
	mu            sync.Mutex
	log           logging.Logger
	cfg           inference.Config
	loaded        bool
	info          models.Info
	metrics       inference.Metrics
	hasMx         bool
	tokenizerPath string
}

// New constructs an unloaded ONNX backend.
func New(cfg inference.Config, log logging.Logger) *Backend {
	for _, w := range cfg.Validate() {
		log.WithField("component", "onnx_backend").Warn(w)
	}
	return &Backend{cfg: cfg, log: log}
}

func (b *Backend) GetBackendType() inference.BackendType { return inference.BackendONNX }

func (b *Backend) LoadModel(ctx context.Context, info models.Info) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(info.Path); err != nil {
		return coreerrors.Wrap(coreerrors.Backend, op+".load_model", "model file not found", err)
	}

	b.tokenizerPath = ""
	dir := filepath.Dir(info.Path)
	for _, name := range tokenizerFilenames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			b.tokenizerPath = candidate
			break
		}
	}
	if b.tokenizerPath == "" {
		b.log.WithField("component", "onnx_backend").Warn("no tokenizer found, using word-count estimation")
	}

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return coreerrors.Wrap(coreerrors.Cancelled, op+".load_model", "load cancelled", ctx.Err())
	}

	b.loaded = true
	b.info = info
	b.hasMx = false
	return nil
}

func (b *Backend) UnloadModel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	b.info = models.Info{}
	b.tokenizerPath = ""
	b.hasMx = false
	return nil
}

func (b *Backend) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

func (b *Backend) GetModelInfo() (models.Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info, b.loaded
}

func (b *Backend) GetMetrics() (inference.Metrics, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics, b.hasMx
}

// estimateTokenCount uses a sibling tokenizer's word count when present
// (this reference engine does not bind a real tokenizer library), falling
// back to ~4 characters per token for English-like text.
func (b *Backend) estimateTokenCount(text string) int {
	if b.tokenizerPath != "" {
		return len(strings.Fields(text))
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

func errNotLoaded() error {
	return coreerrors.New(coreerrors.Backend, op, "Model not loaded")
}

func (b *Backend) Infer(ctx context.Context, prompt string, params inference.Params) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return "", errNotLoaded()
	}

	start := time.Now()
	promptTokens := b.estimateTokenCount(prompt)
	promptTime := time.Since(start)

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", coreerrors.Wrap(coreerrors.Cancelled, op+".infer", "inference cancelled", ctx.Err())
	}

	response := fmt.Sprintf("Generated response for: %q (ONNX)", truncate(prompt, 50))

	completionTime := time.Since(start) - promptTime
	totalTime := time.Since(start)
	completionTokens := b.estimateTokenCount(response)

	b.metrics = inference.Metrics{
		TotalTokens:      promptTokens + completionTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTimeMS:      totalTime.Milliseconds(),
		TokensPerSecond:  inference.TokensPerSecond(completionTokens, completionTime.Seconds()),
		PromptTimeMS:     promptTime.Milliseconds(),
		CompletionTimeMS: completionTime.Milliseconds(),
	}
	b.hasMx = true
	return response, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// InferStream simulates streaming by running Infer and splitting the
// result into words, since ONNX models have no inherent streaming API.
func (b *Backend) InferStream(ctx context.Context, prompt string, params inference.Params) (<-chan inference.StreamToken, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, errNotLoaded()
	}

	result, err := b.Infer(ctx, prompt, params)
	if err != nil {
		return nil, err
	}

	words := strings.Fields(result)
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}

	out := make(chan inference.StreamToken)
	go func() {
		defer close(out)
		for i, word := range words {
			if i > 0 {
				select {
				case <-time.After(time.Millisecond):
				case <-ctx.Done():
					out <- inference.StreamToken{Err: coreerrors.Wrap(coreerrors.Cancelled, op+".infer_stream", "stream cancelled", ctx.Err())}
					return
				}
				out <- inference.StreamToken{Text: " "}
			}
			delay := wordDelay(word)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out <- inference.StreamToken{Err: coreerrors.Wrap(coreerrors.Cancelled, op+".infer_stream", "stream cancelled", ctx.Err())}
				return
			}
			out <- inference.StreamToken{Text: word}
		}
	}()
	return out, nil
}

func wordDelay(word string) time.Duration {
	switch {
	case len(word) <= 3:
		return 30 * time.Millisecond
	case len(word) <= 6:
		return 50 * time.Millisecond
	case len(word) <= 10:
		return 70 * time.Millisecond
	default:
		return 90 * time.Millisecond
	}
}

func (b *Backend) GetEmbeddings(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, errNotLoaded()
	}

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, coreerrors.Wrap(coreerrors.Cancelled, op+".get_embeddings", "embeddings cancelled", ctx.Err())
	}

	const dim = 768
	var hash float64
	for _, ch := range text {
		hash += float64(ch)
	}
	embedding := make([]float32, dim)
	for i := range embedding {
		embedding[i] = float32(math.Mod(hash+float64(i), 100.0))/100.0 - 0.5
	}
	return embedding, nil
}
