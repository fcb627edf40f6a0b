// Package gguf implements inference.Backend over GGUF model files.
//
// This is a software-only reference engine: it simulates a model load
// (the model file itself is not opened or checked), tokenizes by
// whitespace splitting, and generates a
// deterministic placeholder completion with realistic per-token streaming
// delays. A production deployment swaps this for a real llama.cpp-backed
// engine behind the same inference.Backend contract.
package gguf

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/models"
)

const op = "gguf.Backend"

// Backend is the GGUF inference engine. It is not safe for concurrent
// mutating calls; callers go through ModelCache's Handle for that.
type Backend struct {
	mu      sync.Mutex
	log     logging.Logger
	cfg     inference.Config
	loaded  bool
	info    models.Info
	metrics inference.Metrics
	hasMx   bool
}

// New constructs an unloaded GGUF backend. Config.Validate warnings are
// logged at construction time per SPEC_FULL.md's supplemented feature.
func New(cfg inference.Config, log logging.Logger) *Backend {
	for _, w := range cfg.Validate() {
		log.WithField("component", "gguf_backend").Warn(w)
	}
	return &Backend{cfg: cfg, log: log}
}

func (b *Backend) GetBackendType() inference.BackendType { return inference.BackendGGUF }

func (b *Backend) LoadModel(ctx context.Context, info models.Info) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-time.After(100 * time.Millisecond):
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

func estimateTokenCount(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	return n
}

func (b *Backend) Infer(ctx context.Context, prompt string, params inference.Params) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return "", errNotLoaded()
	}

	start := time.Now()
	promptTokens := estimateTokenCount(prompt)
	promptTime := time.Since(start)

	response := fmt.Sprintf(
		"GGUF model response to: %s\n\nGenerated with max_tokens=%d, temperature=%.2f, top_p=%.2f.",
		truncate(prompt, 50), params.MaxTokens, params.Temperature, params.TopP,
	)

	completionTokens := estimateTokenCount(response)
	completionTime := time.Since(start) - promptTime
	totalTime := time.Since(start)

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

func errNotLoaded() error {
	return coreerrors.New(coreerrors.Backend, op, "Model not loaded")
}

// InferStream tokenizes a generated response and streams it with
// per-token delays scaled by token length (20/40/80ms base, randomized
// +/-50%, with a periodic 3x "thinking pause" every 20 tokens), mirroring
// the pacing a real decoding loop produces.
func (b *Backend) InferStream(ctx context.Context, prompt string, params inference.Params) (<-chan inference.StreamToken, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, errNotLoaded()
	}

	response := fmt.Sprintf(
		"Processing your input: %s\n\nStreaming response with temperature=%.2f, top_p=%.2f, max_tokens=%d.",
		truncate(prompt, 100), params.Temperature, params.TopP, params.MaxTokens,
	)

	tokens := tokenize(response)
	if len(tokens) > params.MaxTokens && params.MaxTokens > 0 {
		tokens = tokens[:params.MaxTokens]
	}

	out := make(chan inference.StreamToken)
	go func() {
		defer close(out)
		for i, tok := range tokens {
			delay := pacingDelay(i, tok)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out <- inference.StreamToken{Err: coreerrors.Wrap(coreerrors.Cancelled, op+".infer_stream", "stream cancelled", ctx.Err())}
				return
			}
			out <- inference.StreamToken{Text: tok}
		}
	}()
	return out, nil
}

// tokenize splits into words and separates punctuation into its own
// tokens, similar to how a BPE tokenizer would emit sub-word boundaries.
func tokenize(text string) []string {
	var tokens []string
	words := strings.Fields(text)
	for i, word := range words {
		if i > 0 {
			tokens = append(tokens, " ")
		}
		var current strings.Builder
		for _, ch := range word {
			if isWordChar(ch) {
				current.WriteRune(ch)
			} else {
				if current.Len() > 0 {
					tokens = append(tokens, current.String())
					current.Reset()
				}
				tokens = append(tokens, string(ch))
			}
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
		}
	}
	return tokens
}

func isWordChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_'
}

func pacingDelay(index int, token string) time.Duration {
	var base int
	switch {
	case len(token) == 1:
		base = 20
	case len(token) <= 5:
		base = 40
	default:
		base = 80
	}
	variation := 0.5 + rand.Float64()
	delayMS := math.Round(float64(base) * variation)
	if index > 0 && index%20 == 0 {
		delayMS *= 3
	}
	return time.Duration(delayMS) * time.Millisecond
}

func (b *Backend) GetEmbeddings(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return nil, errNotLoaded()
	}

	const dim = 768
	embedding := make([]float32, dim)
	var hash float64
	for _, ch := range text {
		hash += float64(ch)
	}
	for i := range embedding {
		embedding[i] = float32(math.Sin(hash+float64(i))) * 0.1
	}
	return embedding, nil
}
