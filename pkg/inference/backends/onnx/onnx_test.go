package onnx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/models"
)

func newBackend(t *testing.T) *Backend {
	cfg := config.BackendConfig{}
	cfg.Defaults()
	return New(cfg, logging.NewNoopLogger())
}

func writeModel(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "m1.onnx")
	require.NoError(t, os.WriteFile(path, []byte("fake onnx bytes"), 0o644))
	return path
}

func TestLoadModelMissingFileFails(t *testing.T) {
	b := newBackend(t)
	err := b.LoadModel(context.Background(), models.Info{ID: "m1", Path: "/nonexistent/m1.onnx"})
	require.Error(t, err)
	require.False(t, b.IsLoaded())
}

func TestLoadThenInfer(t *testing.T) {
	b := newBackend(t)
	path := writeModel(t)
	require.NoError(t, b.LoadModel(context.Background(), models.Info{ID: "m1", Path: path}))

	out, err := b.Infer(context.Background(), "what is the capital of France?", inference.Params{MaxTokens: 50, TopP: 1.0})
	require.NoError(t, err)
	require.Contains(t, out, "ONNX")

	m, ok := b.GetMetrics()
	require.True(t, ok)
	require.Greater(t, m.PromptTokens, 0)
}

func TestInferStreamSplitsWords(t *testing.T) {
	b := newBackend(t)
	path := writeModel(t)
	require.NoError(t, b.LoadModel(context.Background(), models.Info{ID: "m1", Path: path}))

	stream, err := b.InferStream(context.Background(), "hi", inference.Params{MaxTokens: 100, TopP: 1.0})
	require.NoError(t, err)

	var count int
	for tok := range stream {
		require.NoError(t, tok.Err)
		count++
	}
	require.Greater(t, count, 0)
}

func TestEmbeddingsLength(t *testing.T) {
	b := newBackend(t)
	path := writeModel(t)
	require.NoError(t, b.LoadModel(context.Background(), models.Info{ID: "m1", Path: path}))

	e, err := b.GetEmbeddings(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, e, 768)
}
