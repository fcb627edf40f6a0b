package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelcore/runtime/pkg/config"
)

func ggufBytes(version uint32) []byte {
	b := []byte("GGUF")
	b = append(b, byte(version), byte(version>>8), byte(version>>16), byte(version>>24))
	b = append(b, make([]byte, 64)...)
	return b
}

func newManager(t *testing.T) (*Manager, string) {
	dir := t.TempDir()
	cfg := config.ModelManagerConfig{ModelsDir: dir}
	cfg.Defaults()
	return New(cfg), dir
}

func TestListModelsFiltersByExtension(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gguf"), ggufBytes(2), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("nope"), 0o644))

	models, err := m.ListModels()
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "a", models[0].Name)
	require.Equal(t, FormatGGUF, models[0].Format)
}

func TestListModelsMissingDirReturnsEmpty(t *testing.T) {
	cfg := config.ModelManagerConfig{ModelsDir: "/nonexistent/path/xyz"}
	cfg.Defaults()
	m := New(cfg)
	models, err := m.ListModels()
	require.NoError(t, err)
	require.Empty(t, models)
}

func TestResolveModelExtensionFallback(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llama.gguf"), ggufBytes(2), 0o644))

	info, err := m.ResolveModel("llama")
	require.NoError(t, err)
	require.Equal(t, FormatGGUF, info.Format)
}

func TestResolveModelRejectsUnknownExtension(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "weird.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	_, err := m.ResolveModel(path)
	require.Error(t, err)
}

func TestComputeChecksumDeterministic(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "a.gguf")
	require.NoError(t, os.WriteFile(path, ggufBytes(2), 0o644))

	c1, err := m.ComputeChecksum(path)
	require.NoError(t, err)
	c2, err := m.ComputeChecksum(path)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
	require.Len(t, c1, 64)
}

func TestValidateModelComprehensiveRejectsBadSecurity(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "exec_payload.gguf")
	require.NoError(t, os.WriteFile(path, ggufBytes(2), 0o644))

	result, err := m.ValidateModelComprehensive(path, nil)
	require.NoError(t, err)
	require.False(t, result.SecurityValid)
	require.False(t, result.IsValid())
}

func TestValidateModelComprehensiveAccepts(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, ggufBytes(2), 0o644))

	result, err := m.ValidateModelComprehensive(path, nil)
	require.NoError(t, err)
	require.True(t, result.FileReadable)
	require.True(t, result.FormatValid)
	require.True(t, result.SecurityValid)
	require.True(t, result.MetadataValid)
	require.True(t, result.IsValid())
}

func TestValidateModelComprehensiveWarnsOnUnparseableGGUFMetadata(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "truncated.gguf")
	// Magic + version only: passes the 8-byte signature check but has no
	// tensor_count/metadata_kv_count, so gguf-parser-go fails to parse it.
	require.NoError(t, os.WriteFile(path, []byte("GGUF\x02\x00\x00\x00"), 0o644))

	result, err := m.ValidateModelComprehensive(path, nil)
	require.NoError(t, err)
	require.True(t, result.FormatValid)
	require.False(t, result.MetadataValid)
	require.False(t, result.IsValid())
	require.NotEmpty(t, result.Warnings)
}

func TestVerifyChecksumSidecar(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, ggufBytes(2), 0o644))

	sum, err := m.ComputeChecksum(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".sha256", []byte(sum), 0o644))

	ok, err := m.VerifyChecksumSidecar(path)
	require.NoError(t, err)
	require.NotNil(t, ok)
	require.True(t, *ok)
}

func TestGGUFSignatureRejectsBadVersion(t *testing.T) {
	m, dir := newManager(t)
	path := filepath.Join(dir, "bad.gguf")
	require.NoError(t, os.WriteFile(path, ggufBytes(99), 0o644))

	ok, err := validateGGUFSignature(path)
	require.NoError(t, err)
	require.False(t, ok)
	_ = m
}
