package responsecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
)

func newCache(t *testing.T, cfg config.ResponseCacheConfig) *Cache {
	cfg.Defaults()
	c, err := New(cfg, logging.NewNoopLogger(), metrics.New(logging.NewNoopLogger()))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestStoreThenGetHit(t *testing.T) {
	c := newCache(t, config.ResponseCacheConfig{})
	key := Key("m1", "hello", inference.Params{MaxTokens: 10, TopP: 1.0})

	require.NoError(t, c.Store(key, []byte("v"), time.Hour))
	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
	require.EqualValues(t, 1, c.GetStats().Hits)
}

func TestGetAfterExpiryMisses(t *testing.T) {
	c := newCache(t, config.ResponseCacheConfig{})
	key := Key("m1", "hello", inference.Params{MaxTokens: 10, TopP: 1.0})

	require.NoError(t, c.Store(key, []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	require.False(t, ok)
	require.EqualValues(t, 1, c.GetStats().Misses)
}

func TestCanonicalizeParamsIdempotent(t *testing.T) {
	p := inference.Params{MaxTokens: 10, Temperature: 0.5, TopP: 0.9, TopK: 40, StopSequences: []string{"a", "b"}}
	once := canonicalizeParams(p)
	twice := canonicalizeParams(p)
	require.Equal(t, once, twice)
}

func TestKeyDeterministic(t *testing.T) {
	p := inference.Params{MaxTokens: 10, TopP: 1.0}
	k1 := Key("m1", "prompt", p)
	k2 := Key("m1", "prompt", p)
	require.Equal(t, k1, k2)

	k3 := Key("m1", "different prompt", p)
	require.NotEqual(t, k1, k3)
}

func TestCompressionRoundTrip(t *testing.T) {
	cfg := config.ResponseCacheConfig{CompressionEnabled: true, CompressionMinBytes: 1}
	c := newCache(t, cfg)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 251)
	}
	key := "k1"
	require.NoError(t, c.Store(key, big, time.Hour))

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, big, got)
}

func TestEvictionByMaxEntries(t *testing.T) {
	cfg := config.ResponseCacheConfig{MaxEntries: 2}
	c := newCache(t, cfg)

	require.NoError(t, c.Store("a", []byte("1"), time.Hour))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Store("b", []byte("2"), time.Hour))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Store("c", []byte("3"), time.Hour))

	require.LessOrEqual(t, c.GetStats().Entries, 2)
	_, ok := c.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rc.bin")
	cfg := config.ResponseCacheConfig{PersistenceEnabled: true, PersistencePath: path}
	c := newCache(t, cfg)

	require.NoError(t, c.Store("k1", []byte("value-one"), time.Hour))
	require.NoError(t, c.Store("k2", []byte("value-two"), time.Hour))
	require.NoError(t, c.SaveState())

	_, err := os.Stat(path)
	require.NoError(t, err)

	c2 := newCache(t, cfg)
	require.NoError(t, c2.LoadState())

	got, ok := c2.Get("k1")
	require.True(t, ok)
	require.Equal(t, []byte("value-one"), got)
}

func TestInvalidate(t *testing.T) {
	c := newCache(t, config.ResponseCacheConfig{})
	require.NoError(t, c.Store("k", []byte("v"), time.Hour))
	c.Invalidate("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}
