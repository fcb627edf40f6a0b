// Package cache implements ModelCache: a bounded cache of loaded Backends
// keyed by model id, with TTL+LRU+memory-aware eviction, warmup policies,
// and single-flight load de-duplication.
package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/models"
	"github.com/modelcore/runtime/pkg/persist"
)

const component = "model_cache"

// Factory constructs a fresh, unloaded Backend for the given type. Supplied
// by the embedder at Cache construction so the cache stays decoupled from
// concrete backend packages (gguf, onnx).
type Factory func(backendType inference.BackendType, cfg inference.Config, log logging.Logger) (inference.Backend, error)

type entry struct {
	id             string
	mu             sync.Mutex // serializes mutating calls on backend
	backend        inference.Backend
	lastAccessedAt time.Time
	loadCostBytes  int64
	hitCount       int64
	warmAlways     bool
}

// Handle serializes mutating operations against one cached Backend across
// concurrent callers. It is safe to share across goroutines.
type Handle struct {
	e *entry
}

func (h *Handle) Infer(ctx context.Context, prompt string, params inference.Params) (string, error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.backend.Infer(ctx, prompt, params)
}

func (h *Handle) InferStream(ctx context.Context, prompt string, params inference.Params) (<-chan inference.StreamToken, error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.backend.InferStream(ctx, prompt, params)
}

func (h *Handle) GetEmbeddings(ctx context.Context, text string) ([]float32, error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.backend.GetEmbeddings(ctx, text)
}

// IsLoaded, GetModelInfo, GetMetrics are read-only and may execute
// concurrently with inference, per SPEC_FULL.md §5.
func (h *Handle) IsLoaded() bool                          { return h.e.backend.IsLoaded() }
func (h *Handle) GetModelInfo() (models.Info, bool)       { return h.e.backend.GetModelInfo() }
func (h *Handle) GetMetrics() (inference.Metrics, bool)   { return h.e.backend.GetMetrics() }
func (h *Handle) GetBackendType() inference.BackendType   { return h.e.backend.GetBackendType() }

// Stats mirrors the cumulative counters exposed by get_stats.
type Stats struct {
	CacheHits         int64
	CacheMisses       int64
	LoadsAttempted    int64
	LoadsFailed       int64
	Evictions         int64
	CurrentEntries    int
	CurrentMemoryBytes int64
}

// Cache is the concrete ModelCache.
type Cache struct {
	cfg     config.CacheConfig
	factory Factory
	log     logging.Logger
	mx      *metrics.Collector

	mu      sync.RWMutex
	entries map[string]*entry
	sf      singleflight.Group

	hits, misses, attempted, failed, evictions int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Cache. cfg must already have Defaults() applied.
func New(cfg config.CacheConfig, factory Factory, log logging.Logger, mx *metrics.Collector) *Cache {
	c := &Cache{
		cfg:       cfg,
		factory:   factory,
		log:       log,
		mx:        mx,
		entries:   make(map[string]*entry),
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func isAlwaysWarm(cfg config.CacheConfig, id string) bool {
	for _, w := range cfg.AlwaysWarm {
		if w == id {
			return true
		}
	}
	return false
}

// GetOrLoad returns the Handle for info.ID, loading it via the configured
// Factory if not already cached. Concurrent callers for the same id observe
// at most one underlying load: they subscribe to the same singleflight
// call and receive the same handle or the same failure. backendConfig is
// passed through to the Factory verbatim; if the entry is already cached
// (or a concurrent loader wins the singleflight race), the caller's
// backendConfig is not re-applied to the already-loaded backend.
func (c *Cache) GetOrLoad(ctx context.Context, info models.Info, backendType inference.BackendType, backendConfig inference.Config) (*Handle, error) {
	c.mu.RLock()
	if e, ok := c.entries[info.ID]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		e.lastAccessedAt = time.Now()
		e.hitCount++
		c.mu.Unlock()
		atomic.AddInt64(&c.hits, 1)
		c.mx.IncCounter(component, "cache_hits", 1)
		return &Handle{e: e}, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(info.ID, func() (interface{}, error) {
		// Re-check under the singleflight slot: another waiter may have
		// admitted the entry between our RUnlock and this call.
		c.mu.RLock()
		if e, ok := c.entries[info.ID]; ok {
			c.mu.RUnlock()
			return e, nil
		}
		c.mu.RUnlock()

		atomic.AddInt64(&c.attempted, 1)
		backend, err := c.factory(backendType, backendConfig, c.log)
		if err != nil {
			atomic.AddInt64(&c.failed, 1)
			return nil, coreerrors.Wrap(coreerrors.Backend, "ModelCache.get_or_load", "constructing backend", err)
		}
		if err := backend.LoadModel(ctx, info); err != nil {
			atomic.AddInt64(&c.failed, 1)
			return nil, coreerrors.Wrap(coreerrors.Backend, "ModelCache.get_or_load", "loading model", err)
		}

		e := &entry{
			id:             info.ID,
			backend:        backend,
			lastAccessedAt: time.Now(),
			hitCount:       0,
			loadCostBytes:  info.SizeBytes,
			warmAlways:     isAlwaysWarm(c.cfg, info.ID),
		}

		c.mu.Lock()
		if err := c.admitLocked(e); err != nil {
			c.mu.Unlock()
			_ = backend.UnloadModel(context.Background())
			return nil, err
		}
		c.entries[info.ID] = e
		c.mu.Unlock()

		if c.cfg.PersistCache {
			c.mu.RLock()
			c.persistManifestLocked()
			c.mu.RUnlock()
		}
		return e, nil
	})

	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		c.mx.IncCounter(component, "cache_misses", 1)
		return nil, err
	}
	atomic.AddInt64(&c.misses, 1)
	c.mx.IncCounter(component, "cache_misses", 1)
	return &Handle{e: v.(*entry)}, nil
}

// admitLocked evicts entries until admitting e would fit within
// max_cached_models and max_memory_mb, per §4.C's eviction policy. Caller
// holds c.mu.
func (c *Cache) admitLocked(e *entry) error {
	for {
		count := len(c.entries) + 1
		var mem int64
		for _, ex := range c.entries {
			mem += ex.loadCostBytes
		}
		mem += e.loadCostBytes

		overCount := count > c.cfg.MaxCachedModels
		overMem := c.cfg.MaxMemoryMB > 0 && mem > c.cfg.MaxMemoryMB*1024*1024
		if !overCount && !overMem {
			return nil
		}

		victim := c.pickVictimLocked(overCount, overMem)
		if victim == "" {
			return coreerrors.New(coreerrors.Resource, "ModelCache.get_or_load", "no eviction candidate available to admit new entry")
		}
		c.evictLocked(victim)
	}
}

// pickVictimLocked selects the oldest-accessed non-warm entry; ties break
// toward the entry with the largest load_cost_bytes (reclaim more memory
// first), weighted further toward larger entries when memory is binding.
func (c *Cache) pickVictimLocked(overCount, overMem bool) string {
	var candidates []*entry
	for _, e := range c.entries {
		if e.warmAlways {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return ""
	}
	if overMem && c.cfg.MemoryBasedEviction {
		// Weight selection toward larger entries when memory is the
		// binding constraint, oldest access as tiebreak.
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].loadCostBytes != candidates[j].loadCostBytes {
				return candidates[i].loadCostBytes > candidates[j].loadCostBytes
			}
			return candidates[i].lastAccessedAt.Before(candidates[j].lastAccessedAt)
		})
		return candidates[0].id
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccessedAt.Equal(candidates[j].lastAccessedAt) {
			return candidates[i].lastAccessedAt.Before(candidates[j].lastAccessedAt)
		}
		return candidates[i].loadCostBytes > candidates[j].loadCostBytes
	})
	return candidates[0].id
}

// evictLocked removes id from the cache and unloads its backend. Caller
// holds c.mu.
func (c *Cache) evictLocked(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	atomic.AddInt64(&c.evictions, 1)
	c.mx.IncCounter(component, "evictions", 1)
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		_ = e.backend.UnloadModel(context.Background())
	}()
}

// Evict removes id from the cache, if present.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(id)
}

// ListCached returns the ids of all currently-cached entries.
func (c *Cache) ListCached() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns the cumulative stats counters.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var mem int64
	for _, e := range c.entries {
		mem += e.loadCostBytes
	}
	return Stats{
		CacheHits:          atomic.LoadInt64(&c.hits),
		CacheMisses:        atomic.LoadInt64(&c.misses),
		LoadsAttempted:     atomic.LoadInt64(&c.attempted),
		LoadsFailed:        atomic.LoadInt64(&c.failed),
		Evictions:          atomic.LoadInt64(&c.evictions),
		CurrentEntries:     len(c.entries),
		CurrentMemoryBytes: mem,
	}
}

// sweepLoop runs the TTL background sweep at cfg.SweepInterval().
func (c *Cache) sweepLoop() {
	interval := c.cfg.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOnceTTL()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweepOnceTTL() {
	ttl := time.Duration(c.cfg.ModelTTLSeconds) * time.Second
	now := time.Now()

	c.mu.Lock()
	var expired []string
	for id, e := range c.entries {
		if e.warmAlways {
			continue
		}
		if now.Sub(e.lastAccessedAt) > ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.evictLocked(id)
	}
	c.mu.Unlock()
}

// Close stops the background sweep and, if persist_cache is set, writes a
// final manifest.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
	if c.cfg.PersistCache {
		c.mu.RLock()
		c.persistManifestLocked()
		c.mu.RUnlock()
	}
}

// manifestRecord is one entry in the on-disk cache manifest.
type manifestRecord struct {
	ID             string    `json:"id"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       int64     `json:"hit_count"`
	LoadCostBytes  int64     `json:"load_cost_bytes"`
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.cfg.CacheDir, "cache_manifest.json")
}

// persistManifestLocked writes the compact manifest described in
// SPEC_FULL.md §4.C/§6. Caller holds at least a read lock on c.mu.
func (c *Cache) persistManifestLocked() {
	if c.cfg.CacheDir == "" {
		return
	}
	records := make([]manifestRecord, 0, len(c.entries))
	for _, e := range c.entries {
		records = append(records, manifestRecord{
			ID:             e.id,
			LastAccessedAt: e.lastAccessedAt,
			HitCount:       e.hitCount,
			LoadCostBytes:  e.loadCostBytes,
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		c.log.WithError(err).Warn("failed to marshal cache manifest")
		return
	}
	if err := persist.WriteFile(c.manifestPath(), data, 0o644); err != nil {
		c.log.WithError(err).Warn("failed to write cache manifest")
	}
}

// LoadManifest reads a previously persisted manifest for warmup
// prioritization. A missing or malformed file is treated as empty.
func (c *Cache) LoadManifest() ([]manifestRecord, error) {
	data, err := persist.ReadFile(c.manifestPath())
	if err != nil || data == nil {
		return nil, nil
	}
	var records []manifestRecord
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.WithError(err).Warn("malformed cache manifest, treating as empty")
		return nil, nil
	}
	return records, nil
}

// WarmTarget names a model to pre-load at startup or on demand.
type WarmTarget struct {
	Info          models.Info
	BackendType   inference.BackendType
	BackendConfig inference.Config
}

// Warm attempts to load each given target, logging but not failing overall
// on individual failures, per §4.C's warmup policy.
func (c *Cache) Warm(ctx context.Context, targets map[string]WarmTarget) {
	for id, t := range targets {
		if _, err := c.GetOrLoad(ctx, t.Info, t.BackendType, t.BackendConfig); err != nil {
			c.log.WithError(err).WithField("model_id", id).Warn("warmup load failed")
		}
	}
}
