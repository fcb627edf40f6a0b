// Package responsecache implements ResponseCache: a fingerprint-keyed memo
// of prior completions with TTL, size bound, and optional zstd compression.
package responsecache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/persist"
)

const component = "response_cache"

const (
	tagRaw        byte = 0x00
	tagCompressed byte = 0x01
)

// Key computes the deterministic fingerprint described in SPEC_FULL.md
// §4.D: SHA-256 over (model_id, 0x1F, prompt, 0x1F, canonical params).
func Key(modelID, prompt string, params inference.Params) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0x1F})
	h.Write([]byte(prompt))
	h.Write([]byte{0x1F})
	h.Write(canonicalizeParams(params))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeParams renders params as an ordered byte sequence of
// {max_tokens, temperature, top_p, top_k, stop_sequences joined by 0x1E,
// seed-or-zero}. Canonicalizing twice yields the same bytes (idempotent).
func canonicalizeParams(p inference.Params) []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(p.MaxTokens))
	b.WriteByte(0x1E)
	b.WriteString(strconv.FormatFloat(p.Temperature, 'f', -1, 64))
	b.WriteByte(0x1E)
	b.WriteString(strconv.FormatFloat(p.TopP, 'f', -1, 64))
	b.WriteByte(0x1E)
	b.WriteString(strconv.Itoa(p.TopK))
	b.WriteByte(0x1E)
	b.WriteString(strings.Join(p.StopSequences, string(rune(0x1E))))
	b.WriteByte(0x1E)
	var seed int64
	if p.Seed != nil {
		seed = *p.Seed
	}
	b.WriteString(strconv.FormatInt(seed, 10))
	return []byte(b.String())
}

type record struct {
	value          []byte
	storedAt       time.Time
	ttl            time.Duration
	hitCount       int64
	lastAccessedAt time.Time
}

// Stats mirrors get_stats.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
	SizeBytes int64
}

// Cache is the concrete ResponseCache.
type Cache struct {
	cfg     config.ResponseCacheConfig
	log     logging.Logger
	mx      *metrics.Collector
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.RWMutex
	records map[string]*record
	hits    int64
	misses  int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// zstdLevel maps the spec's 1-22-style compression_level onto the
// library's four encoder speed presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// New constructs a Cache. cfg must already have Defaults() applied.
func New(cfg config.ResponseCacheConfig, log logging.Logger, mx *metrics.Collector) (*Cache, error) {
	c := &Cache{
		cfg:       cfg,
		log:       log,
		mx:        mx,
		records:   make(map[string]*record),
		stopSweep: make(chan struct{}),
	}
	if cfg.CompressionEnabled {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(cfg.CompressionLevel)))
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.Persistence, "ResponseCache.new", "constructing zstd encoder", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.Persistence, "ResponseCache.new", "constructing zstd decoder", err)
		}
		c.encoder = enc
		c.decoder = dec
	}
	go c.sweepLoop()
	return c, nil
}

// Get returns the stored value for key if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[key]
	if !ok || time.Now().After(r.storedAt.Add(r.ttl)) {
		c.misses++
		c.mx.IncCounter(component, "misses", 1)
		return nil, false
	}
	r.hitCount++
	r.lastAccessedAt = time.Now()
	c.hits++
	c.mx.IncCounter(component, "hits", 1)

	value, err := c.decode(r.value)
	if err != nil {
		c.log.WithError(err).Warn("failed to decode cached response")
		return nil, false
	}
	return value, true
}

func (c *Cache) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty stored record")
	}
	tag, payload := stored[0], stored[1:]
	switch tag {
	case tagRaw:
		return payload, nil
	case tagCompressed:
		if c.decoder == nil {
			return nil, fmt.Errorf("compressed record but no decoder configured")
		}
		return c.decoder.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}

// Store inserts value under key with the given ttl, evicting LRU entries
// if the store would exceed max_entries or max_memory_mb. Store failures
// are non-fatal to the caller: see SPEC_FULL.md §7 propagation policy.
func (c *Cache) Store(key string, value []byte, ttl time.Duration) error {
	stored, err := c.encode(value)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Persistence, "ResponseCache.store", "encoding value", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[key] = &record{
		value:          stored,
		storedAt:       time.Now(),
		ttl:            ttl,
		lastAccessedAt: time.Now(),
	}

	c.evictToFitLocked()
	return nil
}

func (c *Cache) encode(value []byte) ([]byte, error) {
	if c.cfg.CompressionEnabled && len(value) >= c.cfg.CompressionMinBytes {
		compressed := c.encoder.EncodeAll(value, nil)
		out := make([]byte, 0, len(compressed)+1)
		out = append(out, tagCompressed)
		out = append(out, compressed...)
		return out, nil
	}
	out := make([]byte, 0, len(value)+1)
	out = append(out, tagRaw)
	out = append(out, value...)
	return out, nil
}

func (c *Cache) sizeLocked() int64 {
	var total int64
	for _, r := range c.records {
		total += int64(len(r.value))
	}
	return total
}

// evictToFitLocked evicts the LRU entry repeatedly until both max_entries
// and max_memory_mb fit. Caller holds c.mu.
func (c *Cache) evictToFitLocked() {
	maxBytes := c.cfg.MaxMemoryMB * 1024 * 1024
	for len(c.records) > c.cfg.MaxEntries || (maxBytes > 0 && c.sizeLocked() > maxBytes) {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, r := range c.records {
			if first || r.lastAccessedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = r.lastAccessedAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.records, oldestKey)
	}
}

// Invalidate removes key unconditionally.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, key)
}

// GetStats returns the cumulative hit/miss counters and current sizing.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.records),
		SizeBytes: c.sizeLocked(),
	}
}

// sweepLoop removes expired entries at least every 60s.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.records {
		if now.After(r.storedAt.Add(r.ttl)) {
			delete(c.records, k)
		}
	}
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// persistedRecord is the binary on-disk layout from SPEC_FULL.md §6:
// [u32 key_len][key][u8 tag][u64 value_len][value][i64 stored_at_unix_ms][u64 ttl_ms].
func encodeRecordForPersistence(key string, stored []byte, storedAt time.Time, ttl time.Duration) []byte {
	buf := make([]byte, 0, 4+len(key)+1+8+len(stored)-1+8+8)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(len(key)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, key...)
	if len(stored) == 0 {
		stored = []byte{tagRaw}
	}
	tag := stored[0]
	value := stored[1:]
	buf = append(buf, tag)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(len(value)))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, value...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(storedAt.UnixMilli()))
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(ttl.Milliseconds()))
	buf = append(buf, tmp8[:]...)
	return buf
}

// SaveState writes every record to persistence_path in the binary format
// from §6, if persistence_enabled. Record keys are written in sorted order
// for deterministic output.
func (c *Cache) SaveState() error {
	if !c.cfg.PersistenceEnabled || c.cfg.PersistencePath == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var buf []byte
	for _, key := range c.SortedKeysLocked() {
		r := c.records[key]
		buf = append(buf, encodeRecordForPersistence(key, r.value, r.storedAt, r.ttl)...)
	}
	if err := persistWriteFile(c.cfg.PersistencePath, buf); err != nil {
		return coreerrors.Wrap(coreerrors.Persistence, "ResponseCache.save_state", "writing persistence file", err)
	}
	return nil
}

// SortedKeysLocked is SortedKeys for callers already holding c.mu.
func (c *Cache) SortedKeysLocked() []string {
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadState reads persistence_path and repopulates records, decoding the
// binary layout from §6. A missing or malformed file is treated as empty.
func (c *Cache) LoadState() error {
	if !c.cfg.PersistenceEnabled || c.cfg.PersistencePath == "" {
		return nil
	}
	data, err := persistReadFile(c.cfg.PersistencePath)
	if err != nil || data == nil {
		return nil
	}

	records, err := decodePersistedRecords(data)
	if err != nil {
		c.log.WithError(err).Warn("malformed response cache persistence file, treating as empty")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.records[r.key] = &record{value: r.stored, storedAt: r.storedAt, ttl: r.ttl, lastAccessedAt: r.storedAt}
	}
	return nil
}

func persistWriteFile(path string, data []byte) error {
	return persist.WriteFile(path, data, 0o644)
}

func persistReadFile(path string) ([]byte, error) {
	return persist.ReadFile(path)
}

type persistedRecord struct {
	key      string
	stored   []byte
	storedAt time.Time
	ttl      time.Duration
}

// decodePersistedRecords parses the binary layout produced by
// encodeRecordForPersistence. It returns an error, and no records, at the
// first truncated or malformed record.
func decodePersistedRecords(data []byte) ([]persistedRecord, error) {
	var out []persistedRecord
	pos := 0
	for pos < len(data) {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("truncated key length at offset %d", pos)
		}
		keyLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+keyLen > len(data) {
			return nil, fmt.Errorf("truncated key at offset %d", pos)
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen

		if pos+1 > len(data) {
			return nil, fmt.Errorf("truncated tag at offset %d", pos)
		}
		tag := data[pos]
		pos++

		if pos+8 > len(data) {
			return nil, fmt.Errorf("truncated value length at offset %d", pos)
		}
		valueLen := int(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
		if pos+valueLen > len(data) {
			return nil, fmt.Errorf("truncated value at offset %d", pos)
		}
		value := data[pos : pos+valueLen]
		pos += valueLen

		if pos+8 > len(data) {
			return nil, fmt.Errorf("truncated stored_at at offset %d", pos)
		}
		storedAtMS := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8

		if pos+8 > len(data) {
			return nil, fmt.Errorf("truncated ttl at offset %d", pos)
		}
		ttlMS := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8

		stored := make([]byte, 0, valueLen+1)
		stored = append(stored, tag)
		stored = append(stored, value...)

		out = append(out, persistedRecord{
			key:      key,
			stored:   stored,
			storedAt: time.UnixMilli(storedAtMS),
			ttl:      time.Duration(ttlMS) * time.Millisecond,
		})
	}
	return out, nil
}

// SortedKeys is a small test/debug helper returning cache keys in sorted
// order for deterministic snapshot comparisons.
func (c *Cache) SortedKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
