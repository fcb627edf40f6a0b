// Package config holds the structured configuration for every core
// component. Embedders construct a RuntimeConfig literal (or decode one from
// YAML); there is no CLI surface.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ModelManagerConfig controls model discovery and validation.
type ModelManagerConfig struct {
	ModelsDir         string   `yaml:"models_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxModelSizeGB    float64  `yaml:"max_model_size_gb"`
}

func (c *ModelManagerConfig) Defaults() {
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = []string{"gguf", "onnx"}
	}
	if c.MaxModelSizeGB == 0 {
		c.MaxModelSizeGB = 5.0
	}
}

// BackendConfig mirrors spec §3 BackendConfig.
type BackendConfig struct {
	GPUEnabled  bool   `yaml:"gpu_enabled"`
	GPUDevice   *int   `yaml:"gpu_device,omitempty"`
	CPUThreads  *int   `yaml:"cpu_threads,omitempty"`
	ContextSize int    `yaml:"context_size"`
	BatchSize   int    `yaml:"batch_size"`
	MemoryMap   bool   `yaml:"memory_map"`
}

// Validate returns non-fatal warnings; it never rejects a config outright.
func (c *BackendConfig) Validate() []string {
	var warnings []string
	if c.ContextSize > 131072 {
		warnings = append(warnings, "context_size is unusually large; memory usage may be significant")
	}
	return warnings
}

func (c *BackendConfig) Defaults() {
	if c.ContextSize == 0 {
		c.ContextSize = 4096
	}
	if c.BatchSize == 0 {
		c.BatchSize = 512
	}
}

// WarmupStrategy controls how ModelCache pre-warms entries at startup.
type WarmupStrategy string

const (
	WarmupNone       WarmupStrategy = "none"
	WarmupUsageBased WarmupStrategy = "usage_based"
	WarmupPredictive WarmupStrategy = "predictive"
)

// CacheConfig controls ModelCache bounds and behavior.
type CacheConfig struct {
	MaxCachedModels     int            `yaml:"max_cached_models"`
	MaxMemoryMB         int64          `yaml:"max_memory_mb"`
	ModelTTLSeconds      int64          `yaml:"model_ttl_seconds"`
	EnableWarmup        bool           `yaml:"enable_warmup"`
	WarmupStrategy      WarmupStrategy `yaml:"warmup_strategy"`
	AlwaysWarm          []string       `yaml:"always_warm"`
	MemoryBasedEviction bool           `yaml:"memory_based_eviction"`
	PersistCache        bool           `yaml:"persist_cache"`
	CacheDir            string         `yaml:"cache_dir,omitempty"`
}

func (c *CacheConfig) Defaults() {
	if c.MaxCachedModels == 0 {
		c.MaxCachedModels = 4
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = 16384
	}
	if c.ModelTTLSeconds == 0 {
		c.ModelTTLSeconds = 1800
	}
	if c.WarmupStrategy == "" {
		c.WarmupStrategy = WarmupNone
	}
}

func (c *CacheConfig) SweepInterval() time.Duration {
	d := time.Duration(c.ModelTTLSeconds) * time.Second / 4
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// ResponseCacheConfig controls the fingerprint-keyed completion cache.
type ResponseCacheConfig struct {
	Enabled               bool    `yaml:"enabled"`
	MaxEntries            int     `yaml:"max_entries"`
	TTLSeconds            int64   `yaml:"ttl_seconds"`
	MaxMemoryMB           int64   `yaml:"max_memory_mb"`
	CompressionEnabled    bool    `yaml:"compression_enabled"`
	CompressionAlgorithm  string  `yaml:"compression_algorithm"`
	CompressionLevel      int     `yaml:"compression_level"`
	CompressionMinBytes   int     `yaml:"compression_min_bytes"`
	PersistenceEnabled    bool    `yaml:"persistence_enabled"`
	PersistencePath       string  `yaml:"persistence_path,omitempty"`
}

func (c *ResponseCacheConfig) Defaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 10000
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 3600
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = 512
	}
	if c.CompressionAlgorithm == "" {
		c.CompressionAlgorithm = "zstd"
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 3
	}
	if c.CompressionMinBytes == 0 {
		c.CompressionMinBytes = 1024
	}
}

// JobQueueConfig controls queue bounds, retries and persistence.
type JobQueueConfig struct {
	MaxQueues               int   `yaml:"max_queues"`
	MaxJobsPerQueue         int   `yaml:"max_jobs_per_queue"`
	DefaultTimeoutMinutes   int   `yaml:"default_timeout_minutes"`
	MaxRetries              int   `yaml:"max_retries"`
	CleanupIntervalSeconds  int64 `yaml:"cleanup_interval_seconds"`
	PersistentStorage       bool  `yaml:"persistent_storage"`
	StoragePath             string `yaml:"storage_path,omitempty"`
	EnableDeadletterQueue   bool  `yaml:"enable_deadletter_queue"`
	MaxConcurrentJobs       int   `yaml:"max_concurrent_jobs"`
	JobTimeoutSeconds       int64 `yaml:"job_timeout_seconds"`
	RetryDelaySeconds       int64 `yaml:"retry_delay_seconds"`
	MaxRetryDelaySeconds    int64 `yaml:"max_retry_delay_seconds"`
	ExponentialBackoff      bool  `yaml:"exponential_backoff"`
}

func (c *JobQueueConfig) Defaults() {
	if c.MaxQueues == 0 {
		c.MaxQueues = 16
	}
	if c.MaxJobsPerQueue == 0 {
		c.MaxJobsPerQueue = 10000
	}
	if c.DefaultTimeoutMinutes == 0 {
		c.DefaultTimeoutMinutes = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.CleanupIntervalSeconds == 0 {
		c.CleanupIntervalSeconds = 300
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.JobTimeoutSeconds == 0 {
		c.JobTimeoutSeconds = 600
	}
	if c.RetryDelaySeconds == 0 {
		c.RetryDelaySeconds = 1
	}
	if c.MaxRetryDelaySeconds == 0 {
		c.MaxRetryDelaySeconds = 60
	}
}

// SchedulerConfig controls the recurring-schedule tick loop.
type SchedulerConfig struct {
	EnableScheduler                bool   `yaml:"enable_scheduler"`
	ScheduleCheckIntervalSeconds   int64  `yaml:"schedule_check_interval_seconds"`
	MissedScheduleToleranceSeconds int64  `yaml:"missed_schedule_tolerance_seconds"`
	Timezone                       string `yaml:"timezone"`
}

func (c *SchedulerConfig) Defaults() {
	if c.ScheduleCheckIntervalSeconds == 0 {
		c.ScheduleCheckIntervalSeconds = 60
	}
	if c.MissedScheduleToleranceSeconds == 0 {
		c.MissedScheduleToleranceSeconds = 30
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// ProcessorConfig controls the worker pool consuming queued jobs.
type ProcessorConfig struct {
	MaxConcurrentJobs           int   `yaml:"max_concurrent_jobs"`
	WorkerPoolSize              int   `yaml:"worker_pool_size"`
	EnableBatching              bool  `yaml:"enable_batching"`
	BatchSize                   int   `yaml:"batch_size"`
	BatchTimeoutSeconds         int64 `yaml:"batch_timeout_seconds"`
	EnableCircuitBreaker        bool  `yaml:"enable_circuit_breaker"`
	CircuitBreakerThreshold     int   `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int64 `yaml:"circuit_breaker_timeout_seconds"`
	JobTimeoutSeconds           int64 `yaml:"job_timeout_seconds"`
}

func (c *ProcessorConfig) Defaults() {
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeoutSeconds == 0 {
		c.CircuitBreakerTimeoutSeconds = 30
	}
	if c.JobTimeoutSeconds == 0 {
		c.JobTimeoutSeconds = 300
	}
}

// FlowControlConfig controls per-stream backpressure thresholds.
type FlowControlConfig struct {
	MaxPendingMessages  int     `yaml:"max_pending_messages"`
	ModerateThreshold   float64 `yaml:"moderate_threshold"`
	CriticalThreshold   float64 `yaml:"critical_threshold"`
	MaxUnackedTokens    int64   `yaml:"max_unacked_tokens"`
	AckTimeoutSeconds   int64   `yaml:"ack_timeout_seconds"`
	InferenceTimeoutSeconds int64 `yaml:"inference_timeout_seconds"`
	KeepaliveSeconds    int64   `yaml:"keepalive_seconds"`
	MaxConnections      int     `yaml:"max_connections"`
}

func (c *FlowControlConfig) Defaults() {
	if c.MaxPendingMessages == 0 {
		c.MaxPendingMessages = 1000
	}
	if c.ModerateThreshold == 0 {
		c.ModerateThreshold = 0.70
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.90
	}
	if c.MaxUnackedTokens == 0 {
		c.MaxUnackedTokens = 10000
	}
	if c.AckTimeoutSeconds == 0 {
		c.AckTimeoutSeconds = 30
	}
	if c.InferenceTimeoutSeconds == 0 {
		c.InferenceTimeoutSeconds = 300
	}
	if c.KeepaliveSeconds == 0 {
		c.KeepaliveSeconds = 30
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 100
	}
}

// RuntimeConfig is the top-level configuration for the whole core runtime.
type RuntimeConfig struct {
	ModelManager  ModelManagerConfig  `yaml:"model_manager"`
	Backend       BackendConfig       `yaml:"backend"`
	Cache         CacheConfig         `yaml:"cache"`
	ResponseCache ResponseCacheConfig `yaml:"response_cache"`
	JobQueue      JobQueueConfig      `yaml:"job_queue"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Processor     ProcessorConfig     `yaml:"processor"`
	FlowControl   FlowControlConfig   `yaml:"flow_control"`
}

// Defaults fills every zero-valued field with its documented default.
func (c *RuntimeConfig) Defaults() {
	c.ModelManager.Defaults()
	c.Backend.Defaults()
	c.Cache.Defaults()
	c.ResponseCache.Defaults()
	c.JobQueue.Defaults()
	c.Scheduler.Defaults()
	c.Processor.Defaults()
	c.FlowControl.Defaults()
}

// FromYAML decodes a RuntimeConfig from YAML bytes and applies defaults to
// any field left zero-valued by the document.
func FromYAML(data []byte) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return &cfg, nil
}
