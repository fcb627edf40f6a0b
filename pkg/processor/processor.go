// Package processor implements the worker pool that consumes queued jobs,
// invoking a Backend (via ModelCache) for each input and reporting results
// back to the JobQueue, honoring timeouts, retries, and a per-model
// circuit breaker (SPEC_FULL.md §4.H).
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelcore/runtime/pkg/cache"
	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/models"
	"github.com/modelcore/runtime/pkg/queue"
)

const component = "processor"

// ResourceProvider supplies the processor with the host's current resource
// availability ahead of each dequeue attempt (§5 "Shared-resource policy").
type ResourceProvider func() queue.ResourceStatus

type circuitState struct {
	consecutiveFailures int
	trippedUntil        time.Time
}

// Processor owns the worker pool that drains a set of JobQueues.
type Processor struct {
	cfg      config.ProcessorConfig
	queueMgr *queue.Manager
	modelMgr *models.Manager
	cacheMgr *cache.Cache
	log      logging.Logger
	mx       *metrics.Collector
	resources ResourceProvider
	backend  config.BackendConfig

	sem    chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	circuits map[string]*circuitState
}

// New constructs a Processor. cfg must already have Defaults() applied.
// backend is the host-supplied BackendConfig (gpu_enabled, context_size,
// batch_size, memory_map, cpu_threads) threaded into every GetOrLoad call
// this Processor makes against cacheMgr.
func New(cfg config.ProcessorConfig, queueMgr *queue.Manager, modelMgr *models.Manager, cacheMgr *cache.Cache, log logging.Logger, mx *metrics.Collector, resources ResourceProvider, backend config.BackendConfig) *Processor {
	if resources == nil {
		resources = func() queue.ResourceStatus { return queue.ResourceStatus{AvailableMemory: 1 << 62, AvailableCores: 1 << 16} }
	}
	return &Processor{
		cfg:       cfg,
		queueMgr:  queueMgr,
		modelMgr:  modelMgr,
		cacheMgr:  cacheMgr,
		log:       log,
		mx:        mx,
		resources: resources,
		backend:   backend,
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
		circuits:  make(map[string]*circuitState),
	}
}

// StartProcessing spawns worker_pool_size workers supervised by an
// errgroup, mirroring the teacher's scheduler run-loop shape.
func (p *Processor) StartProcessing() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = group
	for i := 0; i < p.cfg.WorkerPoolSize; i++ {
		group.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
}

// StopProcessing signals every worker and waits for in-flight jobs to
// finish (graceful drain: a worker never abandons a job mid-processJob).
func (p *Processor) StopProcessing() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	p.cancel = nil
	p.group = nil
}

const pollInterval = 25 * time.Millisecond

func (p *Processor) worker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case p.sem <- struct{}{}:
		default:
			continue
		}

		queueID, job, ok := p.pickJob()
		if !ok {
			<-p.sem
			continue
		}
		// A job already picked up runs to completion even if the pool is
		// asked to stop mid-flight: use a fresh background context here,
		// not the worker's own (which the stop signal cancels).
		p.processJob(context.Background(), queueID, job)
		<-p.sem
	}
}

// pickJob scans every queue for the first eligible job it can dequeue.
// Dequeue itself guarantees at-most-once pickup (atomic CAS to Running).
func (p *Processor) pickJob() (string, *queue.Job, bool) {
	resources := p.resources()
	for _, qid := range p.queueMgr.QueueIDs() {
		job, err := p.queueMgr.Dequeue(qid, resources)
		if err != nil || job == nil {
			continue
		}
		if p.circuitTripped(job.ModelName) {
			// Affected jobs return to Queued immediately; not retried,
			// not counted as a failure. Requeue reverts status and
			// metrics under the queue's own lock instead of mutating
			// the dequeued pointer directly.
			p.queueMgr.Requeue(qid, job.ID)
			continue
		}
		return qid, job, true
	}
	return "", nil, false
}

func (p *Processor) circuitTripped(model string) bool {
	if !p.cfg.EnableCircuitBreaker {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.circuits[model]
	if !ok {
		return false
	}
	return time.Now().Before(c.trippedUntil)
}

func (p *Processor) recordFailure(model string) {
	if !p.cfg.EnableCircuitBreaker {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.circuits[model]
	if !ok {
		c = &circuitState{}
		p.circuits[model] = c
	}
	c.consecutiveFailures++
	if c.consecutiveFailures >= p.cfg.CircuitBreakerThreshold {
		c.trippedUntil = time.Now().Add(time.Duration(p.cfg.CircuitBreakerTimeoutSeconds) * time.Second)
	}
}

func (p *Processor) recordSuccess(model string) {
	if !p.cfg.EnableCircuitBreaker {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.circuits[model]; ok {
		c.consecutiveFailures = 0
	}
}

func effectiveTimeout(jobTimeout time.Duration, cfg config.ProcessorConfig) time.Duration {
	procTimeout := time.Duration(cfg.JobTimeoutSeconds) * time.Second
	if jobTimeout <= 0 {
		return procTimeout
	}
	if procTimeout > 0 && procTimeout < jobTimeout {
		return procTimeout
	}
	return jobTimeout
}

// processJob resolves the target model and backend, runs every input
// through it, and reports the aggregate JobResult back to the queue.
func (p *Processor) processJob(ctx context.Context, queueID string, job *queue.Job) {
	info, err := p.modelMgr.ResolveModel(job.ModelName)
	if err != nil {
		// Unknown model name is non-retryable: straight to dead-letter.
		p.log.WithError(err).WithField("model_name", job.ModelName).Warn("job references unknown model, deadlettering")
		p.queueMgr.MarkJobFailed(queueID, queue.JobResult{JobID: job.ID}, "unknown model: "+err.Error(), false)
		return
	}

	backendType := inference.FromModelPath(info.Path)
	handle, err := p.cacheMgr.GetOrLoad(ctx, info, backendType, p.backend)
	if err != nil {
		p.log.WithError(err).WithField("model_name", job.ModelName).Warn("backend load failed")
		p.recordFailure(job.ModelName)
		p.queueMgr.MarkJobFailed(queueID, queue.JobResult{JobID: job.ID}, "backend load failed: "+err.Error(), true)
		return
	}

	timeout := effectiveTimeout(job.Timeout, p.cfg)
	start := time.Now()
	var results []queue.InputResult
	var agg queue.AggregateMetrics
	timedOut := false

	for _, in := range job.Inputs {
		if job.CancelRequested {
			break
		}
		inCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := handle.Infer(inCtx, in.Content, job.InferenceParams)
		cancel()
		if err != nil {
			if errors.Is(inCtx.Err(), context.DeadlineExceeded) {
				timedOut = true
			}
			results = append(results, queue.InputResult{InputID: in.ID, Err: err.Error()})
			agg.ErrorCount++
			continue
		}
		results = append(results, queue.InputResult{InputID: in.ID, Output: out})
		agg.SuccessCount++
		if m, ok := handle.GetMetrics(); ok {
			agg.TotalTokens += m.TotalTokens
			agg.CompletionTokens += m.CompletionTokens
		}
	}

	agg.TotalTimeMS = time.Since(start).Milliseconds()
	if agg.CompletionTokens > 0 {
		agg.TokensPerSecond = inference.TokensPerSecond(agg.CompletionTokens, time.Since(start).Seconds())
	}
	result := queue.JobResult{JobID: job.ID, Results: results, Metrics: agg}

	switch {
	case job.CancelRequested:
		p.queueMgr.MarkJobFailed(queueID, result, "cancelled", false)
	case agg.SuccessCount == 0 && agg.ErrorCount > 0:
		p.recordFailure(job.ModelName)
		reason := "inference failed on every input"
		if timedOut {
			reason = "timeout"
		}
		p.queueMgr.MarkJobFailed(queueID, result, reason, true)
		p.mx.IncCounter(component, "jobs_failed", 1)
	default:
		p.recordSuccess(job.ModelName)
		result.Status = queue.JobCompleted
		p.queueMgr.MarkJobCompleted(queueID, result)
		p.mx.IncCounter(component, "jobs_completed", 1)
	}
}
