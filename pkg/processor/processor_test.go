package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelcore/runtime/pkg/cache"
	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/models"
	"github.com/modelcore/runtime/pkg/queue"
)

// scriptedBackend replays one outcome per call to Infer, cycling through a
// fixed script so tests can exercise partial-success and every-input-fails
// paths deterministically.
type scriptedBackend struct {
	script []error
	calls  int64
}

func (b *scriptedBackend) LoadModel(ctx context.Context, info models.Info) error { return nil }
func (b *scriptedBackend) UnloadModel(ctx context.Context) error                 { return nil }
func (b *scriptedBackend) IsLoaded() bool                                        { return true }
func (b *scriptedBackend) GetModelInfo() (models.Info, bool)                     { return models.Info{}, true }
func (b *scriptedBackend) Infer(ctx context.Context, prompt string, params inference.Params) (string, error) {
	i := atomic.AddInt64(&b.calls, 1) - 1
	if int(i) < len(b.script) && b.script[i] != nil {
		return "", b.script[i]
	}
	return "out", nil
}
func (b *scriptedBackend) InferStream(ctx context.Context, prompt string, params inference.Params) (<-chan inference.StreamToken, error) {
	ch := make(chan inference.StreamToken)
	close(ch)
	return ch, nil
}
func (b *scriptedBackend) GetEmbeddings(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}
func (b *scriptedBackend) GetMetrics() (inference.Metrics, bool) {
	return inference.Metrics{TotalTokens: 1, CompletionTokens: 1}, true
}
func (b *scriptedBackend) GetBackendType() inference.BackendType { return inference.BackendGGUF }

type failBackend struct{}

func (failBackend) LoadModel(ctx context.Context, info models.Info) error { return nil }
func (failBackend) UnloadModel(ctx context.Context) error                 { return nil }
func (failBackend) IsLoaded() bool                                        { return true }
func (failBackend) GetModelInfo() (models.Info, bool)                     { return models.Info{}, true }
func (failBackend) Infer(ctx context.Context, prompt string, params inference.Params) (string, error) {
	return "", context.DeadlineExceeded
}
func (failBackend) InferStream(ctx context.Context, prompt string, params inference.Params) (<-chan inference.StreamToken, error) {
	return nil, context.DeadlineExceeded
}
func (failBackend) GetEmbeddings(ctx context.Context, text string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}
func (failBackend) GetMetrics() (inference.Metrics, bool)      { return inference.Metrics{}, false }
func (failBackend) GetBackendType() inference.BackendType      { return inference.BackendGGUF }

func writeModel(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("GGUF fake bytes"), 0o644))
}

func newTestHarness(t *testing.T, backend inference.Backend) (*Processor, *queue.Manager, *models.Manager) {
	dir := t.TempDir()
	writeModel(t, dir, "m1.gguf")

	mcfg := config.ModelManagerConfig{ModelsDir: dir}
	modelMgr := models.New(mcfg)

	ccfg := config.CacheConfig{}
	ccfg.Defaults()
	factory := func(bt inference.BackendType, bc inference.Config, log logging.Logger) (inference.Backend, error) {
		return backend, nil
	}
	cacheMgr := cache.New(ccfg, factory, logging.NewNoopLogger(), metrics.New(logging.NewNoopLogger()))
	t.Cleanup(cacheMgr.Close)

	qcfg := config.JobQueueConfig{}
	qcfg.Defaults()
	qcfg.RetryDelaySeconds = 0 // deterministic, immediately-eligible retries in tests
	qcfg.EnableDeadletterQueue = true
	queueMgr := queue.New(qcfg, logging.NewNoopLogger(), metrics.New(logging.NewNoopLogger()))
	require.NoError(t, queueMgr.CreateQueue("q1", "q", ""))

	pcfg := config.ProcessorConfig{}
	pcfg.Defaults()
	pcfg.WorkerPoolSize = 2
	pcfg.MaxConcurrentJobs = 2

	p := New(pcfg, queueMgr, modelMgr, cacheMgr, logging.NewNoopLogger(), metrics.New(logging.NewNoopLogger()), nil, config.BackendConfig{})
	return p, queueMgr, modelMgr
}

func submitJob(t *testing.T, qm *queue.Manager, id string, inputs int) *queue.Job {
	t.Helper()
	job := &queue.Job{
		ID:                   id,
		Name:                 id,
		Priority:             queue.PriorityNormal,
		ModelName:            "m1",
		ResourceRequirements: queue.ResourceRequirements{MinMemory: 1},
		Timeout:              time.Second,
		MaxRetries:           2,
	}
	for i := 0; i < inputs; i++ {
		job.Inputs = append(job.Inputs, queue.BatchInput{ID: string(rune('a' + i)), Content: "hi"})
	}
	require.NoError(t, qm.SubmitJob("q1", job))
	return job
}

func TestProcessJobAllSucceed(t *testing.T) {
	p, qm, _ := newTestHarness(t, &scriptedBackend{})
	submitJob(t, qm, "job1", 3)

	resources := queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8}
	job, err := qm.Dequeue("q1", resources)
	require.NoError(t, err)
	require.NotNil(t, job)

	p.processJob(context.Background(), "q1", job)

	status, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	require.Equal(t, queue.JobCompleted, status.Status)
	require.Equal(t, 3, status.Result.Metrics.SuccessCount)
}

func TestProcessJobPartialSuccessStillCompletes(t *testing.T) {
	p, qm, _ := newTestHarness(t, &scriptedBackend{script: []error{context.DeadlineExceeded}})
	submitJob(t, qm, "job1", 2)

	job, err := qm.Dequeue("q1", queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8})
	require.NoError(t, err)

	p.processJob(context.Background(), "q1", job)

	status, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	require.Equal(t, queue.JobCompleted, status.Status)
	require.Equal(t, 1, status.Result.Metrics.SuccessCount)
	require.Equal(t, 1, status.Result.Metrics.ErrorCount)
}

func TestProcessJobAllFailRetriesThenDeadletters(t *testing.T) {
	p, qm, _ := newTestHarness(t, failBackend{})
	submitJob(t, qm, "job1", 1)

	resources := queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8}
	// MaxRetries is 2: the job runs 3 times total (1 original + 2 retries)
	// before landing in the terminal Failed state.
	for i := 0; i < 3; i++ {
		job, err := qm.Dequeue("q1", resources)
		require.NoError(t, err)
		require.NotNil(t, job)
		p.processJob(context.Background(), "q1", job)
	}

	status, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	require.Equal(t, queue.JobFailed, status.Status)

	deadletter, err := qm.ListDeadletterJobs("q1")
	require.NoError(t, err)
	require.Len(t, deadletter, 1)
}

func TestProcessJobUnknownModelDeadlettersImmediately(t *testing.T) {
	p, qm, _ := newTestHarness(t, &scriptedBackend{})
	job := &queue.Job{
		ID:                   "job1",
		Name:                 "job1",
		Priority:             queue.PriorityNormal,
		ModelName:            "does-not-exist",
		ResourceRequirements: queue.ResourceRequirements{MinMemory: 1},
		Inputs:               []queue.BatchInput{{ID: "a", Content: "hi"}},
	}
	require.NoError(t, qm.SubmitJob("q1", job))

	dequeued, err := qm.Dequeue("q1", queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8})
	require.NoError(t, err)
	p.processJob(context.Background(), "q1", dequeued)

	status, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	require.Equal(t, queue.JobFailed, status.Status)
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	p, qm, _ := newTestHarness(t, failBackend{})
	p.cfg.EnableCircuitBreaker = true
	p.cfg.CircuitBreakerThreshold = 1
	p.cfg.CircuitBreakerTimeoutSeconds = 60

	submitJob(t, qm, "job1", 1)
	job, err := qm.Dequeue("q1", queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8})
	require.NoError(t, err)
	p.processJob(context.Background(), "q1", job)

	require.True(t, p.circuitTripped("m1"))
}

func TestPickJobRequeuesOnCircuitTripWithoutLeakingMetrics(t *testing.T) {
	p, qm, _ := newTestHarness(t, failBackend{})
	p.cfg.EnableCircuitBreaker = true
	p.cfg.CircuitBreakerThreshold = 1
	p.cfg.CircuitBreakerTimeoutSeconds = 60

	submitJob(t, qm, "job1", 1)
	resources := queue.ResourceStatus{AvailableMemory: 1 << 40, AvailableCores: 8}
	job, err := qm.Dequeue("q1", resources)
	require.NoError(t, err)
	p.processJob(context.Background(), "q1", job)
	require.True(t, p.circuitTripped("m1"))

	// job1's retry made it eligible again; pickJob must dequeue it, see the
	// tripped circuit, and bounce it back to Queued via Requeue instead of
	// mutating the pointer directly, leaving queue metrics consistent.
	status, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	status.ScheduledAt = time.Now().Add(-time.Second)

	before, err := qm.GetQueueMetrics("q1")
	require.NoError(t, err)

	_, _, ok := p.pickJob()
	require.False(t, ok)

	after, err := qm.GetQueueMetrics("q1")
	require.NoError(t, err)
	require.Equal(t, before.QueuedJobs, after.QueuedJobs)
	require.Equal(t, before.RunningJobs, after.RunningJobs)

	requeued, err := qm.GetJobStatus("q1", "job1")
	require.NoError(t, err)
	require.Equal(t, queue.JobQueued, requeued.Status)
}

func TestEffectiveTimeoutPrefersSmaller(t *testing.T) {
	cfg := config.ProcessorConfig{JobTimeoutSeconds: 5}
	require.Equal(t, 5*time.Second, effectiveTimeout(10*time.Second, cfg))
	require.Equal(t, 2*time.Second, effectiveTimeout(2*time.Second, cfg))
	require.Equal(t, 5*time.Second, effectiveTimeout(0, cfg))
}

func TestStartStopProcessingDrainsJob(t *testing.T) {
	p, qm, _ := newTestHarness(t, &scriptedBackend{})
	submitJob(t, qm, "job1", 1)

	p.StartProcessing()
	require.Eventually(t, func() bool {
		status, err := qm.GetJobStatus("q1", "job1")
		return err == nil && status.Status == queue.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)
	p.StopProcessing()
}
