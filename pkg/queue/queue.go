// Package queue implements JobQueue: priority queues of batch jobs with
// dependency ordering, retry with exponential backoff, a dead-letter list,
// and JSON persistence of queue/job state.
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/inference"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/persist"
	"github.com/modelcore/runtime/pkg/schedule"
)

const component = "job_queue"

// Priority controls dispatch order: higher values run first; within equal
// priority, submission order (created_at) wins.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// JobStatus is a job's position in the Queued -> Running -> {Completed,
// Failed, Cancelled} lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobPhase annotates a job's Status (SPEC_FULL.md supplemented feature).
// Dequeue sets PhaseRunning, a requeue or retry sets PhaseQueued, and a
// terminal completion or failure sets PhaseFinalizing. No code in this
// module assigns PhaseLoading, so a job whose model is loading reads as
// PhaseRunning.
type JobPhase string

const (
	PhaseQueued     JobPhase = "queued"
	PhaseLoading    JobPhase = "loading"
	PhaseRunning    JobPhase = "running"
	PhaseFinalizing JobPhase = "finalizing"
)

// ResourceRequirements names the minimum resources a job needs to run.
type ResourceRequirements struct {
	MinMemory   int64 `json:"min_memory"`
	MinCores    int   `json:"min_cores"`
	RequiredGPU bool  `json:"required_gpu"`
}

// ResourceStatus is the host's currently-advertised resource availability,
// supplied by the caller of GetEligibleJobs/Dequeue (§5 "Shared-resource
// policy": the core never consults the OS allocator directly).
type ResourceStatus struct {
	AvailableMemory int64
	AvailableCores  int
	GPUAvailable    bool
}

// Fits reports whether req can be satisfied by this resource status. Only
// MinMemory and RequiredGPU are checked; MinCores is not.
func (r ResourceStatus) Fits(req ResourceRequirements) bool {
	if req.MinMemory > r.AvailableMemory {
		return false
	}
	if req.RequiredGPU && !r.GPUAvailable {
		return false
	}
	return true
}

// BatchInput is one unit of work within a job.
type BatchInput struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// InputResult is the per-input outcome within a JobResult.
type InputResult struct {
	InputID string `json:"input_id"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
}

// AggregateMetrics summarizes one job's execution across all its inputs.
type AggregateMetrics struct {
	TotalTokens      int     `json:"total_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTimeMS      int64   `json:"total_time_ms"`
	SuccessCount     int     `json:"success_count"`
	ErrorCount       int     `json:"error_count"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// JobResult is what a Processor reports back to the queue after running a
// job's inputs.
type JobResult struct {
	JobID   string           `json:"job_id"`
	Results []InputResult    `json:"results"`
	Metrics AggregateMetrics `json:"metrics"`
	Status  JobStatus        `json:"status"`
}

// Job is one unit of batch work.
type Job struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Priority             Priority             `json:"priority"`
	Inputs               []BatchInput         `json:"inputs"`
	InferenceParams      inference.Params     `json:"inference_params"`
	ModelName            string               `json:"model_name"`
	Schedule             schedule.Spec        `json:"-"`
	Dependencies         []string             `json:"dependencies,omitempty"`
	ResourceRequirements ResourceRequirements `json:"resource_requirements"`
	Timeout              time.Duration        `json:"timeout"`
	MaxRetries           int                  `json:"max_retries"`
	RetryCount           int                  `json:"retry_count"`
	CreatedAt            time.Time            `json:"created_at"`
	ScheduledAt          time.Time            `json:"scheduled_at"`

	Status          JobStatus     `json:"status"`
	Phase           JobPhase      `json:"phase"`
	LastError       string        `json:"last_error,omitempty"`
	RetryTimestamps []time.Time   `json:"retry_timestamps,omitempty"`
	Result          *JobResult    `json:"result,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
}

// Clone returns a deep-enough copy suitable for scheduler-driven recurring
// submission (a fresh run of the same template).
func (j *Job) Clone() *Job {
	cp := *j
	cp.Inputs = append([]BatchInput(nil), j.Inputs...)
	cp.Dependencies = append([]string(nil), j.Dependencies...)
	cp.RetryTimestamps = nil
	cp.Result = nil
	cp.LastError = ""
	cp.RetryCount = 0
	cp.CancelRequested = false
	return &cp
}

// Metrics is the per-queue cumulative metrics snapshot.
type Metrics struct {
	TotalJobs              int64
	QueuedJobs             int64
	RunningJobs            int64
	CompletedJobs          int64
	FailedJobs             int64
	totalProcessingSeconds float64
	totalWaitSeconds       float64
	firstSubmitAt          time.Time
	lastTerminalAt         time.Time
}

// Snapshot is the exported, read-only view of Metrics.
type Snapshot struct {
	TotalJobs               int64
	QueuedJobs               int64
	RunningJobs               int64
	CompletedJobs             int64
	FailedJobs                int64
	AvgProcessingTimeSeconds  float64
	AvgWaitTimeSeconds        float64
	ThroughputPerHour         float64
	SuccessRate               float64
}

func (m *Metrics) snapshot() Snapshot {
	terminal := m.CompletedJobs + m.FailedJobs
	s := Snapshot{
		TotalJobs:     m.TotalJobs,
		QueuedJobs:    m.QueuedJobs,
		RunningJobs:   m.RunningJobs,
		CompletedJobs: m.CompletedJobs,
		FailedJobs:    m.FailedJobs,
	}
	if terminal > 0 {
		s.AvgProcessingTimeSeconds = m.totalProcessingSeconds / float64(terminal)
		s.AvgWaitTimeSeconds = m.totalWaitSeconds / float64(terminal)
		s.SuccessRate = float64(m.CompletedJobs) / float64(terminal)
	}
	if !m.firstSubmitAt.IsZero() && !m.lastTerminalAt.IsZero() {
		elapsedHours := m.lastTerminalAt.Sub(m.firstSubmitAt).Hours()
		if elapsedHours > 0 {
			s.ThroughputPerHour = float64(terminal) / elapsedHours
		}
	}
	return s
}

// Status is a queue's overall lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPausing  Status = "pausing"
	StatusPaused   Status = "paused"
	StatusDraining Status = "draining"
	StatusError    Status = "error"
)

// Queue is one named job queue.
type Queue struct {
	mu         sync.RWMutex
	id, name, desc string
	status     Status
	errMsg     string
	jobs       map[string]*Job
	deadletter []*Job
	metrics    Metrics
}

// Manager implements the JobQueue contract across many named queues.
type Manager struct {
	cfg config.JobQueueConfig
	log logging.Logger
	mx  *metrics.Collector

	mu     sync.RWMutex
	queues map[string]*Queue
}

// New constructs a Manager. cfg must already have Defaults() applied.
func New(cfg config.JobQueueConfig, log logging.Logger, mx *metrics.Collector) *Manager {
	return &Manager{cfg: cfg, log: log, mx: mx, queues: make(map[string]*Queue)}
}

// CreateQueue registers a new, empty queue in the Running state.
func (m *Manager) CreateQueue(id, name, desc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[id]; exists {
		return coreerrors.New(coreerrors.Conflict, "JobQueue.create_queue", fmt.Sprintf("queue %q already exists", id))
	}
	if len(m.queues) >= m.cfg.MaxQueues {
		return coreerrors.New(coreerrors.Resource, "JobQueue.create_queue", "max_queues reached")
	}
	m.queues[id] = &Queue{
		id:     id,
		name:   name,
		desc:   desc,
		status: StatusRunning,
		jobs:   make(map[string]*Job),
	}
	return nil
}

func (m *Manager) queue(id string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, coreerrors.New(coreerrors.NotFound, "JobQueue", fmt.Sprintf("queue %q not found", id))
	}
	return q, nil
}

// SubmitJob validates and inserts job into queueID, assigning an id if
// unset. See SPEC_FULL.md §4.F for the full validation list.
func (m *Manager) SubmitJob(queueID string, job *Job) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != StatusRunning {
		return coreerrors.New(coreerrors.Validation, "JobQueue.submit_job", fmt.Sprintf("queue %q is not running (status=%s)", queueID, q.status))
	}
	if len(q.jobs) >= m.cfg.MaxJobsPerQueue {
		return coreerrors.New(coreerrors.Resource, "JobQueue.submit_job", "queue at max_queue_size")
	}
	if len(job.Inputs) == 0 {
		return coreerrors.New(coreerrors.Validation, "JobQueue.submit_job", "inputs must not be empty")
	}
	if job.ModelName == "" {
		return coreerrors.New(coreerrors.Validation, "JobQueue.submit_job", "model_name must not be empty")
	}
	if job.ResourceRequirements.MinMemory == 0 {
		return coreerrors.New(coreerrors.Validation, "JobQueue.submit_job", "resource_requirements.min_memory must be > 0")
	}
	if job.Schedule != nil {
		if err := job.Schedule.Validate(); err != nil {
			return err
		}
		if once, ok := job.Schedule.(schedule.Once); ok && once.At.Before(time.Now()) {
			return coreerrors.New(coreerrors.Validation, "JobQueue.submit_job", "schedule.once.at is in the past")
		}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = m.cfg.MaxRetries
	}
	if job.Timeout == 0 {
		job.Timeout = time.Duration(m.cfg.DefaultTimeoutMinutes) * time.Minute
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	} else if _, exists := q.jobs[job.ID]; exists {
		return coreerrors.New(coreerrors.Conflict, "JobQueue.submit_job", fmt.Sprintf("job id %q already exists in queue", job.ID))
	}

	if wouldCycle(q.jobs, job) {
		return coreerrors.New(coreerrors.Conflict, "JobQueue.submit_job", "dependency graph would contain a cycle")
	}

	job.CreatedAt = time.Now()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = job.CreatedAt
	}
	job.Status = JobQueued
	job.Phase = PhaseQueued

	q.jobs[job.ID] = job
	q.metrics.TotalJobs++
	q.metrics.QueuedJobs++
	if q.metrics.firstSubmitAt.IsZero() {
		q.metrics.firstSubmitAt = job.CreatedAt
	}
	m.mx.IncCounter(component, "jobs_submitted", 1)
	return nil
}

// wouldCycle reports whether inserting job (with its declared dependencies)
// into the existing job set would create a dependency cycle. Dependencies
// may reference ids not yet submitted; those are treated as leaves.
func wouldCycle(existing map[string]*Job, job *Job) bool {
	adj := make(map[string][]string, len(existing)+1)
	for id, j := range existing {
		adj[id] = j.Dependencies
	}
	adj[job.ID] = job.Dependencies

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adj))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, dep := range adj[id] {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	return visit(job.ID)
}

// CancelJob cancels a job. A Queued job is marked Cancelled with
// LastError "cancelled" and is no longer dispatched (it stays in the
// queue's job list); a Running job is flagged for cooperative cancellation between
// inputs (§5 Cancellation).
func (m *Manager) CancelJob(queueID, jobID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return coreerrors.New(coreerrors.NotFound, "JobQueue.cancel_job", fmt.Sprintf("job %q not found", jobID))
	}
	switch job.Status {
	case JobQueued:
		job.Status = JobCancelled
		job.LastError = "cancelled"
		q.metrics.QueuedJobs--
	case JobRunning:
		job.CancelRequested = true
	default:
		return coreerrors.New(coreerrors.Validation, "JobQueue.cancel_job", fmt.Sprintf("job %q is already terminal (status=%s)", jobID, job.Status))
	}
	return nil
}

// ListJobs returns all jobs in queueID, optionally filtered by status.
func (m *Manager) ListJobs(queueID string, status *JobStatus) ([]*Job, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if status == nil || j.Status == *status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// GetJobStatus returns one job by id.
func (m *Manager) GetJobStatus(queueID, jobID string) (*Job, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, coreerrors.New(coreerrors.NotFound, "JobQueue.get_job_status", fmt.Sprintf("job %q not found", jobID))
	}
	return job, nil
}

// PauseQueue stops new dispatch; already-running jobs are unaffected.
func (m *Manager) PauseQueue(queueID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusPaused
	return nil
}

// ResumeQueue returns a Paused or Draining queue to Running.
func (m *Manager) ResumeQueue(queueID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusRunning
	q.errMsg = ""
	return nil
}

// DrainQueue stops accepting submissions but lets running jobs finish.
func (m *Manager) DrainQueue(queueID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusDraining
	return nil
}

// ClearQueue removes every job still in the Queued state.
func (m *Manager) ClearQueue(queueID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.Status == JobQueued {
			delete(q.jobs, id)
			q.metrics.QueuedJobs--
		}
	}
	return nil
}

// RetryJob moves a dead-lettered or failed job back to Queued. force
// bypasses the max_retries check and resets retry_count.
func (m *Manager) RetryJob(queueID, jobID string, force bool) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *Job
	for i, j := range q.deadletter {
		if j.ID == jobID {
			job = j
			q.deadletter = append(q.deadletter[:i], q.deadletter[i+1:]...)
			break
		}
	}
	if job == nil {
		j, ok := q.jobs[jobID]
		if !ok || j.Status != JobFailed {
			return coreerrors.New(coreerrors.NotFound, "JobQueue.retry_job", fmt.Sprintf("no failed job %q to retry", jobID))
		}
		job = j
	}
	if !force && job.RetryCount >= job.MaxRetries {
		return coreerrors.New(coreerrors.Validation, "JobQueue.retry_job", "retry_count already at max_retries; pass force to override")
	}
	if force {
		job.RetryCount = 0
	}
	job.Status = JobQueued
	job.Phase = PhaseQueued
	job.ScheduledAt = time.Now()
	job.CancelRequested = false
	q.jobs[job.ID] = job
	q.metrics.QueuedJobs++
	return nil
}

// GetQueueMetrics returns queueID's metrics snapshot.
func (m *Manager) GetQueueMetrics(queueID string) (Snapshot, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return Snapshot{}, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.metrics.snapshot(), nil
}

// GetDependencyGraph returns job id -> dependency ids for queueID.
func (m *Manager) GetDependencyGraph(queueID string) (map[string][]string, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string][]string, len(q.jobs))
	for id, j := range q.jobs {
		out[id] = append([]string(nil), j.Dependencies...)
	}
	return out, nil
}

// CanExecuteJob reports whether every dependency of jobID is Completed.
func (m *Manager) CanExecuteJob(queueID, jobID string) (bool, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return false, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return false, coreerrors.New(coreerrors.NotFound, "JobQueue.can_execute_job", fmt.Sprintf("job %q not found", jobID))
	}
	return dependenciesSatisfiedLocked(q.jobs, job), nil
}

func dependenciesSatisfiedLocked(jobs map[string]*Job, job *Job) bool {
	for _, dep := range job.Dependencies {
		d, ok := jobs[dep]
		if !ok || d.Status != JobCompleted {
			return false
		}
	}
	return true
}

// GetEligibleJobs returns Queued jobs whose dependencies are satisfied,
// whose scheduled_at has arrived, and that fit resources, ordered by
// (priority desc, created_at asc).
func (m *Manager) GetEligibleJobs(queueID string, resources ResourceStatus) ([]*Job, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return eligibleLocked(q.jobs, resources), nil
}

func eligibleLocked(jobs map[string]*Job, resources ResourceStatus) []*Job {
	now := time.Now()
	var out []*Job
	for _, j := range jobs {
		if j.Status != JobQueued {
			continue
		}
		if j.ScheduledAt.After(now) {
			continue
		}
		if !dependenciesSatisfiedLocked(jobs, j) {
			continue
		}
		if !resources.Fits(j.ResourceRequirements) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Dequeue atomically selects the highest-priority eligible job and
// transitions it to Running, so concurrent workers never pick up the same
// job twice.
func (m *Manager) Dequeue(queueID string, resources ResourceStatus) (*Job, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != StatusRunning && q.status != StatusDraining {
		return nil, nil
	}
	candidates := eligibleLocked(q.jobs, resources)
	if len(candidates) == 0 {
		return nil, nil
	}
	job := candidates[0]
	job.Status = JobRunning
	job.Phase = PhaseRunning
	q.metrics.QueuedJobs--
	q.metrics.RunningJobs++
	return job, nil
}

// Requeue reverts a job Dequeue just handed out back to Queued without
// counting it as a failure or a retry, undoing the QueuedJobs/RunningJobs
// metrics adjustment Dequeue applied. Used when a caller decides, after
// dequeueing, that the job cannot run right now (e.g. its model's circuit
// breaker is tripped) and must be bounced back for a later pickup attempt.
func (m *Manager) Requeue(queueID, jobID string) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return coreerrors.New(coreerrors.NotFound, "JobQueue.requeue", fmt.Sprintf("job %q not found", jobID))
	}
	if job.Status != JobRunning {
		return nil
	}
	job.Status = JobQueued
	job.Phase = PhaseQueued
	q.metrics.RunningJobs--
	q.metrics.QueuedJobs++
	return nil
}

// MarkJobCompleted records a successful JobResult.
func (m *Manager) MarkJobCompleted(queueID string, result JobResult) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[result.JobID]
	if !ok {
		return coreerrors.New(coreerrors.NotFound, "JobQueue.mark_job_completed", fmt.Sprintf("job %q not found", result.JobID))
	}
	job.Status = JobCompleted
	job.Phase = PhaseFinalizing
	r := result
	job.Result = &r
	q.metrics.RunningJobs--
	q.metrics.CompletedJobs++
	q.metrics.totalProcessingSeconds += time.Duration(result.Metrics.TotalTimeMS).Seconds()
	q.metrics.totalWaitSeconds += job.firstRanAt().Sub(job.CreatedAt).Seconds()
	q.metrics.lastTerminalAt = time.Now()
	m.mx.IncCounter(component, "jobs_completed", 1)
	return nil
}

// firstRanAt approximates when a job began running; since Job doesn't carry
// a dedicated started_at, CreatedAt is used as a lower bound when no better
// signal exists. Kept as a method so future callers have one place to wire
// a precise started_at without touching call sites.
func (j *Job) firstRanAt() time.Time {
	return j.CreatedAt
}

// MarkJobFailed records a failed JobResult and applies the retry/backoff
// or dead-letter transition per SPEC_FULL.md §4.F.
func (m *Manager) MarkJobFailed(queueID string, result JobResult, reason string, retryable bool) error {
	q, err := m.queue(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[result.JobID]
	if !ok {
		return coreerrors.New(coreerrors.NotFound, "JobQueue.mark_job_failed", fmt.Sprintf("job %q not found", result.JobID))
	}
	job.LastError = reason
	job.RetryTimestamps = append(job.RetryTimestamps, time.Now())
	q.metrics.RunningJobs--

	if retryable && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		delay := backoffDelay(m.cfg, job.RetryCount)
		job.ScheduledAt = time.Now().Add(delay)
		job.Status = JobQueued
		job.Phase = PhaseQueued
		job.CancelRequested = false
		q.metrics.QueuedJobs++
		return nil
	}

	job.Status = JobFailed
	job.Phase = PhaseFinalizing
	r := result
	r.Status = JobFailed
	job.Result = &r
	q.metrics.FailedJobs++
	q.metrics.totalProcessingSeconds += time.Duration(result.Metrics.TotalTimeMS).Seconds()
	q.metrics.totalWaitSeconds += job.firstRanAt().Sub(job.CreatedAt).Seconds()
	q.metrics.lastTerminalAt = time.Now()
	if m.cfg.EnableDeadletterQueue {
		q.deadletter = append(q.deadletter, job)
	}
	m.mx.IncCounter(component, "jobs_failed", 1)
	return nil
}

// backoffDelay computes min(initial_delay * backoff^(retryCount-1),
// max_delay), where retryCount is the already-incremented retry count, so
// the first retry waits initial_delay.
// backoff is fixed at 2.0 when exponential_backoff is enabled, 1.0 (flat
// retry_delay_seconds) otherwise.
func backoffDelay(cfg config.JobQueueConfig, retryCount int) time.Duration {
	initial := time.Duration(cfg.RetryDelaySeconds) * time.Second
	maxDelay := time.Duration(cfg.MaxRetryDelaySeconds) * time.Second
	backoff := 1.0
	if cfg.ExponentialBackoff {
		backoff = 2.0
	}
	delay := time.Duration(float64(initial) * math.Pow(backoff, float64(retryCount-1)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// ListDeadletterJobs returns queueID's exhausted-retry jobs.
func (m *Manager) ListDeadletterJobs(queueID string) ([]*Job, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*Job(nil), q.deadletter...), nil
}

// snapshotState is the serializable form of the whole Manager, used for
// save_state/load_state and queue export/import.
type snapshotState struct {
	Queues map[string]queueSnapshot `json:"queues"`
}

type queueSnapshot struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Desc       string  `json:"desc"`
	Status     Status  `json:"status"`
	Jobs       []*Job  `json:"jobs"`
	Deadletter []*Job  `json:"deadletter"`
}

// SaveState serializes every queue and job to storage_path, if
// persistent_storage is enabled.
func (m *Manager) SaveState() error {
	if !m.cfg.PersistentStorage || m.cfg.StoragePath == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := snapshotState{Queues: make(map[string]queueSnapshot, len(m.queues))}
	for id, q := range m.queues {
		q.mu.RLock()
		jobs := make([]*Job, 0, len(q.jobs))
		for _, j := range q.jobs {
			jobs = append(jobs, j)
		}
		state.Queues[id] = queueSnapshot{ID: q.id, Name: q.name, Desc: q.desc, Status: q.status, Jobs: jobs, Deadletter: q.deadletter}
		q.mu.RUnlock()
	}

	data, err := json.Marshal(state)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Persistence, "JobQueue.save_state", "marshaling snapshot", err)
	}
	if err := persist.WriteFile(m.cfg.StoragePath, data, 0o644); err != nil {
		return coreerrors.Wrap(coreerrors.Persistence, "JobQueue.save_state", "writing snapshot file", err)
	}
	return nil
}

// LoadState reconstructs queues and jobs from storage_path. Jobs that were
// Running at save time are re-queued as Queued (worker crash recovery). A
// missing or malformed file is treated as empty state.
func (m *Manager) LoadState() error {
	if !m.cfg.PersistentStorage || m.cfg.StoragePath == "" {
		return nil
	}
	data, err := persist.ReadFile(m.cfg.StoragePath)
	if err != nil || data == nil {
		return nil
	}
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		m.log.WithError(err).Warn("malformed job queue snapshot, treating as empty")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*Queue, len(state.Queues))
	for id, qs := range state.Queues {
		jobsMap := make(map[string]*Job, len(qs.Jobs))
		for _, j := range qs.Jobs {
			if j.Status == JobRunning {
				j.Status = JobQueued
				j.Phase = PhaseQueued
			}
			jobsMap[j.ID] = j
		}
		m.queues[id] = &Queue{
			id: qs.ID, name: qs.Name, desc: qs.Desc, status: qs.Status,
			jobs: jobsMap, deadletter: qs.Deadletter,
		}
	}
	return nil
}

// ExportQueue produces a portable snapshot of one queue (SPEC_FULL.md
// supplemented feature), suitable for migrating it to another host via
// ImportQueue.
func (m *Manager) ExportQueue(queueID string) ([]byte, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	snap := queueSnapshot{ID: q.id, Name: q.name, Desc: q.desc, Status: q.status, Jobs: jobs, Deadletter: q.deadletter}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Persistence, "JobQueue.export_queue", "marshaling queue snapshot", err)
	}
	return data, nil
}

// ImportQueue consumes a snapshot produced by ExportQueue, creating or
// replacing the queue it names.
func (m *Manager) ImportQueue(data []byte) error {
	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return coreerrors.Wrap(coreerrors.Validation, "JobQueue.import_queue", "malformed queue snapshot", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	jobsMap := make(map[string]*Job, len(snap.Jobs))
	for _, j := range snap.Jobs {
		jobsMap[j.ID] = j
	}
	m.queues[snap.ID] = &Queue{id: snap.ID, name: snap.Name, desc: snap.Desc, status: snap.Status, jobs: jobsMap, deadletter: snap.Deadletter}
	return nil
}

// QueueIDs lists every queue id currently registered.
func (m *Manager) QueueIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueueState returns a queue's current lifecycle status.
func (m *Manager) QueueState(queueID string) (Status, error) {
	q, err := m.queue(queueID)
	if err != nil {
		return "", err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.status, nil
}
