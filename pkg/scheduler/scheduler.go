// Package scheduler implements the recurring-schedule trigger: a
// single-threaded cooperative tick loop that fires ScheduleEntry templates
// into a JobQueue, interleaved with inbound add/remove/enable/disable
// commands delivered over a channel rather than shared, locked state
// (SPEC_FULL.md §9 Design Notes: "Scheduler global state").
package scheduler

import (
	"fmt"
	"time"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
	"github.com/modelcore/runtime/pkg/logging"
	"github.com/modelcore/runtime/pkg/metrics"
	"github.com/modelcore/runtime/pkg/queue"
	"github.com/modelcore/runtime/pkg/schedule"
)

const component = "scheduler"
const op = "Scheduler"

// Entry is one recurring-schedule registration: a job template bound to a
// target queue and a next-run computation.
type Entry struct {
	ID            string
	JobTemplate   *queue.Job
	Spec          schedule.Spec
	TargetQueueID string
	Enabled       bool
	MaxRuns       int
	StartTime     *time.Time
	EndTime       *time.Time

	LastRun  time.Time
	RunCount int
	NextRun  time.Time
}

func (e *Entry) boundedNow(now time.Time) bool {
	if e.StartTime != nil && now.Before(*e.StartTime) {
		return false
	}
	if e.EndTime != nil && now.After(*e.EndTime) {
		return false
	}
	return true
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdRemove
	cmdEnable
	cmdDisable
	cmdList
)

type command struct {
	kind      cmdKind
	entry     *Entry
	id        string
	replyErr  chan error
	replyList chan []Entry
}

// Scheduler runs the single-threaded tick loop described in §4.G.
type Scheduler struct {
	cfg      config.SchedulerConfig
	queueMgr *queue.Manager
	log      logging.Logger
	mx       *metrics.Collector

	commands chan command
	stop     chan struct{}
	done     chan struct{}

	entries map[string]*Entry
}

// New constructs a Scheduler. cfg must already have Defaults() applied.
func New(cfg config.SchedulerConfig, queueMgr *queue.Manager, log logging.Logger, mx *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		queueMgr: queueMgr,
		log:      log,
		mx:       mx,
		commands: make(chan command),
		entries:  make(map[string]*Entry),
	}
}

// Start launches the tick loop. It is a no-op if already started.
func (s *Scheduler) Start() {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
}

// Stop signals the tick loop to exit and waits for it to drain.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func (s *Scheduler) run() {
	defer close(s.done)
	interval := time.Duration(s.cfg.ScheduleCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdAdd:
		s.entries[cmd.entry.ID] = cmd.entry
		cmd.replyErr <- nil
	case cmdRemove:
		delete(s.entries, cmd.id)
		cmd.replyErr <- nil
	case cmdEnable:
		if e, ok := s.entries[cmd.id]; ok {
			e.Enabled = true
			cmd.replyErr <- nil
		} else {
			cmd.replyErr <- coreerrors.New(coreerrors.NotFound, op+".enable_job", fmt.Sprintf("schedule %q not found", cmd.id))
		}
	case cmdDisable:
		if e, ok := s.entries[cmd.id]; ok {
			e.Enabled = false
			cmd.replyErr <- nil
		} else {
			cmd.replyErr <- coreerrors.New(coreerrors.NotFound, op+".disable_job", fmt.Sprintf("schedule %q not found", cmd.id))
		}
	case cmdList:
		out := make([]Entry, 0, len(s.entries))
		for _, e := range s.entries {
			out = append(out, *e)
		}
		cmd.replyList <- out
	}
}

// tick fires every enabled, in-bounds entry whose next_run has arrived and
// whose target queue is Running. Submission failures leave next_run
// unchanged so the entry is retried on the following tick, without
// counting against max_runs.
func (s *Scheduler) tick() {
	now := time.Now()
	for _, e := range s.entries {
		if !e.Enabled || e.NextRun.After(now) || !e.boundedNow(now) {
			continue
		}
		status, err := s.queueMgr.QueueState(e.TargetQueueID)
		if err != nil || status != queue.StatusRunning {
			continue
		}

		job := e.JobTemplate.Clone()
		job.ID = fmt.Sprintf("%s-run-%d", e.JobTemplate.ID, e.RunCount+1)

		if err := s.queueMgr.SubmitJob(e.TargetQueueID, job); err != nil {
			s.log.WithError(err).WithField("schedule_id", e.ID).Warn("scheduled submission failed, retrying next tick")
			continue
		}

		e.LastRun = now
		e.RunCount++
		s.mx.IncCounter(component, "fires", 1)
		next, err := e.Spec.NextRun(now)
		if err != nil {
			s.log.WithError(err).WithField("schedule_id", e.ID).Warn("failed to compute next run, disabling entry")
			e.Enabled = false
			continue
		}
		e.NextRun = next
		if e.MaxRuns > 0 && e.RunCount >= e.MaxRuns {
			e.Enabled = false
		}
		if _, once := e.Spec.(schedule.Once); once {
			e.Enabled = false
		}
	}
}

// AddSchedule registers entry, computing its initial next_run from now.
// Once(t) entries with t in the past are rejected as a validation error.
func (s *Scheduler) AddSchedule(e *Entry) error {
	if err := e.Spec.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if once, ok := e.Spec.(schedule.Once); ok && once.At.Before(now) {
		return coreerrors.New(coreerrors.Validation, op+".add_schedule", "once.at is in the past")
	}
	next, err := e.Spec.NextRun(now)
	if err != nil {
		return err
	}
	e.NextRun = next
	e.Enabled = true
	return s.send(command{kind: cmdAdd, entry: e})
}

// RemoveSchedule unregisters a schedule entry.
func (s *Scheduler) RemoveSchedule(id string) error {
	return s.send(command{kind: cmdRemove, id: id})
}

// EnableJob re-enables a previously disabled entry.
func (s *Scheduler) EnableJob(id string) error {
	return s.send(command{kind: cmdEnable, id: id})
}

// DisableJob disables an entry without removing it.
func (s *Scheduler) DisableJob(id string) error {
	return s.send(command{kind: cmdDisable, id: id})
}

// ListScheduledJobs returns a snapshot of every registered entry.
func (s *Scheduler) ListScheduledJobs() ([]Entry, error) {
	replyList := make(chan []Entry, 1)
	cmd := command{kind: cmdList, replyList: replyList}
	if s.stop == nil {
		s.handleCommand(cmd)
		return <-replyList, nil
	}
	select {
	case s.commands <- cmd:
	case <-s.stop:
		return nil, coreerrors.New(coreerrors.Validation, op+".list_scheduled_jobs", "scheduler is stopped")
	}
	return <-replyList, nil
}

func (s *Scheduler) send(cmd command) error {
	cmd.replyErr = make(chan error, 1)
	if s.stop == nil {
		// Scheduler not started: mutate the table directly since there is
		// no tick loop goroutine to race with.
		s.handleCommand(cmd)
		return <-cmd.replyErr
	}
	select {
	case s.commands <- cmd:
	case <-s.stop:
		return coreerrors.New(coreerrors.Validation, op, "scheduler is stopped")
	}
	return <-cmd.replyErr
}
