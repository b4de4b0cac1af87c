// Package scheduler fires the billing and sweep tasks on cron schedules and
// guarantees that at most one run of each task is in flight, whether it was
// started by a tick or by an operator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRunInProgress is returned when a task is already running in this or
	// another instance.
	ErrRunInProgress = errors.New("scheduler: task already running")
	ErrUnknownTask   = errors.New("scheduler: unknown task")
	ErrStopped       = errors.New("scheduler: stopped")
)

// TaskFunc performs one run and returns a summary for logs and operators.
type TaskFunc func(ctx context.Context) (any, error)

// Task is a named unit of scheduled work.
type Task struct {
	Name string
	// Schedule is a standard five-field cron expression. An empty schedule
	// registers the task for manual triggering only.
	Schedule string
	Run      TaskFunc
}

// Instrumentation provides hooks for monitoring task runs.
type Instrumentation struct {
	OnStart    func(task string)
	OnComplete func(task string, duration time.Duration)
	OnFail     func(task string, err error, duration time.Duration)
	OnSkip     func(task string)
}

// TaskStats holds per-task counters.
type TaskStats struct {
	Schedule       string    `json:"schedule,omitempty"`
	Running        bool      `json:"running"`
	Runs           int64     `json:"runs"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	Skipped        int64     `json:"skipped"`
	LastStartedAt  time.Time `json:"last_started_at,omitzero"`
	LastFinishedAt time.Time `json:"last_finished_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	LastResult     any       `json:"last_result,omitempty"`
	NextRunAt      time.Time `json:"next_run_at,omitzero"`
}

// Config holds scheduler configuration.
type Config struct {
	// Location is the time zone cron expressions are evaluated in.
	Location *time.Location
	// RunTimeout is the maximum time allowed for a single run.
	RunTimeout time.Duration
	// LockTTL bounds how long a distributed lock survives a crashed holder.
	LockTTL time.Duration
	// ShutdownTimeout is the maximum time to wait for running tasks on Stop.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Location:        time.UTC,
		RunTimeout:      30 * time.Minute,
		LockTTL:         45 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	def     Task
	guard   sync.Mutex
	entryID cron.EntryID
	stats   TaskStats
}

// Scheduler owns the cron loop and the per-task run guards.
type Scheduler struct {
	config          Config
	cron            *cron.Cron
	log             logrus.FieldLogger
	locker          Locker
	instrumentation *Instrumentation

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	tasks   map[string]*task
	started bool
	stopped bool
}

// New creates a Scheduler. locker may be nil, in which case only runs within
// this process are excluded.
func New(config Config, logger logrus.FieldLogger, locker Locker) *Scheduler {
	def := DefaultConfig()
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = def.RunTimeout
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	log := logger.WithField("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:          config,
		cron:            cron.New(cron.WithLocation(config.Location), cron.WithLogger(cron.PrintfLogger(log))),
		log:             log,
		locker:          locker,
		instrumentation: &Instrumentation{},
		baseCtx:         ctx,
		cancel:          cancel,
		tasks:           make(map[string]*task),
	}
}

// SetInstrumentation sets the instrumentation hooks. Call before Start.
func (s *Scheduler) SetInstrumentation(inst *Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Register adds a task. Names must be unique.
func (s *Scheduler) Register(def Task) error {
	if def.Name == "" || def.Run == nil {
		return errors.New("scheduler: task needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[def.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", def.Name)
	}

	t := &task{def: def}
	t.stats.Schedule = def.Schedule
	if def.Schedule != "" {
		id, err := s.cron.AddFunc(def.Schedule, func() { s.tick(def.Name) })
		if err != nil {
			return fmt.Errorf("scheduler: task %q: invalid schedule %q: %w", def.Name, def.Schedule, err)
		}
		t.entryID = id
	}
	s.tasks[def.Name] = t
	return nil
}

// Start begins firing scheduled ticks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()

	for name, t := range s.tasks {
		if t.def.Schedule != "" {
			s.log.WithFields(logrus.Fields{"task": name, "schedule": t.def.Schedule}).Info("task scheduled")
		}
	}
}

// Stop halts new ticks and waits for running tasks. When the shutdown
// timeout passes first, running tasks are cancelled and an error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info("initiating graceful shutdown")
	s.cron.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		s.cancel()
		<-done
		s.log.Warn("shutdown timeout exceeded; running tasks were cancelled")
		return errors.New("scheduler: shutdown timeout exceeded")
	}
}

// Trigger runs a task immediately through the same guard as scheduled
// ticks and waits for it to finish. The run is not tied to ctx's
// cancellation so a disconnected caller does not abort a charge batch.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	s.log.WithField("task", name).Info("manual run requested")
	return s.run(ctx, name)
}

func (s *Scheduler) tick(name string) {
	_, err := s.run(s.baseCtx, name)
	if err != nil && !errors.Is(err, ErrRunInProgress) && !errors.Is(err, ErrStopped) {
		s.log.WithError(err).WithField("task", name).Error("scheduled run failed")
	}
}

func (s *Scheduler) run(ctx context.Context, name string) (result any, err error) {
	s.mu.RLock()
	t, ok := s.tasks[name]
	stopped := s.stopped
	inst := s.instrumentation
	if ok && !stopped {
		s.wg.Add(1)
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if stopped {
		return nil, ErrStopped
	}
	defer s.wg.Done()

	log := s.log.WithField("task", name)

	if !t.guard.TryLock() {
		s.skipped(t, inst, log)
		return nil, ErrRunInProgress
	}
	defer t.guard.Unlock()

	if s.locker != nil {
		release, held, err := s.locker.Acquire(ctx, name, s.config.LockTTL)
		if err != nil {
			return nil, err
		}
		if !held {
			s.skipped(t, inst, log)
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("failed to release task lock")
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.config.RunTimeout)
	defer cancel()

	start := time.Now()
	s.mu.Lock()
	t.stats.Running = true
	t.stats.Runs++
	t.stats.LastStartedAt = start
	s.mu.Unlock()

	if inst.OnStart != nil {
		inst.OnStart(name)
	}
	log.Info("task started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: task %s panicked: %v", name, r)
		}
		s.finished(t, inst, log, result, err, time.Since(start))
	}()

	return t.def.Run(runCtx)
}

func (s *Scheduler) skipped(t *task, inst *Instrumentation, log logrus.FieldLogger) {
	s.mu.Lock()
	t.stats.Skipped++
	s.mu.Unlock()

	if inst.OnSkip != nil {
		inst.OnSkip(t.def.Name)
	}
	log.Info("previous run still in progress; skipping")
}

func (s *Scheduler) finished(t *task, inst *Instrumentation, log logrus.FieldLogger, result any, err error, d time.Duration) {
	s.mu.Lock()
	t.stats.Running = false
	t.stats.LastFinishedAt = time.Now()
	t.stats.LastResult = result
	if err != nil {
		t.stats.Failed++
		t.stats.LastError = err.Error()
	} else {
		t.stats.Succeeded++
		t.stats.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		if inst.OnFail != nil {
			inst.OnFail(t.def.Name, err, d)
		}
		log.WithError(err).WithField("duration", d).Error("task failed")
		return
	}
	if inst.OnComplete != nil {
		inst.OnComplete(t.def.Name, d)
	}
	log.WithField("duration", d).Info("task completed")
}

// Tasks lists registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every task's counters.
func (s *Scheduler) Stats() map[string]TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TaskStats, len(s.tasks))
	for name, t := range s.tasks {
		st := t.stats
		if t.entryID != 0 && s.started && !s.stopped {
			st.NextRunAt = s.cron.Entry(t.entryID).Next
		}
		out[name] = st
	}
	return out
}
