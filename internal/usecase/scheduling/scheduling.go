// Package scheduling runs server housekeeping on cron expressions or
// fixed intervals.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Action identifies a kind of scheduled job.
type Action string

// ActionDocsRefresh re-downloads the framework documentation cache.
const ActionDocsRefresh Action = "docs_refresh"

// ActionFunc performs one run of an action.
type ActionFunc func(ctx context.Context) error

// Task binds an action to a schedule.
type Task struct {
	Name     string
	Schedule string // "*/30 * * * *", "@hourly" or "45m"
	Action   Action
	Timeout  time.Duration
}

const defaultTaskTimeout = 5 * time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs registered actions on their task schedules. A run that
// is still going when the next one is due makes that one skip.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	actions map[Action]ActionFunc
	runCtx  context.Context // nil while stopped
	halt    context.CancelFunc
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger:  logger,
		actions: make(map[Action]ActionFunc),
	}
}

// RegisterAction sets the handler for action.
func (s *Scheduler) RegisterAction(action Action, fn ActionFunc) {
	s.mu.Lock()
	s.actions[action] = fn
	s.mu.Unlock()
}

// AddTask schedules task. Its action must already be registered.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	fn, ok := s.actions[task.Action]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: task %q: unknown action %q", task.Name, task.Action)
	}
	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: invalid schedule: %w", task.Name, err)
	}
	if task.Timeout <= 0 {
		task.Timeout = defaultTaskTimeout
	}

	s.cron.Schedule(sched, &job{task: task, fn: fn, s: s})
	s.logger.Info("task scheduled", "task", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// Start runs due tasks until Stop is called or ctx is done. Calling it on
// a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.halt = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.halt()
	s.runCtx, s.halt = nil, nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

func (s *Scheduler) current() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

type job struct {
	task Task
	fn   ActionFunc
	s    *Scheduler
}

func (j *job) Run() {
	parent := j.s.current()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, j.task.Timeout)
	defer cancel()

	log := j.s.logger.With("task", j.task.Name)
	start := time.Now()
	if err := j.fn(ctx); err != nil {
		log.Warn("scheduled task failed", "error", err, "duration", time.Since(start))
		return
	}
	log.Info("scheduled task done", "duration", time.Since(start))
}

// ParseSchedule accepts a positive Go duration, a five-field cron
// expression or a descriptor such as "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %q", spec)
		}
		return every(d), nil
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a cron expression nor a duration", spec)
	}
	return sched, nil
}

// every is a fixed interval. cron.Every rounds to whole seconds.
type every time.Duration

func (d every) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger sends cron's own messages, such as skipped runs, to slog at
// debug level.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
