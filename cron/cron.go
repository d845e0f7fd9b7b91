// Package cron schedules jobs, typically pipeline runs, on cron expressions
// or at fixed times.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-process/failure"
	"github.com/goliatone/go-process/logging"
	"github.com/goliatone/go-process/runner"
)

// Job is a unit of scheduled work. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   logging.Logger
	parser   Parser
	logLevel LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*jobHandle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.logger = logging.Normalize(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job every time expression fires, until the handle is
// cancelled or the scheduler stops. A failed run does not unschedule it.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, failure.InvalidArgument("cron expression cannot be empty", map[string]any{"job": cfg.Name})
	}
	if job == nil {
		return nil, failure.InvalidArgument("job cannot be nil", map[string]any{"job": cfg.Name})
	}

	run := s.runnable(cfg, job)
	h := s.newHandle(cfg.Name)
	entry := rcron.FuncJob(func() {
		if !h.begin() {
			return
		}
		if err := run(); err != nil {
			h.finish(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.finish(ScheduleStatusIdle, nil)
	})

	entryID, err := s.cron.AddJob(cfg.Expression, entry)
	if err != nil {
		return nil, failure.New(failure.ErrInvalidArgument, fmt.Sprintf("invalid cron expression %q", cfg.Expression), err, map[string]any{
			"job": cfg.Name,
		})
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	s.logger.Debug("scheduled job %s on %q", cfg.Name, cfg.Expression)
	return h, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt schedules one execution at a specific time. One-off jobs run
// whether or not the scheduler was started.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	if job == nil {
		return nil, failure.InvalidArgument("job cannot be nil", map[string]any{"job": cfg.Name})
	}
	run := s.runnable(cfg, job)

	h := s.newHandle(cfg.Name)
	s.storeHandle(h)

	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if !h.begin() {
			return
		}
		defer s.removeStoredHandle(h.id)
		if err := run(); err != nil {
			h.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.setTerminal(ScheduleStatusCompleted, nil)
	}()

	return h, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop cancels running jobs, waits for them until ctx is done and marks
// every remaining handle as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.setTerminal(ScheduleStatusStopped, nil)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return failure.Cancelled("scheduler stop interrupted", ctx.Err(), nil)
	}
}

// Handles returns the live handles.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

func (s *Scheduler) runnable(cfg JobConfig, job Job) func() error {
	opts := []runner.Option{
		runner.WithLogger(s.logger),
		runner.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)

	return func() error {
		return h.Run(s.ctx, func(ctx context.Context) error {
			return job(ctx)
		})
	}
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h == nil {
		return
	}
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	if name == "" {
		name = fmt.Sprintf("job-%d", s.nextHandleID)
	}
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
	))

	if s.logLevel > LogLevelSilent {
		opts = append(opts, rcron.WithLogger(&loggerAdapter{logger: s.logger, level: s.logLevel}))
	} else {
		opts = append(opts, rcron.WithLogger(rcron.DiscardLogger))
	}

	return opts
}
