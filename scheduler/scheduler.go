// Package scheduler runs named periodic handlers. Each handler is
// single-flight: a tick that arrives while the previous run is still in
// flight is dropped and counted, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentescrow/observability"
)

var (
	ErrUnknownHandler   = errors.New("scheduler: unknown handler")
	ErrDuplicateHandler = errors.New("scheduler: handler already registered")
	ErrStarted          = errors.New("scheduler: already started")
	ErrPaused           = errors.New("scheduler: handler paused")
	ErrBusy             = errors.New("scheduler: handler run in flight")
)

// RunFunc is one pass of a handler.
type RunFunc func(ctx context.Context) error

// Status is the externally visible state of one handler.
type Status struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Paused       bool          `json:"paused"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastStarted  time.Time     `json:"last_started,omitempty"`
	LastFinished time.Time     `json:"last_finished,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Config wires optional collaborators.
type Config struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// Scheduler owns the handler loops.
type Scheduler struct {
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool
	wg      sync.WaitGroup
}

type job struct {
	name     string
	interval time.Duration
	fn       RunFunc
	trigger  chan struct{}
	running  atomic.Bool
	paused   atomic.Bool

	mu     sync.Mutex
	status Status
}

// New constructs an empty scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		logger: logger,
		tracer: otel.Tracer("agentescrow/scheduler"),
		clock:  clock,
		jobs:   make(map[string]*job),
	}
}

// Register adds a handler. It must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn RunFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("scheduler: handler name and func are required")
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: handler %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
		status:   Status{Name: name, Interval: interval},
	}
	s.order = append(s.order, name)
	observability.Settlement().SetPaused(name, false)
	return nil
}

// Start launches one loop per handler. Loops exit when ctx is cancelled;
// Wait blocks until they and any in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", slog.Int("handlers", len(s.order)))
	return nil
}

// Wait blocks until every loop and run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-j.trigger:
		}
		s.dispatch(ctx, j)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	if j.paused.Load() {
		s.skip(j, "paused")
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		s.skip(j, "busy")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		_ = s.execute(ctx, j)
	}()
}

func (s *Scheduler) skip(j *job, reason string) {
	j.mu.Lock()
	j.status.Skipped++
	j.mu.Unlock()
	observability.Settlement().RecordSkip(j.name, reason)
	s.logger.Debug("handler tick skipped", slog.String("handler", j.name), slog.String("reason", reason))
}

// RunNow runs a handler synchronously in the caller's goroutine, under the
// same single-flight guard as scheduled ticks.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	if j.paused.Load() {
		return ErrPaused
	}
	if !j.running.CompareAndSwap(false, true) {
		s.skip(j, "busy")
		return ErrBusy
	}
	defer j.running.Store(false)
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	start := s.clock()
	j.mu.Lock()
	j.status.LastStarted = start
	j.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "settlement."+j.name,
		trace.WithAttributes(attribute.String("handler", j.name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: handler %s panicked: %v", j.name, r)
		}
		finished := s.clock()
		elapsed := finished.Sub(start)
		j.mu.Lock()
		j.status.Runs++
		j.status.LastFinished = finished
		j.status.LastDuration = elapsed
		j.status.LastError = ""
		if err != nil {
			j.status.Failures++
			j.status.LastError = err.Error()
		}
		j.mu.Unlock()
		observability.Settlement().ObserveRun(j.name, err, elapsed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("handler run failed",
				slog.String("handler", j.name),
				slog.Duration("duration", elapsed),
				slog.Any("error", err))
			return
		}
		span.SetStatus(codes.Ok, "")
	}()
	return j.fn(ctx)
}

// Trigger requests an immediate run outside the handler's cadence. A
// trigger that lands while a run is in flight is counted as a skip.
func (s *Scheduler) Trigger(name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	if j.paused.Load() {
		return ErrPaused
	}
	select {
	case j.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Pause stops a handler from starting new runs. A run already in flight
// finishes normally.
func (s *Scheduler) Pause(name string) error {
	return s.setPaused(name, true)
}

// Resume clears a pause.
func (s *Scheduler) Resume(name string) error {
	return s.setPaused(name, false)
}

func (s *Scheduler) setPaused(name string, paused bool) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	if j.paused.Swap(paused) != paused {
		s.logger.Info("handler pause changed", slog.String("handler", name), slog.Bool("paused", paused))
	}
	observability.Settlement().SetPaused(name, paused)
	return nil
}

// Status reports every handler in registration order.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		st.Running = j.running.Load()
		st.Paused = j.paused.Load()
		out = append(out, st)
	}
	return out
}

// Handlers lists registered handler names.
func (s *Scheduler) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Scheduler) job(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	return j, nil
}
