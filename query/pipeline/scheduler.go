// Package pipeline runs operator instances cooperatively on a fixed set of
// workers. A task whose dependency is blocked is parked on it and only
// rescheduled once the dependency turns ready; workers never wait for data.
package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/polarsignals/localexchange/query/exchange"
)

// Task is one operator instance.
type Task interface {
	Name() string
	// Dependency gates Run. A nil dependency is always ready.
	Dependency() *exchange.Dependency
	// Run does a bounded amount of work and reports whether the task
	// finished.
	Run(ctx context.Context) (bool, error)
	// Close releases the task. It is called exactly once, when the task
	// finished or the run was aborted.
	Close() error
}

type Scheduler struct {
	workers int
	logger  log.Logger
	tracer  trace.Tracer
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

func WithLogger(logger log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func NewScheduler(options ...Option) *Scheduler {
	s := &Scheduler{
		workers: runtime.GOMAXPROCS(0),
		logger:  log.NewNopLogger(),
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
	for _, option := range options {
		option(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

type scheduledTask struct {
	Task
	closed atomic.Bool
	runs   atomic.Int64
}

func (t *scheduledTask) close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.Close()
}

// Run executes tasks until all of them finished, one of them failed or ctx
// is done. Every task is closed before Run returns.
func (s *Scheduler) Run(ctx context.Context, tasks ...Task) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler/Run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("workers", s.workers),
		attribute.Int("tasks", len(tasks)),
	)

	if len(tasks) == 0 {
		return nil
	}

	// A task is either queued, running or parked on its dependency, so the
	// queue never holds more than len(tasks) entries and waking never blocks.
	runnable := make(chan *scheduledTask, len(tasks))
	scheduled := make([]*scheduledTask, len(tasks))
	for i, t := range tasks {
		scheduled[i] = &scheduledTask{Task: t}
		runnable <- scheduled[i]
	}

	done := make(chan struct{})
	remaining := atomic.NewInt64(int64(len(tasks)))

	errg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		errg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-done:
					return nil
				case t := <-runnable:
					if dep := t.Dependency(); dep != nil && dep.IsBlockedBy(func() { runnable <- t }) {
						continue
					}

					t.runs.Inc()
					finished, err := t.Run(ctx)
					if err != nil {
						return fmt.Errorf("task %s: %w", t.Name(), err)
					}
					if !finished {
						runnable <- t
						continue
					}

					if err := t.close(); err != nil {
						return fmt.Errorf("close task %s: %w", t.Name(), err)
					}
					span.AddEvent("task finished", trace.WithAttributes(
						attribute.String("task", t.Name()),
						attribute.Int64("runs", t.runs.Load()),
					))
					level.Debug(s.logger).Log("msg", "task finished", "task", t.Name(), "runs", t.runs.Load())
					if remaining.Dec() == 0 {
						close(done)
					}
				}
			}
		})
	}

	err := errg.Wait()
	if err != nil {
		span.RecordError(err)
		level.Warn(s.logger).Log("msg", "aborting pipeline", "err", err, "unfinished", remaining.Load())
	}
	for _, t := range scheduled {
		if cerr := t.close(); cerr != nil && err == nil {
			err = fmt.Errorf("close task %s: %w", t.Name(), cerr)
		}
	}
	return err
}
