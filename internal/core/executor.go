package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deepresearch/internal/trace"
)

// RetryPolicy bounds how often a retryable task failure is retried.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries" envconfig:"MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay" envconfig:"BASE_DELAY"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay" envconfig:"MAX_DELAY"`
}

// DefaultRetryPolicy retries twice, starting at 50ms and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Executor walks a graph for one session at a time.
type Executor struct {
	graph  *Graph
	retry  RetryPolicy
	saver  Checkpointer
	logger zerolog.Logger
	now    func() time.Time
}

type ExecutorOption func(*Executor)

func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithCheckpointer saves the session after every step.
func WithCheckpointer(c Checkpointer) ExecutorOption {
	return func(e *Executor) { e.saver = c }
}

func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(g *Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph:  g,
		retry:  DefaultRetryPolicy(),
		logger: log.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Graph() *Graph { return e.graph }

// Run executes s from its cursor until the session completes, fails or
// suspends. Task failures are reported through the session status; the
// returned error is reserved for cancellation and storage failures.
func (e *Executor) Run(ctx context.Context, s *Session) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, s.ID, s.Status)
	}
	s.Status = StatusRunning
	logger := e.logger.With().Str("session_id", s.ID).Str("graph", e.graph.Name()).Logger()

	for {
		if err := ctx.Err(); err != nil {
			logger.Warn().Str("task_id", s.Cursor).Err(err).Msg("execution interrupted")
			if serr := e.checkpoint(ctx, s); serr != nil {
				return serr
			}
			return err
		}

		task, ok := e.graph.Task(s.Cursor)
		if !ok {
			e.fail(s, s.Cursor, &TaskError{TaskID: s.Cursor, Reason: fmt.Sprintf("%v: cursor %q", ErrUnknownTask, s.Cursor), Err: ErrUnknownTask})
			return e.checkpoint(ctx, s)
		}

		taskLog := logger.With().Str("task_id", task.ID()).Logger()
		taskLog.Debug().Msg("entering task")
		e.record(s, task.ID(), trace.KindEnter, "started")
		started := e.now()

		result, err := e.runTask(ctx, s, task, taskLog)
		elapsed := e.now().Sub(started)
		if err != nil {
			if ctx.Err() != nil {
				taskLog.Warn().Err(err).Msg("task interrupted by cancellation")
				if serr := e.checkpoint(ctx, s); serr != nil {
					return serr
				}
				return ctx.Err()
			}
			te := AsTaskError(task.ID(), err)
			taskLog.Error().Str("reason", te.Reason).Dur("elapsed", elapsed).Msg("task failed")
			e.fail(s, task.ID(), te)
			return e.checkpoint(ctx, s)
		}

		s.LastOutput = result.Output
		switch result.Directive.Kind {
		case DirectiveEnd:
			s.Status = StatusCompleted
			e.exit(s, task.ID(), "end", elapsed)
			s.UpdatedAt = e.now()
			taskLog.Info().Msg("session completed")
			return e.checkpoint(ctx, s)

		case DirectiveWait:
			s.Status = StatusWaitingForInput
			e.exit(s, task.ID(), "wait_for_input", elapsed)
			s.UpdatedAt = e.now()
			taskLog.Info().Msg("session waiting for input")
			return e.checkpoint(ctx, s)

		case DirectiveContinue, "":
			next, err := e.resolve(s, result.Directive)
			if err != nil {
				e.fail(s, task.ID(), &TaskError{TaskID: task.ID(), Reason: err.Error(), Err: err})
				return e.checkpoint(ctx, s)
			}
			e.exit(s, task.ID(), "continue -> "+next, elapsed)
			s.Cursor = next
			s.UpdatedAt = e.now()
			if err := e.checkpoint(ctx, s); err != nil {
				return err
			}

		default:
			e.fail(s, task.ID(), Fatal("unknown directive %q", result.Directive.Kind))
			return e.checkpoint(ctx, s)
		}
	}
}

func (e *Executor) resolve(s *Session, d Directive) (string, error) {
	if d.Next == "" {
		return e.graph.Next(s.Cursor, s.Context)
	}
	if _, ok := e.graph.Task(d.Next); !ok {
		return "", fmt.Errorf("%w: directive target %q", ErrUnknownTask, d.Next)
	}
	return d.Next, nil
}

func (e *Executor) runTask(ctx context.Context, s *Session, task Task, logger zerolog.Logger) (TaskResult, error) {
	taskCtx := ctx
	if s.Trace != nil {
		id := task.ID()
		taskCtx = WithNoteSink(ctx, func(msg string) {
			s.Trace.Record(id, trace.KindMessage, msg)
		})
	}

	var result TaskResult
	attempts := 0
	op := func() error {
		attempts++
		r, err := invoke(taskCtx, task, s.Context)
		if err != nil {
			te := AsTaskError(task.ID(), err)
			if !te.Retryable {
				return backoff.Permanent(te)
			}
			return te
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Msg("retrying task")
		e.record(s, task.ID(), trace.KindRetry, fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempts, err, wait))
	}

	err := backoff.RetryNotify(op, e.retry.backOff(ctx), notify)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return TaskResult{}, err
		}
	}
	te := AsTaskError(task.ID(), err)
	if te.Retryable {
		te.Retryable = false
		te.Reason = fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, te.Reason)
	}
	return TaskResult{}, te
}

// invoke runs the task, converting a panic into a fatal task error.
func invoke(ctx context.Context, task Task, wc *WorkflowContext) (res TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskError{TaskID: task.ID(), Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return task.Run(ctx, wc)
}

func (e *Executor) fail(s *Session, taskID string, te *TaskError) {
	s.Status = StatusFailed
	s.FailureReason = te.Error()
	s.UpdatedAt = e.now()
	e.record(s, taskID, trace.KindFail, te.Reason)
}

func (e *Executor) exit(s *Session, taskID, message string, elapsed time.Duration) {
	if s.Trace != nil {
		s.Trace.RecordDuration(taskID, trace.KindExit, message, elapsed)
	}
}

func (e *Executor) record(s *Session, taskID string, kind trace.Kind, message string) {
	if s.Trace != nil {
		s.Trace.Record(taskID, kind, message)
	}
}

func (e *Executor) checkpoint(ctx context.Context, s *Session) error {
	if e.saver == nil {
		return nil
	}
	if err := e.saver.Save(context.WithoutCancel(ctx), s); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", s.ID, err)
	}
	return nil
}
