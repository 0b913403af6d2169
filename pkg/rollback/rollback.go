// Package rollback implements compensation chains for provisioning calls made
// of several remote steps.
//
// Each completed step pushes its inverse onto a Chain. When a later step fails
// the chain runs the compensations in reverse order and returns the original
// error. A chain lives for the duration of one call and is not persisted: a
// process crash mid-chain leaks whatever was created.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
)

// DefaultTimeout bounds each compensation.
const DefaultTimeout = 30 * time.Second

// Compensation undoes one completed step.
type Compensation func(ctx context.Context) error

// Recorder receives one call per executed compensation.
type Recorder interface {
	RecordCompensation(step string, err error)
}

type step struct {
	name string
	undo Compensation
}

// Chain accumulates compensations for one multi-step call. It is not safe for
// concurrent use.
type Chain struct {
	steps    []step
	timeout  time.Duration
	logger   zerolog.Logger
	recorder Recorder
	done     bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger compensation failures are reported to.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithTimeout bounds each compensation.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRecorder reports compensation outcomes, typically to metrics.
func WithRecorder(r Recorder) Option {
	return func(c *Chain) {
		c.recorder = r
	}
}

// New creates an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push registers the compensation for a step that already completed.
func (c *Chain) Push(name string, undo Compensation) {
	c.steps = append(c.steps, step{name: name, undo: undo})
}

// Do runs one step. On success its compensation, if any, is pushed. On
// failure the chain is rolled back and the result of Rollback is returned.
func (c *Chain) Do(ctx context.Context, name string, do func(ctx context.Context) error, undo Compensation) error {
	if err := do(ctx); err != nil {
		return c.Rollback(ctx, fmt.Errorf("%s: %w", name, err))
	}
	if undo != nil {
		c.Push(name, undo)
	}
	return nil
}

// Len returns the number of registered compensations.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Discard forgets every compensation after the whole call succeeded.
func (c *Chain) Discard() {
	c.steps = nil
	c.done = true
}

// Rollback runs the registered compensations in reverse order and returns
// cause. Each compensation runs once with its own timeout, detached from the
// cancellation of ctx. If any compensation fails the result is an unexpected
// error that wraps cause and asks for manual cleanup.
func (c *Chain) Rollback(ctx context.Context, cause error) error {
	if c.done {
		return cause
	}
	c.done = true

	base := context.WithoutCancel(ctx)
	var failures []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		s := c.steps[i]
		stepCtx, cancel := context.WithTimeout(base, c.timeout)
		err := s.undo(stepCtx)
		cancel()

		if c.recorder != nil {
			c.recorder.RecordCompensation(s.name, err)
		}
		if err != nil {
			c.logger.Error().
				Err(err).
				Str("step", s.name).
				AnErr("cause", cause).
				Msg("Compensation failed, manual cleanup may be required")
			failures = append(failures, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		c.logger.Debug().Str("step", s.name).Msg("Compensated step")
	}
	c.steps = nil

	if len(failures) == 0 {
		return cause
	}
	return &CleanupError{
		Cause:    cause,
		Failures: failures,
	}
}

// CleanupError reports a rollback in which at least one compensation failed.
// It unwraps to both the original cause and an unexpected engine error, so
// errors.Is(err, cause) still holds and ClassOf reports unexpected.
type CleanupError struct {
	Cause    error
	Failures []error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v (rollback incomplete, manual cleanup required: %v)", e.Cause, errors.Join(e.Failures...))
}

// Unwrap exposes the classification first so ClassOf sees unexpected.
func (e *CleanupError) Unwrap() []error {
	return []error{
		engine.NewUnexpectedError("rollback incomplete", errors.Join(e.Failures...)).
			WithCode(engine.ErrCodeCleanupRequired),
		e.Cause,
	}
}
