// Package processors advances orders through their lifecycle.
//
// Every processed state has one Processor. A Processor repeatedly walks its
// state's registry partition, hands each order to a bounded worker pool that
// performs one connector operation, and moves the order on according to the
// outcome. Recoverable failures leave the order in place until the retry
// budget of its resource type runs out. Every other failure moves it off the
// happy path with the reason recorded on the order.
package processors

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/broker/pkg/connectors"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/flavor"
	"github.com/openfroyo/broker/pkg/registry"
)

// Defaults applied to zero Config fields.
const (
	DefaultInterval    = 2 * time.Second
	DefaultWorkers     = 4
	DefaultTimeout     = 60 * time.Second
	DefaultRetryBudget = 10
)

// Config tunes the processors.
type Config struct {
	// Interval is the pause between two passes over a partition.
	Interval time.Duration

	// Intervals overrides Interval per state.
	Intervals map[engine.OrderState]time.Duration

	// Workers bounds the concurrent connector calls of one state.
	Workers int

	// Timeout bounds every connector call.
	Timeout time.Duration

	// RetryBudget is the number of recoverable failures tolerated per
	// resource type before an order fails. DefaultRetryBudget applies to
	// types not listed; zero or less disables the budget for a type.
	RetryBudget        map[engine.ResourceType]int
	DefaultRetryBudget int

	// LocalProvider is the providing provider when placement names none.
	LocalProvider string

	// DefaultCloud is used when neither the order nor the policy picks a cloud.
	DefaultCloud string

	// DefaultNetworkID is attached to compute orders that name no network.
	DefaultNetworkID string
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DefaultRetryBudget == 0 {
		c.DefaultRetryBudget = DefaultRetryBudget
	}
}

func (c *Config) interval(s engine.OrderState) time.Duration {
	if d, ok := c.Intervals[s]; ok && d > 0 {
		return d
	}
	return c.Interval
}

func (c *Config) budget(t engine.ResourceType) int {
	if b, ok := c.RetryBudget[t]; ok {
		return b
	}
	return c.DefaultRetryBudget
}

// FlavorMatcher picks the flavor for a compute order on one cloud.
type FlavorMatcher interface {
	Match(req *flavor.Requirements) (*engine.Flavor, error)
}

// Recorder receives processor outcomes, typically for metrics.
type Recorder interface {
	RecordStep(state engine.OrderState, outcome string, d time.Duration)
	RecordOrderError(state engine.OrderState, class engine.ErrorClass)
}

// Step outcomes passed to Recorder.
const (
	OutcomeMoved   = "moved"
	OutcomeStayed  = "stayed"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Deps are the collaborators shared by every processor.
type Deps struct {
	Registry    *registry.Registry
	Connectors  *connectors.Registry
	Credentials engine.CredentialsProvider

	// Matchers holds the flavor matcher of each cloud serving compute orders.
	Matchers map[string]FlavorMatcher

	// Policy is optional. Without it placement honours the order's hints
	// and falls back to Config.DefaultCloud.
	Policy engine.PlacementPolicy

	Recorder Recorder
	Tracer   trace.Tracer
	Logger   zerolog.Logger
}

// stepFunc performs the work of one state for one order. It returns the
// outcome for bookkeeping, or an error classified by the engine taxonomy.
type stepFunc func(ctx context.Context, o *engine.Order) (string, error)

// Set owns one Processor per processed state.
type Set struct {
	cfg        Config
	deps       Deps
	logger     zerolog.Logger
	processors map[engine.OrderState]*Processor
}

// New creates the processors. Run starts them.
func New(cfg Config, deps Deps) (*Set, error) {
	if deps.Registry == nil || deps.Connectors == nil {
		return nil, errors.New("processors need an order registry and a connector registry")
	}
	cfg.setDefaults()
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("processors")
	}

	s := &Set{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With().Str("component", "processors").Logger(),
		processors: make(map[engine.OrderState]*Processor, len(engine.ProcessedStates)),
	}
	steps := map[engine.OrderState]stepFunc{
		engine.OrderStateOpen:                         s.place,
		engine.OrderStateSelected:                     s.request,
		engine.OrderStateSpawning:                     s.awaitReady,
		engine.OrderStateFulfilled:                    s.monitor,
		engine.OrderStateUnableToCheckStatus:          s.recheck,
		engine.OrderStateCheckingDeletion:             s.confirmDeletion,
		engine.OrderStateFailedAfterSuccessfulRequest: s.reconcile,
	}
	for _, state := range engine.ProcessedStates {
		s.processors[state] = &Processor{
			set:      s,
			state:    state,
			interval: cfg.interval(state),
			step:     steps[state],
			logger:   s.logger.With().Str("state", string(state)).Logger(),
		}
	}
	return s, nil
}

// Processor returns the processor of state s, or nil.
func (s *Set) Processor(state engine.OrderState) *Processor {
	return s.processors[state]
}

// Run runs every processor until ctx is canceled.
func (s *Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, state := range engine.ProcessedStates {
		p := s.processors[state]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}
	s.logger.Info().Int("processors", len(s.processors)).Msg("Processors started")
	wg.Wait()
	s.logger.Info().Msg("Processors stopped")
}

// RunOnce makes one pass of every processor in lifecycle order.
func (s *Set) RunOnce(ctx context.Context) {
	for _, state := range engine.ProcessedStates {
		s.processors[state].RunOnce(ctx)
	}
}

// Processor advances the orders of one state.
type Processor struct {
	set      *Set
	state    engine.OrderState
	interval time.Duration
	step     stepFunc
	logger   zerolog.Logger
}

// State returns the state this processor owns.
func (p *Processor) State() engine.OrderState {
	return p.state
}

// Run makes passes over the partition, sleeping for the configured interval
// between passes, until ctx is canceled.
func (p *Processor) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.RunOnce(ctx)
		timer.Reset(p.interval)
	}
}

// RunOnce makes a single pass over the partition and waits for every order
// handed to the worker pool.
func (p *Processor) RunOnce(ctx context.Context) {
	work := make(chan *engine.Order)
	var wg sync.WaitGroup
	for i := 0; i < p.set.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for o := range work {
				p.process(ctx, o)
			}
		}()
	}

	p.set.deps.Registry.ForEachInState(p.state, func(o *engine.Order) bool {
		select {
		case work <- o:
			return true
		case <-ctx.Done():
			return false
		}
	})
	close(work)
	wg.Wait()
}

// process runs one step for one order. It never panics.
func (p *Processor) process(ctx context.Context, o *engine.Order) {
	start := time.Now()
	logger := p.logger.With().Str("order_id", o.ID).Str("resource_type", string(o.Type)).Logger()

	ctx, span := p.set.deps.Tracer.Start(ctx, "processor."+string(p.state), trace.WithAttributes(
		attribute.String("order_id", o.ID),
		attribute.String("resource_type", string(o.Type)),
	))
	defer span.End()

	outcome, err := p.safeStep(ctx, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(engine.ClassOf(err)))
		outcome = p.handleError(o, err, logger)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if r := p.set.deps.Recorder; r != nil {
		r.RecordStep(p.state, outcome, time.Since(start))
	}
}

func (p *Processor) safeStep(ctx context.Context, o *engine.Order) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewUnexpectedError(fmt.Sprintf("panic in %s processor: %v", p.state, r), nil).
				WithOrder(o.ID)
			p.logger.Error().
				Str("order_id", o.ID).
				Str("stack", string(debug.Stack())).
				Msgf("Recovered panic: %v", r)
		}
	}()

	if o.State() != p.state {
		return OutcomeSkipped, nil
	}
	if o.DeletionRequested() && p.state != engine.OrderStateCheckingDeletion {
		return p.set.beginDeletion(o, p.state)
	}
	return p.step(ctx, o)
}

// handleError applies the retry policy to a failed step.
func (p *Processor) handleError(o *engine.Order, err error, logger zerolog.Logger) string {
	if errors.Is(err, registry.ErrStateChanged) || errors.Is(err, registry.ErrNotFound) {
		logger.Debug().Err(err).Msg("Order moved concurrently")
		return OutcomeSkipped
	}

	class := engine.ClassOf(err)
	if r := p.set.deps.Recorder; r != nil {
		r.RecordOrderError(p.state, class)
	}

	if engine.IsRetryable(err) {
		attempts := o.RecordAttempt(err)
		budget := p.set.cfg.budget(o.Type)
		if budget <= 0 || attempts < budget {
			logger.Debug().Err(err).Int("attempts", attempts).Msg("Retrying later")
			return OutcomeRetry
		}
		err = engine.NewTerminalError(fmt.Sprintf("gave up after %d attempts", attempts), err).
			WithOrder(o.ID).
			WithCode(engine.ErrCodeRetriesExhausted)
	}

	event := logger.Warn()
	if class == engine.ErrorClassUnexpected {
		event = logger.Error().Str("cloud", o.Cloud()).Str("instance_id", o.InstanceID())
	}
	event.Err(err).Str("class", string(class)).Msg("Order step failed")

	return p.set.fail(o, p.state, err, logger)
}

// fail records err on the order and moves it to the failure state of from.
// Orders that already hold a remote resource go to
// FAILED_AFTER_SUCCESSFUL_REQUEST so they can still be deleted. Orders being
// deleted or already failed keep their state and retry. An order without a
// remote resource whose deletion was requested is closed instead of failed.
func (s *Set) fail(o *engine.Order, from engine.OrderState, err error, logger zerolog.Logger) string {
	o.Fail(err)

	var to engine.OrderState
	switch from {
	case engine.OrderStateOpen, engine.OrderStateSelected:
		to = engine.OrderStateFailed
	case engine.OrderStateSpawning, engine.OrderStateFulfilled, engine.OrderStateUnableToCheckStatus:
		to = engine.OrderStateFailedAfterSuccessfulRequest
	default:
		return OutcomeStayed
	}
	if to == engine.OrderStateFailed && o.DeletionRequested() {
		to = engine.OrderStateClosed
	}
	if moveErr := s.deps.Registry.Transition(o.ID, from, to); moveErr != nil {
		logger.Debug().Err(moveErr).Msg("Could not move failed order")
		return OutcomeSkipped
	}
	if to == engine.OrderStateClosed {
		logger.Info().Msg("Failed order closed on deletion request")
		return OutcomeMoved
	}
	// DeleteOrder sets the flag before it looks for FAILED, so one of the
	// two sides always sees the other.
	if to == engine.OrderStateFailed && o.DeletionRequested() {
		s.closeFailed(o, logger)
	}
	return OutcomeFailed
}

// closeFailed closes a FAILED order. Losing the race to another closer is
// not an error.
func (s *Set) closeFailed(o *engine.Order, logger zerolog.Logger) {
	err := s.deps.Registry.Transition(o.ID, engine.OrderStateFailed, engine.OrderStateClosed)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed order already closed")
		return
	}
	logger.Info().Msg("Failed order closed on deletion request")
}

// beginDeletion moves an order flagged for deletion out of its state.
func (s *Set) beginDeletion(o *engine.Order, from engine.OrderState) (string, error) {
	to := engine.OrderStateClosed
	if from.HasInstance() {
		to = engine.OrderStateCheckingDeletion
	}
	if err := s.deps.Registry.Transition(o.ID, from, to); err != nil {
		return "", err
	}
	s.logger.Info().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).Msg("Deletion started")
	return OutcomeMoved, nil
}

// move is the success path of every step.
func (s *Set) move(o *engine.Order, from, to engine.OrderState) (string, error) {
	if err := s.deps.Registry.Transition(o.ID, from, to); err != nil {
		return "", err
	}
	s.logger.Debug().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).Msg("Order moved")
	return OutcomeMoved, nil
}
