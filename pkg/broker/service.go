package broker

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/registry"
)

// SubmitRecorder counts accepted orders.
type SubmitRecorder interface {
	RecordOrderSubmitted(resourceType engine.ResourceType)
}

// Service is the inbound side of the broker: it creates, reads and deletes
// orders on behalf of the API layer. It never moves an order that a
// processor owns.
type Service struct {
	registry      *registry.Registry
	store         engine.OrderStore
	recorder      SubmitRecorder
	validator     *specValidator
	localProvider string
	newID         func() string
	logger        zerolog.Logger
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// LocalProvider is the requesting provider of specs that name none.
	LocalProvider string

	// Store receives a snapshot of every order the service creates or
	// changes. Optional.
	Store engine.OrderStore

	Recorder SubmitRecorder
	Logger   zerolog.Logger

	// NewID generates order ids. Defaults to random UUIDs.
	NewID func() string
}

// NewService creates the inbound facade over reg.
func NewService(reg *registry.Registry, cfg ServiceConfig) *Service {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		registry:      reg,
		store:         cfg.Store,
		recorder:      cfg.Recorder,
		validator:     newSpecValidator(),
		localProvider: cfg.LocalProvider,
		newID:         cfg.NewID,
		logger:        cfg.Logger.With().Str("component", "broker-service").Logger(),
	}
}

// SubmitOrder validates spec, registers a new OPEN order and returns its id.
func (s *Service) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.validator.Check(&spec, s.registry); err != nil {
		return "", err
	}

	o, err := engine.NewOrder(s.newID(), spec.User, spec.Resource)
	if err != nil {
		return "", err
	}
	o.RequestingProvider = spec.RequestingProvider
	if o.RequestingProvider == "" {
		o.RequestingProvider = s.localProvider
	}
	o.RequestedProvider = spec.Provider
	o.RequestedCloud = spec.Cloud

	if err := s.registry.Put(o); err != nil {
		return "", err
	}
	s.persist(o)
	if s.recorder != nil {
		s.recorder.RecordOrderSubmitted(o.Type)
	}

	s.logger.Info().
		Str("order_id", o.ID).
		Str("resource_type", string(o.Type)).
		Str("user", o.User.ID).
		Str("cloud", o.RequestedCloud).
		Msg("Order submitted")
	return o.ID, nil
}

// GetOrder returns a snapshot of a live order. FAILED orders keep their last
// error in the view.
func (s *Service) GetOrder(id string) (engine.OrderView, error) {
	o, err := s.registry.Get(id)
	if err != nil {
		return engine.OrderView{}, notFound(id, err)
	}
	return o.View(), nil
}

// DeleteOrder asks for an order to be deleted. The processor owning the
// order's state performs the deletion; FAILED orders have no owner and are
// closed here. Deleting an order twice is not an error.
func (s *Service) DeleteOrder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o, err := s.registry.Get(id)
	if err != nil {
		return notFound(id, err)
	}

	// The flag goes up before the FAILED check. A processor failing the
	// order concurrently checks the flag after entering FAILED, so one of the
	// two sides closes it.
	requested := o.RequestDeletion()
	if o.State() == engine.OrderStateFailed {
		err := s.registry.Transition(id, engine.OrderStateFailed, engine.OrderStateClosed)
		if err == nil {
			s.logger.Info().Str("order_id", id).Msg("Failed order closed")
			return nil
		}
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, registry.ErrStateChanged) {
			return err
		}
	}

	if requested {
		s.persist(o)
		s.logger.Info().
			Str("order_id", id).
			Str("state", string(o.State())).
			Msg("Order deletion requested")
	}
	return nil
}

// ListOrders returns snapshots of the live orders, oldest first. An empty
// state lists every order.
func (s *Service) ListOrders(state engine.OrderState) ([]engine.OrderView, error) {
	var orders []*engine.Order
	if state == "" {
		orders = s.registry.All()
	} else {
		if err := state.Validate(); err != nil {
			return nil, engine.NewTerminalError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
		}
		orders = s.registry.Orders(state)
	}

	views := make([]engine.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, o.View())
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views, nil
}

func (s *Service) persist(o *engine.Order) {
	if s.store != nil {
		s.store.OrderChanged(o.View())
	}
}

func notFound(id string, err error) error {
	return engine.NewTerminalError("order not found", err).
		WithOrder(id).
		WithCode(engine.ErrCodeNotFound)
}
