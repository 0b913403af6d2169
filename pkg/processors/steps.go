package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/broker/pkg/connectors"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/flavor"
)

// place chooses the provider, the cloud and for compute orders the flavor.
// OPEN -> SELECTED.
func (s *Set) place(ctx context.Context, o *engine.Order) (string, error) {
	if o.Cloud() == "" {
		placement, err := s.placement(ctx, o)
		if err != nil {
			return "", err
		}
		if !s.deps.Connectors.Supports(placement.Cloud, o.Type) {
			return "", engine.NewTerminalError(
				fmt.Sprintf("cloud %q cannot serve %s orders", placement.Cloud, o.Type), nil).
				WithOrder(o.ID).WithCloud(placement.Cloud).WithCode(engine.ErrCodeUnsupported)
		}

		var chosen *engine.Flavor
		if o.Type == engine.ResourceTypeCompute {
			m, ok := s.deps.Matchers[placement.Cloud]
			if !ok {
				return "", engine.NewTerminalError("no flavor catalog for cloud "+placement.Cloud, nil).
					WithOrder(o.ID).WithCloud(placement.Cloud).WithCode(engine.ErrCodeUnsupported)
			}
			f, err := m.Match(flavor.RequirementsFor(o.Spec.Compute))
			if err != nil {
				return "", err
			}
			chosen = f
		}
		if err := o.Select(placement.Provider, placement.Cloud, chosen); err != nil {
			return "", err
		}
		ev := s.logger.Info().Str("order_id", o.ID).Str("cloud", placement.Cloud)
		if chosen != nil {
			ev = ev.Str("flavor", chosen.ID)
		}
		ev.Msg("Order placed")
	}
	return s.move(o, engine.OrderStateOpen, engine.OrderStateSelected)
}

// placement resolves where an order goes. Orders that reference other
// orders follow them to their cloud.
func (s *Set) placement(ctx context.Context, o *engine.Order) (engine.Placement, error) {
	p := engine.Placement{Provider: o.RequestedProvider, Cloud: o.RequestedCloud}

	depCloud, err := s.dependencyCloud(o)
	if err != nil {
		return p, err
	}
	switch {
	case depCloud != "" && p.Cloud != "" && depCloud != p.Cloud:
		return p, engine.NewTerminalError(
			fmt.Sprintf("order asks for cloud %q but its dependencies live on %q", p.Cloud, depCloud), nil).
			WithOrder(o.ID).WithCode(engine.ErrCodeValidation)
	case depCloud != "":
		p.Cloud = depCloud
	}

	// The policy sees every order; a cloud fixed by the request or by a
	// dependency narrows its candidates to that one cloud.
	if s.deps.Policy != nil {
		candidates := s.deps.Connectors.CloudsFor(o.Type)
		if p.Cloud != "" {
			candidates = []string{p.Cloud}
		}
		decided, err := s.deps.Policy.Place(ctx, o.View(), candidates)
		if err != nil {
			return p, err
		}
		if p.Cloud == "" {
			p.Cloud = decided.Cloud
		}
		if p.Provider == "" {
			p.Provider = decided.Provider
		}
	}
	if p.Cloud == "" {
		p.Cloud = s.cfg.DefaultCloud
		if p.Cloud == "" {
			if clouds := s.deps.Connectors.CloudsFor(o.Type); len(clouds) > 0 {
				p.Cloud = clouds[0]
			}
		}
	}

	if p.Provider == "" {
		p.Provider = s.cfg.LocalProvider
	}
	if p.Cloud == "" {
		return p, engine.NewTerminalError("no cloud can serve "+string(o.Type)+" orders", nil).
			WithOrder(o.ID).WithCode(engine.ErrCodeUnsupported)
	}
	return p, nil
}

// dependencyCloud returns the cloud of the orders o references, or "" when
// it references none. Referenced orders that are not placed yet make the
// placement wait.
func (s *Set) dependencyCloud(o *engine.Order) (string, error) {
	cloud := ""
	for _, id := range s.referencedOrders(o) {
		dep, err := s.deps.Registry.Get(id)
		if err != nil {
			continue
		}
		c := dep.Cloud()
		if c == "" {
			return "", engine.NewRecoverableError("waiting for order "+id+" to be placed", nil).
				WithOrder(o.ID).WithCode(engine.ErrCodeDependencyPending)
		}
		if cloud != "" && c != cloud {
			return "", engine.NewTerminalError("referenced orders live on different clouds", nil).
				WithOrder(o.ID).WithCode(engine.ErrCodeValidation)
		}
		cloud = c
	}
	return cloud, nil
}

// referencedOrders lists the order ids o depends on. Network ids of compute
// orders count when they name an order the registry holds.
func (s *Set) referencedOrders(o *engine.Order) []string {
	ids := o.Spec.DependsOn()
	if o.Spec.Compute != nil {
		for _, id := range o.Spec.Compute.NetworkIDs {
			if _, err := s.deps.Registry.Get(id); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// request issues the remote create. SELECTED -> SPAWNING.
func (s *Set) request(ctx context.Context, o *engine.Order) (string, error) {
	conn, creds, err := s.connector(ctx, o)
	if err != nil {
		return "", err
	}
	req, err := s.buildRequest(o)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	id, err := conn.RequestInstance(callCtx, req, creds)
	if err != nil {
		return "", classify(callCtx, err, "request", o)
	}

	o.SetInstanceID(id)
	s.logger.Info().Str("order_id", o.ID).Str("cloud", o.Cloud()).Str("instance_id", id).Msg("Instance requested")
	return s.move(o, engine.OrderStateSelected, engine.OrderStateSpawning)
}

// awaitReady polls a requested instance until the cloud reports it ready.
// SPAWNING -> FULFILLED. A resource the cloud reports failed or no longer
// knows moves the order to FAILED_AFTER_SUCCESSFUL_REQUEST, as does running
// out of polls.
func (s *Set) awaitReady(ctx context.Context, o *engine.Order) (string, error) {
	conn, inst, err := s.poll(ctx, o)
	if err != nil {
		return "", err
	}
	switch {
	case conn.IsReady(inst.CloudState):
		return s.move(o, engine.OrderStateSpawning, engine.OrderStateFulfilled)
	case conn.HasFailed(inst.CloudState):
		return "", cloudFailed(o, inst.CloudState)
	default:
		return "", engine.NewRecoverableError("instance is still "+inst.CloudState, nil).WithOrder(o.ID)
	}
}

// monitor watches fulfilled orders. A failed poll parks the order in
// UNABLE_TO_CHECK_STATUS instead of consuming a retry budget.
func (s *Set) monitor(ctx context.Context, o *engine.Order) (string, error) {
	conn, inst, err := s.poll(ctx, o)
	if err != nil {
		if !engine.IsRetryable(err) {
			return "", err
		}
		o.Fail(err)
		return s.move(o, engine.OrderStateFulfilled, engine.OrderStateUnableToCheckStatus)
	}
	if conn.HasFailed(inst.CloudState) {
		return "", cloudFailed(o, inst.CloudState)
	}
	return OutcomeStayed, nil
}

// recheck returns an order to FULFILLED once a poll succeeds again.
func (s *Set) recheck(ctx context.Context, o *engine.Order) (string, error) {
	conn, inst, err := s.poll(ctx, o)
	if err != nil {
		if !engine.IsRetryable(err) {
			return "", err
		}
		o.Fail(err)
		return OutcomeStayed, nil
	}
	if conn.HasFailed(inst.CloudState) {
		return "", cloudFailed(o, inst.CloudState)
	}
	return s.move(o, engine.OrderStateUnableToCheckStatus, engine.OrderStateFulfilled)
}

// reconcile re-polls resources that failed after creation. A resource that
// is ready again returns the order to FULFILLED. The failure reason is kept
// otherwise.
func (s *Set) reconcile(ctx context.Context, o *engine.Order) (string, error) {
	conn, inst, err := s.poll(ctx, o)
	if err != nil || !conn.IsReady(inst.CloudState) {
		return OutcomeStayed, nil
	}
	s.logger.Info().Str("order_id", o.ID).Msg("Instance recovered")
	return s.move(o, engine.OrderStateFailedAfterSuccessfulRequest, engine.OrderStateFulfilled)
}

// confirmDeletion deletes the remote resource and closes the order once the
// cloud no longer knows it.
func (s *Set) confirmDeletion(ctx context.Context, o *engine.Order) (string, error) {
	id := o.InstanceID()
	if id != "" {
		conn, creds, err := s.connector(ctx, o)
		if err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = conn.DeleteInstance(callCtx, id, creds)
		if err != nil && !engine.IsInstanceNotFound(err) {
			err = classify(callCtx, err, "delete", o)
		} else {
			_, err = conn.GetInstance(callCtx, id, creds)
			if err == nil {
				cancel()
				return OutcomeStayed, nil
			}
			if engine.IsInstanceNotFound(err) {
				err = nil
			} else {
				err = classify(callCtx, err, "get", o)
			}
		}
		cancel()
		if err != nil {
			return "", err
		}
		o.ClearInstanceID()
	}

	if _, err := s.move(o, engine.OrderStateCheckingDeletion, engine.OrderStateClosed); err != nil {
		return "", err
	}
	s.logger.Info().Str("order_id", o.ID).Str("instance_id", id).Msg("Order closed")
	return OutcomeMoved, nil
}

// poll fetches the order's instance and records its cloud state.
func (s *Set) poll(ctx context.Context, o *engine.Order) (engine.CloudConnector, *engine.Instance, error) {
	conn, creds, err := s.connector(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	id := o.InstanceID()
	if id == "" {
		return nil, nil, engine.NewInstanceNotFoundError("", nil).WithOrder(o.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	inst, err := conn.GetInstance(callCtx, id, creds)
	if err != nil {
		return nil, nil, classify(callCtx, err, "get", o)
	}
	o.SetCloudState(inst.CloudState)
	return conn, inst, nil
}

func (s *Set) connector(ctx context.Context, o *engine.Order) (engine.CloudConnector, engine.Credentials, error) {
	cloud := o.Cloud()
	conn, err := s.deps.Connectors.Get(cloud, o.Type)
	if err != nil {
		return nil, engine.Credentials{}, err
	}
	if s.deps.Credentials == nil {
		return conn, engine.Credentials{Cloud: cloud, User: o.User}, nil
	}
	creds, err := s.deps.Credentials.Credentials(ctx, o.User, cloud)
	if err != nil {
		return nil, engine.Credentials{}, engine.NewTerminalError("no credentials for cloud "+cloud, err).
			WithOrder(o.ID).WithCloud(cloud).WithCode(engine.ErrCodePermissionDenied)
	}
	return conn, creds, nil
}

// buildRequest snapshots the order and resolves the instance ids of the
// orders it references.
func (s *Set) buildRequest(o *engine.Order) (engine.InstanceRequest, error) {
	req := engine.InstanceRequest{Order: o.View(), Flavor: o.Flavor()}

	switch o.Type {
	case engine.ResourceTypeCompute:
		spec := o.Spec.Compute
		ids := spec.NetworkIDs
		if len(ids) == 0 && s.cfg.DefaultNetworkID != "" {
			ids = []string{s.cfg.DefaultNetworkID}
		}
		for _, id := range ids {
			resolved, err := s.resolveNetwork(o, id)
			if err != nil {
				return req, err
			}
			req.NetworkInstanceIDs = append(req.NetworkInstanceIDs, resolved)
		}
		userData, err := connectors.CombineUserData(spec.UserData)
		if err != nil {
			return req, engine.NewTerminalError("invalid user data", err).
				WithOrder(o.ID).WithCode(engine.ErrCodeValidation)
		}
		req.UserData = userData

	case engine.ResourceTypePublicIP:
		id, err := s.dependency(o, o.Spec.PublicIP.ComputeOrderID, engine.ResourceTypeCompute)
		if err != nil {
			return req, err
		}
		req.ComputeInstanceID = id

	case engine.ResourceTypeAttachment:
		computeID, err := s.dependency(o, o.Spec.Attachment.SourceOrderID, engine.ResourceTypeCompute)
		if err != nil {
			return req, err
		}
		volumeID, err := s.dependency(o, o.Spec.Attachment.TargetOrderID, engine.ResourceTypeVolume)
		if err != nil {
			return req, err
		}
		req.ComputeInstanceID = computeID
		req.VolumeInstanceID = volumeID
	}
	return req, nil
}

// resolveNetwork maps a network order id to its instance id. Ids the
// registry does not hold are cloud network ids and pass through.
func (s *Set) resolveNetwork(o *engine.Order, id string) (string, error) {
	if _, err := s.deps.Registry.Get(id); err != nil {
		return id, nil
	}
	return s.dependency(o, id, engine.ResourceTypeNetwork)
}

// dependency returns the instance id of a referenced order. It fails
// recoverably until that order is FULFILLED.
func (s *Set) dependency(o *engine.Order, id string, want engine.ResourceType) (string, error) {
	dep, err := s.deps.Registry.Get(id)
	if err != nil {
		return "", engine.NewTerminalError("referenced order "+id+" does not exist", err).
			WithOrder(o.ID).WithCode(engine.ErrCodeValidation)
	}
	if dep.Type != want {
		return "", engine.NewTerminalError(
			fmt.Sprintf("referenced order %s is a %s order, expected %s", id, dep.Type, want), nil).
			WithOrder(o.ID).WithCode(engine.ErrCodeValidation)
	}
	if dep.State() != engine.OrderStateFulfilled {
		return "", engine.NewRecoverableError(
			fmt.Sprintf("referenced order %s is %s", id, dep.State()), nil).
			WithOrder(o.ID).WithCode(engine.ErrCodeDependencyPending)
	}
	return dep.InstanceID(), nil
}

func cloudFailed(o *engine.Order, state string) error {
	return engine.NewTerminalError("cloud reports instance "+state, nil).
		WithOrder(o.ID).
		WithCloud(o.Cloud()).
		WithCode(engine.ErrCodeProviderFailed)
}

// classify makes sure a connector error carries a class. Connectors are
// expected to classify their errors; an unclassified one is a timeout when
// the call deadline passed and unexpected otherwise.
func classify(ctx context.Context, err error, operation string, o *engine.Order) error {
	var classified *engine.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.NewRecoverableError("connector call timed out", err).
			WithOrder(o.ID).WithOperation(operation).WithCloud(o.Cloud()).WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewUnexpectedError("unclassified connector error", err).
		WithOrder(o.ID).WithOperation(operation).WithCloud(o.Cloud())
}
