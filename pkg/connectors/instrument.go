package connectors

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/broker/pkg/engine"
)

// CallRecorder receives one call per connector operation.
type CallRecorder interface {
	RecordConnectorCall(cloud string, resourceType engine.ResourceType, operation string, d time.Duration, err error)
}

// Instrument wraps c so every remote operation is traced and recorded.
func Instrument(c engine.CloudConnector, key Key, recorder CallRecorder, tracer trace.Tracer) engine.CloudConnector {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("connectors")
	}
	return &instrumented{next: c, key: key, recorder: recorder, tracer: tracer}
}

type instrumented struct {
	next     engine.CloudConnector
	key      Key
	recorder CallRecorder
	tracer   trace.Tracer
}

func (i *instrumented) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "connector."+op, trace.WithAttributes(
		attribute.String("cloud", i.key.Cloud),
		attribute.String("resource_type", string(i.key.Type)),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(engine.ClassOf(err)))
	}
	if i.recorder != nil {
		i.recorder.RecordConnectorCall(i.key.Cloud, i.key.Type, op, time.Since(start), err)
	}
	return err
}

func (i *instrumented) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	var id string
	err := i.observe(ctx, "request", func(ctx context.Context) error {
		var err error
		id, err = i.next.RequestInstance(ctx, req, creds)
		return err
	})
	return id, err
}

func (i *instrumented) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	var inst *engine.Instance
	err := i.observe(ctx, "get", func(ctx context.Context) error {
		var err error
		inst, err = i.next.GetInstance(ctx, instanceID, creds)
		return err
	})
	return inst, err
}

func (i *instrumented) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	return i.observe(ctx, "delete", func(ctx context.Context) error {
		return i.next.DeleteInstance(ctx, instanceID, creds)
	})
}

func (i *instrumented) IsReady(cloudState string) bool {
	return i.next.IsReady(cloudState)
}

func (i *instrumented) HasFailed(cloudState string) bool {
	return i.next.HasFailed(cloudState)
}
