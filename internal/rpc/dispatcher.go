package rpc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/common/tracing"
)

// CallOptions modify one dispatch.
type CallOptions struct {
	// Select prunes the output (and every subscription update) to a
	// projection of the result shape.
	Select Select
}

// Dispatcher is the in-process transport: direct dispatch against the
// catalog with zero serialization. The HTTP, SSE, and WebSocket transports
// all route through it so validation and selection behave identically
// everywhere.
type Dispatcher struct {
	registry *Registry
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher over a catalog.
func NewDispatcher(registry *Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "rpc_dispatcher")),
	}
}

// Registry exposes the catalog, for the admin surface.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Call runs a query or mutation resolver.
func (d *Dispatcher) Call(ctx context.Context, path string, input map[string]any, opts CallOptions) (any, error) {
	proc, ok := d.registry.Lookup(path)
	if !ok {
		return nil, NotFoundError("unknown procedure %s", path)
	}
	if proc.Resolve == nil {
		return nil, ValidationError("procedure %s is subscription-only", path)
	}
	if err := proc.validateInput(input); err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("quill.rpc").Start(ctx, path)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.kind", string(proc.Kind)))

	out, err := proc.Resolve(ctx, input)
	if err != nil {
		typed := AsError(err)
		span.RecordError(typed)
		if typed.Kind == KindInternal {
			d.logger.Error("procedure failed",
				zap.String("path", path), zap.Error(err))
		}
		return nil, typed
	}

	selected, err := ApplySelect(out, opts.Select)
	if err != nil {
		return nil, NewError(KindInternal, "failed to project output of %s: %v", path, err)
	}
	return selected, nil
}

// Subscribe starts a subscription. Every item is projected through
// opts.Select before delivery. The returned channel closes when the
// resolver's sequence ends, a terminal error is delivered, or ctx is done.
func (d *Dispatcher) Subscribe(ctx context.Context, path string, input map[string]any, opts CallOptions) (<-chan StreamItem, error) {
	proc, ok := d.registry.Lookup(path)
	if !ok {
		return nil, NotFoundError("unknown procedure %s", path)
	}
	if proc.Subscribe == nil {
		return nil, ValidationError("procedure %s does not support subscriptions", path)
	}
	if err := proc.validateInput(input); err != nil {
		return nil, err
	}

	source, err := proc.Subscribe(ctx, input)
	if err != nil {
		return nil, AsError(err)
	}
	if len(opts.Select) == 0 {
		return source, nil
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		for item := range source {
			if item.Err == nil {
				if projected, perr := ApplySelect(item.Value, opts.Select); perr == nil {
					item.Value = projected
				} else {
					item = StreamItem{Err: NewError(KindInternal, "failed to project update: %v", perr)}
				}
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
			if item.Err != nil {
				return
			}
		}
	}()
	return out, nil
}
