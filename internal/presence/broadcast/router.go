// Package broadcast delivers outbound events to connections. Delivery targets
// are resolved from the connection registry at send time; the router keeps
// no membership of its own and never mutates presence state.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"shuttle/internal/presence/metrics"
	"shuttle/internal/presence/models"
	"shuttle/internal/presence/store/connection"
	"shuttle/pkg/platform/sentinel"
)

// Targets resolves delivery targets. Satisfied by connection.InMemoryRegistry.
type Targets interface {
	Get(ctx context.Context, id models.ConnectionID) (connection.Entry, bool)
	ConnectionsForRole(ctx context.Context, roles ...models.Role) []connection.Entry
}

// Sink receives a copy of every observer broadcast for out-of-process
// consumers. Offer must not block.
type Sink interface {
	Offer(event models.Event) bool
}

type Router struct {
	targets Targets
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

func WithSink(sink Sink) Option {
	return func(r *Router) {
		r.sink = sink
	}
}

func New(targets Targets, opts ...Option) (*Router, error) {
	if targets == nil {
		return nil, errors.New("connection targets are required")
	}
	r := &Router{
		targets: targets,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EmitToObservers delivers event to every observer and admin connection and
// returns how many sends succeeded. A failed send is logged and skipped.
func (r *Router) EmitToObservers(ctx context.Context, event models.Event) int {
	targets := r.targets.ConnectionsForRole(ctx, models.ObserverRoles...)

	delivered := 0
	for _, t := range targets {
		if err := r.deliver(ctx, t, event); err != nil {
			continue
		}
		delivered++
	}
	r.metrics.IncrementEvent(string(event.Type), "broadcast")

	if r.sink != nil && !r.sink.Offer(event) {
		r.metrics.IncrementSinkFailures()
		r.logger.WarnContext(ctx, "presence sink full, event dropped",
			"event", event.Type,
		)
	}
	return delivered
}

// EmitToConnection delivers event to a single connection.
func (r *Router) EmitToConnection(ctx context.Context, id models.ConnectionID, event models.Event) error {
	t, ok := r.targets.Get(ctx, id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, sentinel.ErrNotFound)
	}
	if err := r.deliver(ctx, t, event); err != nil {
		return err
	}
	r.metrics.IncrementEvent(string(event.Type), "unicast")
	return nil
}

func (r *Router) deliver(ctx context.Context, t connection.Entry, event models.Event) error {
	if t.Sender == nil {
		return fmt.Errorf("connection %s has no sender: %w", t.ID, models.ErrDeliveryFailure)
	}
	if err := t.Sender.Send(event); err != nil {
		r.metrics.IncrementDeliveryFailures()
		r.logger.WarnContext(ctx, "event delivery failed",
			"connection", t.ID,
			"event", event.Type,
			"error", err,
		)
		return fmt.Errorf("send %s to %s: %w", event.Type, t.ID, errors.Join(models.ErrDeliveryFailure, err))
	}
	return nil
}
