// Package sink mirrors observer broadcasts to an external channel so
// out-of-process consumers (e.g. ETA estimation) can follow driver presence
// without holding a websocket. Sink problems never affect the hub.
package sink

//go:generate mockgen -source=sink.go -destination=mocks/mocks.go -package=mocks Publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"shuttle/internal/presence/metrics"
	"shuttle/internal/presence/models"
	"shuttle/pkg/platform/circuit"
)

const (
	defaultBufferSize = 1024
	publishTimeout    = 2 * time.Second

	breakerName             = "presence-sink"
	breakerFailureThreshold = 5
	breakerCooldown         = 15 * time.Second
)

// Publisher ships one event to the external channel.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Worker consumes presence events from a bounded inbox and publishes them.
// Offer never blocks; when the inbox is full the event is dropped.
type Worker struct {
	publisher Publisher
	inbox     chan models.Event
	logger    *slog.Logger
	metrics   *metrics.Metrics
	breaker   *circuit.Breaker
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithBreaker stops publishing while the external channel keeps failing.
// Events offered while the breaker is open are dropped and counted.
func WithBreaker(b *circuit.Breaker) Option {
	return func(w *Worker) {
		w.breaker = b
	}
}

// NewBreaker returns the breaker the server runs the worker with: it opens
// after five consecutive publish failures and retries Redis once every 15s.
func NewBreaker(opts ...circuit.Option) *circuit.Breaker {
	defaults := []circuit.Option{
		circuit.WithFailureThreshold(breakerFailureThreshold),
		circuit.WithCooldown(breakerCooldown),
	}
	return circuit.New(breakerName, append(defaults, opts...)...)
}

func NewWorker(publisher Publisher, bufferSize int, opts ...Option) (*Worker, error) {
	if publisher == nil {
		return nil, errors.New("sink publisher is required")
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	w := &Worker{
		publisher: publisher,
		inbox:     make(chan models.Event, bufferSize),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Offer queues an event for publishing and reports whether it was accepted.
func (w *Worker) Offer(event models.Event) bool {
	select {
	case w.inbox <- event:
		return true
	default:
		return false
	}
}

// Run publishes queued events until ctx is cancelled. Publish failures are
// logged and counted; the worker keeps going.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			w.publish(ctx, event)
		}
	}
}

func (w *Worker) publish(ctx context.Context, event models.Event) {
	if w.breaker != nil && !w.breaker.Allow() {
		w.metrics.IncrementSinkFailures()
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	err := w.publisher.Publish(pubCtx, event)
	cancel()

	if err != nil {
		w.metrics.IncrementSinkFailures()
		w.logger.WarnContext(ctx, "presence sink publish failed",
			"event", event.Type,
			"error", err,
		)
		if w.breaker != nil {
			if _, change := w.breaker.RecordFailure(); change.Opened {
				w.logger.WarnContext(ctx, "presence sink circuit opened",
					"breaker", w.breaker.Name(),
				)
			}
		}
		return
	}
	if w.breaker != nil {
		if _, change := w.breaker.RecordSuccess(); change.Closed {
			w.logger.InfoContext(ctx, "presence sink circuit closed",
				"breaker", w.breaker.Name(),
			)
		}
	}
}
