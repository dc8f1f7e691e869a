package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttle/internal/platform/metrics"
	"shuttle/internal/platform/middleware"
)

const healthTimeout = 2 * time.Second

// PresenceRoutes registers the hub endpoints.
type PresenceRoutes interface {
	Register(r chi.Router)
}

// HealthChecker reports the health of an optional backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the pieces the router mounts. Only Presence is required.
type Deps struct {
	Presence PresenceRoutes
	// Auth guards the presence routes; nil leaves them open.
	Auth func(http.Handler) http.Handler
	// Redis is checked by /healthz when the presence sink is enabled.
	Redis       HealthChecker
	Metrics     *metrics.Metrics
	MetricsView http.Handler
	Logger      *slog.Logger
}

// NewRouter wires all public endpoints. Handlers stay thin and delegate to
// the presence controller.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metricsView := d.MetricsView
	if metricsView == nil {
		metricsView = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger, d.Metrics))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthz(d.Redis))
	r.Method(http.MethodGet, "/metrics", metricsView)

	r.Group(func(r chi.Router) {
		if d.Auth != nil {
			r.Use(d.Auth)
		}
		d.Presence.Register(r)
	})
	return r
}

func healthz(redis HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		status := http.StatusOK
		if redis != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := redis.Health(ctx); err != nil {
				body["status"] = "degraded"
				body["redis"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				body["redis"] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
