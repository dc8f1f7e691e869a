package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	jwttoken "shuttle/internal/jwt_token"
	"shuttle/internal/platform/config"
	"shuttle/internal/platform/httpserver"
	"shuttle/internal/platform/logger"
	platformmetrics "shuttle/internal/platform/metrics"
	"shuttle/internal/platform/middleware"
	"shuttle/internal/platform/redis"
	"shuttle/internal/presence/broadcast"
	"shuttle/internal/presence/handler"
	"shuttle/internal/presence/metrics"
	"shuttle/internal/presence/service"
	"shuttle/internal/presence/sink"
	"shuttle/internal/presence/store/connection"
	"shuttle/internal/presence/store/driver"
	httptransport "shuttle/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

// main wires high-level dependencies and runs the HTTP server, the presence
// controller and the optional Redis sink until a signal arrives.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shuttle: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presenceMetrics := metrics.New()
	registry := connection.New()
	drivers := driver.New(cfg.ServiceArea.Area())

	routerOpts := []broadcast.Option{
		broadcast.WithLogger(log),
		broadcast.WithMetrics(presenceMetrics),
	}

	var (
		redisClient *redis.Client
		sinkWorker  *sink.Worker
	)
	if cfg.Redis.URL != "" {
		redisClient, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect presence sink: %w", err)
		}
		defer redisClient.Close()

		publisher := sink.NewRedisPublisher(redisClient.Client, cfg.Redis.Channel)
		sinkWorker, err = sink.NewWorker(publisher, 0,
			sink.WithLogger(log),
			sink.WithMetrics(presenceMetrics),
			sink.WithBreaker(sink.NewBreaker()),
		)
		if err != nil {
			return err
		}
		routerOpts = append(routerOpts, broadcast.WithSink(sinkWorker))
		log.InfoContext(ctx, "presence sink enabled", "channel", publisher.Channel())
	}

	router, err := broadcast.New(registry, routerOpts...)
	if err != nil {
		return err
	}
	ctrl, err := service.New(registry, drivers, router,
		service.WithLogger(log),
		service.WithMetrics(presenceMetrics),
		service.WithDevelopment(cfg.IsDevelopment()),
		service.WithVerifyInterval(cfg.VerifyEvery),
	)
	if err != nil {
		return err
	}
	presence, err := handler.New(ctrl,
		handler.WithLogger(log),
		handler.WithMetrics(presenceMetrics),
		handler.WithOutboxSize(cfg.OutboxSize),
	)
	if err != nil {
		return err
	}

	deps := httptransport.Deps{
		Presence: presence,
		Metrics:  platformmetrics.New(),
		Logger:   log,
	}
	if cfg.JWTSigningKey != "" {
		validator := jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.JWTSigningKey, "shuttle"))
		deps.Auth = middleware.Authenticate(validator, cfg.AuthRequired, log)
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(deps))
	srv.RegisterOnShutdown(presence.CloseSessions)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("presence controller: %w", err)
		}
		return nil
	})
	if sinkWorker != nil {
		g.Go(func() error {
			if err := sinkWorker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("presence sink: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.InfoContext(gctx, "starting shuttle presence hub",
			"addr", cfg.Addr,
			"service_area_lat", cfg.ServiceArea.Lat,
			"service_area_lng", cfg.ServiceArea.Lng,
			"service_area_radius_km", cfg.ServiceArea.RadiusKm,
			"auth_required", cfg.AuthRequired,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := presence.Drain(shutdownCtx); err != nil {
			log.Warn("websocket sessions still open at exit", "error", err)
		}
		log.Info("shuttle presence hub stopped")
		return nil
	})

	return g.Wait()
}
