package tracking_service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bus-tracker/internal/common/auth"
	"bus-tracker/internal/common/config"
	"bus-tracker/internal/common/db"
	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/common/metrics"
	"bus-tracker/internal/common/natsbus"
	commonrmq "bus-tracker/internal/common/rmq"
	commonws "bus-tracker/internal/common/websocket"
	"bus-tracker/internal/tracking/channel"
	"bus-tracker/internal/tracking/gate"
	"bus-tracker/internal/tracking/handler"
	"bus-tracker/internal/tracking/model"
	"bus-tracker/internal/tracking/relay"
	"bus-tracker/internal/tracking/repository"
	trackingrmq "bus-tracker/internal/tracking/rmq"
	"bus-tracker/internal/tracking/speed"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
)

const (
	tokenTTL        = 24 * time.Hour
	relayQueueSize  = 1024
	statusQueue     = "tracking_trip_status"
	shutdownTimeout = 10 * time.Second
)

// Run serves the tracking websocket and admin endpoints until ctx is done.
// rabbit and nc may be nil when the brokers are disabled.
func Run(ctx context.Context, cfg *config.Config, pg *db.Postgres, rabbit *commonrmq.RabbitMQ, nc *nats.Conn) error {
	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	jwtManager := auth.NewManager(cfg.Auth.JWTSecret, tokenTTL)
	users := repository.NewUserRepository(pg.Pool)
	plans := repository.NewTripRepository(pg.Pool)
	access := repository.NewAccessRepository(pg.Pool)

	var targets []relay.Target
	if nc != nil {
		targets = append(targets, relay.Target{Name: "nats", Publisher: natsbus.NewPublisher(nc, natsbus.DefaultPrefix)})
	}
	if rabbit != nil {
		events, err := trackingrmq.NewClient(rabbit.Conn, commonrmq.TripEventsTopic)
		if err != nil {
			return fmt.Errorf("trip events publisher: %w", err)
		}
		defer events.Close()
		targets = append(targets, relay.Target{
			Name:      "rabbitmq",
			Publisher: trackingrmq.NewEventPublisher(events),
			Kinds:     trackingrmq.AlertKinds,
		})
	}

	var sink channel.Sink
	var rel *relay.Relay
	if len(targets) > 0 {
		rel = relay.New(relayQueueSize, collector, targets...)
		sink = rel
	}

	t := cfg.Tracking
	speedOpts := speed.DefaultOptions()
	speedOpts.Alpha = t.SmoothingAlpha
	registry := channel.NewRegistry(plans, sink, collector, channel.Options{
		Speed:            speedOpts,
		FallbackSpeedKmh: t.FallbackSpeedKmh,
		DelayThreshold:   t.DelayThreshold,
		Location:         t.Location,
		StopProximityM:   t.StopProximityM,
		StopArrivalM:     t.StopArrivalM,
		OffRouteM:        t.OffRouteM,
		CloseGrace:       t.CloseGrace,
		IdleGrace:        t.IdleGrace,
	})

	if rabbit != nil {
		status, err := trackingrmq.NewClient(rabbit.Conn, commonrmq.TripTopic)
		if err != nil {
			return fmt.Errorf("trip status consumer: %w", err)
		}
		defer status.Close()
		if err := status.ConsumeTripStatus(ctx, statusQueue, trackingrmq.TripStatusHandler(registry)); err != nil {
			return fmt.Errorf("trip status consumer: %w", err)
		}
	}

	hub := commonws.NewHub()
	ws := handler.NewTrackingHandler(gate.New(jwtManager, users, collector), access, registry, hub, collector, t.SubscriberBuffer)
	trips := handler.NewTripHandler(plans, registry)
	health := handler.NewHealthHandler(pg, registry, hub)
	admin := handler.NewAdminHandler(registry, hub)
	adminCORS := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	requireAdmin := jwtManager.Middleware(string(model.RoleAdmin))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", ws.ServeWS)
	r.Get("/healthz", health.Health)
	if collector != nil {
		r.Handle("/metrics", collector.Handler())
	}
	r.Route("/trips", func(r chi.Router) {
		r.Use(adminCORS, requireAdmin)
		r.Post("/{trip_id}/complete", trips.CompleteTrip)
		r.Post("/{trip_id}/cancel", trips.CancelTrip)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminCORS, requireAdmin)
		r.Get("/overview", admin.GetSystemOverview)
		r.Get("/trips/active", admin.GetActiveTrips)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Services.TrackingServicePort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("service_started", "Tracking service listening on "+srv.Addr, "", "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("service_failed", "Tracking service failed", "", "", err.Error())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("service_stopping", "Shutting down tracking service", "", "")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "HTTP server did not stop cleanly", "", "", err.Error())
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	hub.Broadcast(model.MustEncode(model.ErrorEvent{Code: model.CodeServerShutdown, Message: "server is shutting down"}))
	hub.CloseAll()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry_shutdown_failed", "Trip channels did not stop in time", "", "", err.Error())
	}
	if rel != nil {
		if err := rel.Close(shutdownCtx); err != nil {
			logger.Warn("relay_shutdown_failed", "Broker relay did not drain", "", "", err.Error())
		}
	}
	logger.Info("service_stopped", "Tracking service stopped", "", "")
	return nil
}
