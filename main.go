package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	trackingService "bus-tracker/cmd/tracking-service"
	"bus-tracker/internal/common/config"
	"bus-tracker/internal/common/db"
	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/common/natsbus"
	"bus-tracker/internal/common/rmq"

	"github.com/nats-io/nats.go"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.SetServiceName("tracking-service")
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	cfg.Print()

	if err := run(cfg); err != nil {
		logger.Error("service_exit", "Tracking service exited with error", "", "", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewPostgres(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	var mq *rmq.RabbitMQ
	if cfg.RabbitMQ.Host != "" {
		mq, err = rmq.NewRabbitMQ(
			cfg.RabbitMQ.Host, cfg.RabbitMQ.Port,
			cfg.RabbitMQ.User, cfg.RabbitMQ.Password,
		)
		if err != nil {
			return fmt.Errorf("rabbitmq error: %w", err)
		}
		defer mq.Close()
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = natsbus.Connect(cfg.NATS.URL, "tracking-service")
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer nc.Close()
	}

	return trackingService.Run(ctx, cfg, pg, mq, nc)
}
