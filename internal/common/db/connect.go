package db

import (
	"context"
	"fmt"
	"time"

	"bus-tracker/internal/common/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres wraps a connection pool; every trip channel loads its plan
// concurrently, so a single pgx.Conn is not enough.
type Postgres struct {
	Pool *pgxpool.Pool
}

func DSN(host string, port int, user, password, database string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		user, password, host, port, database,
	)
}

func NewPostgres(host string, port int, user, password, database string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(DSN(host, port, user, password, database))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		logger.Error("db_connection_failed", "Failed to connect to Postgres", "", "", err.Error())
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Error("db_ping_failed", "Postgres ping failed", "", "", err.Error())
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("db_connected", "Connected to PostgreSQL successfully", "", "")
	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
		logger.Info("db_connection_closed", "PostgreSQL connection closed", "", "")
	}
}
