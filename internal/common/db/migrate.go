package db

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bus-tracker/internal/common/logger"
)

func (p *Postgres) RunMigrations(ctx context.Context, migrationsDir string) error {
	start := time.Now()
	logger.Info("db_migrations_start", "Running database migrations...", "", "")

	files, err := readMigrationFiles(migrationsDir)
	if err != nil {
		logger.Error("db_migrations_read_failed", "Failed to read migration files", "", "", err.Error())
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			id SERIAL PRIMARY KEY,
			filename TEXT UNIQUE NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		logger.Error("db_migrations_table_failed", "Failed to ensure _migrations table", "", "", err.Error())
		return fmt.Errorf("failed to create _migrations table: %w", err)
	}

	executed, err := p.appliedMigrations(ctx)
	if err != nil {
		logger.Error("db_migrations_query_failed", "Failed to fetch applied migrations", "", "", err.Error())
		return err
	}

	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		if executed[name] {
			logger.Debug("db_migration_skip", "Skipping already applied migration: "+name, "", "")
			continue
		}
		if err := p.apply(ctx, file, name); err != nil {
			logger.Error("db_migration_failed", fmt.Sprintf("Migration %s failed", name), "", "", err.Error())
			return err
		}
		applied++
	}

	logger.Info("db_migrations_done", fmt.Sprintf("%d migrations applied in %v", applied, time.Since(start)), "", "")
	return nil
}

func (p *Postgres) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := p.Pool.Query(ctx, "SELECT filename FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	executed := make(map[string]bool)
	for rows.Next() {
		var fname string
		if err := rows.Scan(&fname); err != nil {
			return nil, err
		}
		executed[fname] = true
	}
	return executed, rows.Err()
}

func (p *Postgres) apply(ctx context.Context, file, name string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", name, err)
	}

	logger.Info("db_migration_apply", "Applying migration: "+name, "", "")
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("migration %s failed: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO _migrations (filename) VALUES ($1)", name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	return nil
}

func readMigrationFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(d.Name(), ".up.sql") || strings.HasSuffix(d.Name(), ".up")) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
