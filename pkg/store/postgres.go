package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS task_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (run_id, job)
	);

	CREATE TABLE IF NOT EXISTS upload_reports (
		run_id TEXT NOT NULL REFERENCES runs(id),
		job TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (run_id, job)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		timestamp TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		job TEXT DEFAULT '',
		step TEXT DEFAULT '',
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS manifests (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		run_id TEXT PRIMARY KEY REFERENCES runs(id),
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_branch ON runs(branch);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id);
	`

func NewPostgresStore(url string) (*SQLStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{db: db, dialect: dialectPostgres}, nil
}
