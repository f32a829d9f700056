package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/model-gateway/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// schema holds the rollout journal tables
const schema = `
	-- One row per canary evaluation
	CREATE TABLE IF NOT EXISTS canary_evaluations (
		id UUID PRIMARY KEY,
		family VARCHAR(100) NOT NULL,
		canary_id VARCHAR(255) NOT NULL,
		baseline_id VARCHAR(255) NOT NULL,
		verdict VARCHAR(20) NOT NULL,
		reasons JSONB NOT NULL DEFAULT '[]',
		canary_window JSONB NOT NULL DEFAULT '{}',
		baseline_window JSONB NOT NULL DEFAULT '{}',
		applied BOOLEAN NOT NULL DEFAULT FALSE,
		evaluated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_canary_evaluations_family ON canary_evaluations(family, evaluated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_canary_evaluations_canary ON canary_evaluations(canary_id, evaluated_at DESC);

	-- Last known weight and status per endpoint
	CREATE TABLE IF NOT EXISTS endpoint_state (
		endpoint_id VARCHAR(255) PRIMARY KEY,
		family VARCHAR(100) NOT NULL,
		weight DOUBLE PRECISION NOT NULL CHECK (weight >= 0 AND weight <= 1),
		status VARCHAR(20) NOT NULL,
		registry_version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
`

// InitSchema creates the journal tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
