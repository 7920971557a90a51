package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CockroachDB connection using pgx (PostgreSQL-compatible driver)
type CockroachDB struct {
	Pool *pgxpool.Pool
}

// CockroachConfig holds CockroachDB connection configuration
type CockroachConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewCockroachDB creates a new CockroachDB connection pool
func NewCockroachDB(ctx context.Context, config *CockroachConfig) (*CockroachDB, error) {
	connString := fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		config.User,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &CockroachDB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *CockroachDB) Close() {
	db.Pool.Close()
}

// Ping tests the database connection
func (db *CockroachDB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns pool statistics
func (db *CockroachDB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}

// EnsureCallArchiveSchema creates the call archive table if it does not exist
func (db *CockroachDB) EnsureCallArchiveSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_archive (
			call_id          STRING PRIMARY KEY,
			caller_uid       UUID NOT NULL,
			callee_uid       UUID NOT NULL,
			call_type        STRING NOT NULL,
			status           STRING NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			accepted_at      TIMESTAMPTZ,
			ended_at         TIMESTAMPTZ,
			duration_seconds INT NOT NULL DEFAULT 0,
			INDEX (caller_uid, created_at DESC),
			INDEX (callee_uid, created_at DESC)
		)
	`
	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure call_archive schema: %w", err)
	}
	return nil
}

// Helper: NewCockroachDBFromEnv creates connection from environment variables
func NewCockroachDBFromEnv(ctx context.Context) (*CockroachDB, error) {
	config := &CockroachConfig{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     getEnvPortOrDefault("DB_PORT", 26257),
		User:     getEnvOrDefault("DB_USER", "root"),
		Password: getEnvOrDefault("DB_PASSWORD", ""),
		Database: getEnvOrDefault("DB_NAME", "flashchat"),
		SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"), // insecure for dev
	}

	return NewCockroachDB(ctx, config)
}

// Helper functions
func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvPortOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
