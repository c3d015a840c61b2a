package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host             string        // Database host
	Port             string        // Database port
	User             string        // Database user
	Password         string        // Database password
	Database         string        // Database name
	SSLMode          string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns     int           // Maximum number of idle connections
	MaxOpenConns     int           // Maximum number of open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	StatementTimeout time.Duration // Server-side statement_timeout applied to every session
	DatabaseURL      string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	dsn := c.DatabaseURL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	}
	return WithStatementTimeout(dsn, c.StatementTimeout)
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = 60 * time.Second
	}
}

// ConfigFromEnv builds a Config from DATABASE_URL or the POSTGRES_* variables
func ConfigFromEnv() *Config {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg := &Config{DatabaseURL: url}
		cfg.applyDefaults()
		return cfg
	}

	cfg := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}
	if cfg.Database == "" {
		cfg.Database = "crawl_admission"
	}
	cfg.applyDefaults()
	return cfg
}

// New creates a new PostgreSQL database connection and makes sure the schema exists
func New(ctx context.Context, config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}
	config.applyDefaults()

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.PingContext(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv(ctx context.Context) (*DB, error) {
	return New(ctx, ConfigFromEnv())
}

// setupSchema creates the tables the admission subsystem reads and writes
func setupSchema(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"tenants table", `
			CREATE TABLE IF NOT EXISTS tenants (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				settings JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`},
		{"jobs table", `
			CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				task_name TEXT NOT NULL,
				params JSONB NOT NULL DEFAULT '{}'::jsonb,
				status TEXT NOT NULL CHECK (status IN ('QUEUED', 'IN_PROGRESS', 'COMPLETE', 'FAILED')),
				error_message TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ
			)`},
		{"jobs status index", `
			CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at)`},
		{"jobs tenant index", `
			CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status)`},
		{"crawl_tasks table", `
			CREATE TABLE IF NOT EXISTS crawl_tasks (
				id TEXT PRIMARY KEY,
				task_name TEXT NOT NULL,
				job_id TEXT NOT NULL,
				params JSONB NOT NULL DEFAULT '{}'::jsonb,
				run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`},
		{"crawl_tasks run_at index", `
			CREATE INDEX IF NOT EXISTS idx_crawl_tasks_run_at ON crawl_tasks(run_at, created_at)`},
		{"tenant settings notify function", `
			CREATE OR REPLACE FUNCTION notify_tenant_settings_changed() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('tenant_settings_changed', NEW.id);
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`},
		{"tenant settings notify trigger", `
			DROP TRIGGER IF EXISTS tenants_settings_changed ON tenants;
			CREATE TRIGGER tenants_settings_changed
				AFTER UPDATE OF settings ON tenants
				FOR EACH ROW
				WHEN (OLD.settings IS DISTINCT FROM NEW.settings)
				EXECUTE FUNCTION notify_tenant_settings_changed()`},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	log.Debug().Int("statements", len(statements)).Msg("Database schema ready")
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// GetDB returns the underlying database connection
func (d *DB) GetDB() *sql.DB {
	return d.client
}
