package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// DB is the postgres store behind the decision journal and risk events
type DB struct {
	conn *sqlx.DB
}

// Open connects with the configured pool and verifies the connection
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("journal database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return &DB{conn: conn}, nil
}

// Migrate brings the schema up to the latest version in path
func (db *DB) Migrate(path string) error {
	_, err := RunMigrations(db.conn.DB, path)
	return err
}

// Journal returns the decision journal repository
func (db *DB) Journal() *DecisionRepository {
	return NewDecisionRepository(db.conn)
}

// Ext exposes the connection to repositories of other packages
func (db *DB) Ext() sqlx.ExtContext {
	return db.conn
}

// Health pings the database within two seconds
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the pool
func (db *DB) Close() error {
	logger.Info("closing journal database")
	return db.conn.Close()
}
