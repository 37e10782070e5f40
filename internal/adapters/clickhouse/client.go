package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// Open connects to ClickHouse through the database/sql interface
func Open(ctx context.Context, cfg *config.ClickHouseConfig) (*sqlx.DB, error) {
	opts, err := ch.ParseDSN(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("invalid ClickHouse DSN: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	db := sqlx.NewDb(ch.OpenDB(opts), "clickhouse")
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}

	logger.Info("ClickHouse connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return db, nil
}

// schema holds one statement per analytics table. Column order matches
// the Values() order of the metric written to that table.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS generation_metrics (
		timestamp DateTime64(3),
		label LowCardinality(String),
		provider LowCardinality(String),
		model LowCardinality(String),
		cache_hit Bool,
		fallback Bool,
		latency_ms Int64,
		success Bool,
		error_kind LowCardinality(String)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (label, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS decision_metrics (
		timestamp DateTime64(3),
		cycle_id String,
		winner LowCardinality(String),
		action LowCardinality(String),
		symbol LowCardinality(String),
		leverage Float64,
		confidence Float64,
		warnings Int64,
		circuit_level LowCardinality(String),
		analysts_ok Int64,
		analysts_err Int64,
		duration_ms Int64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (action, timestamp)`,

	`CREATE TABLE IF NOT EXISTS circuit_breaker_metrics (
		timestamp DateTime64(3),
		level LowCardinality(String),
		reason String,
		reference_drop_pct Float64,
		max_funding_rate Float64,
		latency_ms Int64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (level, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 180 DAY`,
}

// EnsureSchema creates the analytics tables when missing
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ClickHouse table: %w", err)
		}
	}
	return nil
}
