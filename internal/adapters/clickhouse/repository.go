package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/metrics"
)

// Inserter appends rows to a table
type Inserter interface {
	InsertBatch(ctx context.Context, table string, rows [][]interface{}) error
}

// Repository writes batches to ClickHouse. The driver only sends a batch on
// commit, so every insert runs inside its own transaction.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// InsertBatch inserts rows into table in one round trip
func (r *Repository) InsertBatch(ctx context.Context, table string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	query, err := insertQuery(table, rows)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("ClickHouse batch insert successful",
		zap.String("table", table),
		zap.Int("rows", len(rows)),
	)
	return nil
}

func insertQuery(table string, rows [][]interface{}) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table name is empty")
	}
	columns := len(rows[0])
	if columns == 0 {
		return "", fmt.Errorf("rows for %s have no columns", table)
	}
	for i, row := range rows {
		if len(row) != columns {
			return "", fmt.Errorf("row %d of %s has wrong column count: expected %d, got %d", i, table, columns, len(row))
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", columns), ", ")
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, placeholders), nil
}

// Writer implements metrics.Writer on top of an Inserter
type Writer struct {
	inserter Inserter
	closer   func() error
}

// NewWriter creates new metrics writer. closer runs on Close and may be nil.
func NewWriter(inserter Inserter, closer func() error) *Writer {
	return &Writer{inserter: inserter, closer: closer}
}

// Write converts metrics to rows and inserts them
func (w *Writer) Write(ctx context.Context, table string, batch []metrics.Metric) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(batch))
	for i, m := range batch {
		if m.TableName() != table {
			return fmt.Errorf("metric for %s in %s batch", m.TableName(), table)
		}
		rows[i] = m.Values()
	}
	return w.inserter.InsertBatch(ctx, table, rows)
}

// Close releases the underlying connection
func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer()
	}
	return nil
}
