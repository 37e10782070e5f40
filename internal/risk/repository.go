package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Risk event types
const (
	EventCircuitLevelChange = "CIRCUIT_LEVEL_CHANGE"
	EventGateDenied         = "GATE_DENIED"
	EventHysteresisBlocked  = "HYSTERESIS_BLOCKED"
)

// Repository handles database operations for risk events
type Repository struct {
	db  sqlx.ExtContext
	now func() time.Time
}

// NewRepository creates new risk repository over a connection or transaction
func NewRepository(db sqlx.ExtContext) *Repository {
	return &Repository{db: db, now: time.Now}
}

// RiskEvent represents a risk event record
type RiskEvent struct {
	ID          int64                  `db:"id" json:"id"`
	EventType   string                 `db:"event_type" json:"event_type"`
	Symbol      string                 `db:"symbol" json:"symbol,omitempty"`
	Description string                 `db:"description" json:"description"`
	Data        map[string]interface{} `db:"-" json:"data,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}

// LogRiskEvent logs a risk event to database
func (r *Repository) LogRiskEvent(ctx context.Context, eventType, symbol, description string, data map[string]interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	query := `
		INSERT INTO risk_events (event_type, symbol, description, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowxContext(ctx, query, eventType, symbol, description, dataJSON, r.now().UTC()).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to log risk event: %w", err)
	}

	return nil
}

// GetRecentRiskEvents retrieves the latest risk events, newest first
func (r *Repository) GetRecentRiskEvents(ctx context.Context, limit int) ([]RiskEvent, error) {
	query := `
		SELECT id, event_type, symbol, description, data, created_at
		FROM risk_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}
	defer rows.Close()

	events := make([]RiskEvent, 0)
	for rows.Next() {
		var (
			event    RiskEvent
			dataJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.EventType, &event.Symbol, &event.Description, &dataJSON, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode risk event %d data: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// CountRiskEventsByType counts risk events of a type since a point in time
func (r *Repository) CountRiskEventsByType(ctx context.Context, eventType string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM risk_events
		WHERE event_type = $1 AND created_at >= $2
	`

	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, query, eventType, since); err != nil {
		return 0, fmt.Errorf("failed to count risk events: %w", err)
	}

	return count, nil
}

// DeleteOldRiskEvents deletes risk events older than specified duration
func (r *Repository) DeleteOldRiskEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM risk_events
		WHERE created_at < $1
	`

	cutoff := r.now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old risk events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// RetentionWorker prunes old risk events on each run
type RetentionWorker struct {
	repo      *Repository
	retention time.Duration
}

// NewRetentionWorker creates a worker that keeps retention worth of risk events
func NewRetentionWorker(repo *Repository, retention time.Duration) *RetentionWorker {
	return &RetentionWorker{repo: repo, retention: retention}
}

func (w *RetentionWorker) Name() string {
	return "risk-event-retention"
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	_, err := w.repo.DeleteOldRiskEvents(ctx, w.retention)
	return err
}
