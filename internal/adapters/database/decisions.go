package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/selivandex/decision-engine/pkg/models"
)

// DecisionRepository journals emitted decisions and serves analyst weights
type DecisionRepository struct {
	db sqlx.ExtContext
}

// NewDecisionRepository creates new decision repository over a connection or transaction
func NewDecisionRepository(db sqlx.ExtContext) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// decisionRow is the flattened journal record
type decisionRow struct {
	ID                string          `db:"id"`
	CycleID           string          `db:"cycle_id"`
	CreatedAt         time.Time       `db:"created_at"`
	Winner            string          `db:"winner"`
	Action            string          `db:"action"`
	Symbol            sql.NullString  `db:"symbol"`
	Allocation        sql.NullFloat64 `db:"allocation"`
	Leverage          sql.NullFloat64 `db:"leverage"`
	Confidence        sql.NullFloat64 `db:"confidence"`
	StopLoss          sql.NullFloat64 `db:"stop_loss"`
	TakeProfit        sql.NullFloat64 `db:"take_profit"`
	Recommendation    []byte          `db:"recommendation"`
	Reasoning         string          `db:"reasoning"`
	Warnings          pq.StringArray  `db:"warnings"`
	LeverageReasoning pq.StringArray  `db:"leverage_reasoning"`
	CircuitLevel      string          `db:"circuit_level"`
}

func toRow(d *models.FinalDecision) (*decisionRow, error) {
	row := &decisionRow{
		ID:                d.ID,
		CycleID:           d.CycleID,
		CreatedAt:         d.CreatedAt,
		Winner:            d.Winner,
		Action:            string(d.Action),
		Reasoning:         d.Reasoning,
		Warnings:          pq.StringArray(nonNil(d.Warnings)),
		LeverageReasoning: pq.StringArray(nonNil(d.LeverageReasoning)),
		CircuitLevel:      d.CircuitLevel,
	}
	if row.CircuitLevel == "" {
		row.CircuitLevel = "NONE"
	}

	if rec := d.Recommendation; rec != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode recommendation: %w", err)
		}
		row.Recommendation = raw
		if s := rec.SymbolOr(""); s != "" {
			row.Symbol = sql.NullString{String: s, Valid: true}
		}
		row.Allocation = sql.NullFloat64{Float64: rec.Allocation, Valid: true}
		row.Leverage = sql.NullFloat64{Float64: rec.Leverage, Valid: true}
		row.Confidence = sql.NullFloat64{Float64: rec.Confidence, Valid: true}
		if rec.StopLoss != nil {
			row.StopLoss = sql.NullFloat64{Float64: *rec.StopLoss, Valid: true}
		}
		if rec.TakeProfit != nil {
			row.TakeProfit = sql.NullFloat64{Float64: *rec.TakeProfit, Valid: true}
		}
	}
	return row, nil
}

func (r *decisionRow) decision() (*models.FinalDecision, error) {
	d := &models.FinalDecision{
		ID:                r.ID,
		CycleID:           r.CycleID,
		CreatedAt:         r.CreatedAt,
		Winner:            r.Winner,
		Action:            models.Action(r.Action),
		Reasoning:         r.Reasoning,
		Warnings:          []string(r.Warnings),
		LeverageReasoning: []string(r.LeverageReasoning),
		CircuitLevel:      r.CircuitLevel,
	}
	if len(r.Recommendation) > 0 {
		var rec models.Recommendation
		if err := json.Unmarshal(r.Recommendation, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode recommendation of %s: %w", r.ID, err)
		}
		d.Recommendation = &rec
	}
	return d, nil
}

// SaveDecision appends a decision to the journal. Saving the same id twice is a no-op.
func (r *DecisionRepository) SaveDecision(ctx context.Context, d *models.FinalDecision) error {
	row, err := toRow(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO decisions (
			id, cycle_id, created_at, winner, action, symbol, allocation, leverage,
			confidence, stop_loss, take_profit, recommendation, reasoning, warnings,
			leverage_reasoning, circuit_level
		) VALUES (
			:id, :cycle_id, :created_at, :winner, :action, :symbol, :allocation, :leverage,
			:confidence, :stop_loss, :take_profit, :recommendation, :reasoning, :warnings,
			:leverage_reasoning, :circuit_level
		)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := sqlx.NamedExecContext(ctx, r.db, query, row); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the latest decisions, newest first
func (r *DecisionRepository) RecentDecisions(ctx context.Context, limit int) ([]*models.FinalDecision, error) {
	query := `
		SELECT id, cycle_id, created_at, winner, action, symbol, allocation, leverage,
		       confidence, stop_loss, take_profit, recommendation, reasoning, warnings,
		       leverage_reasoning, circuit_level
		FROM decisions
		ORDER BY created_at DESC
		LIMIT $1
	`

	var rows []decisionRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}

	out := make([]*models.FinalDecision, 0, len(rows))
	for i := range rows {
		d, err := rows[i].decision()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// EntryConfidence returns the confidence of the latest entry decision on symbol
func (r *DecisionRepository) EntryConfidence(ctx context.Context, symbol string) (float64, bool, error) {
	query := `
		SELECT confidence
		FROM decisions
		WHERE symbol = $1 AND action IN ('BUY', 'SELL') AND confidence IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	var confidence float64
	err := sqlx.GetContext(ctx, r.db, &confidence, query, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query entry confidence: %w", err)
	}
	return confidence, true, nil
}

// AnalystWeights returns the historical performance weight of every analyst on record
func (r *DecisionRepository) AnalystWeights(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		AnalystID string  `db:"analyst_id"`
		Weight    float64 `db:"weight"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, `SELECT analyst_id, weight FROM analyst_weights`); err != nil {
		return nil, fmt.Errorf("failed to query analyst weights: %w", err)
	}

	weights := make(map[string]float64, len(rows))
	for _, row := range rows {
		weights[row.AnalystID] = row.Weight
	}
	return weights, nil
}

// SetAnalystWeight upserts an analyst weight
func (r *DecisionRepository) SetAnalystWeight(ctx context.Context, analystID string, weight float64) error {
	if !models.IsFinite(weight) || weight < 0 {
		return fmt.Errorf("invalid weight %v for %s", weight, analystID)
	}

	query := `
		INSERT INTO analyst_weights (analyst_id, weight, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (analyst_id) DO UPDATE SET weight = EXCLUDED.weight, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, analystID, weight); err != nil {
		return fmt.Errorf("failed to set analyst weight: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
