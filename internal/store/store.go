// Package store persists the history of promotion pipeline runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

type Store interface {
	RecordPromotion(ctx context.Context, in PromotionInput) (models.PromotionEvent, error)
	ListPromotions(ctx context.Context, filter ListPromotionsFilter) ([]models.PromotionEvent, error)
	GetPromotion(ctx context.Context, id uuid.UUID) (models.PromotionEvent, error)
	Ping(ctx context.Context) error
}

type PromotionInput struct {
	ID               uuid.UUID
	Experiment       string
	Metric           string
	ChampionRunID    string
	ChampionMetric   float64
	ChallengerRunID  string
	ChallengerMetric float64
	ChampionURI      string
	ChallengerURI    string
	Warnings         json.RawMessage
	Published        bool
}

type ListPromotionsFilter struct {
	Experiment string
	Limit      int
	Offset     int
}

const schema = `
CREATE TABLE IF NOT EXISTS promotion_events (
	id UUID PRIMARY KEY,
	experiment TEXT NOT NULL,
	metric TEXT NOT NULL,
	champion_run_id TEXT NOT NULL,
	champion_metric DOUBLE PRECISION NOT NULL,
	challenger_run_id TEXT NOT NULL,
	challenger_metric DOUBLE PRECISION NOT NULL,
	champion_uri TEXT NOT NULL,
	challenger_uri TEXT NOT NULL,
	warnings JSONB NOT NULL DEFAULT '[]',
	published BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS promotion_events_experiment_created_idx
	ON promotion_events (experiment, created_at DESC);
`

const promotionColumns = `id, experiment, metric, champion_run_id, champion_metric, challenger_run_id, challenger_metric, champion_uri, challenger_uri, warnings, published, created_at`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the history table when missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate promotion_events: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func scanPromotion(row rowScanner) (models.PromotionEvent, error) {
	var (
		ev       models.PromotionEvent
		warnings []byte
	)
	if err := row.Scan(
		&ev.ID,
		&ev.Experiment,
		&ev.Metric,
		&ev.ChampionRunID,
		&ev.ChampionMetric,
		&ev.ChallengerRunID,
		&ev.ChallengerMetric,
		&ev.ChampionURI,
		&ev.ChallengerURI,
		&warnings,
		&ev.Published,
		&ev.CreatedAt,
	); err != nil {
		return models.PromotionEvent{}, err
	}
	ev.Warnings = append(json.RawMessage(nil), warnings...)
	return ev, nil
}

func (s *PGStore) RecordPromotion(ctx context.Context, in PromotionInput) (models.PromotionEvent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO promotion_events (id, experiment, metric, champion_run_id, champion_metric, challenger_run_id, challenger_metric, champion_uri, challenger_uri, warnings, published)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + promotionColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.Experiment, in.Metric,
		in.ChampionRunID, in.ChampionMetric,
		in.ChallengerRunID, in.ChallengerMetric,
		in.ChampionURI, in.ChallengerURI,
		ensureJSON(in.Warnings, "[]"), in.Published,
	)
	ev, err := scanPromotion(row)
	if err != nil {
		return models.PromotionEvent{}, fmt.Errorf("insert promotion event: %w", err)
	}
	return ev, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListPromotions(ctx context.Context, filter ListPromotionsFilter) ([]models.PromotionEvent, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotion_events WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Experiment != "" {
		query += fmt.Sprintf(" AND experiment = $%d", argPos)
		args = append(args, filter.Experiment)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotion events: %w", err)
	}
	defer rows.Close()

	var events []models.PromotionEvent
	for rows.Next() {
		ev, err := scanPromotion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotion events: %w", err)
	}
	return events, nil
}

func (s *PGStore) GetPromotion(ctx context.Context, id uuid.UUID) (models.PromotionEvent, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotion_events WHERE id = $1`
	ev, err := scanPromotion(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PromotionEvent{}, apperr.ErrNotFound
		}
		return models.PromotionEvent{}, fmt.Errorf("get promotion event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
