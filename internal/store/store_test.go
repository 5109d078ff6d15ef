package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
)

var columns = []string{
	"id", "experiment", "metric", "champion_run_id", "champion_metric", "challenger_run_id",
	"challenger_metric", "champion_uri", "challenger_uri", "warnings", "published", "created_at",
}

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreRecordPromotion(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO promotion_events").
		WithArgs(id, "Telco_Churn_Models", "accuracy", "r1", 0.82, "r2", 0.79,
			"models:/LightGBM@champion", "models:/XGBoost@challenger", json.RawMessage("[]"), true).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			id.String(), "Telco_Churn_Models", "accuracy", "r1", 0.82, "r2", 0.79,
			"models:/LightGBM@champion", "models:/XGBoost@challenger", []byte("[]"), true, now))

	ev, err := s.RecordPromotion(context.Background(), PromotionInput{
		ID:               id,
		Experiment:       "Telco_Churn_Models",
		Metric:           "accuracy",
		ChampionRunID:    "r1",
		ChampionMetric:   0.82,
		ChallengerRunID:  "r2",
		ChallengerMetric: 0.79,
		ChampionURI:      "models:/LightGBM@champion",
		ChallengerURI:    "models:/XGBoost@challenger",
		Published:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, json.RawMessage("[]"), ev.Warnings)
	assert.True(t, ev.Published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListPromotionsFiltersByExperiment(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM promotion_events WHERE 1=1 AND experiment = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3")).
		WithArgs("Telco_Churn_Models", 10, 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(uuid.NewString(), "Telco_Churn_Models", "accuracy", "r1", 0.8, "r1", 0.8, "a", "b", []byte("[]"), true, now).
			AddRow(uuid.NewString(), "Telco_Churn_Models", "accuracy", "r3", 0.7, "r4", 0.6, "c", "d", []byte(`[{"role":"champion"}]`), true, now.Add(-time.Hour)))

	events, err := s.ListPromotions(context.Background(), ListPromotionsFilter{Experiment: "Telco_Churn_Models", Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "r3", events[1].ChampionRunID)
	assert.JSONEq(t, `[{"role":"champion"}]`, string(events[1].Warnings))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetPromotionNotFound(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("FROM promotion_events WHERE id").WithArgs(id).WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.GetPromotion(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreMigrate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS promotion_events").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreListsNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	first, err := m.RecordPromotion(ctx, PromotionInput{Experiment: "a", ChampionRunID: "1"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = m.RecordPromotion(ctx, PromotionInput{Experiment: "a", ChampionRunID: "2"})
	require.NoError(t, err)
	_, err = m.RecordPromotion(ctx, PromotionInput{Experiment: "b", ChampionRunID: "3"})
	require.NoError(t, err)

	events, err := m.ListPromotions(ctx, ListPromotionsFilter{Experiment: "a"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].ChampionRunID)
	assert.Equal(t, "1", events[1].ChampionRunID)

	got, err := m.GetPromotion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("[]"), got.Warnings)

	_, err = m.GetPromotion(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
