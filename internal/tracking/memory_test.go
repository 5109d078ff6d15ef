package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

func TestMemoryStoreAliasOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	v1, err := m.RegisterModel(ctx, "xgboost", models.RunModelURI("r1"), "r1")
	require.NoError(t, err)
	v2, err := m.RegisterModel(ctx, "xgboost", models.RunModelURI("r2"), "r2")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	require.NoError(t, m.SetAlias(ctx, "xgboost", models.AliasChampion, v1.Version))
	require.NoError(t, m.SetAlias(ctx, "xgboost", models.AliasChampion, v2.Version))

	got, err := m.GetModelVersionByAlias(ctx, "xgboost", models.AliasChampion)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "r2", got.RunID)
	assert.Equal(t, []string{"champion"}, got.Aliases)

	_, err = m.GetModelVersionByAlias(ctx, "xgboost", models.AliasChallenger)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, m.SetAlias(ctx, "xgboost", models.AliasChallenger, 9), apperr.ErrNotFound)
}

func TestMemoryStoreSearchSkipsUnfinishedRuns(t *testing.T) {
	m := NewMemoryStore()
	m.AddExperiment(models.Experiment{ID: "1", Name: "exp"})
	m.AddRun(models.Run{RunID: "a", ExperimentID: "1", Status: models.RunStatusFinished})
	m.AddRun(models.Run{RunID: "b", ExperimentID: "1", Status: models.RunStatusRunning})
	m.AddRun(models.Run{RunID: "c", ExperimentID: "1", Status: models.RunStatusFinished})

	runs, err := m.SearchRuns(context.Background(), SearchRunsRequest{ExperimentIDs: []string{"1"}})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].RunID)
	assert.Equal(t, "c", runs[1].RunID)
}
