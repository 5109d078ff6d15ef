// Package selection ranks the completed runs of an experiment and picks the
// champion and challenger.
package selection

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
	"github.com/ILLUVRSE/churn-mlops/internal/tracking"
)

const finishedFilter = "attributes.status = 'FINISHED'"

// RunStore is the read side of the tracking server.
type RunStore interface {
	GetExperimentByName(ctx context.Context, name string) (models.Experiment, error)
	SearchRuns(ctx context.Context, req tracking.SearchRunsRequest) ([]models.Run, error)
}

type Selector struct {
	store  RunStore
	logger zerolog.Logger
}

func NewSelector(store RunStore, logger zerolog.Logger) *Selector {
	return &Selector{store: store, logger: logger.With().Str("component", "selector").Logger()}
}

// Select returns the two best completed runs of experiment by metric, highest first.
// With a single run the champion doubles as challenger. Equal metrics keep the
// store's order, which the tracking server does not guarantee to be stable.
func (s *Selector) Select(ctx context.Context, experiment, metric string) (models.ModelSelection, error) {
	exp, err := s.store.GetExperimentByName(ctx, experiment)
	if err != nil {
		return models.ModelSelection{}, err
	}

	runs, err := s.store.SearchRuns(ctx, tracking.SearchRunsRequest{
		ExperimentIDs: []string{exp.ID},
		Filter:        finishedFilter,
		OrderBy:       []string{orderByMetric(metric)},
	})
	if err != nil {
		return models.ModelSelection{}, errors.Wrapf(err, "search runs of %q", experiment)
	}

	runs = finished(runs)
	if len(runs) == 0 {
		return models.ModelSelection{}, errors.Wrapf(apperr.ErrNotFound, "no completed runs in experiment %q", experiment)
	}

	Rank(runs, metric)
	sel := models.ModelSelection{Champion: runs[0], Challenger: runs[0]}
	if len(runs) > 1 {
		sel.Challenger = runs[1]
	}

	s.logger.Info().
		Str("experiment", experiment).
		Str("metric", metric).
		Int("runs", len(runs)).
		Str("champion", sel.Champion.DisplayName()).
		Str("challenger", sel.Challenger.DisplayName()).
		Bool("self_paired", sel.SelfPaired()).
		Msg("selected models")
	return sel, nil
}

// Rank sorts runs by metric, descending, in place. Runs without the metric go last.
func Rank(runs []models.Run, metric string) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, aok := runs[i].Metric(metric)
		b, bok := runs[j].Metric(metric)
		if aok != bok {
			return aok
		}
		return aok && a > b
	})
}

func finished(runs []models.Run) []models.Run {
	out := runs[:0]
	for _, r := range runs {
		if r.Status == "" || r.Status == models.RunStatusFinished {
			out = append(out, r)
		}
	}
	return out
}

// orderByMetric quotes the metric name so names with dots, dashes or spaces
// survive MLflow's search syntax.
func orderByMetric(metric string) string {
	return fmt.Sprintf("metrics.`%s` DESC", metric)
}
