// Package promotion registers the selected runs and binds the champion and
// challenger aliases.
package promotion

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

// ErrIncomplete is returned by Promote under RequireFull when any registry write failed.
var ErrIncomplete = errors.New("promotion incomplete")

// Registry is the write side of the model registry.
type Registry interface {
	RegisterModel(ctx context.Context, name, source, runID string) (models.ModelVersion, error)
	SetAlias(ctx context.Context, name string, alias models.Alias, version int) error
}

type Options struct {
	// Register false skips the registry and hands out run-addressed URIs.
	Register bool
	// RequireFull makes any registration warning fatal to Promote.
	RequireFull bool
}

// Warning records one non-fatal registry failure.
type Warning struct {
	Role      models.Alias `json:"role"`
	ModelName string       `json:"modelName"`
	Err       error        `json:"-"`
}

func (w Warning) Error() string { return w.Err.Error() }

func (w Warning) MarshalJSON() ([]byte, error) {
	type alias Warning
	return json.Marshal(struct {
		alias
		Message string `json:"message"`
	}{alias(w), w.Err.Error()})
}

type Result struct {
	ChampionURI   string
	ChallengerURI string
	// Champion and Challenger are nil when that alias was not written.
	Champion   *models.RegisteredAlias
	Challenger *models.RegisteredAlias
	Warnings   []Warning
}

// Complete reports whether every registry write succeeded.
func (r Result) Complete() bool { return len(r.Warnings) == 0 }

type Promoter struct {
	registry Registry
	opts     Options
	logger   zerolog.Logger
}

func NewPromoter(registry Registry, opts Options, logger zerolog.Logger) *Promoter {
	return &Promoter{registry: registry, opts: opts, logger: logger.With().Str("component", "promoter").Logger()}
}

// Promote registers champion then challenger and points their aliases at the new
// versions. A failed registration is logged and recorded as a warning; the other
// model still proceeds and the alias URI is returned regardless.
func (p *Promoter) Promote(ctx context.Context, sel models.ModelSelection) (Result, error) {
	if !p.opts.Register || p.registry == nil {
		return Result{
			ChampionURI:   models.RunModelURI(sel.Champion.RunID),
			ChallengerURI: models.RunModelURI(sel.Challenger.RunID),
		}, nil
	}

	var res Result
	res.ChampionURI, res.Champion = p.promote(ctx, sel.Champion, models.AliasChampion, &res)
	res.ChallengerURI, res.Challenger = p.promote(ctx, sel.Challenger, models.AliasChallenger, &res)

	if p.opts.RequireFull && !res.Complete() {
		return res, errors.Wrapf(ErrIncomplete, "%d registry failures", len(res.Warnings))
	}
	return res, nil
}

func (p *Promoter) promote(ctx context.Context, run models.Run, alias models.Alias, res *Result) (string, *models.RegisteredAlias) {
	name := run.DisplayName()
	uri := models.AliasURI(name, alias)
	log := p.logger.With().Str("model", name).Str("alias", string(alias)).Str("run_id", run.RunID).Logger()

	fail := func(err error) (string, *models.RegisteredAlias) {
		regErr := &apperr.RegistrationError{ModelName: name, Alias: string(alias), Err: err}
		log.Warn().Err(err).Msg("model registration failed")
		res.Warnings = append(res.Warnings, Warning{Role: alias, ModelName: name, Err: regErr})
		return uri, nil
	}

	mv, err := p.registry.RegisterModel(ctx, name, models.RunModelURI(run.RunID), run.RunID)
	if err != nil {
		return fail(err)
	}
	if err := p.registry.SetAlias(ctx, name, alias, mv.Version); err != nil {
		return fail(err)
	}
	log.Info().Int("version", mv.Version).Msg("alias updated")
	return uri, &models.RegisteredAlias{ModelName: name, Alias: alias, Version: mv.Version, RunID: run.RunID}
}
