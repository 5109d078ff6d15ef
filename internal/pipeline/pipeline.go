// Package pipeline runs the update-config step: select champion and challenger,
// promote them, publish prod.yml, record and announce the outcome, and ask the
// serving API to reload.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/events"
	"github.com/ILLUVRSE/churn-mlops/internal/metrics"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
	"github.com/ILLUVRSE/churn-mlops/internal/promotion"
	"github.com/ILLUVRSE/churn-mlops/internal/store"
)

type Selector interface {
	Select(ctx context.Context, experiment, metric string) (models.ModelSelection, error)
}

type Promoter interface {
	Promote(ctx context.Context, sel models.ModelSelection) (promotion.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, championURI, challengerURI, path string) error
}

type Recorder interface {
	RecordPromotion(ctx context.Context, in store.PromotionInput) (models.PromotionEvent, error)
}

// Restarter asks the serving process to reload its model.
type Restarter interface {
	Restart(ctx context.Context) error
}

type Options struct {
	Experiment string
	Metric     string
	ConfigPath string
	// SkipUnchanged makes Run a no-op when champion and challenger runs are the
	// same as in the last published pass.
	SkipUnchanged bool
}

type Deps struct {
	Selector  Selector
	Promoter  Promoter
	Publisher Publisher
	// Recorder, Notifier and Restarter are optional.
	Recorder  Recorder
	Notifier  events.Notifier
	Restarter Restarter
}

type Report struct {
	Selection  models.ModelSelection
	Promotion  promotion.Result
	Published  bool
	Skipped    bool
	Event      *models.PromotionEvent
	RestartErr error
}

type Pipeline struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	last [2]string
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if deps.Notifier == nil {
		deps.Notifier = events.Nop{}
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger.With().Str("component", "pipeline").Logger()}
}

// Run executes one pass. Selection failures abort before anything is written.
// Registration warnings do not stop the publish unless the promoter was built to
// require a full promotion. Recording, notification and restart failures are
// logged and never undo a publish.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With().Str("experiment", p.opts.Experiment).Str("metric", p.opts.Metric).Logger()

	sel, err := p.deps.Selector.Select(ctx, p.opts.Experiment, p.opts.Metric)
	if err != nil {
		metrics.RecordPromotion("failed")
		return Report{}, errors.Wrap(err, "select models")
	}
	rep := Report{Selection: sel}

	key := [2]string{sel.Champion.RunID, sel.Challenger.RunID}
	if p.opts.SkipUnchanged && key == p.last {
		log.Debug().Str("champion_run", key[0]).Str("challenger_run", key[1]).Msg("selection unchanged")
		rep.Skipped = true
		return rep, nil
	}

	res, err := p.deps.Promoter.Promote(ctx, sel)
	rep.Promotion = res
	if err != nil {
		metrics.RecordPromotion("failed")
		p.record(ctx, log, &rep)
		return rep, errors.Wrap(err, "promote models")
	}

	if err := p.deps.Publisher.Publish(ctx, res.ChampionURI, res.ChallengerURI, p.opts.ConfigPath); err != nil {
		metrics.RecordPromotion("failed")
		p.record(ctx, log, &rep)
		return rep, errors.Wrap(err, "publish prod config")
	}
	rep.Published = true
	if res.Complete() {
		// Partial promotions are retried on the next pass even without a ranking change.
		p.last = key
		metrics.RecordPromotion("published")
	} else {
		metrics.RecordPromotion("partial")
	}
	log.Info().
		Str("model_uri", res.ChampionURI).
		Str("fallback_model_uri", res.ChallengerURI).
		Int("warnings", len(res.Warnings)).
		Msg("prod config updated")

	p.record(ctx, log, &rep)

	if p.deps.Restarter != nil {
		if err := p.deps.Restarter.Restart(ctx); err != nil {
			rep.RestartErr = err
			log.Warn().Err(err).Msg("serving restart failed")
		} else {
			log.Info().Msg("serving restarted")
		}
	}
	return rep, nil
}

func (p *Pipeline) record(ctx context.Context, log zerolog.Logger, rep *Report) {
	warnings, err := json.Marshal(rep.Promotion.Warnings)
	if err != nil || rep.Promotion.Warnings == nil {
		warnings = []byte("[]")
	}
	in := store.PromotionInput{
		Experiment:      p.opts.Experiment,
		Metric:          p.opts.Metric,
		ChampionRunID:   rep.Selection.Champion.RunID,
		ChallengerRunID: rep.Selection.Challenger.RunID,
		ChampionURI:     rep.Promotion.ChampionURI,
		ChallengerURI:   rep.Promotion.ChallengerURI,
		Warnings:        warnings,
		Published:       rep.Published,
	}
	in.ChampionMetric, _ = rep.Selection.Champion.Metric(p.opts.Metric)
	in.ChallengerMetric, _ = rep.Selection.Challenger.Metric(p.opts.Metric)

	var ev models.PromotionEvent
	if p.deps.Recorder != nil {
		ev, err = p.deps.Recorder.RecordPromotion(ctx, in)
		if err != nil {
			log.Warn().Err(err).Msg("record promotion failed")
			return
		}
	} else {
		ev = models.PromotionEvent{
			Experiment:       in.Experiment,
			Metric:           in.Metric,
			ChampionRunID:    in.ChampionRunID,
			ChampionMetric:   in.ChampionMetric,
			ChallengerRunID:  in.ChallengerRunID,
			ChallengerMetric: in.ChallengerMetric,
			ChampionURI:      in.ChampionURI,
			ChallengerURI:    in.ChallengerURI,
			Warnings:         in.Warnings,
			Published:        in.Published,
		}
	}
	rep.Event = &ev

	if err := p.deps.Notifier.NotifyPromotion(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("promotion notification failed")
	}
}
