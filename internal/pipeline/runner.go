package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type WatchConfig struct {
	Interval time.Duration
	Logger   zerolog.Logger
}

// RunWorker runs the pipeline right away and then every interval until ctx is
// cancelled. Failed passes are logged and retried on the next tick.
func RunWorker(ctx context.Context, p *Pipeline, cfg WatchConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger := cfg.Logger.With().Str("component", "watch").Logger()

	for {
		if ctx.Err() != nil {
			return
		}
		rep, err := p.Run(ctx)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("pipeline pass failed")
		case rep.Skipped:
			logger.Debug().Msg("no new champion")
		default:
			logger.Info().Str("model_uri", rep.Promotion.ChampionURI).Msg("pipeline pass published")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
