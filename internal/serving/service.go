// Package serving owns the live prediction model and its reload protocol.
package serving

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/metrics"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
	"github.com/ILLUVRSE/churn-mlops/internal/prodconfig"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateReloading     State = "RELOADING"
	StateDegraded      State = "DEGRADED"
)

// Model is a loaded, read-only prediction handle. It must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, rec models.FeatureRecord) (bool, error)
}

// Loader turns a model URI into a Model.
type Loader interface {
	Load(ctx context.Context, uri string) (Model, error)
}

type snapshot struct {
	model        Model
	activeURI    string
	usedFallback bool
	config       prodconfig.Config
	loadedAt     time.Time
}

// Status describes the serving state for health and admin endpoints.
type Status struct {
	State            State     `json:"state"`
	ActiveModelURI   string    `json:"activeModelUri,omitempty"`
	ModelURI         string    `json:"modelUri,omitempty"`
	FallbackModelURI string    `json:"fallbackModelUri,omitempty"`
	UsingFallback    bool      `json:"usingFallback"`
	LoadedAt         time.Time `json:"loadedAt,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
}

type reloadCall struct {
	done   chan struct{}
	status Status
	err    error
}

// Service serves predictions from the model named by the prod config. The active
// handle is replaced only after a new one loaded, so predictions keep flowing
// through a reload and through a failed one.
type Service struct {
	loader     Loader
	configPath string
	logger     zerolog.Logger

	current atomic.Pointer[snapshot]

	stateMu sync.RWMutex
	state   State
	lastErr error

	reloadMu sync.Mutex
	inflight *reloadCall
	pending  *reloadCall
}

func NewService(loader Loader, configPath string, logger zerolog.Logger) *Service {
	return &Service{
		loader:     loader,
		configPath: configPath,
		logger:     logger.With().Str("component", "serving").Logger(),
		state:      StateUninitialized,
	}
}

// Initialize performs the first load. It is a Restart that may start from nothing.
func (s *Service) Initialize(ctx context.Context) error {
	_, err := s.Restart(ctx)
	return err
}

// Restart re-reads the prod config and loads model_uri, falling back to
// fallback_model_uri. A call made while a reload is running may have missed a
// publish that reload already read past, so it waits for one follow-up reload
// that starts after the current one. Callers arriving in the meantime share that
// follow-up.
func (s *Service) Restart(ctx context.Context) (Status, error) {
	s.reloadMu.Lock()
	var c *reloadCall
	switch {
	case s.inflight == nil:
		c = &reloadCall{done: make(chan struct{})}
		s.inflight = c
		s.reloadMu.Unlock()
		// The reload outlives a caller that goes away; others may be waiting on it.
		s.run(context.WithoutCancel(ctx), c)
		return c.status, c.err
	case s.pending != nil:
		c = s.pending
	default:
		c = &reloadCall{done: make(chan struct{})}
		s.pending = c
	}
	s.reloadMu.Unlock()

	select {
	case <-c.done:
		return c.status, c.err
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// run performs c and then starts the queued follow-up, if any.
func (s *Service) run(ctx context.Context, c *reloadCall) {
	c.err = s.reload(ctx)
	c.status = s.Status()

	s.reloadMu.Lock()
	next := s.pending
	s.pending = nil
	s.inflight = next
	s.reloadMu.Unlock()
	close(c.done)

	if next != nil {
		go s.run(ctx, next)
	}
}

func (s *Service) reload(ctx context.Context) error {
	s.setState(StateReloading, nil)

	cfg, err := prodconfig.Load(s.configPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.configPath).Msg("read prod config failed")
		metrics.RecordReload("failed")
		s.fail(err)
		return err
	}

	snap, err := s.loadWithFallback(ctx, cfg)
	if err != nil {
		metrics.RecordReload("failed")
		s.fail(err)
		return err
	}

	s.current.Store(snap)
	s.setState(StateReady, nil)
	if snap.usedFallback {
		metrics.RecordReload("fallback")
	} else {
		metrics.RecordReload("champion")
	}
	s.logger.Info().Str("model_uri", snap.activeURI).Bool("fallback", snap.usedFallback).Msg("model loaded")
	return nil
}

func (s *Service) loadWithFallback(ctx context.Context, cfg prodconfig.Config) (*snapshot, error) {
	model, err := s.loader.Load(ctx, cfg.ModelURI)
	if err == nil {
		return &snapshot{model: model, activeURI: cfg.ModelURI, config: cfg, loadedAt: time.Now().UTC()}, nil
	}
	s.logger.Warn().Err(err).Str("model_uri", cfg.ModelURI).Msg("primary model load failed, trying fallback")

	fallback, fbErr := s.loader.Load(ctx, cfg.FallbackModelURI)
	if fbErr != nil {
		s.logger.Error().Err(fbErr).Str("fallback_model_uri", cfg.FallbackModelURI).Msg("fallback model load failed")
		return nil, &apperr.ModelUnavailableError{
			ModelURI:         cfg.ModelURI,
			FallbackModelURI: cfg.FallbackModelURI,
			ModelErr:         err,
			FallbackErr:      fbErr,
		}
	}
	return &snapshot{model: fallback, activeURI: cfg.FallbackModelURI, usedFallback: true, config: cfg, loadedAt: time.Now().UTC()}, nil
}

// fail marks the service degraded. A previously loaded model stays active.
func (s *Service) fail(err error) {
	s.setState(StateDegraded, err)
}

func (s *Service) setState(state State, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
	s.lastErr = err
}

func (s *Service) Status() Status {
	s.stateMu.RLock()
	st := Status{State: s.state}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.stateMu.RUnlock()

	if snap := s.current.Load(); snap != nil {
		st.ActiveModelURI = snap.activeURI
		st.ModelURI = snap.config.ModelURI
		st.FallbackModelURI = snap.config.FallbackModelURI
		st.UsingFallback = snap.usedFallback
		st.LoadedAt = snap.loadedAt
	}
	return st
}

// Predict runs rec through the active model. Without a loaded model it returns
// apperr.ErrModelUnavailable; a failing model yields *apperr.PredictionError.
func (s *Service) Predict(ctx context.Context, rec models.FeatureRecord) (bool, error) {
	start := time.Now()
	snap := s.current.Load()
	if snap == nil {
		metrics.RecordPrediction("unavailable", time.Since(start))
		return false, errors.Wrap(apperr.ErrModelUnavailable, "no model loaded")
	}
	churn, err := snap.model.Predict(ctx, rec)
	if err != nil {
		metrics.RecordPrediction("error", time.Since(start))
		return false, &apperr.PredictionError{ModelURI: snap.activeURI, Err: err}
	}
	metrics.RecordPrediction("ok", time.Since(start))
	return churn, nil
}
