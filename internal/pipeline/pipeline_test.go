package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/auth"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
	"github.com/ILLUVRSE/churn-mlops/internal/prodconfig"
	"github.com/ILLUVRSE/churn-mlops/internal/promotion"
	"github.com/ILLUVRSE/churn-mlops/internal/selection"
	"github.com/ILLUVRSE/churn-mlops/internal/store"
	"github.com/ILLUVRSE/churn-mlops/internal/tracking"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.PromotionEvent
}

func (r *recordingNotifier) NotifyPromotion(ctx context.Context, ev models.PromotionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type countingRestarter struct {
	calls int
	err   error
}

func (c *countingRestarter) Restart(ctx context.Context) error {
	c.calls++
	return c.err
}

type fixture struct {
	tracking  *tracking.MemoryStore
	history   *store.MemoryStore
	notifier  *recordingNotifier
	restarter *countingRestarter
	path      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := tracking.NewMemoryStore()
	ts.AddExperiment(models.Experiment{ID: "7", Name: "Telco_Churn_Models"})
	for name, acc := range map[string]float64{"LightGBM": 0.81, "XGBoost": 0.80, "LogisticRegression": 0.78} {
		ts.AddRun(models.Run{
			RunID:        name + "-run",
			RunName:      name,
			ExperimentID: "7",
			Status:       models.RunStatusFinished,
			Metrics:      map[string]float64{"accuracy": acc},
		})
	}
	return &fixture{
		tracking:  ts,
		history:   store.NewMemoryStore(),
		notifier:  &recordingNotifier{},
		restarter: &countingRestarter{},
		path:      filepath.Join(t.TempDir(), "configs", "prod.yml"),
	}
}

func (f *fixture) pipeline(opts promotion.Options, skip bool) *Pipeline {
	log := zerolog.Nop()
	return New(Deps{
		Selector:  selection.NewSelector(f.tracking, log),
		Promoter:  promotion.NewPromoter(f.tracking, opts, log),
		Publisher: prodconfig.NewPublisher(nil, log),
		Recorder:  f.history,
		Notifier:  f.notifier,
		Restarter: f.restarter,
	}, Options{
		Experiment:    "Telco_Churn_Models",
		Metric:        "accuracy",
		ConfigPath:    f.path,
		SkipUnchanged: skip,
	}, log)
}

func TestRunPublishesChampionAndChallenger(t *testing.T) {
	f := newFixture(t)
	rep, err := f.pipeline(promotion.Options{Register: true}, false).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Published)
	assert.Equal(t, "LightGBM-run", rep.Selection.Champion.RunID)

	cfg, err := prodconfig.Load(f.path)
	require.NoError(t, err)
	assert.Equal(t, "models:/LightGBM@champion", cfg.ModelURI)
	assert.Equal(t, "models:/XGBoost@challenger", cfg.FallbackModelURI)

	events, err := f.history.ListPromotions(context.Background(), store.ListPromotionsFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Published)
	assert.Equal(t, 0.81, events[0].ChampionMetric)
	assert.JSONEq(t, "[]", string(events[0].Warnings))

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, events[0].ID, f.notifier.events[0].ID)
	assert.Equal(t, 1, f.restarter.calls)
}

func TestRunWithoutRegistryPublishesRunURIs(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(promotion.Options{}, false).Run(context.Background())
	require.NoError(t, err)

	cfg, err := prodconfig.Load(f.path)
	require.NoError(t, err)
	assert.Equal(t, "runs:/LightGBM-run/model", cfg.ModelURI)
	assert.Equal(t, "runs:/XGBoost-run/model", cfg.FallbackModelURI)
}

func TestRunPublishesDespiteRegistrationWarnings(t *testing.T) {
	f := newFixture(t)
	f.tracking.FailRegister = func(name string) error {
		if name == "XGBoost" {
			return errors.New("registry timeout")
		}
		return nil
	}

	rep, err := f.pipeline(promotion.Options{Register: true}, false).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Published)
	assert.False(t, rep.Promotion.Complete())
	require.NotNil(t, rep.Event)
	assert.Contains(t, string(rep.Event.Warnings), "registry timeout")

	cfg, err := prodconfig.Load(f.path)
	require.NoError(t, err)
	assert.Equal(t, "models:/XGBoost@challenger", cfg.FallbackModelURI)
}

func TestRunRetriesPartialPromotionWhenUnchanged(t *testing.T) {
	f := newFixture(t)
	f.tracking.FailRegister = func(name string) error {
		if name == "XGBoost" {
			return errors.New("registry timeout")
		}
		return nil
	}
	p := f.pipeline(promotion.Options{Register: true}, true)
	ctx := context.Background()

	rep, err := p.Run(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Promotion.Complete())
	_, bound := f.tracking.Alias("XGBoost", models.AliasChallenger)
	assert.False(t, bound)

	f.tracking.FailRegister = nil
	rep, err = p.Run(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.True(t, rep.Promotion.Complete())
	_, bound = f.tracking.Alias("XGBoost", models.AliasChallenger)
	assert.True(t, bound)

	rep, err = p.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
}

func TestRunRequireFullPromotionBlocksPublish(t *testing.T) {
	f := newFixture(t)
	f.tracking.FailRegister = func(string) error { return errors.New("registry down") }

	rep, err := f.pipeline(promotion.Options{Register: true, RequireFull: true}, false).Run(context.Background())
	assert.ErrorIs(t, err, promotion.ErrIncomplete)
	assert.False(t, rep.Published)

	_, statErr := os.Stat(f.path)
	assert.True(t, os.IsNotExist(statErr))

	events, err := f.history.ListPromotions(context.Background(), store.ListPromotionsFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Published)
	assert.Zero(t, f.restarter.calls)
}

func TestRunUnknownExperimentWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := New(Deps{
		Selector:  selection.NewSelector(f.tracking, zerolog.Nop()),
		Promoter:  promotion.NewPromoter(f.tracking, promotion.Options{Register: true}, zerolog.Nop()),
		Publisher: prodconfig.NewPublisher(nil, zerolog.Nop()),
		Recorder:  f.history,
	}, Options{Experiment: "missing", Metric: "accuracy", ConfigPath: f.path}, zerolog.Nop())

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, statErr := os.Stat(f.path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunSkipsUnchangedSelection(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(promotion.Options{Register: true}, true)
	ctx := context.Background()

	_, err := p.Run(ctx)
	require.NoError(t, err)
	rep, err := p.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, 1, f.restarter.calls)

	f.tracking.AddRun(models.Run{
		RunID: "CatBoost-run", RunName: "CatBoost", ExperimentID: "7",
		Status: models.RunStatusFinished, Metrics: map[string]float64{"accuracy": 0.9},
	})
	rep, err = p.Run(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 2, f.restarter.calls)
}

func TestRunRestartFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.restarter.err = errors.New("connection refused")

	rep, err := f.pipeline(promotion.Options{Register: true}, false).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Published)
	assert.EqualError(t, rep.RestartErr, "connection refused")
}

func TestHTTPRestarter(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/restart", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	h := &HTTPRestarter{URL: srv.URL + "/api/v1/restart", Token: "tok"}
	assert.NoError(t, h.Restart(context.Background()))

	status = http.StatusServiceUnavailable
	assert.ErrorContains(t, h.Restart(context.Background()), "503")
}

func TestHTTPRestarterIssuesFreshTokens(t *testing.T) {
	cfg := auth.Config{Secret: "s3cret"}
	verifier := auth.NewVerifier(cfg)
	srv := httptest.NewServer(verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	expired, err := auth.IssueToken(cfg, "churnctl", -time.Minute)
	require.NoError(t, err)
	stale := &HTTPRestarter{URL: srv.URL, Token: expired}
	assert.ErrorContains(t, stale.Restart(context.Background()), "401")

	issued := 0
	fresh := &HTTPRestarter{URL: srv.URL, TokenFunc: func() (string, error) {
		issued++
		return auth.IssueToken(cfg, "churnctl", time.Minute)
	}}
	require.NoError(t, fresh.Restart(context.Background()))
	require.NoError(t, fresh.Restart(context.Background()))
	assert.Equal(t, 2, issued)

	broken := &HTTPRestarter{URL: srv.URL, TokenFunc: func() (string, error) {
		return "", errors.New("secret required")
	}}
	assert.ErrorContains(t, broken.Restart(context.Background()), "secret required")
}

func TestRunWorkerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(promotion.Options{Register: true}, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunWorker(ctx, p, WatchConfig{Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
