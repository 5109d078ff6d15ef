package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

// VersionResolver maps registry references onto model versions.
type VersionResolver interface {
	GetModelVersionByAlias(ctx context.Context, name string, alias models.Alias) (models.ModelVersion, error)
	GetModelVersion(ctx context.Context, name string, version int) (models.ModelVersion, error)
}

type HTTPLoaderConfig struct {
	// URLTemplate is the scoring server base URL. It may reference {name},
	// {alias}, {version} and {run_id} of the resolved model.
	URLTemplate string
	Resolver    VersionResolver
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// HTTPLoader loads models served by an MLflow scoring server (/ping, /invocations).
type HTTPLoader struct {
	template string
	resolver VersionResolver
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewHTTPLoader(cfg HTTPLoaderConfig) (*HTTPLoader, error) {
	if cfg.URLTemplate == "" {
		return nil, errors.New("scoring url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLoader{
		template: strings.TrimSuffix(cfg.URLTemplate, "/"),
		resolver: cfg.Resolver,
		client:   client,
		timeout:  timeout,
		logger:   cfg.Logger.With().Str("component", "loader").Logger(),
	}, nil
}

// Load resolves uri through the registry, then checks that the scoring server for
// it answers /ping.
func (l *HTTPLoader) Load(ctx context.Context, uri string) (Model, error) {
	ref, err := models.ParseModelURI(uri)
	if err != nil {
		return nil, err
	}
	if err := l.resolve(ctx, &ref); err != nil {
		return nil, err
	}

	endpoint := l.render(ref)
	if err := l.ping(ctx, endpoint); err != nil {
		return nil, errors.Wrapf(err, "model %s", uri)
	}
	l.logger.Debug().Str("model_uri", uri).Str("endpoint", endpoint).Int("version", ref.Version).Msg("model reachable")
	return &httpModel{uri: uri, endpoint: endpoint, client: l.client, timeout: l.timeout}, nil
}

func (l *HTTPLoader) resolve(ctx context.Context, ref *models.ModelRef) error {
	if l.resolver == nil || ref.IsRun() {
		return nil
	}
	var (
		mv  models.ModelVersion
		err error
	)
	if ref.IsAlias() {
		mv, err = l.resolver.GetModelVersionByAlias(ctx, ref.Name, ref.Alias)
	} else {
		mv, err = l.resolver.GetModelVersion(ctx, ref.Name, ref.Version)
	}
	if err != nil {
		return errors.Wrapf(err, "resolve %s", ref.Raw)
	}
	ref.Version = mv.Version
	ref.RunID = mv.RunID
	return nil
}

func (l *HTTPLoader) render(ref models.ModelRef) string {
	version := ""
	if ref.Version > 0 {
		version = strconv.Itoa(ref.Version)
	}
	return strings.NewReplacer(
		"{name}", ref.Name,
		"{alias}", string(ref.Alias),
		"{version}", version,
		"{run_id}", ref.RunID,
	).Replace(l.template)
}

func (l *HTTPLoader) ping(ctx context.Context, endpoint string) error {
	reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"/ping", nil)
	if err != nil {
		return errors.Wrap(err, "build ping request")
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping: %s", apperr.ErrUnavailable, resp.Status)
	}
	return nil
}

type httpModel struct {
	uri      string
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func (m *httpModel) Predict(ctx context.Context, rec models.FeatureRecord) (bool, error) {
	body, err := json.Marshal(map[string]interface{}{
		"dataframe_records": []models.FeatureRecord{rec},
	})
	if err != nil {
		return false, errors.Wrap(err, "marshal record")
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.endpoint+"/invocations", bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "build invocation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: invocations: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, errors.Wrap(err, "read invocation response")
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("scoring server %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	return decodePrediction(payload)
}

// decodePrediction accepts {"predictions": [x]} and the bare [x] form.
func decodePrediction(payload []byte) (bool, error) {
	var wrapped struct {
		Predictions []interface{} `json:"predictions"`
	}
	var preds []interface{}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Predictions != nil {
		preds = wrapped.Predictions
	} else if err := json.Unmarshal(payload, &preds); err != nil {
		return false, errors.Errorf("unexpected scoring response %s", payload)
	}
	if len(preds) != 1 {
		return false, errors.Errorf("expected one prediction, got %d", len(preds))
	}
	switch v := preds[0].(type) {
	case bool:
		return v, nil
	case float64:
		if v != 0 && v != 1 {
			return false, errors.Errorf("prediction %v is not a class label", v)
		}
		return v == 1, nil
	case string:
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		}
	}
	return false, errors.Errorf("unsupported prediction value %v", preds[0])
}
