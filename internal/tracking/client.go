// Package tracking talks to the MLflow tracking server: the run metadata store and
// the model registry.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
)

const apiPrefix = "/api/2.0/mlflow"

// MLflow error codes the client maps onto the apperr taxonomy.
const (
	codeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
	codeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

// nonIdempotent lists POST routes that create a new resource on every call.
// They are sent once: a retry after a lost reply would register a duplicate.
var nonIdempotent = map[string]bool{
	"/model-versions/create": true,
}

type ClientConfig struct {
	TrackingURI string
	Timeout     time.Duration
	Retries     int
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
	logger  zerolog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.TrackingURI == "" {
		return nil, errors.New("mlflow tracking uri required")
	}
	if _, err := url.ParseRequestURI(cfg.TrackingURI); err != nil {
		return nil, errors.Wrap(err, "mlflow tracking uri")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.TrackingURI, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
		logger:  cfg.Logger.With().Str("component", "mlflow").Logger(),
	}, nil
}

// APIError is a non-2xx reply from the tracking server.
type APIError struct {
	Status    int
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("mlflow %d %s: %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("mlflow %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == apperr.ErrNotFound && (e.Status == http.StatusNotFound || e.ErrorCode == codeResourceDoesNotExist)
}

func isAlreadyExists(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == codeResourceAlreadyExists
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, nil, out, true)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "mlflow marshal request")
	}
	return c.do(ctx, http.MethodPost, c.baseURL+apiPrefix+path, body, out, !nonIdempotent[path])
}

// do issues the request with a per-attempt timeout. When retry is set, transport
// failures and 5xx replies are retried; 4xx replies are returned immediately.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}, retry bool) error {
	attempts := 1
	if retry {
		attempts += c.retries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return errors.Wrap(apperr.ErrUnavailable, ctx.Err().Error())
		}
		err := c.attempt(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return err
		}
		lastErr = err
		c.logger.Debug().Err(err).Str("method", method).Str("url", endpoint).Int("attempt", i+1).Msg("mlflow request failed")
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return errors.Wrap(apperr.ErrUnavailable, ctx.Err().Error())
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("%w: %s %s: %v", apperr.ErrUnavailable, method, endpoint, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "mlflow build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "mlflow read response")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(payload, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrap(err, "mlflow decode response")
	}
	return nil
}

// Health probes the tracking server's /health route.
func (c *Client) Health(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "mlflow build request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: mlflow health: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: mlflow health: %s", apperr.ErrUnavailable, resp.Status)
	}
	return nil
}
