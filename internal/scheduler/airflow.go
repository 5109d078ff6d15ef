// Package scheduler triggers and inspects training pipeline runs on Airflow.
package scheduler

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

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
)

// DAGRun is the subset of an Airflow DAG run the API reports back.
type DAGRun struct {
	DAGID       string                 `json:"dag_id"`
	RunID       string                 `json:"dag_run_id"`
	State       string                 `json:"state"`
	LogicalDate *time.Time             `json:"logical_date,omitempty"`
	StartDate   *time.Time             `json:"start_date,omitempty"`
	EndDate     *time.Time             `json:"end_date,omitempty"`
	Conf        map[string]interface{} `json:"conf,omitempty"`
}

type AirflowConfig struct {
	BaseURL    string
	DAGID      string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type AirflowClient struct {
	baseURL  string
	dagID    string
	username string
	password string
	timeout  time.Duration
	client   *http.Client
}

func NewAirflowClient(cfg AirflowConfig) (*AirflowClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("airflow url required")
	}
	if cfg.DAGID == "" {
		return nil, errors.New("airflow dag id required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AirflowClient{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		dagID:    cfg.DAGID,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		client:   client,
	}, nil
}

func (c *AirflowClient) DAGID() string { return c.dagID }

// TriggerRun creates a DAG run with a generated id and the given conf.
func (c *AirflowClient) TriggerRun(ctx context.Context, conf map[string]interface{}) (DAGRun, error) {
	if conf == nil {
		conf = map[string]interface{}{}
	}
	body := map[string]interface{}{
		"dag_run_id": "api__" + uuid.NewString(),
		"conf":       conf,
	}
	var run DAGRun
	if err := c.do(ctx, http.MethodPost, c.runsPath(), body, &run); err != nil {
		return DAGRun{}, errors.Wrapf(err, "trigger dag %s", c.dagID)
	}
	return run, nil
}

// GetRun fetches one DAG run. Unknown ids yield apperr.ErrNotFound.
func (c *AirflowClient) GetRun(ctx context.Context, runID string) (DAGRun, error) {
	var run DAGRun
	if err := c.do(ctx, http.MethodGet, c.runsPath()+"/"+url.PathEscape(runID), nil, &run); err != nil {
		return DAGRun{}, errors.Wrapf(err, "get dag run %s", runID)
	}
	return run, nil
}

func (c *AirflowClient) runsPath() string {
	return fmt.Sprintf("%s/api/v1/dags/%s/dagRuns", c.baseURL, url.PathEscape(c.dagID))
}

func (c *AirflowClient) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: airflow: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.ErrNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: airflow %s", apperr.ErrUnavailable, resp.Status)
	case resp.StatusCode >= http.StatusBadRequest:
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payload, &problem)
		msg := problem.Detail
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return errors.Errorf("airflow %s: %s", resp.Status, msg)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
