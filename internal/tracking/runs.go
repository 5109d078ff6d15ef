package tracking

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

const (
	runNameTag       = "mlflow.runName"
	maxSearchResults = 1000
	maxSearchPages   = 50
)

type kv struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type wireRun struct {
	Info struct {
		RunID        string `json:"run_id"`
		RunName      string `json:"run_name"`
		ExperimentID string `json:"experiment_id"`
		Status       string `json:"status"`
		ArtifactURI  string `json:"artifact_uri"`
	} `json:"info"`
	Data struct {
		Metrics []kv `json:"metrics"`
		Params  []kv `json:"params"`
		Tags    []kv `json:"tags"`
	} `json:"data"`
}

func (w wireRun) toRun() models.Run {
	run := models.Run{
		RunID:        w.Info.RunID,
		RunName:      w.Info.RunName,
		ExperimentID: w.Info.ExperimentID,
		Status:       w.Info.Status,
		ArtifactURI:  w.Info.ArtifactURI,
		Metrics:      make(map[string]float64, len(w.Data.Metrics)),
		Params:       make(map[string]string, len(w.Data.Params)),
	}
	for _, m := range w.Data.Metrics {
		if f, ok := toFloat(m.Value); ok {
			run.Metrics[m.Key] = f
		}
	}
	for _, p := range w.Data.Params {
		if s, ok := p.Value.(string); ok {
			run.Params[p.Key] = s
		}
	}
	if run.RunName == "" {
		for _, tag := range w.Data.Tags {
			if s, ok := tag.Value.(string); ok && tag.Key == runNameTag {
				run.RunName = s
			}
		}
	}
	return run
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// GetExperimentByName resolves an experiment. Unknown names yield apperr.ErrNotFound.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (models.Experiment, error) {
	var resp struct {
		Experiment struct {
			ExperimentID     string `json:"experiment_id"`
			Name             string `json:"name"`
			ArtifactLocation string `json:"artifact_location"`
			LifecycleStage   string `json:"lifecycle_stage"`
		} `json:"experiment"`
	}
	err := c.get(ctx, "/experiments/get-by-name", url.Values{"experiment_name": {name}}, &resp)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Experiment{}, errors.Wrapf(apperr.ErrNotFound, "experiment %q", name)
	}
	if err != nil {
		return models.Experiment{}, errors.Wrapf(err, "get experiment %q", name)
	}
	return models.Experiment{
		ID:               resp.Experiment.ExperimentID,
		Name:             resp.Experiment.Name,
		ArtifactLocation: resp.Experiment.ArtifactLocation,
		LifecycleStage:   resp.Experiment.LifecycleStage,
	}, nil
}

type SearchRunsRequest struct {
	ExperimentIDs []string
	Filter        string
	OrderBy       []string
	// MaxResults bounds the total number of runs returned; zero means no bound
	// beyond the page cap.
	MaxResults int
}

// SearchRuns pages through runs/search in server order.
func (c *Client) SearchRuns(ctx context.Context, req SearchRunsRequest) ([]models.Run, error) {
	type searchBody struct {
		ExperimentIDs []string `json:"experiment_ids"`
		Filter        string   `json:"filter,omitempty"`
		OrderBy       []string `json:"order_by,omitempty"`
		MaxResults    int      `json:"max_results"`
		PageToken     string   `json:"page_token,omitempty"`
	}
	var (
		runs  []models.Run
		token string
	)
	for page := 0; page < maxSearchPages; page++ {
		pageSize := maxSearchResults
		if req.MaxResults > 0 && req.MaxResults-len(runs) < pageSize {
			pageSize = req.MaxResults - len(runs)
		}
		var resp struct {
			Runs          []wireRun `json:"runs"`
			NextPageToken string    `json:"next_page_token"`
		}
		err := c.post(ctx, "/runs/search", searchBody{
			ExperimentIDs: req.ExperimentIDs,
			Filter:        req.Filter,
			OrderBy:       req.OrderBy,
			MaxResults:    pageSize,
			PageToken:     token,
		}, &resp)
		if err != nil {
			return nil, errors.Wrap(err, "search runs")
		}
		for _, w := range resp.Runs {
			runs = append(runs, w.toRun())
		}
		token = resp.NextPageToken
		if token == "" || (req.MaxResults > 0 && len(runs) >= req.MaxResults) {
			break
		}
	}
	return runs, nil
}
