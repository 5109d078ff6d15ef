package tracking

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

type wireModelVersion struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	RunID   string   `json:"run_id"`
	Source  string   `json:"source"`
	Status  string   `json:"status"`
	Aliases []string `json:"aliases"`
}

func (w wireModelVersion) toModelVersion() (models.ModelVersion, error) {
	v, err := strconv.Atoi(w.Version)
	if err != nil {
		return models.ModelVersion{}, errors.Wrapf(err, "model version %q of %s", w.Version, w.Name)
	}
	return models.ModelVersion{
		Name:    w.Name,
		Version: v,
		RunID:   w.RunID,
		Source:  w.Source,
		Status:  w.Status,
		Aliases: w.Aliases,
	}, nil
}

// CreateRegisteredModel creates name in the registry. An existing model is not an error.
func (c *Client) CreateRegisteredModel(ctx context.Context, name string) error {
	err := c.post(ctx, "/registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isAlreadyExists(err) {
		return errors.Wrapf(err, "create registered model %s", name)
	}
	return nil
}

func (c *Client) CreateModelVersion(ctx context.Context, name, source, runID string) (models.ModelVersion, error) {
	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	body := map[string]string{"name": name, "source": source, "run_id": runID}
	if err := c.post(ctx, "/model-versions/create", body, &resp); err != nil {
		return models.ModelVersion{}, errors.Wrapf(err, "create model version of %s", name)
	}
	return resp.ModelVersion.toModelVersion()
}

// RegisterModel registers source as a new version of name, creating the registered
// model first when needed.
func (c *Client) RegisterModel(ctx context.Context, name, source, runID string) (models.ModelVersion, error) {
	if err := c.CreateRegisteredModel(ctx, name); err != nil {
		return models.ModelVersion{}, err
	}
	return c.CreateModelVersion(ctx, name, source, runID)
}

// SetAlias points alias at version, replacing any previous binding.
func (c *Client) SetAlias(ctx context.Context, name string, alias models.Alias, version int) error {
	body := map[string]string{"name": name, "alias": string(alias), "version": strconv.Itoa(version)}
	if err := c.post(ctx, "/registered-models/alias", body, nil); err != nil {
		return errors.Wrapf(err, "set alias %s@%s", name, alias)
	}
	return nil
}

func (c *Client) GetModelVersionByAlias(ctx context.Context, name string, alias models.Alias) (models.ModelVersion, error) {
	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	err := c.get(ctx, "/registered-models/alias", url.Values{"name": {name}, "alias": {string(alias)}}, &resp)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.ModelVersion{}, errors.Wrapf(apperr.ErrNotFound, "alias %s@%s", name, alias)
	}
	if err != nil {
		return models.ModelVersion{}, errors.Wrapf(err, "get alias %s@%s", name, alias)
	}
	return resp.ModelVersion.toModelVersion()
}

func (c *Client) GetModelVersion(ctx context.Context, name string, version int) (models.ModelVersion, error) {
	var resp struct {
		ModelVersion wireModelVersion `json:"model_version"`
	}
	err := c.get(ctx, "/model-versions/get", url.Values{"name": {name}, "version": {strconv.Itoa(version)}}, &resp)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.ModelVersion{}, errors.Wrapf(apperr.ErrNotFound, "model %s version %d", name, version)
	}
	if err != nil {
		return models.ModelVersion{}, errors.Wrapf(err, "get model %s version %d", name, version)
	}
	return resp.ModelVersion.toModelVersion()
}
