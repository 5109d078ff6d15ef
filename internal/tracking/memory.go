package tracking

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

// MemoryStore is an in-process run store and registry for tests and local runs.
// Runs are returned in insertion order.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]models.Experiment
	runs        map[string][]models.Run
	versions    map[string][]models.ModelVersion
	aliases     map[string]map[models.Alias]int

	// FailRegister, when set, is consulted before each registration.
	FailRegister func(name string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: map[string]models.Experiment{},
		runs:        map[string][]models.Run{},
		versions:    map[string][]models.ModelVersion{},
		aliases:     map[string]map[models.Alias]int{},
	}
}

func (m *MemoryStore) AddExperiment(exp models.Experiment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[exp.Name] = exp
}

// AddRun appends a run to the experiment with the given id.
func (m *MemoryStore) AddRun(run models.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ExperimentID] = append(m.runs[run.ExperimentID], run)
}

func (m *MemoryStore) GetExperimentByName(ctx context.Context, name string) (models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[name]
	if !ok {
		return models.Experiment{}, errors.Wrapf(apperr.ErrNotFound, "experiment %q", name)
	}
	return exp, nil
}

// SearchRuns honours ExperimentIDs and MaxResults. Filter and OrderBy are ignored;
// callers rank themselves.
func (m *MemoryStore) SearchRuns(ctx context.Context, req SearchRunsRequest) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Run
	for _, id := range req.ExperimentIDs {
		for _, run := range m.runs[id] {
			if run.Status != "" && run.Status != models.RunStatusFinished {
				continue
			}
			out = append(out, run)
			if req.MaxResults > 0 && len(out) == req.MaxResults {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) RegisterModel(ctx context.Context, name, source, runID string) (models.ModelVersion, error) {
	if m.FailRegister != nil {
		if err := m.FailRegister(name); err != nil {
			return models.ModelVersion{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mv := models.ModelVersion{
		Name:    name,
		Version: len(m.versions[name]) + 1,
		RunID:   runID,
		Source:  source,
		Status:  "READY",
	}
	m.versions[name] = append(m.versions[name], mv)
	return mv, nil
}

func (m *MemoryStore) SetAlias(ctx context.Context, name string, alias models.Alias, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= 0 || version > len(m.versions[name]) {
		return errors.Wrapf(apperr.ErrNotFound, "model %s version %d", name, version)
	}
	if m.aliases[name] == nil {
		m.aliases[name] = map[models.Alias]int{}
	}
	m.aliases[name][alias] = version
	return nil
}

func (m *MemoryStore) GetModelVersionByAlias(ctx context.Context, name string, alias models.Alias) (models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	version, ok := m.aliases[name][alias]
	if !ok {
		return models.ModelVersion{}, errors.Wrapf(apperr.ErrNotFound, "alias %s@%s", name, alias)
	}
	return m.versionWithAliases(name, version), nil
}

func (m *MemoryStore) GetModelVersion(ctx context.Context, name string, version int) (models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version <= 0 || version > len(m.versions[name]) {
		return models.ModelVersion{}, errors.Wrapf(apperr.ErrNotFound, "model %s version %d", name, version)
	}
	return m.versionWithAliases(name, version), nil
}

func (m *MemoryStore) versionWithAliases(name string, version int) models.ModelVersion {
	mv := m.versions[name][version-1]
	mv.Aliases = nil
	for alias, v := range m.aliases[name] {
		if v == version {
			mv.Aliases = append(mv.Aliases, string(alias))
		}
	}
	return mv
}

// Alias returns the alias binding, mainly for assertions.
func (m *MemoryStore) Alias(name string, alias models.Alias) (models.RegisteredAlias, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	version, ok := m.aliases[name][alias]
	if !ok {
		return models.RegisteredAlias{}, false
	}
	return models.RegisteredAlias{
		ModelName: name,
		Alias:     alias,
		Version:   version,
		RunID:     m.versions[name][version-1].RunID,
	}, true
}

func (m *MemoryStore) Health(ctx context.Context) error { return nil }
