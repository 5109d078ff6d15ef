package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	schemeModels = "models:/"
	schemeRuns   = "runs:/"
)

// AliasURI returns the alias-addressed registry URI models:/<name>@<alias>.
func AliasURI(name string, alias Alias) string {
	return fmt.Sprintf("%s%s@%s", schemeModels, name, alias)
}

// RunModelURI returns the run-relative artifact URI runs:/<run_id>/model.
func RunModelURI(runID string) string {
	return schemeRuns + runID + "/model"
}

// ModelRef is a parsed model URI. Exactly one of Alias, Version or RunID addresses
// the model.
type ModelRef struct {
	Raw     string
	Name    string
	Alias   Alias
	Version int
	RunID   string
	Path    string
}

func (r ModelRef) IsAlias() bool { return r.Alias != "" }

func (r ModelRef) IsRun() bool { return r.RunID != "" }

// ParseModelURI accepts models:/<name>@<alias>, models:/<name>/<version> and
// runs:/<run_id>/<path>.
func ParseModelURI(uri string) (ModelRef, error) {
	ref := ModelRef{Raw: uri}
	switch {
	case strings.HasPrefix(uri, schemeModels):
		rest := strings.TrimPrefix(uri, schemeModels)
		if name, alias, ok := strings.Cut(rest, "@"); ok {
			if name == "" || alias == "" {
				return ModelRef{}, errors.Errorf("model uri %q: empty name or alias", uri)
			}
			ref.Name, ref.Alias = name, Alias(alias)
			return ref, nil
		}
		name, version, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			return ModelRef{}, errors.Errorf("model uri %q: expected models:/<name>@<alias> or models:/<name>/<version>", uri)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return ModelRef{}, errors.Errorf("model uri %q: invalid version %q", uri, version)
		}
		ref.Name, ref.Version = name, v
		return ref, nil
	case strings.HasPrefix(uri, schemeRuns):
		rest := strings.TrimPrefix(uri, schemeRuns)
		runID, path, _ := strings.Cut(rest, "/")
		if runID == "" {
			return ModelRef{}, errors.Errorf("model uri %q: empty run id", uri)
		}
		ref.RunID, ref.Path = runID, path
		return ref, nil
	default:
		return ModelRef{}, errors.Errorf("model uri %q: unsupported scheme", uri)
	}
}
