// Package prodconfig reads and publishes the production serving config (prod.yml).
package prodconfig

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/validation"
)

// Config is the persisted serving configuration.
type Config struct {
	ModelURI         string `yaml:"model_uri" json:"modelUri" validate:"required"`
	FallbackModelURI string `yaml:"fallback_model_uri" json:"fallbackModelUri" validate:"required"`
	Flavor           string `yaml:"flavor" json:"flavor" validate:"required"`
	MLflowHost       string `yaml:"mlflow_host" json:"mlflowHost" validate:"required"`
	MLflowPort       int    `yaml:"mlflow_port" json:"mlflowPort" validate:"min=1,max=65535"`
	APIHost          string `yaml:"api_host" json:"apiHost" validate:"required"`
	APIPort          int    `yaml:"api_port" json:"apiPort" validate:"min=1,max=65535"`
	Workers          int    `yaml:"workers" json:"workers" validate:"min=1"`
	Timeout          int    `yaml:"timeout" json:"timeout" validate:"min=1"`
}

// field is one defaulted key, in the order it is appended to a new file.
type field struct {
	key   string
	tag   string
	value string
}

var defaultFields = []field{
	{"flavor", "!!str", "python_function"},
	{"mlflow_port", "!!int", "5000"},
	{"mlflow_host", "!!str", "127.0.0.1"},
	{"api_host", "!!str", "127.0.0.1"},
	{"api_port", "!!int", "8000"},
	{"workers", "!!int", "2"},
	{"timeout", "!!int", "120"},
}

// Default returns the config with every defaulted field set and no model URIs.
func Default() Config {
	return Config{
		Flavor:     "python_function",
		MLflowHost: "127.0.0.1",
		MLflowPort: 5000,
		APIHost:    "127.0.0.1",
		APIPort:    8000,
		Workers:    2,
		Timeout:    120,
	}
}

// Load reads and strictly parses the config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// Parse decodes data on top of Default. Unknown keys and invalid values yield
// apperr.ErrInvalidConfig.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrapf(apperr.ErrInvalidConfig, "decode: %v", err)
	}
	if err := validation.Validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrapf(apperr.ErrInvalidConfig, "validate: %v", err)
	}
	return cfg, nil
}
