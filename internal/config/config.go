package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/ILLUVRSE/churn-mlops/internal/validation"
)

var ErrFileNotFound = errors.New("file not found")

type Config struct {
	Addr               string        `koanf:"CHURN_API_ADDR" validate:"required"`
	ProdConfigPath     string        `koanf:"CHURN_PROD_CONFIG" validate:"required"`
	MLflowTrackingURI  string        `koanf:"MLFLOW_TRACKING_URI" validate:"required,url"`
	ScoringURL         string        `koanf:"CHURN_SCORING_URL" validate:"required"`
	ExperimentName     string        `koanf:"CHURN_EXPERIMENT" validate:"required"`
	SelectionMetric    string        `koanf:"CHURN_METRIC" validate:"required"`
	RegisterModels     bool          `koanf:"CHURN_REGISTER_MODELS"`
	RequireFullPromo   bool          `koanf:"CHURN_REQUIRE_FULL_PROMOTION"`
	UpstreamTimeout    time.Duration `koanf:"CHURN_UPSTREAM_TIMEOUT" validate:"gt=0"`
	UpstreamRetries    int           `koanf:"CHURN_UPSTREAM_RETRIES" validate:"gte=0,lte=10"`
	AirflowURL         string        `koanf:"AIRFLOW_URL" validate:"omitempty,url"`
	AirflowDAGID       string        `koanf:"AIRFLOW_DAG_ID" validate:"required"`
	AirflowUsername    string        `koanf:"AIRFLOW_USERNAME"`
	AirflowPassword    string        `koanf:"AIRFLOW_PASSWORD"`
	DatabaseURL        string        `koanf:"DATABASE_URL"`
	KafkaBrokers       string        `koanf:"KAFKA_BROKERS"`
	KafkaTopic         string        `koanf:"KAFKA_TOPIC"`
	SlackWebhookURL    string        `koanf:"SLACK_WEBHOOK_URL" validate:"omitempty,url"`
	ArchiveBucket      string        `koanf:"CHURN_ARCHIVE_BUCKET"`
	ArchivePrefix      string        `koanf:"CHURN_ARCHIVE_PREFIX"`
	JWTSecret          string        `koanf:"CHURN_JWT_SECRET"`
	JWTIssuer          string        `koanf:"CHURN_JWT_ISSUER"`
	RestartURL         string        `koanf:"CHURN_RESTART_URL" validate:"omitempty,url"`
	WatchInterval      time.Duration `koanf:"CHURN_WATCH_INTERVAL" validate:"gte=0"`
	LogLevel           string        `koanf:"LOG_LEVEL"`
	LogFormat          string        `koanf:"LOG_FORMAT" validate:"omitempty,oneof=json console"`
}

const (
	defaultAddr            = ":8000"
	defaultProdConfigPath  = "configs/prod.yml"
	defaultTrackingURI     = "http://localhost:5000"
	defaultScoringURL      = "http://127.0.0.1:5001"
	defaultExperiment      = "Telco_Churn_Models"
	defaultMetric          = "accuracy"
	defaultUpstreamTimeout = 5 * time.Second
	defaultUpstreamRetries = 2
	defaultDAGID           = "telco_churn_training_pipeline"
	defaultKafkaTopic      = "churn.promotions"
	defaultWatchInterval   = 15 * time.Minute
)

// Defaults returns the configuration used when neither a file nor the environment
// sets a key.
func Defaults() Config {
	return Config{
		Addr:              defaultAddr,
		ProdConfigPath:    defaultProdConfigPath,
		MLflowTrackingURI: defaultTrackingURI,
		ScoringURL:        defaultScoringURL,
		ExperimentName:    defaultExperiment,
		SelectionMetric:   defaultMetric,
		RegisterModels:    true,
		UpstreamTimeout:   defaultUpstreamTimeout,
		UpstreamRetries:   defaultUpstreamRetries,
		AirflowDAGID:      defaultDAGID,
		KafkaTopic:        defaultKafkaTopic,
		WatchInterval:     defaultWatchInterval,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads configFile (if set) and then the environment, which takes precedence.
func Load(configFile string) (Config, error) {
	k := koanf.New(".")

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", configFile)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, errors.Wrap(err, "load environment")
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	if err := validation.Validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

func SearchUpwardsForFile(filename string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		file := filepath.Join(wd, filename)
		if _, err := os.Stat(file); err == nil {
			return file, nil
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", errors.Wrap(ErrFileNotFound, filename)
		}
		wd = parent
	}
}

// LoadDotEnv loads fileName from the working directory or any parent. A missing file
// is not an error.
func LoadDotEnv(fileName string) (string, error) {
	file, err := SearchUpwardsForFile(fileName)
	if err != nil {
		return "", nil
	}
	if err := godotenv.Load(file); err != nil {
		return "", errors.Wrapf(err, "invalid env file %s", file)
	}
	return file, nil
}

// LoadConfig is the entry point used by the binaries: .env first, then the first
// config file found, then the environment.
func LoadConfig(envFile string, configFiles ...string) (Config, error) {
	if envFile != "" {
		if _, err := LoadDotEnv(envFile); err != nil {
			return Config{}, err
		}
	}

	for _, configFile := range configFiles {
		foundFile, err := SearchUpwardsForFile(configFile)
		if err == nil {
			return Load(foundFile)
		}
	}
	return Load("")
}

// ArchiveEnabled reports whether published configs are mirrored to object storage.
func (c Config) ArchiveEnabled() bool { return c.ArchiveBucket != "" }

func (c Config) KafkaEnabled() bool { return len(c.Brokers()) > 0 && c.KafkaTopic != "" }

// Brokers splits the comma separated KAFKA_BROKERS value.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
