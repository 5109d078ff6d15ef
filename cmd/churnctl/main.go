// Command churnctl runs the offline side of the churn workflow: champion and
// challenger promotion, the periodic watch loop and dataset preprocessing.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/auth"
	"github.com/ILLUVRSE/churn-mlops/internal/config"
	"github.com/ILLUVRSE/churn-mlops/internal/dataset"
	"github.com/ILLUVRSE/churn-mlops/internal/events"
	"github.com/ILLUVRSE/churn-mlops/internal/logging"
	"github.com/ILLUVRSE/churn-mlops/internal/pipeline"
	"github.com/ILLUVRSE/churn-mlops/internal/prodconfig"
	"github.com/ILLUVRSE/churn-mlops/internal/promotion"
	"github.com/ILLUVRSE/churn-mlops/internal/selection"
	"github.com/ILLUVRSE/churn-mlops/internal/store"
	"github.com/ILLUVRSE/churn-mlops/internal/tracking"
)

const usage = `usage: churnctl <command> [flags]

commands:
  promote      select champion and challenger, register aliases and publish prod.yml
  watch        run promote periodically
  preprocess   clean the raw Telco churn CSV
  token        print an admin token for the serving API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "promote":
		err = runPromote(args)
	case "watch":
		err = runWatch(args)
	case "preprocess":
		err = runPreprocess(args)
	case "token":
		err = runToken(args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "churnctl:", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	envFile    string
	configFile string
	experiment string
	metric     string
	prodConfig string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.envFile, "env-file", ".env", "dotenv file searched upwards from the working directory")
	fs.StringVar(&c.configFile, "config", "churn.yml", "service config file searched upwards from the working directory")
	fs.StringVar(&c.experiment, "experiment", "", "MLflow experiment name (default CHURN_EXPERIMENT)")
	fs.StringVar(&c.metric, "metric", "", "ranking metric (default CHURN_METRIC)")
	fs.StringVar(&c.prodConfig, "prod-config", "", "prod config path (default CHURN_PROD_CONFIG)")
}

func (c *commonFlags) load() (config.Config, error) {
	cfg, err := config.LoadConfig(c.envFile, c.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if c.experiment != "" {
		cfg.ExperimentName = c.experiment
	}
	if c.metric != "" {
		cfg.SelectionMetric = c.metric
	}
	if c.prodConfig != "" {
		cfg.ProdConfigPath = c.prodConfig
	}
	return cfg, nil
}

// buildPipeline wires the pipeline from cfg. The returned func releases the
// Kafka writer and the database handle.
func buildPipeline(ctx context.Context, cfg config.Config, skipUnchanged bool, logger zerolog.Logger) (*pipeline.Pipeline, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mlflow, err := tracking.NewClient(tracking.ClientConfig{
		TrackingURI: cfg.MLflowTrackingURI,
		Timeout:     cfg.UpstreamTimeout,
		Retries:     cfg.UpstreamRetries,
		Logger:      logger,
	})
	if err != nil {
		return nil, cleanup, err
	}

	var archiver prodconfig.Archiver
	if cfg.ArchiveEnabled() {
		s3, err := prodconfig.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return nil, cleanup, err
		}
		archiver = s3
	}

	deps := pipeline.Deps{
		Selector: selection.NewSelector(mlflow, logger),
		Promoter: promotion.NewPromoter(mlflow, promotion.Options{
			Register:    cfg.RegisterModels,
			RequireFull: cfg.RequireFullPromo,
		}, logger),
		Publisher: prodconfig.NewPublisher(archiver, logger),
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("db open: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("db ping: %w", err)
		}
		st := store.NewPGStore(db)
		if err := st.Migrate(ctx); err != nil {
			return nil, cleanup, err
		}
		deps.Recorder = st
	}

	var notifiers events.Multi
	if cfg.KafkaEnabled() {
		kn, err := events.NewKafkaNotifier(events.KafkaConfig{Brokers: cfg.Brokers(), Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = kn.Close() })
		notifiers = append(notifiers, kn)
	}
	if cfg.SlackWebhookURL != "" {
		sn, err := events.NewSlackNotifier(cfg.SlackWebhookURL, nil)
		if err != nil {
			return nil, cleanup, err
		}
		notifiers = append(notifiers, sn)
	}
	if len(notifiers) > 0 {
		deps.Notifier = notifiers
	}

	if cfg.RestartURL != "" {
		restarter := &pipeline.HTTPRestarter{URL: cfg.RestartURL}
		if cfg.JWTSecret != "" {
			authCfg := auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
			restarter.TokenFunc = func() (string, error) {
				return auth.IssueToken(authCfg, "churnctl", 5*time.Minute)
			}
		}
		deps.Restarter = restarter
	}

	p := pipeline.New(deps, pipeline.Options{
		Experiment:    cfg.ExperimentName,
		Metric:        cfg.SelectionMetric,
		ConfigPath:    cfg.ProdConfigPath,
		SkipUnchanged: skipUnchanged,
	}, logger)
	return p, cleanup, nil
}

type promoteOutput struct {
	ChampionRunID   string              `json:"championRunId"`
	ChallengerRunID string              `json:"challengerRunId"`
	ChampionURI     string              `json:"championUri"`
	ChallengerURI   string              `json:"challengerUri"`
	Published       bool                `json:"published"`
	Warnings        []promotion.Warning `json:"warnings,omitempty"`
	RestartError    string              `json:"restartError,omitempty"`
}

func runPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := buildPipeline(ctx, cfg, false, logger)
	defer cleanup()
	if err != nil {
		return err
	}
	rep, err := p.Run(ctx)
	if err != nil {
		return err
	}

	out := promoteOutput{
		ChampionRunID:   rep.Selection.Champion.RunID,
		ChallengerRunID: rep.Selection.Challenger.RunID,
		ChampionURI:     rep.Promotion.ChampionURI,
		ChallengerURI:   rep.Promotion.ChallengerURI,
		Published:       rep.Published,
		Warnings:        rep.Promotion.Warnings,
	}
	if rep.RestartErr != nil {
		out.RestartError = rep.RestartErr.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	interval := fs.Duration("interval", 0, "poll interval (default CHURN_WATCH_INTERVAL)")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *interval > 0 {
		cfg.WatchInterval = *interval
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := buildPipeline(ctx, cfg, true, logger)
	defer cleanup()
	if err != nil {
		return err
	}
	logger.Info().Dur("interval", cfg.WatchInterval).Str("experiment", cfg.ExperimentName).Msg("watching for new champions")
	pipeline.RunWorker(ctx, p, pipeline.WatchConfig{Interval: cfg.WatchInterval, Logger: logger})
	return nil
}

func runPreprocess(args []string) error {
	fs := flag.NewFlagSet("preprocess", flag.ExitOnError)
	in := fs.String("in", "data/raw/telco_churn.csv", "raw dataset")
	out := fs.String("out", "data/processed/telco_churn_processed.csv", "processed dataset")
	_ = fs.Parse(args)

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	stats, err := dataset.PreprocessFile(*in, *out)
	if err != nil {
		return err
	}
	logger.Info().
		Str("in", *in).
		Str("out", *out).
		Int("read", stats.Read).
		Int("written", stats.Written).
		Int("dropped_na", stats.DroppedNA).
		Int("dropped_code", stats.DroppedCode).
		Msg("dataset preprocessed")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	subject := fs.String("sub", "churnctl", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
