package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/churn-mlops/internal/auth"
	"github.com/ILLUVRSE/churn-mlops/internal/config"
	"github.com/ILLUVRSE/churn-mlops/internal/httpserver"
	"github.com/ILLUVRSE/churn-mlops/internal/logging"
	"github.com/ILLUVRSE/churn-mlops/internal/scheduler"
	"github.com/ILLUVRSE/churn-mlops/internal/serving"
	"github.com/ILLUVRSE/churn-mlops/internal/store"
	"github.com/ILLUVRSE/churn-mlops/internal/tracking"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file searched upwards from the working directory")
	configFile := flag.String("config", "churn.yml", "service config file searched upwards from the working directory")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile, *configFile)
	if err != nil {
		bootLogger := logging.New("info", logging.FormatJSON)
		bootLogger.Fatal().Err(err).Msg("config load")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	mlflow, err := tracking.NewClient(tracking.ClientConfig{
		TrackingURI: cfg.MLflowTrackingURI,
		Timeout:     cfg.UpstreamTimeout,
		Retries:     cfg.UpstreamRetries,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("mlflow client init")
	}
	loader, err := serving.NewHTTPLoader(serving.HTTPLoaderConfig{
		URLTemplate: cfg.ScoringURL,
		Resolver:    mlflow,
		Timeout:     cfg.UpstreamTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("model loader init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := serving.NewService(loader, cfg.ProdConfigPath, logger)
	if err := svc.Initialize(ctx); err != nil {
		// The API still starts; /health reports the cold state and /restart retries.
		logger.Error().Err(err).Str("path", cfg.ProdConfigPath).Msg("initial model load failed")
	}

	history, closeHistory := openHistory(ctx, cfg, logger)
	defer closeHistory()

	deps := httpserver.Deps{
		Serving:  svc,
		Tracking: mlflow,
		History:  history,
		Verifier: auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}),
		Logger:   logger,
	}
	if cfg.AirflowURL != "" {
		airflow, err := scheduler.NewAirflowClient(scheduler.AirflowConfig{
			BaseURL:  cfg.AirflowURL,
			DAGID:    cfg.AirflowDAGID,
			Username: cfg.AirflowUsername,
			Password: cfg.AirflowPassword,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("airflow client init")
		}
		deps.Scheduler = airflow
	}
	if !deps.Verifier.Enabled() {
		logger.Warn().Msg("CHURN_JWT_SECRET not set, admin endpoints are unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("churn api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(cancel, httpServer, logger)
}

// openHistory connects the Postgres promotion history when DATABASE_URL is set.
// Promotions are recorded by churnctl, so without a database there is no history
// to serve and the store is nil.
func openHistory(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("db ping")
	}
	st := store.NewPGStore(db)
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}
	return st, func() { _ = db.Close() }
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, logger zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
