package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/auth"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
	"github.com/ILLUVRSE/churn-mlops/internal/scheduler"
	"github.com/ILLUVRSE/churn-mlops/internal/serving"
	"github.com/ILLUVRSE/churn-mlops/internal/store"
	"github.com/ILLUVRSE/churn-mlops/internal/validation"
)

type Serving interface {
	Predict(ctx context.Context, rec models.FeatureRecord) (bool, error)
	Restart(ctx context.Context) (serving.Status, error)
	Status() serving.Status
}

type Scheduler interface {
	TriggerRun(ctx context.Context, conf map[string]interface{}) (scheduler.DAGRun, error)
	GetRun(ctx context.Context, runID string) (scheduler.DAGRun, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators of the API. Only Serving is required.
type Deps struct {
	Serving   Serving
	Scheduler Scheduler
	Tracking  HealthChecker
	History   store.Store
	Verifier  *auth.Verifier
	Logger    zerolog.Logger

	// RequestTimeout bounds every handler but restart; defaults to 30s.
	RequestTimeout time.Duration
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier(auth.Config{})
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	return &Server{deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.deps.Logger))
	r.Use(accessLog)
	r.Use(recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.deps.RequestTimeout))
			r.Post("/predict", s.handlePredict)
			r.Get("/model", s.handleModel)
			r.Get("/promotions", s.handlePromotions)
			r.Get("/training-status/{run_id}", s.handleTrainingStatus)
			r.With(s.deps.Verifier.Middleware).Post("/trigger-training", s.handleTriggerTraining)
		})
		// Reloads may take longer than a request budget.
		r.With(s.deps.Verifier.Middleware).Get("/restart", s.handleRestart)
	})

	return r
}

func accessLog(next http.Handler) http.Handler {
	return hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
}

// recoverer turns a panic into a JSON 500 without leaking the trace to the client.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("handler panic")
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"message":       "Welcome to the Telco Customer Churn Prediction API",
		"documentation": "POST /api/v1/predict with a customer record; GET /api/v1/model for the active model",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := s.deps.Serving.Status()
	status := map[string]interface{}{
		"ok":      st.ActiveModelURI != "",
		"time":    time.Now().UTC(),
		"serving": st,
	}
	if s.deps.Tracking != nil {
		if err := s.deps.Tracking.Health(ctx); err != nil {
			status["mlflow"] = err.Error()
		} else {
			status["mlflow"] = "ok"
		}
	}
	if s.deps.History != nil {
		if err := s.deps.History.Ping(ctx); err != nil {
			status["db"] = err.Error()
		} else {
			status["db"] = "ok"
		}
	}
	code := http.StatusOK
	if st.ActiveModelURI == "" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

// predictRequest uses pointers so that a missing field is told apart from a zero.
type predictRequest struct {
	SeniorCitizen    *models.Flag `json:"SeniorCitizen" validate:"required"`
	Partner          *models.Flag `json:"Partner" validate:"required"`
	Dependents       *models.Flag `json:"Dependents" validate:"required"`
	Tenure           *int         `json:"tenure" validate:"required,min=0"`
	PhoneService     *models.Flag `json:"PhoneService" validate:"required"`
	InternetService  *int         `json:"InternetService" validate:"required,oneof=0 1 2"`
	OnlineSecurity   *models.Flag `json:"OnlineSecurity" validate:"required"`
	OnlineBackup     *models.Flag `json:"OnlineBackup" validate:"required"`
	DeviceProtection *models.Flag `json:"DeviceProtection" validate:"required"`
	TechSupport      *models.Flag `json:"TechSupport" validate:"required"`
	StreamingTV      *models.Flag `json:"StreamingTV" validate:"required"`
	StreamingMovies  *models.Flag `json:"StreamingMovies" validate:"required"`
	Contract         *int         `json:"Contract" validate:"required,oneof=0 1 2"`
	PaperlessBilling *models.Flag `json:"PaperlessBilling" validate:"required"`
	PaymentMethod    *int         `json:"PaymentMethod" validate:"required,oneof=0 1 2"`
	MonthlyCharges   *float64     `json:"MonthlyCharges" validate:"required,min=0"`
	TotalCharges     *float64     `json:"TotalCharges" validate:"required,min=0"`
}

func (p predictRequest) record() models.FeatureRecord {
	return models.FeatureRecord{
		SeniorCitizen:    *p.SeniorCitizen,
		Partner:          *p.Partner,
		Dependents:       *p.Dependents,
		Tenure:           *p.Tenure,
		PhoneService:     *p.PhoneService,
		InternetService:  *p.InternetService,
		OnlineSecurity:   *p.OnlineSecurity,
		OnlineBackup:     *p.OnlineBackup,
		DeviceProtection: *p.DeviceProtection,
		TechSupport:      *p.TechSupport,
		StreamingTV:      *p.StreamingTV,
		StreamingMovies:  *p.StreamingMovies,
		Contract:         *p.Contract,
		PaperlessBilling: *p.PaperlessBilling,
		PaymentMethod:    *p.PaymentMethod,
		MonthlyCharges:   *p.MonthlyCharges,
		TotalCharges:     *p.TotalCharges,
	}
}

type predictResponse struct {
	ChurnPrediction bool `json:"churn_prediction"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.Validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	churn, err := s.deps.Serving.Predict(r.Context(), req.record())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("prediction failed")
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, predictResponse{ChurnPrediction: churn})
}

type restartResponse struct {
	OK            bool   `json:"ok"`
	Message       string `json:"message"`
	ModelURI      string `json:"model_uri,omitempty"`
	UsingFallback bool   `json:"using_fallback"`
	State         string `json:"state"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Serving.Restart(r.Context())
	resp := restartResponse{
		OK:            err == nil,
		Message:       "model reloaded",
		ModelURI:      st.ActiveModelURI,
		UsingFallback: st.UsingFallback,
		State:         string(st.State),
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("restart failed")
		resp.Message = err.Error()
		respondJSON(w, statusFor(err), resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Serving.Status())
}

type triggerRequest struct {
	Conf map[string]interface{} `json:"conf"`
}

type triggerResponse struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleTriggerTraining(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	run, err := s.deps.Scheduler.TriggerRun(r.Context(), req.Conf)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("trigger training failed")
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, triggerResponse{
		RunID:     run.RunID,
		State:     run.State,
		StatusURL: "/api/v1/training-status/" + run.RunID,
	})
}

func (s *Server) handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	run, err := s.deps.Scheduler.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handlePromotions(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		respondError(w, http.StatusServiceUnavailable, "promotion history not configured")
		return
	}
	q := r.URL.Query()
	filter := store.ListPromotionsFilter{Experiment: q.Get("experiment")}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	events, err := s.deps.History.ListPromotions(r.Context(), filter)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if events == nil {
		events = []models.PromotionEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"promotions": events})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrInvalidConfig):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
