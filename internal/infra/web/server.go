package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tryon-pipeline/internal/domain"
	red "tryon-pipeline/internal/infra/redis"
	"tryon-pipeline/internal/usecase"
)

type Server struct {
	ledgerUC *usecase.LedgerUC
	queueUC  *usecase.QueueUC
	auth     *AuthManager
	limiter  *red.RateLimiter

	webhookSecret string
	submitLimit   int
	submitWindow  time.Duration
	timeout       time.Duration
	log           *zerolog.Logger
}

type ServerOptions struct {
	WebhookSecret string
	SubmitLimit   int // 0 disables submission rate limiting
	SubmitWindow  time.Duration
	Timeout       time.Duration
}

func NewServer(
	ledgerUC *usecase.LedgerUC,
	queueUC *usecase.QueueUC,
	auth *AuthManager,
	limiter *red.RateLimiter,
	opts ServerOptions,
	logger *zerolog.Logger,
) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.SubmitWindow <= 0 {
		opts.SubmitWindow = time.Minute
	}
	l := logger.With().Str("component", "web").Logger()
	return &Server{
		ledgerUC:      ledgerUC,
		queueUC:       queueUC,
		auth:          auth,
		limiter:       limiter,
		webhookSecret: opts.WebhookSecret,
		submitLimit:   opts.SubmitLimit,
		submitWindow:  opts.SubmitWindow,
		timeout:       opts.Timeout,
		log:           &l,
	}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(traceID)
	r.Use(recoverPanic(s.log))
	r.Use(requestLog(s.log))
	r.Use(chimw.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/", s.handleQueueAdd)
			r.Get("/", s.handleQueueStats)
			r.Get("/{id}", s.handleQueueStatus)
			r.Delete("/{id}", s.handleQueueCancel)
		})
		r.Route("/billing", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/history", s.handleHistory)
			r.Post("/topup", s.handleTopUp)
			r.Post("/subscription/cancel", s.handleSubscriptionCancel)
			r.Patch("/settings", s.handleSettings)
			r.Post("/session", s.handleMintSession)
		})
	})
	return r
}

// ---- shared response helpers ----

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	writeJSON(w, statusFor(code), errorResponse{Error: err.Error(), Code: code})
}

func statusFor(code string) int {
	switch code {
	case "AUTH_REQUIRED":
		return http.StatusUnauthorized
	case "NO_CREDITS", "DAILY_LIMIT_EXCEEDED":
		return http.StatusPaymentRequired
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_ARGUMENT":
		return http.StatusBadRequest
	case "NOT_CANCELABLE", "ALREADY_EXISTS":
		return http.StatusConflict
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
