package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"payrolld/internal/domain"
)

type Store interface {
	Ping(ctx context.Context) error

	CreatePayroll(ctx context.Context, p domain.Payroll) (string, error)
	GetPayroll(ctx context.Context, id string) (domain.Payroll, error)
	ListPayrolls(ctx context.Context) ([]domain.Payroll, error)
	UpdatePayroll(ctx context.Context, p domain.Payroll) error

	CreateEmployee(ctx context.Context, e domain.Employee) (string, error)
	GetEmployee(ctx context.Context, id string) (domain.Employee, error)

	CreateAccount(ctx context.Context, a domain.VirtualAccount) (string, error)
	GetAccount(ctx context.Context, number string) (domain.VirtualAccount, error)
	CreateFunding(ctx context.Context, f domain.Funding) (string, error)
	GetFunding(ctx context.Context, ref string) (domain.Funding, error)
}

// Scheduler keeps cron entries in step with stored payrolls.
type Scheduler interface {
	Schedule(p domain.Payroll) error
	Cancel(payrollID string)
	Next(payrollID string) (time.Time, bool)
}

type Runner interface {
	Run(ctx context.Context, id string) (domain.Payroll, error)
}

type Reconciler interface {
	OnWebhook(ctx context.Context, evt domain.WebhookEvent) (domain.Outcome, error)
	VerifyByReference(ctx context.Context, ref string) (domain.Outcome, error)
	MaxWait() time.Duration
}

type Deps struct {
	Store      Store
	Scheduler  Scheduler
	Runner     Runner
	Reconciler Reconciler

	// Provider is the only payment provider whose webhooks are accepted.
	Provider      string
	WebhookSecret string
	Currency      string
	Debug         bool

	// Now is the clock used to anchor new fixed-frequency payrolls.
	Now func() time.Time
}

type Server struct {
	r      *chi.Mux
	deps   Deps
	logger zerolog.Logger
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{r: r, deps: deps, logger: log.With().Str("component", "api").Logger()}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/{provider}", s.webhook)
	r.Get("/verify/{referenceNumber}", s.verify)

	r.Route("/api", func(r chi.Router) {
		r.Post("/payrolls", s.createPayroll)
		r.Get("/payrolls", s.listPayrolls)
		r.Get("/payrolls/{id}", s.getPayroll)
		r.Put("/payrolls/{id}", s.updatePayroll)
		r.Post("/payrolls/{id}/run", s.runPayroll)

		r.Post("/employees", s.createEmployee)
		r.Get("/employees/{id}", s.getEmployee)

		r.Post("/accounts", s.createAccount)
		r.Get("/accounts/{number}", s.getAccount)
		r.Post("/accounts/{number}/fundings", s.createFunding)
		r.Get("/fundings/{reference}", s.getFunding)
	})

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) now() time.Time { return s.deps.Now() }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// storeError maps repository errors onto status codes.
func (s *Server) storeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrDuplicateName), errors.Is(err, domain.ErrDuplicateReference):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error().Err(err).Msg(msg)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
