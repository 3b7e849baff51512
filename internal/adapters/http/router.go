package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/ports"
)

const AdminScope = "reconciliation:admin"

// Reconciler is the part of the application service the admin API drives.
type Reconciler interface {
	Representations() []string
	Cursors(ctx context.Context) []domain.ReconciliationCursor
	ResyncInProgress(representation string) bool
	TriggerResync(ctx context.Context, representation string) (domain.ResyncReport, error)
	Verify(ctx context.Context, representation string) (domain.VerifyReport, error)
	RecentDrift(ctx context.Context, representation string, limit int) ([]domain.DriftFinding, error)
}

type HandlerConfig struct {
	Logger          *slog.Logger
	Reconciler      Reconciler
	ReadinessProbes []ports.HealthProbe
	Metrics         http.Handler
	// Jobs is the parent context of resyncs started over HTTP; it ends at
	// shutdown.
	Jobs          context.Context
	AdminSecret   string
	AdminAudience string
}

type Handler struct {
	logger     *slog.Logger
	reconciler Reconciler
	readiness  []ports.HealthProbe
	metrics    http.Handler
	jobs       context.Context
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = context.Background()
	}
	return &Handler{
		logger:     logger,
		reconciler: cfg.Reconciler,
		readiness:  cfg.ReadinessProbes,
		metrics:    cfg.Metrics,
		jobs:       jobs,
	}
}

func NewRouter(handler *Handler, adminSecret, adminAudience string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(handler.logger))
	r.Use(loggingMiddleware(handler.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeMessage(w, http.StatusOK, "ok") })
	r.Get("/readyz", handler.readyz)
	if handler.metrics != nil {
		r.Method(http.MethodGet, "/metrics", handler.metrics)
	}

	r.Route("/v1/reconciliation", func(r chi.Router) {
		r.Use(adminAuthMiddleware(adminSecret, adminAudience))
		r.Get("/", handler.listCursors)
		r.Get("/{representation}/drift", handler.listDrift)
		r.Post("/{representation}/resync", handler.triggerResync)
		r.Post("/{representation}/verify", handler.verify)
	})
	return r
}
