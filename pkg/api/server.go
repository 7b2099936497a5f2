package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/collector/adapters"
	"github.com/Mindburn-Labs/attest/pkg/controls"
	"github.com/Mindburn-Labs/attest/pkg/crypto"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/query"
	"github.com/Mindburn-Labs/attest/pkg/scheduler"
)

// Collector is the ingestion side the API needs.
type Collector interface {
	collector.Ingester
	Submit(ctx context.Context, req collector.Request) (collector.Result, error)
}

// Purger deletes payloads whose retention has expired.
type Purger interface {
	Purge(ctx context.Context, id string) error
}

// Reloader re-reads the control mapping.
type Reloader interface {
	Reload(ctx context.Context) (*controls.Snapshot, error)
}

// JobRunner exposes scheduler hooks.
type JobRunner interface {
	Trigger(key string) (bool, error)
	Statuses() []scheduler.Status
}

// ChainGuard verifies and exports the manifest, alerting when the chain is
// broken.
type ChainGuard interface {
	VerifyRange(ctx context.Context, from, to uint64) (ledger.VerificationReport, error)
	Export(ctx context.Context, from, to uint64, signer crypto.Signer) (*ledger.ExportBundle, error)
}

// ledgerChain is the ChainGuard used when none is wired; it does not alert.
type ledgerChain struct{ l *ledger.Ledger }

func (c ledgerChain) VerifyRange(ctx context.Context, from, to uint64) (ledger.VerificationReport, error) {
	return c.l.Verify(ctx, from, to)
}

func (c ledgerChain) Export(ctx context.Context, from, to uint64, signer crypto.Signer) (*ledger.ExportBundle, error) {
	return c.l.Export(ctx, from, to, signer)
}

// Deps are the services behind the API. Chain defaults to the bare ledger. Signer, Purger, Registry, Jobs and
// Gatherer are optional; their endpoints answer 503 when unset.
type Deps struct {
	Collector Collector
	Adapters  *adapters.Registry
	Query     *query.Service
	Ledger    *ledger.Ledger
	Chain     ChainGuard
	Signer    crypto.Signer
	Purger    Purger
	Registry  Reloader
	Jobs      JobRunner
	Gatherer  prometheus.Gatherer
}

// Server routes HTTP requests to the evidence services.
type Server struct {
	deps    Deps
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	now     func() time.Time
	version string
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator enables bearer auth. Without it every endpoint is open.
func WithAuthenticator(a *Authenticator) Option { return func(s *Server) { s.auth = a } }

func WithRateLimiter(rl *RateLimiter) Option { return func(s *Server) { s.limiter = rl } }
func WithLogger(l *slog.Logger) Option       { return func(s *Server) { s.logger = l } }
func WithClock(now func() time.Time) Option  { return func(s *Server) { s.now = now } }
func WithVersion(v string) Option            { return func(s *Server) { s.version = v } }

// New creates a Server.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.deps.Adapters == nil {
		s.deps.Adapters = adapters.Default()
	}
	if s.deps.Chain == nil {
		s.deps.Chain = ledgerChain{s.deps.Ledger}
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "No such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require(ScopeIngest))
		r.Post("/evidence", s.handleIngest)
		r.Post("/evidence/tools/{tool}", s.handleToolIngest)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require(ScopeRead))
		r.Get("/evidence", s.handleQuery)
		r.Get("/evidence/{id}", s.handleGetRecord)
		r.Get("/evidence/{id}/payload", s.handlePayload)
		r.Get("/evidence/{id}/verify", s.handleVerifyRecord)
		r.Get("/controls/{id}/completeness", s.handleCompleteness)
		r.Get("/reports/controls/{id}", s.handleControlReport)
		r.Get("/reports/coverage", s.handleCoverageReport)
		r.Get("/manifest/verify", s.handleManifestVerify)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require(ScopeAdmin))
		r.Delete("/evidence/{id}", s.handleDelete)
		r.Get("/manifest/export", s.handleManifestExport)
		r.Post("/admin/registry/reload", s.handleRegistryReload)
		r.Get("/admin/jobs", s.handleJobs)
		r.Post("/hooks/{job}", s.handleHook)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", s.now().Sub(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
