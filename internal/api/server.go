package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/complyledger/evidence/internal/archive"
	"github.com/complyledger/evidence/internal/audit"
	"github.com/complyledger/evidence/internal/auth"
	"github.com/complyledger/evidence/internal/clock"
	"github.com/complyledger/evidence/internal/config"
	"github.com/complyledger/evidence/internal/erp"
	"github.com/complyledger/evidence/internal/errcode"
	"github.com/complyledger/evidence/internal/ingestion"
	"github.com/complyledger/evidence/internal/lifecycle"
	"github.com/complyledger/evidence/internal/models"
	"github.com/complyledger/evidence/internal/notifications"
	"github.com/complyledger/evidence/internal/provenance"
	"github.com/complyledger/evidence/internal/queue"
	"github.com/complyledger/evidence/internal/reports"
	"github.com/complyledger/evidence/internal/scheduler"
	"github.com/complyledger/evidence/internal/store"
	"github.com/complyledger/evidence/internal/validation"
)

// Store is the read side the handlers use directly.
type Store interface {
	Ping(ctx context.Context) error
	GetEvidence(ctx context.Context, tenantID string, id uuid.UUID) (*models.Evidence, error)
	ListLifecycleEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.LifecycleEvent, error)
	ListAuditEvents(ctx context.Context, tenantID string, evidenceID uuid.UUID) ([]models.AuditEvent, error)
}

type Auditor interface {
	Emit(ctx context.Context, event *models.AuditEvent) error
}

// ProvenanceReader answers graph lookups for a record.
type ProvenanceReader interface {
	Lookup(ctx context.Context, tenantID, evidenceID string) (*provenance.Provenance, error)
}

// Deps are the collaborators a Server routes requests to. Provenance and
// Scheduler are optional.
type Deps struct {
	Store      Store
	Auth       *auth.Service
	Ingestion  *ingestion.Service
	Lifecycle  *lifecycle.Machine
	Auditor    Auditor
	Reports    *reports.Generator
	Provenance ProvenanceReader
	Scheduler  *scheduler.Scheduler
	Clock      clock.Clock
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
	deps   Deps

	closers []io.Closer
	onClose []func(context.Context) error
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a server around already constructed dependencies.
func New(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Reports == nil {
		deps.Reports = reports.NewGenerator(deps.Clock.Now)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: slog.Default(),
		deps:   deps,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// NewServer connects every backing service named in cfg and returns a
// server ready to Run.
func NewServer(ctx context.Context, cfg *config.Config, opts ...ServerOption) (*Server, error) {
	probe := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(probe)
	}
	logger := probe.logger

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	closers := []io.Closer{st}
	var onClose []func(context.Context) error

	fail := func(err error) (*Server, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		for _, fn := range onClose {
			_ = fn(context.Background())
		}
		return nil, err
	}

	var outbox queue.Outbox = queue.NewMemory()
	if cfg.Redis.Enabled {
		q, err := queue.New(queue.Config{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return fail(fmt.Errorf("initializing audit outbox: %w", err))
		}
		closers = append(closers, q)
		outbox = q
	} else {
		logger.Warn("redis disabled, audit outbox is held in process memory")
	}

	clk := clock.System{}
	emitter := audit.NewEmitter(audit.EmitterConfig{
		Writer:       st,
		Outbox:       outbox,
		Clock:        clk,
		WriteTimeout: cfg.Ingestion.AuditWriteTimeout,
		Logger:       logger,
	})

	notifier := notifications.NewService(notificationConfig(cfg.Notifications), logger)

	var fetcher erp.Fetcher
	if cfg.Ingestion.ERPBaseURL != "" {
		fetcher = erp.NewHTTPFetcher(erp.Config{
			BaseURL:  cfg.Ingestion.ERPBaseURL,
			Timeout:  cfg.Ingestion.ERPFetchTimeout,
			MaxBytes: int64(cfg.Ingestion.MaxPayloadBytes),
		})
	}

	var graph *provenance.Graph
	if cfg.Neo4j.Enabled {
		graph, err = provenance.New(ctx, provenance.Config{URI: cfg.Neo4j.URI, Username: cfg.Neo4j.User, Password: cfg.Neo4j.Password})
		if err != nil {
			return fail(fmt.Errorf("initializing provenance graph: %w", err))
		}
		onClose = append(onClose, graph.Close)
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fail(fmt.Errorf("initializing archive: %w", err))
	}
	if archiver != nil {
		closers = append(closers, archiver)
	}

	ingestCfg := ingestion.Config{
		Store:   st,
		Gate:    validation.NewGate(clk, validation.WithMaxPayloadBytes(cfg.Ingestion.MaxPayloadBytes)),
		Auditor: emitter,
		Clock:   clk,
		Logger:  logger,
	}
	machineCfg := lifecycle.Config{
		Store:   st,
		Auditor: emitter,
		Clock:   clk,
		Logger:  logger,
	}
	// Interface fields stay nil unless the backing service exists.
	if fetcher != nil {
		ingestCfg.Fetcher = fetcher
	}
	if notifier.Enabled() {
		ingestCfg.Alerter = notifier
	}
	if graph != nil {
		ingestCfg.Observer = graph
		machineCfg.Observer = graph
	}
	if archiver != nil {
		machineCfg.Archiver = archiver
	}

	userStore := auth.NewPostgresUserStore(st.DB())
	authService := auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		Issuer:             cfg.Auth.Issuer,
	}, userStore)

	sched := scheduler.NewScheduler(scheduler.NewPostgresStore(st.DB()), logger)
	sweeps := &scheduler.Sweeps{
		Store:   st,
		Drainer: audit.NewDrainer(st, outbox, clk, logger),
		Auditor: emitter,
		Clock:   clk,
		Logger:  logger,
	}
	if notifier.Enabled() {
		sweeps.Notifier = notifier
	}
	for _, job := range sweeps.Jobs(cfg.Scheduler) {
		if err := sched.Register(job); err != nil {
			return fail(fmt.Errorf("registering %s: %w", job.Name, err))
		}
	}

	deps := Deps{
		Store:     st,
		Auth:      authService,
		Ingestion: ingestion.NewService(ingestCfg),
		Lifecycle: lifecycle.New(machineCfg),
		Auditor:   emitter,
		Reports:   reports.NewGenerator(clk.Now),
		Scheduler: sched,
		Clock:     clk,
	}
	if graph != nil {
		deps.Provenance = graph
	}

	s := New(cfg, deps, opts...)
	s.closers = closers
	s.onClose = onClose
	return s, nil
}

func notificationConfig(cfg config.NotificationsConfig) notifications.Config {
	minSeverity := notifications.Severity(cfg.MinSeverity)
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Slack.WebhookURL,
			Channel:     cfg.Slack.Channel,
			Username:    "Evidence Ledger",
			IconEmoji:   ":lock:",
			Enabled:     cfg.Slack.Enabled,
			MinSeverity: minSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Email.SMTPHost,
			SMTPPort:    cfg.Email.SMTPPort,
			Username:    cfg.Email.Username,
			Password:    cfg.Email.Password,
			From:        cfg.Email.From,
			To:          cfg.Email.To,
			Enabled:     cfg.Email.Enabled,
			MinSeverity: minSeverity,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(s.recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}
	s.router.Use(s.corsMiddleware())
}

// recoverer turns a panic into the INTERNAL_ERROR envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panicked",
					"path", r.URL.Path, "panic", rec, "request_id", middleware.GetReqID(r.Context()),
					"stack", string(debug.Stack()))
				respondFailure(w, errcode.New(errcode.InternalError, "internal error"), middleware.GetReqID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-Id")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.MethodNotAllowed(s.methodNotAllowed)

	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		// Every method but POST is refused before authentication. The POST
		// route in the group below replaces this handler for POST and keeps
		// the path from falling through to {evidenceID}.
		r.HandleFunc("/evidence/ingest", s.methodNotAllowed)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Post("/evidence/ingest", s.ingest)

			r.Route("/evidence/{evidenceID}", func(r chi.Router) {
				r.Get("/", s.getEvidence)
				r.Get("/events", s.listEvents)
				r.Get("/audit", s.listAudit)
				r.Post("/commands", s.executeCommand)
				r.Post("/verify", s.verifyEvidence)
				r.Get("/certificate", s.getCertificate)
				if s.deps.Provenance != nil {
					r.Get("/provenance", s.getProvenance)
				}
			})

			if s.deps.Scheduler != nil {
				r.Route("/admin/jobs", func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Get("/", s.listJobs)
					r.Post("/{jobName}/run", s.runJob)
					r.Get("/{jobName}/executions", s.listJobExecutions)
				})
			}
		})
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.deps.Scheduler != nil && !s.cfg.Scheduler.Disabled {
		s.deps.Scheduler.Start()
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)
		s.Close()
		return err
	}
}

// Close stops the scheduler and releases backing connections.
func (s *Server) Close() {
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Stop()
	}
	for _, fn := range s.onClose {
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("closing dependency", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("closing dependency", "error", err)
		}
	}
	s.onClose, s.closers = nil, nil
}

func respondJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["ok"] = status >= 200 && status < 300
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondFailure writes the uniform error envelope. Failure details are
// flattened into the top level.
func respondFailure(w http.ResponseWriter, f *errcode.Failure, requestID string) {
	body := make(map[string]interface{}, len(f.Details)+6)
	for k, v := range f.Details {
		body[k] = v
	}
	body["error_code"] = f.Code
	body["message"] = f.Message
	body["request_id"] = requestID
	if f.Field != "" {
		body["field"] = f.Field
	}
	if errcode.Retryable(f.Code) {
		body["retryable"] = true
	}
	respondJSON(w, f.Status(), body)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondFailure(w, errcode.Newf(errcode.MethodNotAllowed, "%s is not supported on %s", r.Method, r.URL.Path),
		middleware.GetReqID(r.Context()))
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		respondFailure(w, errcode.New(errcode.StoreUnavailable, "database not available"), middleware.GetReqID(r.Context()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}
