package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/saborly/apiserver/config"
	"github.com/saborly/apiserver/internal/auth"
	"github.com/saborly/apiserver/internal/db"
	"github.com/saborly/apiserver/internal/handlers"
	"github.com/saborly/apiserver/internal/logging"
	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/metrics"
	"github.com/saborly/apiserver/internal/mq"
	"github.com/saborly/apiserver/internal/services"
	"github.com/saborly/apiserver/internal/storage"
	"github.com/saborly/apiserver/internal/store"
	"go.uber.org/zap"
)

// Resources are the process-wide handles the server is built from.
type Resources struct {
	DB        *sql.DB
	Documents services.DocumentStorage
	Mailer    mailer.Mailer
	// Queue is closed on shutdown when set.
	Queue   *mq.MQ
	Metrics *metrics.Metrics
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	resources  Resources
	dispatcher *services.MailDispatcher
	logger     *zap.Logger
}

// New opens every dependency named in cfg and builds the server.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res := Resources{DB: dbConn, Metrics: metrics.New()}

	docs, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	if err := docs.EnsureBucket(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", docs.Bucket(), err)
	}
	res.Documents = docs

	if cfg.Mail.Transport == "queue" {
		res.Queue, err = mq.Open(ctx, cfg.MQ)
		if err != nil {
			_ = dbConn.Close()
			return nil, err
		}
	}

	res.Mailer, err = mailer.Open(cfg.Mail, res.Queue, logger)
	if err != nil {
		_ = closeResources(res)
		return nil, err
	}

	return NewWithResources(cfg, logger, res), nil
}

// NewWithResources builds the server on already opened handles.
func NewWithResources(cfg config.Config, logger *zap.Logger, res Resources) *Server {
	dispatcher := services.NewMailDispatcher(res.Mailer, cfg.Mail.SendTimeout, logger, res.Metrics)
	issuer := auth.NewSessionIssuer(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)

	deps := services.Dependencies{
		Accounts:  store.NewAccountRepository(res.DB),
		Documents: res.Documents,
		Hasher:    auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Secrets:   auth.NewCodeGenerator(cfg.Auth.VerificationCodeTTL, cfg.Auth.ResetTokenTTL),
		Sessions:  issuer,
		Mail:      dispatcher,
		Logger:    logger,
		Metrics:   res.Metrics,
	}
	registration := services.NewRegistrationService(deps)
	resets := services.NewPasswordResetService(deps)
	accounts := services.NewAccountService(deps)

	gate := handlers.NewGate(issuer, accounts, logger, res.Metrics)
	authHandler := handlers.NewAuthHandler(registration, resets, accounts, logger)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
		gate.Resolve,
	)
	router.Get("/healthz", handlers.Healthz)
	router.Get("/readyz", handlers.Readyz(res.DB))
	router.Method(http.MethodGet, "/metrics", res.Metrics.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler, gate)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		resources:  res,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight requests and
// email dispatches, then closes the queue and database.
func (s *Server) Shutdown(ctx context.Context) error {
	errs := []error{s.httpServer.Shutdown(ctx)}
	if err := s.dispatcher.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending email dispatches: %w", err))
	}
	errs = append(errs, closeResources(s.resources))
	return errors.Join(errs...)
}

func closeResources(res Resources) error {
	var errs []error
	if res.Queue != nil {
		errs = append(errs, res.Queue.Close())
	}
	if res.DB != nil {
		errs = append(errs, res.DB.Close())
	}
	return errors.Join(errs...)
}
