package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apirun/apirun/internal/auth"
	"github.com/apirun/apirun/internal/cache"
	"github.com/apirun/apirun/internal/config"
	"github.com/apirun/apirun/internal/engine"
	"github.com/apirun/apirun/internal/entities"
	"github.com/apirun/apirun/internal/expreval"
	"github.com/apirun/apirun/internal/instrumentation"
	"github.com/apirun/apirun/internal/kvstore"
	"github.com/apirun/apirun/internal/ratelimit"
	"github.com/apirun/apirun/internal/respcache"
	"github.com/apirun/apirun/internal/sandbox"
	"github.com/apirun/apirun/internal/service"
	"github.com/apirun/apirun/internal/store"
	"github.com/apirun/apirun/internal/transport"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	store     store.Store
	listener  net.Listener
	workflows engine.WorkflowEngine
	tokens    auth.TokenValidator
}

// New returns a new instance of an apirun server. The workflow engine and
// token validator are host collaborators; passing nil leaves workflow
// endpoints unconfigured and bearer tokens rejected.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	listener net.Listener,
	workflows engine.WorkflowEngine,
	tokens auth.TokenValidator,
) *Server {
	if tokens == nil {
		tokens = auth.NewJWTValidator(cfg.Auth.SigningKey)
	}
	return &Server{
		log:       log,
		cfg:       cfg,
		store:     st,
		listener:  listener,
		workflows: workflows,
		tokens:    tokens,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Println("Initializing KV store")
	kvStore, err := kvstore.NewKVStore(ctx, s.log, s.cfg.KV.Hostname, s.cfg.KV.Port, s.cfg.KV.Password)
	if err != nil {
		return err
	}

	s.log.Println("Initializing custom-API runtime")
	definitionCache := cache.NewDefinitionCache(s.store.Endpoint(), s.cfg.Runtime.DefinitionCacheTTL())
	go definitionCache.Start(ctx)

	responseCache := respcache.New(kvStore, s.log)
	limiter := ratelimit.New()
	metrics := instrumentation.NewMetrics()

	eng := engine.New(
		engine.Config{
			SandboxTimeout:  s.cfg.Runtime.SandboxTimeout(),
			OutboundTimeout: s.cfg.Runtime.OutboundTimeout(),
			DefaultTimeout:  s.cfg.Runtime.EngineTimeout(),
			UserAgent:       s.cfg.Runtime.UserAgent,
		},
		expreval.New(),
		sandbox.NewExecutor(),
		entities.NewService(s.store.EntityRecord(), s.log.WithField("pkg", "entities")),
		s.workflows,
		s.log.WithField("pkg", "engine"),
	)

	serviceHandler := service.NewServiceHandler(s.store, definitionCache, responseCache, limiter, s.log)
	adminHandler := transport.NewAdminHandler(serviceHandler)
	dispatcher := transport.NewDispatcher(
		definitionCache, eng, limiter, responseCache,
		s.tokens, s.store.Endpoint(), metrics,
		s.log.WithField("pkg", "dispatcher"),
	)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestSize(int64(s.cfg.Service.HttpMaxRequestSize)),
		middleware.RequestID,
		middleware.Recoverer,
	)

	router.Route("/api/v1", func(r chi.Router) {
		adminHandler.RegisterRoutes(r)
	})

	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Get("/healthz", HealthzHandler())
	router.Get("/readyz", ReadyzHandler(s.store, kvStore))

	mountPrefix := strings.TrimSuffix(s.cfg.Runtime.MountPrefix, "/")
	router.Mount(mountPrefix, http.StripPrefix(mountPrefix, dispatcher))

	handler := otelhttp.NewHandler(router, "http-server")
	srv := &http.Server{
		Addr:    s.cfg.Service.Address,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		_ = kvStore.Close()
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
