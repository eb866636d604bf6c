package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ventrelay/ventrelay/internal/config"
	apperrors "github.com/ventrelay/ventrelay/internal/errors"
	"github.com/ventrelay/ventrelay/internal/observability"
	"github.com/ventrelay/ventrelay/internal/relay"
	"github.com/ventrelay/ventrelay/internal/server/handlers"
	servermw "github.com/ventrelay/ventrelay/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	health *handlers.HealthManager
	relay  *handlers.RelayHandler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New builds the router for cfg around svc. Nothing listens until Start.
func New(cfg *config.Config, svc *relay.Service) *Server {
	r := chi.NewRouter()

	// RealIP rewrites RemoteAddr from forwarding headers, which callers control
	// unless a proxy in front overwrites them.
	if cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}

	// RequestID → Metrics → Recovery → CORS
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)
	r.Use(corsHandler(cfg.CORS))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		cfg:    cfg.Server,
		router: r,
		health: handlers.NewHealthManager(handlers.AppVersion),
		relay:  handlers.NewRelayHandler(svc, cfg.Server.MaxBodyBytes),
	}

	upstreamCfg := cfg.Upstream
	s.health.RegisterChecker("upstream_config", handlers.CheckerFunc(func(context.Context) error {
		if upstreamCfg.APIKey == "" {
			return config.ErrMissingAPIKey
		}
		return nil
	}))
	s.health.RegisterChecker("relay", handlers.CheckerFunc(func(context.Context) error {
		if svc == nil {
			return errors.New("relay service not configured")
		}
		return nil
	}))

	handlers.SetHTTPErrorResponder(HandleError)
	s.registerRoutes(cfg.Admin)

	return s
}

func corsHandler(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", handlers.SecretHeader, servermw.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After", servermw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Starting HTTP server",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("trust_proxy", s.cfg.TrustProxy))
	}
	s.health.MarkStarted()

	return srv.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Shutting down HTTP server")
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Serve has started, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
