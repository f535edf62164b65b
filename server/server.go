package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/config"
	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

const (
	headerAPIKey        = "X-Api-Key"
	headerLaptopAuthKey = "X-Laptop-Auth-Key"
)

// Server is the relay: the public HTTP/SSE surface and the laptop-facing
// WebSocket endpoint, sharing one session store.
type Server struct {
	cfg       *config.Config
	store     tunnel.Store
	registrar *Registrar
	metrics   *metrics
	limiter   *ipLimiter
	upgrader  websocket.Upgrader
	engine    *gin.Engine
	startedAt time.Time
}

type Option func(*Server)

// WithStore replaces the in-memory session registry.
func WithStore(store tunnel.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithCredentialStore replaces the in-memory credential table.
func WithCredentialStore(creds CredentialStore) Option {
	return func(s *Server) {
		s.registrar = NewRegistrar(s.cfg.RegistrationKey, s.cfg.ConnectSecret, creds)
	}
}

func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     tunnel.NewRegistry(),
		registrar: NewRegistrar(cfg.RegistrationKey, cfg.ConnectSecret, NewMemoryCredentials()),
		limiter:   newIPLimiter(cfg.RegisterRatePerMinute),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.store)
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), accessLog())

	router.GET("/health", s.handleHealth)
	if s.cfg.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	}

	tunnelGroup := router.Group("/tunnel")
	tunnelGroup.POST("/create", s.limiter.middleware(), s.handleCreateTunnel)
	tunnelGroup.GET("/:tunnelId", s.handleConnect)

	router.Any("/api/:tunnelId/*path", s.handleAPI)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, apiError{Error: "not found"})
	})
	return router
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Store() tunnel.Store { return s.store }

// Run serves until ctx is cancelled, then shuts the HTTP server down and
// closes every tunnel.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLS.Enabled() {
		tlsConfig, err := buildTLSConfig(s.cfg.TLS)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to build TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Bool("tls", s.cfg.TLS.Enabled()).Msg("relay listening")
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closed := s.store.CloseAll()
	log.Info().Int("tunnels", closed).Msg("relay shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
