// Package web is the HTTP surface of edgeguard: the protecting middleware,
// the denial responses and a reverse proxy server that puts them in front of
// an upstream application.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"
)

// Reserved paths served by the edge itself, ahead of the guard.
const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// HealthFunc reports the health of a dependency.
type HealthFunc func(ctx context.Context) error

// Config holds the server configuration.
type Config struct {
	// Upstream is the protected application. When nil, allowed requests get
	// a 404, which is useful for dry runs against synthetic traffic.
	Upstream *url.URL
	// Guard protects every path other than the reserved ones.
	Guard *Guard
	// StoreHealth is reported by /healthz. The server stays healthy when the
	// store is down because decisions fail open.
	StoreHealth HealthFunc
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the edge HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	mu         sync.Mutex
	isShutdown bool
}

// NewServer builds the server and its routes.
func NewServer(config Config) (*Server, error) {
	if config.Guard == nil {
		return nil, errors.New("web: guard is required")
	}
	s := &Server{config: config, logger: config.Logger}

	var upstream http.Handler = http.NotFoundHandler()
	if config.Upstream != nil {
		proxy := httputil.NewSingleHostReverseProxy(config.Upstream)
		proxy.ErrorHandler = s.proxyError
		upstream = proxy
	}

	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, s.handleHealth)
	if config.Metrics != nil {
		mux.Handle(MetricsPath, config.Metrics)
	}
	mux.Handle("/", config.Guard.Middleware(upstream))

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("server_started",
		"addr", listener.Addr().String(),
		"upstream", upstreamString(s.config.Upstream),
		"mode", s.config.Guard.Engine().Mode(),
	)
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return nil
	}
	s.isShutdown = true
	s.mu.Unlock()

	s.logger.Info("server_stopping")
	return s.httpServer.Shutdown(ctx)
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isShutdown
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Store  string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Mode:   string(s.config.Guard.Engine().Mode()),
		Store:  "ok",
	}
	if s.config.StoreHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.config.StoreHealth(ctx); err != nil {
			resp.Store = "degraded"
			s.logger.Debug("health_store_degraded", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, context.Canceled) {
		s.logger.Warn("upstream_error",
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeErrorJSON(w, http.StatusBadGateway, "Bad gateway")
}

func upstreamString(u *url.URL) string {
	if u == nil {
		return "none"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
