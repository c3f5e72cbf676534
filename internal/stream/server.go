// Package stream serves torrent files over HTTP with byte-range support and
// exposes the engine's JSON API.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/torrentclaw/truestream/internal/apperr"
	"github.com/torrentclaw/truestream/internal/engine"
)

// Resolver turns a magnet and file index into a direct download URL.
type Resolver interface {
	Resolve(ctx context.Context, magnetURI string, fileIndex int) (string, error)
}

// Config holds the listener settings.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the streaming HTTP server.
type Server struct {
	cfg      Config
	manager  *engine.Manager
	resolver Resolver
	registry *prometheus.Registry
	version  string

	requests *prometheus.CounterVec
	bytes    prometheus.Counter
}

// Option configures a Server.
type Option func(*Server)

// WithResolver enables POST /api/debrid/resolve.
func WithResolver(r Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithRegistry registers the stream counters on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a server around the engine manager.
func NewServer(cfg Config, m *engine.Manager, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, manager: m, version: "dev"}
	for _, o := range opts {
		o(s)
	}

	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "truestream",
		Subsystem: "stream",
		Name:      "requests_total",
		Help:      "Stream requests by response status.",
	}, []string{"code"})
	s.bytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "truestream",
		Subsystem: "stream",
		Name:      "bytes_total",
		Help:      "Bytes written to stream clients.",
	})
	if s.registry != nil {
		s.registry.MustRegister(s.requests, s.bytes)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() (http.Handler, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("compression adapter: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Range", "Content-Type", "X-Requested-With"},
		ExposedHeaders: []string{"Content-Range", "Content-Length", "Accept-Ranges", "X-Stream-Session"},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/stream", s.handleStream)
	r.Head("/stream", s.handleStream)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(compress)
		r.Get("/engine", s.handleGetEngine)
		r.Put("/engine", s.handleSetEngine)
		r.Get("/torrents", s.handleListTorrents)
		r.Post("/torrents", s.handleAddTorrent)
		r.Get("/torrents/{hash}", s.handleGetTorrent)
		r.Delete("/torrents/{hash}", s.handleRemoveTorrent)
		r.Get("/torrents/{hash}/stats", s.handleStats)
		r.Post("/debrid/resolve", s.handleResolve)
	})
	return r, nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Stream server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	log.Info().Msg("Stream server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Long-lived streams outlast the grace period; cut them.
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"engine":  s.manager.Status(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hash := q.Get("hash")
	index, err := strconv.Atoi(q.Get("file"))
	if hash == "" || err != nil || index < 0 {
		s.requests.WithLabelValues("400").Inc()
		RespondError(w, apperr.New(apperr.InvalidIdentifier, "stream requires hash and a non-negative file index"))
		return
	}

	res := ServeFile(w, r, s.manager, hash, index)
	s.requests.WithLabelValues(strconv.Itoa(res.Status)).Inc()
	s.bytes.Add(float64(res.Written))
}

// requestLogger logs API requests; stream requests log through ServeFile.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
