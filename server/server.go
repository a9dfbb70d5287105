// Package server exposes a metronome engine over HTTP.
//
// The REST surface submits, lists, inspects and disables jobs and reads
// their logs. /ws/jobs streams job changes to WebSocket clients as they are
// persisted.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse"
)

// ShutdownTimeout bounds how long Shutdown waits for requests and
// WebSocket clients to finish
const ShutdownTimeout = 10 * time.Second

// maxRequestBytes caps request bodies. Payloads themselves are limited
// to 1 MiB, so this leaves room for the envelope.
const maxRequestBytes = 2 << 20

// Server is the HTTP front end of one engine
type Server struct {
	engine         *pulse.Engine
	allowedOrigins []string
	router         chi.Router
	httpServer     *http.Server
	logger         *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// New creates a server for engine. allowedOrigins feeds both the CORS
// middleware and the WebSocket origin check.
func New(engine *pulse.Engine, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		engine:         engine,
		allowedOrigins: allowedOrigins,
		logger:         log.Named("server"),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*Client]struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Get("/{id}/logs", s.handleLogs)
			r.Post("/{id}/disable", s.handleDisable)
		})
	})

	r.Get("/ws/jobs", s.handleJobStream)

	return r
}

// logRequests logs every request once it completes, with the request ID
// carried into the handler's context
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		r = r.WithContext(ctx)
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.requestLogger(r).Debugw("Request handled",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

func (s *Server) requestLogger(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

// ListenAndServe serves on port until Shutdown. Port 0 picks a free port.
// The bound address is logged.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests, closes WebSocket clients, and waits
// for in-flight handlers up to ShutdownTimeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	srv := s.httpServer
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	// Hijacked WebSocket connections are not tracked by http.Server
	for _, c := range clients {
		c.close()
	}
	s.cancel()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for WebSocket clients")
	}

	if err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("Server stopped")
	return nil
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
