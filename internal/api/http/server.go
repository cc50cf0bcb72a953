package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"linkstream/internal/services/mediastream"
	"linkstream/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServeRangeUseCase interface {
	Execute(ctx context.Context, in usecase.ServeRangeInput) (usecase.RangeResult, error)
}

// StreamController exposes registry maintenance to operators.
type StreamController interface {
	Stats() mediastream.RegistryStats
	ClearBuffers() mediastream.SweepResult
	DrainSession(id string) error
}

type Server struct {
	serveRange     ServeRangeUseCase
	streams        StreamController
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithStreamController(ctrl StreamController) ServerOption {
	return func(s *Server) {
		s.streams = ctrl
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(serveRange ServeRangeUseCase, opts ...ServerOption) *Server {
	s := &Server{serveRange: serveRange}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/streams/", s.handleStreamByID)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "linkstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/stats" && p != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// BroadcastStats pushes the registry snapshot to all WebSocket clients.
func (s *Server) BroadcastStats() {
	if s.wsHub == nil || s.streams == nil {
		return
	}
	if s.wsHub.clientCount() == 0 {
		return
	}
	s.wsHub.Broadcast("stats", s.streams.Stats())
}

// Close stops the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
