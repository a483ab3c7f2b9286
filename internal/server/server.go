// Package server implements the operational HTTP surface of the runtime:
// runtime control, mission and message pass-through routes, and the live
// event feed over SSE and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server is the Kanri HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store   Store
	Runtime Supervisor
	Bus     Mailbox
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Runtime:             cfg.Runtime,
		Bus:                 cfg.Bus,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Runtime control.
	mux.HandleFunc("GET /v1/runtime/status", h.HandleRuntimeStatus)
	mux.HandleFunc("POST /v1/runtime/start", h.HandleRuntimeStart)
	mux.HandleFunc("POST /v1/runtime/stop", h.HandleRuntimeStop)
	mux.HandleFunc("PATCH /v1/runtime/config", h.HandleRuntimeConfig)

	// Missions.
	mux.HandleFunc("POST /v1/missions", h.HandleCreateMission)
	mux.HandleFunc("GET /v1/missions/{mission_id}", h.HandleGetMission)
	mux.HandleFunc("POST /v1/missions/{mission_id}/queue", h.HandleQueueMission)

	// Messages.
	mux.HandleFunc("POST /v1/messages", h.HandleSendMessage)
	mux.HandleFunc("GET /v1/agents/{agent_id}/inbox", h.HandleInbox)
	mux.HandleFunc("GET /v1/agents/{agent_id}/messages", h.HandleAgentMessages)
	mux.HandleFunc("POST /v1/messages/{message_id}/reply", h.HandleReply)
	mux.HandleFunc("POST /v1/messages/{message_id}/processed", h.HandleMarkProcessed)

	// Live feed (long-lived connections).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)
	mux.HandleFunc("GET /v1/feed/ws", h.HandleFeedWS)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
