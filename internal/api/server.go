package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/devmesh-core/internal/infrastructure/config"
	"github.com/nerrad567/devmesh-core/internal/infrastructure/logging"
	"github.com/nerrad567/devmesh-core/internal/node"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Node    *node.Node
	Version string
}

// Server is the HTTP server for one devmesh node.
//
// It manages the listener, routes, middleware, and the /peers websocket
// endpoint. Created with New(), started with Start(), stopped with
// Close().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	node    *node.Node
	version string
	server  *http.Server
}

// New creates a new API server with the given dependencies. The server is
// not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("api: logger is required")
	}
	if deps.Node == nil {
		return nil, fmt.Errorf("api: node is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger,
		node:    deps.Node,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("api server listening", "addr", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	return nil
}

// Close shuts the server down, allowing in-flight requests to finish.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
