// Package server exposes the mixing console to the UI as a JSON API with a
// server-sent event stream of state snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"turntable/internal/auth"
	"turntable/internal/config"
	"turntable/internal/console"
	"turntable/internal/library"
	"turntable/internal/ngrok"

	"github.com/sirupsen/logrus"
)

// Options holds the collaborators of a ConsoleServer. Library, Output and
// Tunnel are optional.
type Options struct {
	Config  *config.Config
	Console *console.Console
	Library *library.Library
	Auth    *auth.Service
	Output  http.Handler // WebRTC offer/answer endpoint
	Tunnel  *ngrok.Service
	Logger  *logrus.Logger
}

// ConsoleServer serves the console API
type ConsoleServer struct {
	config      *config.Config
	console     *console.Console
	library     *library.Library
	authService *auth.Service
	output      http.Handler
	tunnel      *ngrok.Service
	logger      *logrus.Logger
	startedAt   time.Time

	httpServer *http.Server
}

// NewConsoleServer creates a server instance
func NewConsoleServer(opts Options) (*ConsoleServer, error) {
	if opts.Config == nil || opts.Console == nil || opts.Auth == nil {
		return nil, errors.New("config, console and auth service are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &ConsoleServer{
		config:      opts.Config,
		console:     opts.Console,
		library:     opts.Library,
		authService: opts.Auth,
		output:      opts.Output,
		tunnel:      opts.Tunnel,
		logger:      opts.Logger,
		startedAt:   time.Now(),
	}, nil
}

// Handler returns the routed handler wrapped in middleware
func (cs *ConsoleServer) Handler() http.Handler {
	mux := http.NewServeMux()
	cs.setupRoutes(mux)

	var h http.Handler = mux
	h = cs.corsMiddleware(h)
	h = cs.requestLoggingMiddleware(h)
	h = cs.panicRecoveryMiddleware(h)
	return h
}

func (cs *ConsoleServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", cs.handleHealthCheck)

	// Auth routes
	mux.HandleFunc("POST /api/login", cs.handleAuthLogin)
	mux.HandleFunc("POST /api/logout", cs.handleAuthLogout)
	mux.HandleFunc("GET /api/me", cs.handleWhoAmI)

	// Deck routes
	mux.HandleFunc("POST /api/decks/{deck}/load", cs.handleLoad)
	mux.HandleFunc("POST /api/decks/{deck}/play", cs.handlePlay)
	mux.HandleFunc("POST /api/decks/{deck}/pause", cs.handlePause)
	mux.HandleFunc("POST /api/decks/{deck}/volume", cs.handleVolume)
	mux.HandleFunc("POST /api/decks/{deck}/seek", cs.handleSeek)
	mux.HandleFunc("POST /api/decks/{deck}/unload", cs.handleUnload)
	mux.HandleFunc("POST /api/crossfade", cs.handleCrossfade)

	// State routes
	mux.HandleFunc("GET /api/state", cs.handleGetState)
	mux.HandleFunc("GET /api/state/stream", cs.handleStateStream)

	// Library routes
	mux.HandleFunc("GET /api/tracks", cs.handleGetTracks)
	mux.HandleFunc("POST /api/tracks/import", cs.handleImportTrack)
	mux.HandleFunc("DELETE /api/tracks/{id}", cs.handleRemoveTrack)

	// Cache routes
	mux.HandleFunc("GET /api/cache/stats", cs.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache/{id}", cs.handleInvalidateTrack)
	mux.HandleFunc("DELETE /api/cache", cs.handleClearCache)

	if cs.output != nil {
		mux.Handle("POST /api/output/webrtc", cs.output)
	}

	if cs.config.Server.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cs.config.Server.StaticDir)))
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (cs *ConsoleServer) Start(ctx context.Context) error {
	cs.httpServer = &http.Server{
		Addr:              cs.config.GetAddress(),
		Handler:           cs.Handler(),
		ReadHeaderTimeout: time.Duration(cs.config.Server.ReadTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- cs.httpServer.ListenAndServe()
	}()

	localAddress := fmt.Sprintf("http://%s", cs.config.GetAddress())
	cs.logger.WithFields(logrus.Fields{
		"address":     localAddress,
		"output_mode": cs.config.Output.Mode,
		"auth":        cs.authService.IsEnabled(),
	}).Info("Turntable console server starting")

	if cs.tunnel != nil {
		if err := cs.tunnel.StartTunnel(ctx, localAddress); err != nil {
			cs.logger.WithError(err).Warn("Could not start ngrok tunnel")
		} else {
			defer cs.tunnel.Stop()
		}
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	cs.logger.Info("Shutting down console server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cs.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
