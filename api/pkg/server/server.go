// Package server is the HTTP surface of the hub: the /ws coordination
// endpoint, the live HLS file serving, and the small JSON status API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/raidlink/raidlink/api/pkg/config"
	"github.com/raidlink/raidlink/api/pkg/hub"
	"github.com/raidlink/raidlink/api/pkg/stream"
)

type RaidlinkAPIServer struct {
	cfg     *config.ServerConfig
	hub     *hub.Hub
	streams *stream.Manager
	router  *mux.Router
	metrics *Metrics
}

func NewServer(cfg *config.ServerConfig, h *hub.Hub, streams *stream.Manager) *RaidlinkAPIServer {
	s := &RaidlinkAPIServer{
		cfg:     cfg,
		hub:     h,
		streams: streams,
	}
	s.metrics = NewMetrics(s)
	s.router = s.registerRoutes()
	return s
}

func (s *RaidlinkAPIServer) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/live/{agentID:[0-9]+}/{file}", s.handleLiveFile).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket)

	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// Router exposes the handler for tests.
func (s *RaidlinkAPIServer) Router() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled, then performs
// the graceful shutdown sequence: stop accepting, close all peers, stop
// every active pipeline.
func (s *RaidlinkAPIServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", srv.Addr).Msg("raidlink hub listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	s.hub.CloseAll()
	// Per-pipeline stop is bounded by the 10s kill timeout, so this
	// returns in bounded time.
	s.streams.StopAll()

	log.Info().Msg("shutdown complete")
	return nil
}
