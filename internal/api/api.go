// Package api exposes the inspection surface over HTTP: list the captured
// session history, wipe it, and serve Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smtpsink/smtpsink/internal/history"
	"github.com/smtpsink/smtpsink/internal/mail"
	"github.com/smtpsink/smtpsink/internal/metrics"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 5 * time.Second

// ListResponse is the document returned for a list request: the number of
// captured connections and the full nested history as of the snapshot.
type ListResponse struct {
	Count       int               `json:"count"`
	Connections []mail.Connection `json:"connections"`
}

// Service serves the inspection operations backed by the history store.
type Service struct {
	store *history.Store
}

// New creates a Service over the given store.
func New(store *history.Store) *Service {
	return &Service{store: store}
}

// Handler returns the HTTP handler for the inspection surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleList)
	mux.HandleFunc("DELETE /{$}", s.handleClear)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve runs the inspection service on a pre-bound listener until the
// context is cancelled. Binding is the caller's job so that a port conflict
// is a fatal startup error.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down inspection service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("inspection service shutdown", "error", err)
		}
	}()

	slog.Info("inspection service listening", "addr", ln.Addr().String())

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleList returns the entire history as of the snapshot instant. The
// store lock is released before any serialization happens.
func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, ListResponse{
		Count:       len(snap),
		Connections: snap,
	})
}

// handleClear wipes the history and returns a fixed acknowledgement.
func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	metrics.ClearInc()
	slog.Info("session history wiped")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Wiped"))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
