// Package ops exposes metrics, health and ledger progress over HTTP while a pass runs.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/ledger"
	"github.com/coderfong/moq-pools-ingest/internal/metrics"
)

// Progress is the read side of the ledger.
type Progress interface {
	Get(key string) (ledger.Entry, bool)
	Snapshot() map[string]ledger.Entry
}

// Server serves the ops router on one address.
type Server struct {
	router   chi.Router
	progress Progress
	logger   *zap.Logger
	srv      *http.Server
}

type progressRow struct {
	Key   string       `json:"key"`
	Entry ledger.Entry `json:"entry"`
}

// NewServer builds the router. progress may be nil, in which case /progress reports
// an empty ledger.
func NewServer(progress Progress, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{progress: progress, logger: logger.Named("ops")}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/progress", func(r chi.Router) {
		r.Get("/", s.listProgress)
		r.Get("/{key}", s.getProgress)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background. It returns once the listener
// is bound so callers see address errors synchronously.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listProgress returns ledger entries sorted by key, optionally narrowed by ?prefix=.
func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	rows := []progressRow{}
	if s.progress != nil {
		for key, entry := range s.progress.Snapshot() {
			if strings.HasPrefix(key, prefix) {
				rows = append(rows, progressRow{Key: key, Entry: entry})
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.progress == nil {
		writeError(w, http.StatusNotFound, "no ledger")
		return
	}
	entry, ok := s.progress.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	writeJSON(w, http.StatusOK, progressRow{Key: key, Entry: entry})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
