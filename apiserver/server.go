// Package apiserver is the daemon's control/status HTTP surface
// (spec.md §1's "external collaborator"): a chi router exposing the
// torrent list, per-torrent status, a stop action, and a websocket
// piece-progress stream. It never reaches into piecemgr directly; every
// handler reads the snapshots Torrent.Status and the broadcaster
// already publish.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Server is the HTTP handler factory for the control API.
type Server struct {
	registry *Registry
	stats    tally.Scope
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server over registry. stats and logger may be
// nil, in which case a no-op scope/logger is used.
func NewServer(registry *Registry, stats tally.Scope, logger *zap.Logger) *Server {
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		registry: registry,
		stats:    stats.Tagged(map[string]string{"module": "apiserver"}),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The progress stream is consumed by same-origin tooling
			// (the gorent CLI and local dashboards), not arbitrary
			// browser pages, so the origin check is relaxed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the root HTTP handler for the control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.latencyMiddleware)

	r.Get("/torrents", s.wrap(s.listTorrents))
	r.Get("/torrents/{hash}", s.wrap(s.getTorrent))
	r.Post("/torrents/{hash}/stop", s.wrap(s.stopTorrent))
	r.Delete("/torrents/{hash}", s.wrap(s.deleteTorrent))
	r.Get("/torrents/{hash}/progress", s.wrap(s.progressStream))

	return r
}

type requestIDKey struct{}

// requestIDMiddleware tags every request with a correlation id so log
// lines for a single request can be grepped back together across the
// handler and any goroutines it spawns (the websocket stream's
// lifetime, in particular, outlives the handler call that started it).
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) latencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.stats.Tagged(map[string]string{
			"endpoint": r.URL.Path,
			"method":   r.Method,
		}).Timer("latency").Record(time.Since(start))
	})
}

// handlerFunc is an HTTP handler that reports its own errors, letting
// wrap translate them into a status code and JSON body in one place
// instead of every handler repeating that boilerplate.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// statusError is a handlerFunc error carrying the HTTP status it should
// be reported as; a plain error not satisfying this is reported 500.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }

func errStatus(status int, err error) error { return &statusError{status: status, err: err} }

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			status := http.StatusInternalServerError
			if se, ok := err.(*statusError); ok {
				status = se.status
			}
			s.logger.Debug("request failed",
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestIDFromContext(r.Context())),
				zap.Int("status", status),
				zap.Error(err))
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	}
}

func (s *Server) listTorrents(w http.ResponseWriter, r *http.Request) error {
	torrents := s.registry.List()
	out := make([]TorrentStatus, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, t.Status())
	}
	return writeJSON(w, out)
}

func (s *Server) getTorrent(w http.ResponseWriter, r *http.Request) error {
	t, err := s.lookup(r)
	if err != nil {
		return err
	}
	return writeJSON(w, t.Status())
}

func (s *Server) stopTorrent(w http.ResponseWriter, r *http.Request) error {
	t, err := s.lookup(r)
	if err != nil {
		return err
	}
	if err := t.Stop(); err != nil {
		return errStatus(http.StatusInternalServerError, err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteTorrent closes a torrent's active peer connections (Torrent.Stop)
// and drops it from the registry so it no longer appears in listings or
// status lookups.
func (s *Server) deleteTorrent(w http.ResponseWriter, r *http.Request) error {
	t, err := s.lookup(r)
	if err != nil {
		return err
	}
	if err := t.Stop(); err != nil {
		s.logger.Debug("stopping torrent before delete", zap.Error(err))
	}
	s.registry.Unregister(t.InfoHashHex())
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// progressStream upgrades to a websocket connection and relays every
// piece-completion event for this torrent until the client disconnects
// or the torrent finishes.
func (s *Server) progressStream(w http.ResponseWriter, r *http.Request) error {
	t, err := s.lookup(r)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response to w on failure; wrap
		// must not write a second one.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	events, unsubscribe := t.broadcast.subscribe()
	defer unsubscribe()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("progress stream write failed",
				zap.String("info_hash", t.InfoHashHex()), zap.Error(err))
			return nil
		}
		if t.Status().Complete {
			return nil
		}
	}
	return nil
}

func (s *Server) lookup(r *http.Request) (*Torrent, error) {
	hash := chi.URLParam(r, "hash")
	t, ok := s.registry.Get(hash)
	if !ok {
		return nil, errStatus(http.StatusNotFound, errNotFound)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
