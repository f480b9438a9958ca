package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/metrics"
	"github.com/whisper-darkly/tiktok-recorder/session"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a small local control surface over HTTP: session status,
// force-recheck, and Prometheus metrics.
type Server struct {
	log     *logger.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	trackers      map[string]*session.Tracker
	recheck       func(user string) bool
	sessionUpdate func(value string) error

	srv *http.Server
}

// NewServer returns a control server. Metrics may be nil to disable the
// /metrics endpoint.
func NewServer(log *logger.Logger, m *metrics.Metrics) *Server {
	return &Server{
		log:      log,
		metrics:  m,
		trackers: make(map[string]*session.Tracker),
	}
}

// Register makes a target's tracker visible under GET /status.
func (s *Server) Register(user string, t *session.Tracker) {
	s.mu.Lock()
	s.trackers[user] = t
	s.mu.Unlock()
}

// OnRecheck installs the callback invoked by POST /recheck. The callback
// returns false when the named target is unknown. An empty user means all
// targets.
func (s *Server) OnRecheck(fn func(user string) bool) {
	s.mu.Lock()
	s.recheck = fn
	s.mu.Unlock()
}

// OnSessionUpdate installs the callback invoked by POST /session to rotate
// the logged-in session cookie without a restart.
func (s *Server) OnSessionUpdate(fn func(value string) error) {
	s.mu.Lock()
	s.sessionUpdate = fn
	s.mu.Unlock()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Get("/status", s.handleStatus)
	r.Post("/recheck", s.handleRecheck)
	r.Post("/session", s.handleSession)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users := make([]string, 0, len(s.trackers))
	for user := range s.trackers {
		users = append(users, user)
	}
	sort.Strings(users)
	snaps := make([]session.Snapshot, 0, len(users))
	for _, user := range users {
		snaps = append(snaps, s.trackers[user].Snapshot())
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snaps); err != nil {
		s.log.Debug("status encode failed: %v", err)
	}
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")

	s.mu.Lock()
	fn := s.recheck
	s.mu.Unlock()

	if fn == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !fn(user) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.log.Event("FORCE RECHECK", logger.KV{Key: "source", Value: "http"}, logger.KV{Key: "user", Value: user})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")

	s.mu.Lock()
	fn := s.sessionUpdate
	s.mu.Unlock()

	if fn == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if value == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := fn(value); err != nil {
		s.log.Error("session update failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.log.Event("SESSION UPDATED", logger.KV{Key: "source", Value: "http"})
	w.WriteHeader(http.StatusNoContent)
}

// Serve listens on addr until ctx is cancelled, then drains connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("control server listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestLogger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrap, r)
			log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, wrap.status, time.Since(start).Round(time.Millisecond))
		})
	}
}
