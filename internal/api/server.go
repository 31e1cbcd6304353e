// Package api exposes pipeline status, the artifact list, the emergency hook
// and a live MJPEG view over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hybridgroup/mjpeg"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/notification"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/recorder/storage"
	"github.com/mikeyg42/mecam/internal/watchdog"
)

const (
	defaultArtifactLimit = 50
	maxArtifactLimit     = 1000
	queryTimeout         = 5 * time.Second
	framePoll            = 10 * time.Millisecond
	wsWriteWait          = 5 * time.Second
)

// Watchdog is the pipeline supervisor as seen by the status endpoints.
type Watchdog interface {
	Status() watchdog.PipelineStatus
	Reset()
}

// Artifacts is the read side of the artifact index.
type Artifacts interface {
	List(ctx context.Context, q storage.ArtifactQuery) ([]storage.Artifact, error)
	Latest(ctx context.Context) (storage.Artifact, error)
	CountSince(ctx context.Context, t time.Time) (int, error)
	Stats(ctx context.Context) (storage.StorageStats, error)
}

// Frames is the live frame feed.
type Frames interface {
	WaitNewer(ctx context.Context, after uint64, poll time.Duration) (capture.Frame, error)
}

// Deps are the collaborators behind the endpoints. Encryption and
// Notifications are optional.
type Deps struct {
	Watchdog      Watchdog
	Artifacts     Artifacts
	Frames        Frames
	Encryption    interface{ LastError() error }
	Notifications interface{ Recent() []notification.Job }
}

// StatusResponse is the body of /api/status and each /ws/status message.
type StatusResponse struct {
	watchdog.PipelineStatus
	StorageUsedGB   float64            `json:"storage_used_gb"`
	EventsLast24h   int                `json:"events_24h"`
	EncryptionError string             `json:"encryption_error,omitempty"`
	Notifications   []notification.Job `json:"notifications,omitempty"`
}

// ArtifactRef is the listing entry for one recording.
type ArtifactRef struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted"`
}

type EmergencyResponse struct {
	OK   bool        `json:"ok"`
	Clip ArtifactRef `json:"clip"`
}

// Server is an HTTP API server.
type Server struct {
	httpServer     *http.Server
	mux            *http.ServeMux
	deps           Deps
	logger         recorderlog.Logger
	stream         *mjpeg.Stream
	limiter        *RateLimiter
	upgrader       websocket.Upgrader
	statusInterval time.Duration
	now            func() time.Time
}

type Option func(*Server)

// WithStatusInterval sets how often /ws/status pushes a snapshot.
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) { s.statusInterval = d }
}

// WithRateLimiter replaces the limiter on the POST endpoints.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer wires the routes. Nothing listens until Run.
func NewServer(addr string, deps Deps, logger recorderlog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = recorderlog.L()
	}
	s := &Server{
		mux:            http.NewServeMux(),
		deps:           deps,
		logger:         logger.Named("api"),
		stream:         mjpeg.NewStream(),
		limiter:        NewRateLimiter(10, time.Minute),
		statusInterval: time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/artifacts", s.handleArtifacts)
	s.mux.HandleFunc("POST /api/emergency", s.limiter.Middleware(s.handleEmergency))
	s.mux.HandleFunc("POST /api/watchdog/reset", s.limiter.Middleware(s.handleReset))
	s.mux.HandleFunc("GET /ws/status", s.handleStatusSocket)
	s.mux.Handle("GET /stream.mjpg", flushing(s.stream))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.FeedStream(ctx)
	go s.limiter.janitor(ctx, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", recorderlog.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.logger.Info("Shutting down API server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		// live-view clients hold their connection open
		return s.httpServer.Close()
	}
	return nil
}

// FeedStream copies every new mailbox frame into the MJPEG stream until ctx
// ends.
func (s *Server) FeedStream(ctx context.Context) {
	if s.deps.Frames == nil {
		return
	}
	var after uint64
	for {
		frame, err := s.deps.Frames.WaitNewer(ctx, after, framePoll)
		if err != nil {
			return
		}
		after = frame.Seq
		s.stream.UpdateJPEG(frame.Data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
}

// snapshot never fails: index errors are logged and leave the storage
// fields zero.
func (s *Server) snapshot(ctx context.Context) StatusResponse {
	var resp StatusResponse
	if s.deps.Watchdog != nil {
		resp.PipelineStatus = s.deps.Watchdog.Status()
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if s.deps.Artifacts != nil {
		if st, err := s.deps.Artifacts.Stats(ctx); err != nil {
			s.logger.Warn("Storage stats unavailable", recorderlog.Error(err))
		} else {
			resp.StorageUsedGB = st.GB()
		}
		if n, err := s.deps.Artifacts.CountSince(ctx, s.now().Add(-24*time.Hour)); err != nil {
			s.logger.Warn("Event count unavailable", recorderlog.Error(err))
		} else {
			resp.EventsLast24h = n
		}
	}
	if s.deps.Encryption != nil {
		if err := s.deps.Encryption.LastError(); err != nil {
			resp.EncryptionError = err.Error()
		}
	}
	if s.deps.Notifications != nil {
		resp.Notifications = s.deps.Notifications.Recent()
	}
	return resp
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := defaultArtifactLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxArtifactLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	list, err := s.deps.Artifacts.List(ctx, storage.ArtifactQuery{Limit: limit})
	if err != nil {
		s.logger.Error("Failed to list artifacts", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}

	refs := make([]ArtifactRef, 0, len(list))
	for _, a := range list {
		refs = append(refs, refOf(a))
	}
	writeJSON(w, http.StatusOK, refs)
}

// handleEmergency returns the newest clip so an operator can forward it.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	latest, err := s.deps.Artifacts.Latest(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no recordings available")
		return
	case err != nil:
		s.logger.Error("Emergency lookup failed", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to find latest recording")
		return
	}

	s.logger.Warn("Emergency triggered", recorderlog.String("clip", latest.Path), recorderlog.String("remote", clientIP(r)))
	writeJSON(w, http.StatusOK, EmergencyResponse{OK: true, Clip: refOf(latest)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog not running")
		return
	}
	s.deps.Watchdog.Reset()
	s.logger.Info("Watchdog reset requested", recorderlog.String("remote", clientIP(r)))
	writeJSON(w, http.StatusOK, s.deps.Watchdog.Status())
}

func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", recorderlog.Error(err))
		return
	}
	defer conn.Close()

	// drain control frames; a read error means the client went away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(s.snapshot(r.Context())); err != nil {
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func refOf(a storage.Artifact) ArtifactRef {
	return ArtifactRef{Path: a.Path, Timestamp: a.EndedAt, Encrypted: a.Encrypted}
}

// flushing pushes every write to the client so each MJPEG part goes out
// as soon as the stream hands it over.
func flushing(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			w = flushWriter{ResponseWriter: w, f: f}
		}
		h.ServeHTTP(w, r)
	})
}

type flushWriter struct {
	http.ResponseWriter
	f http.Flusher
}

func (w flushWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	if err == nil {
		w.f.Flush()
	}
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
