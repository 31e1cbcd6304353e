// internal/recorder/recorder.go
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/motion"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// ErrInsufficientSpace is returned when the recordings volume is below the
// configured free-space floor.
var ErrInsufficientSpace = errors.New("recorder: insufficient disk space")

// ClosedHook receives each session exactly once, after its file is flushed
// and released.
type ClosedHook func(Session)

// Metrics tracks recorder activity.
type Metrics struct {
	SessionsOpened atomic.Uint64
	SessionsClosed atomic.Uint64
	FramesWritten  atomic.Uint64
	BytesWritten   atomic.Uint64
	Refused        atomic.Uint64
	Errors         atomic.Uint64
}

type active struct {
	session Session
	writer  FrameWriter
	closed  bool
}

// Recorder turns gate decisions into recording sessions. Handle and
// Shutdown must be called from the single pipeline worker; Current and
// Metrics may be called from anywhere.
type Recorder struct {
	provider *config.Provider
	logger   recorderlog.Logger
	onClosed ClosedHook
	metrics  *Metrics

	// freeMB reports available space on the volume holding dir
	freeMB func(dir string) (uint64, error)
	now    func() time.Time

	cur *active

	mu       sync.RWMutex
	snapshot *Session
	handles  atomic.Int32
}

type Option func(*Recorder)

// WithClosedHook sets the hook run for every closed session.
func WithClosedHook(h ClosedHook) Option {
	return func(r *Recorder) { r.onClosed = h }
}

// WithFreeSpace overrides the disk-space probe.
func WithFreeSpace(fn func(dir string) (uint64, error)) Option {
	return func(r *Recorder) { r.freeMB = fn }
}

func NewRecorder(provider *config.Provider, logger recorderlog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = recorderlog.L()
	}
	r := &Recorder{
		provider: provider,
		logger:   logger.Named("recorder"),
		metrics:  &Metrics{},
		freeMB:   availableMB,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies one frame and its gate decision.
//
//	Idle      -> Recording  on an opening (confirmed) frame
//	Recording -> Closing    on the frame where the cooldown elapsed
//	Closing   -> Closed     after the writer is flushed
//
// Frames inside an open episode are appended whether or not they carried
// motion.
func (r *Recorder) Handle(frame capture.Frame, d motion.Decision) error {
	if r.cur != nil && (d.Opened || !d.EpisodeOpen) {
		// the gate moved on without closing through us
		r.closeSession("episode ended")
	}

	if r.cur == nil {
		if !d.Opened {
			return nil
		}
		if err := r.openSession(frame, d.Episode); err != nil {
			return err
		}
	}

	if err := r.write(frame); err != nil {
		r.metrics.Errors.Add(1)
		r.cur.session.Err = err
		r.logger.Error("Failed to write frame, closing session",
			recorderlog.String("session_id", r.cur.session.ID),
			recorderlog.Error(err))
		r.closeSession("error")
		return err
	}

	if d.Closed {
		r.closeSession("cooldown")
	}
	return nil
}

// Shutdown closes any open session.
func (r *Recorder) Shutdown() {
	if r.cur != nil {
		r.closeSession("shutdown")
	}
}

// Current returns the open session, if any.
func (r *Recorder) Current() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return Session{}, false
	}
	return *r.snapshot, true
}

// OpenHandles reports how many recording files are open.
func (r *Recorder) OpenHandles() int {
	return int(r.handles.Load())
}

func (r *Recorder) Metrics() *Metrics { return r.metrics }

func (r *Recorder) openSession(frame capture.Frame, ep motion.Episode) error {
	cfg := r.provider.Current()
	dir := cfg.Storage.RecordingsDir

	if err := os.MkdirAll(dir, 0o750); err != nil {
		r.metrics.Errors.Add(1)
		return fmt.Errorf("create recordings dir: %w", err)
	}
	if err := r.checkDiskSpace(dir, cfg.Storage.MinFreeMB); err != nil {
		r.metrics.Refused.Add(1)
		r.logger.Warn("Not starting recording", recorderlog.Error(err))
		return err
	}

	started := frame.CapturedAt
	if started.IsZero() {
		started = r.now()
	}
	s := Session{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		Format:    cfg.Recording.Format,
		State:     StateIdle,
		StartedAt: started,
	}
	if s.Format == "" {
		s.Format = FormatMKV
	}
	s.Path = filepath.Join(dir, fileName(started, s.ID, Extension(s.Format)))

	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		r.metrics.Errors.Add(1)
		return fmt.Errorf("create recording: %w", err)
	}
	w, err := newFrameWriter(s.Format, f, writerParams{
		Width:  cfg.Capture.Width,
		Height: cfg.Capture.Height,
		FPS:    cfg.Capture.FPS,
	})
	if err != nil {
		f.Close()
		os.Remove(s.Path)
		r.metrics.Errors.Add(1)
		return err
	}
	r.handles.Add(1)

	r.transition(&s, StateRecording)
	r.cur = &active{session: s, writer: w}
	r.publish()
	r.metrics.SessionsOpened.Add(1)

	r.logger.Info("Recording started",
		recorderlog.String("session_id", s.ID),
		recorderlog.String("episode_id", s.EpisodeID),
		recorderlog.String("path", s.Path))
	return nil
}

func (r *Recorder) write(frame capture.Frame) error {
	at := frame.CapturedAt
	if at.IsZero() {
		at = r.now()
	}
	if err := r.cur.writer.WriteFrame(frame.Data, at); err != nil {
		return err
	}
	r.cur.session.Frames++
	r.cur.session.Bytes += int64(len(frame.Data))
	r.metrics.FramesWritten.Add(1)
	r.metrics.BytesWritten.Add(uint64(len(frame.Data)))
	r.publish()
	return nil
}

// closeSession runs Recording -> Closing -> Closed and fires the hook.
func (r *Recorder) closeSession(reason string) {
	a := r.cur
	if a == nil || a.closed {
		return
	}
	a.closed = true
	r.cur = nil

	s := &a.session
	s.Reason = reason
	r.transition(s, StateClosing)
	if err := a.writer.Close(); err != nil {
		r.metrics.Errors.Add(1)
		if s.Err == nil {
			s.Err = err
		}
		r.logger.Error("Failed to finalize recording",
			recorderlog.String("path", s.Path),
			recorderlog.Error(err))
	}
	r.handles.Add(-1)
	s.ClosedAt = r.now()
	r.transition(s, StateClosed)

	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
	r.metrics.SessionsClosed.Add(1)

	r.logger.Info("Recording closed",
		recorderlog.String("session_id", s.ID),
		recorderlog.String("reason", reason),
		recorderlog.Int("frames", s.Frames),
		recorderlog.Int64("bytes", s.Bytes),
		recorderlog.Duration("duration", s.Duration()))

	if r.onClosed != nil {
		r.onClosed(*s)
	}
}

func (r *Recorder) transition(s *Session, to State) {
	if !canTransition(s.State, to) {
		// programming error; keep going rather than wedge the pipeline
		r.logger.Error("Illegal session transition",
			recorderlog.String("from", s.State.String()),
			recorderlog.String("to", to.String()))
	}
	s.State = to
}

func (r *Recorder) publish() {
	snap := r.cur.session
	r.mu.Lock()
	r.snapshot = &snap
	r.mu.Unlock()
}

// checkDiskSpace verifies the recordings volume has at least minMB free.
func (r *Recorder) checkDiskSpace(dir string, minMB int) error {
	if minMB <= 0 {
		return nil
	}
	avail, err := r.freeMB(dir)
	if err != nil {
		// an unreadable volume will fail on create anyway
		r.logger.Debug("Disk space probe failed", recorderlog.Error(err))
		return nil
	}
	if avail < uint64(minMB) {
		return fmt.Errorf("%w: %d MB available, %d MB required", ErrInsufficientSpace, avail, minMB)
	}
	return nil
}

func availableMB(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	return (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024), nil
}
