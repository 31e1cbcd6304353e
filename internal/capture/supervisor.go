package capture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Params selects the encoder program and its capture settings.
type Params struct {
	Source    string
	Device    string
	Command   []string
	ExtraArgs []string
	Width     int
	Height    int
	FPS       int
}

// ParamsFromConfig extracts the capture parameters from cfg.
func ParamsFromConfig(cfg config.CaptureConfig) Params {
	return Params{
		Source:    cfg.Source,
		Device:    cfg.Device,
		Command:   append([]string(nil), cfg.Command...),
		ExtraArgs: append([]string(nil), cfg.ExtraArgs...),
		Width:     cfg.Width,
		Height:    cfg.Height,
		FPS:       cfg.FPS,
	}
}

// Equal reports whether two parameter sets would launch the same process.
func (p Params) Equal(o Params) bool {
	if p.Source != o.Source || p.Device != o.Device || p.Width != o.Width || p.Height != o.Height || p.FPS != o.FPS {
		return false
	}
	return slices.Equal(p.Command, o.Command) && slices.Equal(p.ExtraArgs, o.ExtraArgs)
}

// Argv builds the program name and arguments for p. Every source writes a
// raw MJPEG stream to stdout.
func (p Params) Argv() (string, []string, error) {
	w, h, fps := strconv.Itoa(p.Width), strconv.Itoa(p.Height), strconv.Itoa(p.FPS)
	switch p.Source {
	case "libcamera":
		args := []string{"-t", "0", "--inline", "--codec", "mjpeg",
			"--width", w, "--height", h, "--framerate", fps}
		args = append(args, p.ExtraArgs...)
		return "libcamera-vid", append(args, "-o", "-"), nil
	case "ffmpeg":
		args := []string{"-hide_banner", "-loglevel", "error",
			"-f", "v4l2", "-framerate", fps, "-video_size", w + "x" + h, "-i", p.Device,
			"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5"}
		args = append(args, p.ExtraArgs...)
		return "ffmpeg", append(args, "-"), nil
	case "command":
		if len(p.Command) == 0 {
			return "", nil, errors.New("capture: empty command")
		}
		args := append([]string(nil), p.Command[1:]...)
		return p.Command[0], append(args, p.ExtraArgs...), nil
	default:
		return "", nil, fmt.Errorf("capture: unknown source %q", p.Source)
	}
}

// SupervisorStatus is a point-in-time view of the supervised process.
type SupervisorStatus struct {
	Up        bool
	PID       int
	StartedAt time.Time
	Params    Params
	Restarts  uint64
	LastError error
}

// SupervisorConfig holds the timing and buffering knobs.
type SupervisorConfig struct {
	StopGrace      time.Duration
	RestartSettle  time.Duration
	ReadChunkBytes int
	MaxBufferBytes int
}

// SupervisorConfigFrom maps the capture section of the configuration.
func SupervisorConfigFrom(cfg config.CaptureConfig) SupervisorConfig {
	return SupervisorConfig{
		StopGrace:      cfg.StopGrace.Duration,
		RestartSettle:  cfg.RestartSettle.Duration,
		ReadChunkBytes: cfg.ReadChunkBytes,
		MaxBufferBytes: cfg.MaxBufferBytes,
	}
}

// Supervisor owns the lifecycle of one encoder process and the reader task
// that feeds its output into the frame mailbox. It never restarts a process
// on its own; an unexpected exit marks the stream down and closes Done.
type Supervisor struct {
	exec    Executor
	mailbox *Mailbox
	cfg     SupervisorConfig
	logger  recorderlog.Logger

	// lifecycle serialises Start/Stop so two processes never overlap
	lifecycle sync.Mutex
	proc      Process
	cancel    context.CancelFunc
	stopping  atomic.Bool

	restarting atomic.Bool

	statusMu  sync.RWMutex
	extractor *Extractor
	exited    chan struct{}
	up        bool
	pid       int
	startedAt time.Time
	params    Params
	restarts  uint64
	lastErr   error
}

func NewSupervisor(exec Executor, mailbox *Mailbox, cfg SupervisorConfig, logger recorderlog.Logger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.ReadChunkBytes <= 0 {
		cfg.ReadChunkBytes = 4096
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	if exec == nil {
		exec = ExecExecutor{Logger: logger}
	}
	s := &Supervisor{
		exec:    exec,
		mailbox: mailbox,
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
	}
	closed := make(chan struct{})
	close(closed)
	s.exited = closed
	return s
}

// Start launches the encoder. It fails with ErrAlreadyRunning if a process
// is live.
func (s *Supervisor) Start(ctx context.Context, params Params) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx, params)
}

func (s *Supervisor) startLocked(ctx context.Context, params Params) error {
	if s.proc != nil {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name, args, err := params.Argv()
	if err != nil {
		return err
	}

	proc, err := s.exec.Start(name, args)
	if err != nil {
		derr := &DeviceError{Op: "start " + name, Err: err}
		s.setDown(derr)
		return derr
	}

	// the reader outlives ctx; only Stop ends it
	readCtx, cancel := context.WithCancel(context.Background())
	extractor := NewExtractor(s.cfg.MaxBufferBytes, func(frame []byte) {
		s.mailbox.Publish(frame)
	}, s.logger)
	exited := make(chan struct{})

	s.proc = proc
	s.cancel = cancel
	s.stopping.Store(false)

	s.statusMu.Lock()
	s.extractor = extractor
	s.exited = exited
	s.up = true
	s.pid = proc.Pid()
	s.startedAt = time.Now()
	s.params = params
	s.lastErr = nil
	s.statusMu.Unlock()

	s.logger.Info("Encoder started",
		recorderlog.String("program", name),
		recorderlog.Int("pid", proc.Pid()),
		recorderlog.String("resolution", fmt.Sprintf("%dx%d", params.Width, params.Height)),
		recorderlog.Int("fps", params.FPS))

	go s.readLoop(readCtx, proc, extractor, exited)
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context, proc Process, x *Extractor, exited chan struct{}) {
	defer close(exited)

	readErr := x.Run(ctx, proc.Stdout(), s.cfg.ReadChunkBytes)
	waitErr := proc.Wait()

	if s.stopping.Load() {
		return
	}

	// unexpected exit: record it and leave recovery to the watchdog
	cause := readErr
	if waitErr != nil {
		cause = waitErr
	}
	derr := &DeviceError{Op: "exit", Err: cause}
	s.setDown(derr)
	s.logger.Error("Encoder exited unexpectedly",
		recorderlog.Int("pid", proc.Pid()),
		recorderlog.Uint64("frames", x.Stats().Frames),
		recorderlog.Error(derr))
}

// Stop terminates the encoder: SIGTERM to its process group, then SIGKILL if
// it has not exited within the grace period.
func (s *Supervisor) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.proc == nil {
		return ErrNotRunning
	}
	proc, cancel := s.proc, s.cancel
	s.statusMu.RLock()
	exited := s.exited
	s.statusMu.RUnlock()
	s.stopping.Store(true)

	var stopErr error
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("Terminate failed", recorderlog.Int("pid", proc.Pid()), recorderlog.Error(err))
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("Encoder ignored SIGTERM, killing",
			recorderlog.Int("pid", proc.Pid()),
			recorderlog.Duration("grace", s.cfg.StopGrace))
		if err := proc.Kill(); err != nil {
			stopErr = &DeviceError{Op: "kill", Err: err}
		}
		select {
		case <-exited:
		case <-time.After(s.cfg.StopGrace):
			stopErr = &DeviceError{Op: "stop", Err: errors.New("process did not exit after SIGKILL")}
		}
	}
	cancel()

	s.proc = nil
	s.cancel = nil

	s.statusMu.Lock()
	s.extractor = nil
	s.up = false
	s.pid = 0
	if stopErr != nil {
		s.lastErr = stopErr
	}
	s.statusMu.Unlock()

	s.logger.Info("Encoder stopped", recorderlog.Int("pid", proc.Pid()))
	return stopErr
}

// Restart stops the running encoder (if any), waits for the device to settle,
// and starts a new one with params. It is single-flight: a call made while
// another restart is in progress returns ErrRestartInProgress.
func (s *Supervisor) Restart(ctx context.Context, params Params) error {
	if !s.restarting.CompareAndSwap(false, true) {
		return ErrRestartInProgress
	}
	defer s.restarting.Store(false)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.proc != nil {
		if err := s.stopLocked(); err != nil {
			return err
		}
	}

	if s.cfg.RestartSettle > 0 {
		select {
		case <-time.After(s.cfg.RestartSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.startLocked(ctx, params); err != nil {
		return err
	}
	s.statusMu.Lock()
	s.restarts++
	s.statusMu.Unlock()
	return nil
}

// Done is closed when the current process has exited, for any reason.
func (s *Supervisor) Done() <-chan struct{} {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.exited
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status() SupervisorStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return SupervisorStatus{
		Up:        s.up,
		PID:       s.pid,
		StartedAt: s.startedAt,
		Params:    s.params,
		Restarts:  s.restarts,
		LastError: s.lastErr,
	}
}

// ExtractorStats reports the counters of the current reader, if any.
func (s *Supervisor) ExtractorStats() ExtractorStats {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	if s.extractor == nil {
		return ExtractorStats{}
	}
	return s.extractor.Stats()
}

func (s *Supervisor) setDown(err error) {
	s.statusMu.Lock()
	s.up = false
	s.lastErr = err
	s.statusMu.Unlock()
}
