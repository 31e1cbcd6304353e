package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/motion"
	"github.com/mikeyg42/mecam/internal/recorder"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/watchdog"
)

const (
	framePoll     = 5 * time.Millisecond
	frameWait     = 250 * time.Millisecond
	progressEvery = 5 * time.Second
)

// Pipeline is one build of the capture chain: a supervised encoder feeding
// the mailbox, and a single worker that runs every new frame through the
// motion gate and into the recorder, strictly in order.
type Pipeline struct {
	app        *App
	supervisor *capture.Supervisor
	gate       *motion.Gate
	recorder   *recorder.Recorder
	logger     recorderlog.Logger

	params    capture.Params
	startSeq  uint64
	lastFrame atomic.Int64
	processed atomic.Uint64
}

// Build starts a fresh encoder and wires new gate and recorder instances to
// it. It satisfies watchdog.Factory.
func (a *App) Build(ctx context.Context) (watchdog.Pipeline, error) {
	cfg := a.provider.Current()
	logger := a.logger.Named("pipeline")

	sup := capture.NewSupervisor(a.exec, a.mailbox, capture.SupervisorConfigFrom(cfg.Capture), a.logger.Named("capture"))
	params := capture.ParamsFromConfig(cfg.Capture)
	startSeq := a.mailbox.Published()
	if err := sup.Start(ctx, params); err != nil {
		return nil, err
	}

	filter := motion.NewConfirmationFilter(a.logger.Named("motion"), a.filterOpts...)
	recOpts := append([]recorder.Option{recorder.WithClosedHook(a.sessionClosed)}, a.recOpts...)

	return &Pipeline{
		app:        a,
		supervisor: sup,
		gate:       motion.NewGate(a.newScorer(), filter, a.logger.Named("motion")),
		recorder:   recorder.NewRecorder(a.provider, a.logger, recOpts...),
		logger:     logger,
		params:     params,
		startSeq:   startSeq,
	}, nil
}

// Run processes frames until ctx is cancelled or the encoder dies. The
// encoder is always stopped and any open recording closed on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutdown()

	p.logger.Info("Pipeline running")
	after := p.startSeq
	lastCheck := time.Now()
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.supervisor.Done():
			if err := p.supervisor.Status().LastError; err != nil {
				return err
			}
			return &capture.DeviceError{Op: "exit", Err: capture.ErrProducerClosed}
		default:
		}

		cfg := p.app.provider.Current()
		if time.Since(lastCheck) >= cfg.Watchdog.CheckInterval.Duration {
			lastCheck = time.Now()
			if err := p.applyCaptureSettings(ctx, capture.ParamsFromConfig(cfg.Capture)); err != nil {
				return err
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, frameWait)
		frame, err := p.app.mailbox.WaitNewer(waitCtx, after, framePoll)
		cancel()
		if err != nil {
			// timeout: loop back to check shutdown and the encoder
			continue
		}
		after = frame.Seq

		p.process(ctx, frame, cfg)

		if time.Since(lastLog) >= progressEvery {
			st := p.gate.Stats()
			p.logger.Debug("Pipeline progress",
				recorderlog.Uint64("frames", p.processed.Load()),
				recorderlog.Int64("motion_frames", st.MotionFrames),
				recorderlog.Int64("episodes", st.Episodes))
			lastLog = time.Now()
		}
	}
}

func (p *Pipeline) process(ctx context.Context, frame capture.Frame, cfg *config.Config) {
	p.lastFrame.Store(frame.CapturedAt.UnixNano())
	p.processed.Add(1)

	d := p.gate.Evaluate(ctx, frame.Data, cfg)
	if err := p.recorder.Handle(frame, d); err != nil {
		if d.Opened {
			// no session to hold the episode; let the next motion frame retry
			p.gate.Discard()
		}
		if !errors.Is(err, recorder.ErrInsufficientSpace) {
			p.logger.Error("Recorder rejected frame", recorderlog.Uint64("seq", frame.Seq), recorderlog.Error(err))
		}
	}
}

// applyCaptureSettings restarts the encoder when resolution, frame rate or
// source changed in the configuration.
func (p *Pipeline) applyCaptureSettings(ctx context.Context, next capture.Params) error {
	if next.Equal(p.params) {
		return nil
	}
	p.logger.Info("Capture settings changed, restarting encoder",
		recorderlog.Int("width", next.Width),
		recorderlog.Int("height", next.Height),
		recorderlog.Int("fps", next.FPS))

	// a recording can't change resolution mid-file
	p.recorder.Shutdown()
	p.gate.Reset()

	err := p.supervisor.Restart(ctx, next)
	switch {
	case errors.Is(err, capture.ErrRestartInProgress):
		return nil
	case err != nil:
		return err
	}
	p.params = next
	return nil
}

// LastFrame is the capture time of the newest frame this pipeline processed.
func (p *Pipeline) LastFrame() time.Time {
	ns := p.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Processed reports how many frames went through the worker.
func (p *Pipeline) Processed() uint64 { return p.processed.Load() }

func (p *Pipeline) shutdown() {
	p.recorder.Shutdown()
	if err := p.supervisor.Stop(); err != nil && !errors.Is(err, capture.ErrNotRunning) {
		p.logger.Warn("Encoder stop failed", recorderlog.Error(err))
	}
	if err := p.gate.Close(); err != nil {
		p.logger.Warn("Motion gate close failed", recorderlog.Error(err))
	}
	p.logger.Info("Pipeline stopped", recorderlog.Uint64("frames", p.processed.Load()))
}
