// Package watchdog keeps the capture pipeline alive: it rebuilds the pipeline
// when it crashes or stops producing frames, within a bounded restart budget.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/mecam/internal/battery"
	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// ErrRestartBudgetExhausted marks the terminal state.
var ErrRestartBudgetExhausted = errors.New("watchdog: restart budget exhausted")

// errPipelineStale is returned by a run that stopped producing frames.
var errPipelineStale = errors.New("pipeline stale")

// errPipelineWedged is reported while a cancelled run refuses to return.
var errPipelineWedged = errors.New("pipeline did not stop after cancel")

const teardownTimeout = 10 * time.Second

// Pipeline is one fully built instance of the capture chain.
type Pipeline interface {
	Run(ctx context.Context) error
	LastFrame() time.Time
}

// Factory builds a fresh pipeline. Every component is created anew on each
// call.
type Factory func(ctx context.Context) (Pipeline, error)

// PipelineStatus is what the status interface reports.
type PipelineStatus struct {
	Running      bool            `json:"running"`
	LastFrameTS  time.Time       `json:"last_frame_ts"`
	RestartCount int             `json:"restart_count"`
	LastError    string          `json:"last_error,omitempty"`
	Terminal     bool            `json:"terminal"`
	StartedAt    time.Time       `json:"started_at"`
	Battery      *battery.Status `json:"battery,omitempty"`
}

// StatusSink receives a snapshot on every status change.
type StatusSink interface {
	Publish(PipelineStatus)
}

// SinkFunc adapts a function to StatusSink.
type SinkFunc func(PipelineStatus)

func (f SinkFunc) Publish(s PipelineStatus) { f(s) }

type Loop struct {
	provider *config.Provider
	factory  Factory
	logger   recorderlog.Logger
	sinks    []StatusSink
	battery  *battery.Probe
	now      func() time.Time
	teardown time.Duration

	mu       sync.Mutex
	status   PipelineStatus
	restarts []time.Time
	backoff  *backoff.ExponentialBackOff
	resetCh  chan struct{}
}

type Option func(*Loop)

func WithStatusSink(s StatusSink) Option {
	return func(l *Loop) { l.sinks = append(l.sinks, s) }
}

func WithBattery(p *battery.Probe) Option {
	return func(l *Loop) { l.battery = p }
}

// WithTeardownTimeout sets how long a cancelled run may take before the
// loop reports it as wedged.
func WithTeardownTimeout(d time.Duration) Option {
	return func(l *Loop) { l.teardown = d }
}

func NewLoop(provider *config.Provider, factory Factory, logger recorderlog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = recorderlog.L()
	}
	l := &Loop{
		provider: provider,
		factory:  factory,
		logger:   logger.Named("watchdog"),
		now:      time.Now,
		teardown: teardownTimeout,
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run supervises the pipeline until ctx is cancelled. It returns nil on
// cancellation; the terminal state does not end Run, it waits for Reset.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.isTerminal() {
			l.logger.Error("Pipeline halted, waiting for operator reset")
			select {
			case <-ctx.Done():
				return nil
			case <-l.resetCh:
				continue
			}
		}

		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			l.update(func(s *PipelineStatus) { s.Running = false })
			return nil
		}
		if err == nil {
			err = errors.New("pipeline exited")
		}

		delay, ok := l.recordFailure(err)
		if !ok {
			continue
		}
		l.logger.Warn("Restarting pipeline",
			recorderlog.Error(err),
			recorderlog.Duration("delay", delay),
			recorderlog.Int("restart_count", l.Status().RestartCount))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.update(func(s *PipelineStatus) { s.Running = false })
			return nil
		case <-l.resetCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) error {
	cfg := l.provider.Current().Watchdog

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := l.factory(pctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	started := l.now()
	l.update(func(s *PipelineStatus) {
		s.Running = true
		s.StartedAt = started
	})
	l.logger.Info("Pipeline started")

	done := make(chan error, 1)
	go func() { done <- p.Run(pctx) }()

	ticker := time.NewTicker(cfg.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return l.stopRun(ctx, cancel, done)
		case <-ticker.C:
			last := p.LastFrame()
			stale := l.provider.Current().Watchdog.StaleAfter.Duration
			ref := last
			if ref.Before(started) {
				ref = started
			}
			l.update(func(s *PipelineStatus) {
				s.LastFrameTS = last
				if l.battery != nil {
					b := l.battery.Read()
					s.Battery = &b
				}
			})
			if idle := l.now().Sub(ref); idle > stale {
				l.logger.Warn("No frames, tearing pipeline down",
					recorderlog.Duration("idle", idle),
					recorderlog.Duration("stale_after", stale))
				if err := l.stopRun(ctx, cancel, done); errors.Is(err, errPipelineWedged) {
					return err
				}
				return fmt.Errorf("%w: no frame for %s", errPipelineStale, idle.Round(time.Millisecond))
			}
		}
	}
}

// stopRun cancels the run and waits for it to return. A replacement must
// never be built while the old run still holds the encoder, so after the
// timeout it keeps waiting and only gives up when ctx itself ends.
func (l *Loop) stopRun(ctx context.Context, cancel context.CancelFunc, done <-chan error) error {
	cancel()
	timer := time.NewTimer(l.teardown)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	l.logger.Error("Pipeline did not stop within teardown timeout, holding restart until it exits",
		recorderlog.Duration("timeout", l.teardown))
	l.update(func(s *PipelineStatus) {
		s.Running = false
		s.LastError = errPipelineWedged.Error()
	})
	select {
	case <-done:
		return errPipelineWedged
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordFailure charges one restart against the budget. It returns the delay
// before the next attempt, or false once the budget is spent.
func (l *Loop) recordFailure(cause error) (time.Duration, bool) {
	cfg := l.provider.Current().Watchdog
	now := l.now()

	l.mu.Lock()
	kept := l.restarts[:0]
	for _, t := range l.restarts {
		if now.Sub(t) < cfg.RestartWindow.Duration {
			kept = append(kept, t)
		}
	}
	l.restarts = kept

	s := &l.status
	s.Running = false
	s.LastError = cause.Error()

	if len(l.restarts) >= cfg.MaxRestarts {
		s.Terminal = true
		s.LastError = fmt.Sprintf("%v: %d restarts within %s, last error: %v",
			ErrRestartBudgetExhausted, len(l.restarts), cfg.RestartWindow.Duration, cause)
		snap := *s
		l.mu.Unlock()
		l.publish(snap)
		return 0, false
	}

	if len(l.restarts) == 0 || l.backoff == nil {
		l.backoff = newRestartBackoff(cfg)
	}
	delay := l.backoff.NextBackOff()
	l.restarts = append(l.restarts, now)
	s.RestartCount++
	snap := *s
	l.mu.Unlock()

	l.publish(snap)
	return delay, true
}

func newRestartBackoff(cfg config.WatchdogConfig) *backoff.ExponentialBackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.RestartBackoff.Duration
	if cfg.MaxBackoff.Duration > 0 {
		ebo.MaxInterval = cfg.MaxBackoff.Duration
	}
	ebo.RandomizationFactor = 0
	ebo.Multiplier = 2
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return ebo
}

// Reset clears the restart budget and, if the loop is halted, starts the
// pipeline again.
func (l *Loop) Reset() {
	l.mu.Lock()
	wasTerminal := l.status.Terminal
	l.restarts = nil
	l.backoff = nil
	l.status.Terminal = false
	l.status.RestartCount = 0
	l.status.LastError = ""
	snap := l.status
	l.mu.Unlock()

	l.logger.Info("Watchdog reset by operator")
	l.publish(snap)
	if !wasTerminal {
		return
	}
	select {
	case l.resetCh <- struct{}{}:
	default:
	}
}

// Status returns the current snapshot.
func (l *Loop) Status() PipelineStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) isTerminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.Terminal
}

func (l *Loop) update(fn func(*PipelineStatus)) {
	l.mu.Lock()
	fn(&l.status)
	snap := l.status
	l.mu.Unlock()
	l.publish(snap)
}

func (l *Loop) publish(s PipelineStatus) {
	for _, sink := range l.sinks {
		sink.Publish(s)
	}
}
