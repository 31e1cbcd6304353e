package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Event is a completed recording ready to be announced.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Encrypted bool      `json:"encrypted"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Frames    int       `json:"frames"`
}

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// ChannelSet builds the enabled channels for a config snapshot.
type ChannelSet func(cfg *config.Config, logger recorderlog.Logger) []Channel

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Job is one (event, channel) delivery.
type Job struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Channel   string    `json:"channel"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelError is the final failure of one channel after its retries.
type ChannelError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func IsChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

const recentJobs = 50

// Dispatcher fans events out to every enabled channel. Channels are built
// from the provider on each Dispatch, so credential and enable edits apply to
// the next event.
type Dispatcher struct {
	provider *config.Provider
	channels ChannelSet
	logger   recorderlog.Logger

	mu     sync.Mutex
	recent []Job
}

type DispatcherOption func(*Dispatcher)

// WithChannelSet replaces the config-driven channel builder.
func WithChannelSet(set ChannelSet) DispatcherOption {
	return func(d *Dispatcher) { d.channels = set }
}

func NewDispatcher(provider *config.Provider, logger recorderlog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = recorderlog.L()
	}
	d := &Dispatcher{
		provider: provider,
		channels: ConfiguredChannels,
		logger:   logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends ev to every enabled channel concurrently and waits for all
// of them. The returned jobs are final; a failed job never affects another.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []Job {
	cfg := d.provider.Current()
	channels := d.channels(cfg, d.logger)
	if len(channels) == 0 {
		d.logger.Debug("No notification channels enabled", recorderlog.String("event", ev.ID))
		return nil
	}

	jobs := make([]Job, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		jobs[i] = Job{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			Channel:   ch.Name(),
			Status:    StatusPending,
			UpdatedAt: time.Now(),
		}
		wg.Add(1)
		go func(job *Job, ch Channel) {
			defer wg.Done()
			d.run(ctx, cfg.Notifications, job, ch, ev)
		}(&jobs[i], ch)
	}
	wg.Wait()

	d.remember(jobs)
	return jobs
}

func (d *Dispatcher) run(ctx context.Context, cfg config.NotificationsConfig, job *Job, ch Channel, ev Event) {
	log := d.logger.With(recorderlog.String("channel", job.Channel), recorderlog.String("event", ev.ID))

	op := func() error {
		job.Attempts++
		attemptCtx := ctx
		if cfg.SendTimeout.Duration > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.SendTimeout.Duration)
			defer cancel()
		}
		return ch.Send(attemptCtx, ev)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("Notification attempt failed, retrying",
			recorderlog.Int("attempt", job.Attempts),
			recorderlog.Duration("next", next),
			recorderlog.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newRetryBackoff(cfg), ctx), notify)
	job.UpdatedAt = time.Now()
	if err != nil {
		cerr := &ChannelError{Channel: job.Channel, Attempts: job.Attempts, Err: err}
		job.Status = StatusFailed
		job.LastError = cerr.Error()
		log.Error("Notification failed", recorderlog.Error(cerr))
		return
	}
	job.Status = StatusSent
	log.Info("Notification sent", recorderlog.Int("attempts", job.Attempts))
}

func newRetryBackoff(cfg config.NotificationsConfig) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if cfg.RetryDelay.Duration > 0 {
		ebo.InitialInterval = cfg.RetryDelay.Duration
	}
	if cfg.MaxDelay.Duration > 0 {
		ebo.MaxInterval = cfg.MaxDelay.Duration
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(ebo, uint64(attempts-1))
}

func (d *Dispatcher) remember(jobs []Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, jobs...)
	if over := len(d.recent) - recentJobs; over > 0 {
		d.recent = append([]Job(nil), d.recent[over:]...)
	}
}

// Recent returns the most recent finished jobs, oldest first.
func (d *Dispatcher) Recent() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.recent...)
}

// ConfiguredChannels returns a channel for each enabled notification target.
func ConfiguredChannels(cfg *config.Config, logger recorderlog.Logger) []Channel {
	n := cfg.Notifications
	var out []Channel
	if n.Email.Enabled {
		out = append(out, NewEmailChannel(n.Email, cfg.SystemName))
	}
	if n.Ntfy.Enabled {
		out = append(out, NewNtfyChannel(n.Ntfy, cfg.SystemName))
	}
	if n.MQTT.Enabled {
		out = append(out, NewMQTTChannel(n.MQTT, logger))
	}
	if n.MinIO.Enabled {
		out = append(out, NewUploadChannel(n.MinIO, logger))
	}
	if n.GDrive.Enabled {
		out = append(out, NewDriveChannel(n.GDrive, logger))
	}
	return out
}
