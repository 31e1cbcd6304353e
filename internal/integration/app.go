package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/crypto"
	"github.com/mikeyg42/mecam/internal/motion"
	"github.com/mikeyg42/mecam/internal/notification"
	"github.com/mikeyg42/mecam/internal/recorder"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/recorder/storage"
)

const dispatchTimeout = 5 * time.Minute

// App owns the services that outlive a single pipeline build: the frame
// mailbox, the artifact index, encryption and notification. The watchdog
// rebuilds pipelines through Build; everything here stays put.
type App struct {
	provider   *config.Provider
	logger     recorderlog.Logger
	mailbox    *capture.Mailbox
	index      *storage.Index
	stage      *crypto.Stage
	dispatcher *notification.Dispatcher

	exec         capture.Executor
	newScorer    func() motion.Scorer
	filterOpts   []motion.FilterOption
	recOpts      []recorder.Option
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc

	// closed sessions awaiting the finisher; unbounded, the worker never waits
	pendingMu sync.Mutex
	pending   []recorder.Session
	closing   bool
	wake      chan struct{}
	finishWG  sync.WaitGroup
	closeOne  sync.Once
}

type AppOption func(*App)

// WithExecutor replaces the subprocess launcher.
func WithExecutor(e capture.Executor) AppOption {
	return func(a *App) { a.exec = e }
}

// WithScorer replaces the gocv frame-difference scorer.
func WithScorer(fn func() motion.Scorer) AppOption {
	return func(a *App) { a.newScorer = fn }
}

func WithFilterOptions(opts ...motion.FilterOption) AppOption {
	return func(a *App) { a.filterOpts = append(a.filterOpts, opts...) }
}

func WithRecorderOptions(opts ...recorder.Option) AppOption {
	return func(a *App) { a.recOpts = append(a.recOpts, opts...) }
}

func WithDispatcher(d *notification.Dispatcher) AppOption {
	return func(a *App) { a.dispatcher = d }
}

// NewApp opens the artifact index and starts the post-recording worker.
func NewApp(ctx context.Context, provider *config.Provider, logger recorderlog.Logger, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	cfg := provider.Current()

	index, err := storage.OpenIndex(ctx, cfg.Storage.Index, logger)
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}

	a := &App{
		provider:  provider,
		logger:    logger,
		mailbox:   capture.NewMailbox(),
		index:     index,
		stage:     crypto.NewStage(provider, logger),
		newScorer: func() motion.Scorer { return motion.NewFrameDiffScorer() },
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dispatcher == nil {
		a.dispatcher = notification.NewDispatcher(provider, logger)
	}
	if a.exec == nil {
		a.exec = capture.ExecExecutor{Logger: logger.Named("encoder")}
	}
	a.dispatchCtx, a.stopDispatch = context.WithCancel(context.Background())

	a.finishWG.Add(1)
	go a.finishLoop()
	return a, nil
}

// Mailbox is the live frame feed.
func (a *App) Mailbox() *capture.Mailbox { return a.mailbox }

func (a *App) Index() *storage.Index { return a.index }

func (a *App) Dispatcher() *notification.Dispatcher { return a.dispatcher }

func (a *App) Encryption() *crypto.Stage { return a.stage }

// LatestFrame returns the most recent complete frame, if any.
func (a *App) LatestFrame() (capture.Frame, bool) { return a.mailbox.Latest() }

// sessionClosed is the recorder hook. It runs on the worker goroutine, so it
// only queues the session and never blocks.
func (a *App) sessionClosed(s recorder.Session) {
	a.pendingMu.Lock()
	if a.closing {
		a.pendingMu.Unlock()
		a.logger.Warn("Session closed after shutdown, leaving it on disk", recorderlog.String("path", s.Path))
		return
	}
	a.pending = append(a.pending, s)
	backlog := len(a.pending)
	a.pendingMu.Unlock()

	if backlog > 1 {
		a.logger.Debug("Post-recording backlog", recorderlog.Int("sessions", backlog))
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Backlog is the number of closed sessions still waiting for the finisher.
func (a *App) Backlog() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}

func (a *App) finishLoop() {
	defer a.finishWG.Done()
	for {
		a.pendingMu.Lock()
		if len(a.pending) == 0 {
			closing := a.closing
			a.pendingMu.Unlock()
			if closing {
				return
			}
			<-a.wake
			continue
		}
		s := a.pending[0]
		a.pending[0] = recorder.Session{}
		a.pending = a.pending[1:]
		a.pendingMu.Unlock()

		a.finish(s)
	}
}

// finish runs encryption, indexing and notification for one closed session.
func (a *App) finish(s recorder.Session) {
	log := a.logger.With(recorderlog.String("session_id", s.ID))
	if s.Frames == 0 {
		log.Warn("Discarding empty recording", recorderlog.String("path", s.Path))
		_ = os.Remove(s.Path)
		return
	}

	res := a.stage.Process(s.Path)

	artifact := storage.Artifact{
		ID:         uuid.NewString(),
		SessionID:  s.ID,
		Path:       res.Path,
		SourcePath: res.SourcePath,
		Encrypted:  res.Encrypted,
		KeyRef:     res.KeyRef,
		Frames:     s.Frames,
		StartedAt:  s.StartedAt,
		EndedAt:    s.ClosedAt,
	}
	if info, err := os.Stat(res.Path); err == nil {
		artifact.SizeBytes = info.Size()
	}

	ctx, cancel := context.WithTimeout(a.dispatchCtx, dispatchTimeout)
	defer cancel()

	if err := a.index.Record(ctx, artifact); err != nil {
		log.Error("Failed to index artifact", recorderlog.String("path", artifact.Path), recorderlog.Error(err))
	}

	jobs := a.dispatcher.Dispatch(ctx, notification.Event{
		ID:        artifact.ID,
		SessionID: s.ID,
		Path:      artifact.Path,
		Encrypted: artifact.Encrypted,
		StartedAt: s.StartedAt,
		EndedAt:   s.ClosedAt,
		Frames:    s.Frames,
	})
	failed := 0
	for _, j := range jobs {
		if j.Status == notification.StatusFailed {
			failed++
		}
		rec := storage.NotificationRecord{
			ID:         j.ID,
			ArtifactID: artifact.ID,
			Channel:    j.Channel,
			Attempts:   j.Attempts,
			Status:     string(j.Status),
			LastError:  j.LastError,
			UpdatedAt:  j.UpdatedAt,
		}
		if err := a.index.RecordNotification(ctx, rec); err != nil {
			log.Warn("Failed to record notification outcome", recorderlog.String("channel", j.Channel), recorderlog.Error(err))
		}
	}
	log.Info("Event finished",
		recorderlog.String("artifact", artifact.Path),
		recorderlog.Bool("encrypted", artifact.Encrypted),
		recorderlog.Int("channels", len(jobs)),
		recorderlog.Int("failed", failed))
}

// Close drains queued sessions and closes the index. Pipelines must be
// stopped first.
func (a *App) Close() error {
	var err error
	a.closeOne.Do(func() {
		a.pendingMu.Lock()
		a.closing = true
		a.pendingMu.Unlock()
		select {
		case a.wake <- struct{}{}:
		default:
		}
		a.finishWG.Wait()
		a.stopDispatch()
		err = a.index.Close()
	})
	return err
}

// ErrNoArtifacts is returned by LastArtifact on an empty index.
var ErrNoArtifacts = errors.New("no recordings yet")

// LastArtifact returns the most recent completed recording.
func (a *App) LastArtifact(ctx context.Context) (storage.Artifact, error) {
	art, err := a.index.Latest(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Artifact{}, ErrNoArtifacts
	}
	return art, err
}
