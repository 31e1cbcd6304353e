package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/crypto"
	"github.com/mikeyg42/mecam/internal/motion"
	"github.com/mikeyg42/mecam/internal/notification"
	"github.com/mikeyg42/mecam/internal/recorder"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/recorder/storage"
)

// pipeProc is an encoder whose stdout the test writes to.
type pipeProc struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (p *pipeProc) Pid() int          { return 4242 }
func (p *pipeProc) Stdout() io.Reader { return p.r }
func (p *pipeProc) Terminate() error  { p.exit(); return nil }
func (p *pipeProc) Kill() error       { p.exit(); return nil }
func (p *pipeProc) Wait() error       { <-p.done; return nil }

func (p *pipeProc) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
}

type pipeExec struct {
	mu    sync.Mutex
	procs []*pipeProc
	argv  [][]string
}

func (e *pipeExec) Start(name string, args []string) (capture.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, w := io.Pipe()
	p := &pipeProc{r: r, w: w, done: make(chan struct{})}
	e.procs = append(e.procs, p)
	e.argv = append(e.argv, append([]string{name}, args...))
	return p, nil
}

func (e *pipeExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

func (e *pipeExec) last() *pipeProc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[len(e.procs)-1]
}

// scriptedScorer reports motion for frames whose payload byte is 1.
type scriptedScorer struct{}

func (scriptedScorer) Score(frame []byte, _ config.MotionConfig) (motion.Score, error) {
	if len(frame) > 2 && frame[2] == 1 {
		return motion.Score{Area: 1e6, Intensity: 255}, nil
	}
	return motion.Score{}, nil
}
func (scriptedScorer) Reset()       {}
func (scriptedScorer) Close() error { return nil }

type captureChannel struct {
	mu     sync.Mutex
	events []notification.Event
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, ev notification.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureChannel) sent() []notification.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notification.Event(nil), c.events...)
}

// gatedChannel holds every send until release is closed.
type gatedChannel struct {
	release chan struct{}
	sent    atomic.Int32
}

func (c *gatedChannel) Name() string { return "gated" }

func (c *gatedChannel) Send(ctx context.Context, _ notification.Event) error {
	select {
	case <-c.release:
		c.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Capture.StopGrace = config.D(100 * time.Millisecond)
	cfg.Capture.RestartSettle = config.D(0)
	cfg.Motion.CooldownFrames = 2
	cfg.Recording.Format = recorder.FormatMJPEG
	cfg.Storage.RecordingsDir = filepath.Join(dir, "recordings")
	cfg.Storage.EncryptedDir = filepath.Join(dir, "encrypted")
	cfg.Storage.MinFreeMB = 0
	cfg.Storage.Index.Path = filepath.Join(dir, "artifacts.db")
	cfg.Encryption.KeyPath = filepath.Join(dir, "storage.key")
	cfg.Encryption.SaltPath = filepath.Join(dir, "storage.salt")
	cfg.Watchdog.CheckInterval = config.D(20 * time.Millisecond)
	return cfg
}

type harness struct {
	app      *App
	exec     *pipeExec
	channel  *captureChannel
	provider *config.Provider
}

func newHarness(t *testing.T, cfg *config.Config, opts ...AppOption) *harness {
	t.Helper()
	provider := config.NewStaticProvider(cfg)
	h := &harness{exec: &pipeExec{}, channel: &captureChannel{}, provider: provider}
	disp := notification.NewDispatcher(provider, recorderlog.NewNop(),
		notification.WithChannelSet(func(*config.Config, recorderlog.Logger) []notification.Channel {
			return []notification.Channel{h.channel}
		}))

	opts = append([]AppOption{
		WithExecutor(h.exec),
		WithScorer(func() motion.Scorer { return scriptedScorer{} }),
		WithDispatcher(disp),
	}, opts...)
	app, err := NewApp(context.Background(), provider, recorderlog.NewNop(), opts...)
	require.NoError(t, err)
	h.app = app
	return h
}

// start builds a pipeline and runs it until the returned stop is called.
func (h *harness) start(t *testing.T) (*Pipeline, <-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	built, err := h.app.Build(ctx)
	require.NoError(t, err)
	p := built.(*Pipeline)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return p, done, cancel
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not return")
		return nil
	}
}

// feed writes frames one at a time, waiting for the worker to take each.
func feed(t *testing.T, p *Pipeline, proc *pipeProc, pattern ...byte) {
	t.Helper()
	for _, b := range pattern {
		want := p.Processed() + 1
		_, err := proc.w.Write([]byte{0xFF, 0xD8, b, 0x00, 0xFF, 0xD9})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return p.Processed() >= want }, 2*time.Second, time.Millisecond)
	}
}

func TestPipelineRecordsEncryptsIndexesAndNotifies(t *testing.T) {
	h := newHarness(t, testConfig(t))
	p, done, cancel := h.start(t)

	feed(t, p, h.exec.last(), 0, 1, 1, 0, 0, 0)

	require.Eventually(t, func() bool { return len(h.channel.sent()) == 1 }, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	require.NoError(t, h.app.Close())

	ev := h.channel.sent()[0]
	assert.True(t, ev.Encrypted)
	assert.Equal(t, 4, ev.Frames)
	assert.Equal(t, ".enc", filepath.Ext(ev.Path))

	data, err := os.ReadFile(ev.Path)
	require.NoError(t, err)
	assert.True(t, crypto.IsEncrypted(data))

	st := p.gate.Stats()
	assert.EqualValues(t, 1, st.Episodes)
	assert.EqualValues(t, 6, st.FramesProcessed)
	assert.Zero(t, p.recorder.OpenHandles())
}

func TestPipelineArtifactIsQueryable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enabled = false
	h := newHarness(t, cfg)
	p, done, cancel := h.start(t)

	feed(t, p, h.exec.last(), 1, 0, 0, 1, 0, 0)
	require.Eventually(t, func() bool { return len(h.channel.sent()) == 2 }, 3*time.Second, 5*time.Millisecond)

	latest, err := h.app.LastArtifact(context.Background())
	require.NoError(t, err)
	assert.False(t, latest.Encrypted)
	assert.Equal(t, 3, latest.Frames)

	all, err := h.app.Index().List(context.Background(), storage.ArtifactQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	var paths []string
	for _, ev := range h.channel.sent() {
		paths = append(paths, ev.Path)
	}
	assert.ElementsMatch(t, paths, []string{all[0].Path, all[1].Path})

	require.Eventually(t, func() bool {
		jobs, err := h.app.Index().Notifications(context.Background(), latest.ID)
		return err == nil && len(jobs) == 1 && jobs[0].Status == string(notification.StatusSent)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, done))
	require.NoError(t, h.app.Close())
}

func TestPipelineShutdownClosesOpenRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enabled = false
	h := newHarness(t, cfg)
	p, done, cancel := h.start(t)

	feed(t, p, h.exec.last(), 1, 1)
	_, open := p.recorder.Current()
	require.True(t, open)

	cancel()
	require.NoError(t, waitRun(t, done))
	require.NoError(t, h.app.Close())

	sent := h.channel.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].Frames)
	assert.Zero(t, p.recorder.OpenHandles())
}

func TestPipelineReturnsDeviceErrorWhenEncoderDies(t *testing.T) {
	h := newHarness(t, testConfig(t))
	defer h.app.Close()
	p, done, cancel := h.start(t)
	defer cancel()

	feed(t, p, h.exec.last(), 0)
	h.exec.last().exit()

	err := waitRun(t, done)
	require.Error(t, err)
	assert.True(t, capture.IsDeviceError(err))
	assert.False(t, p.LastFrame().IsZero())
}

func TestPipelineRestartsEncoderOnCaptureChange(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	p, done, cancel := h.start(t)

	feed(t, p, h.exec.last(), 0)
	require.Equal(t, 1, h.exec.count())

	require.NoError(t, h.provider.Update(func(c *config.Config) { c.Capture.Width = 1280; c.Capture.Height = 720 }))
	require.Eventually(t, func() bool { return h.exec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.exec.argv[1], "1280x720")

	// frames from the new encoder keep flowing through the same worker
	feed(t, p, h.exec.last(), 0, 0)
	assert.EqualValues(t, 3, p.Processed())

	cancel()
	require.NoError(t, waitRun(t, done))
	require.NoError(t, h.app.Close())
}

func TestPipelineDiscardsEpisodeWhenDiskIsFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.MinFreeMB = 64
	var probes atomic.Int32
	h := newHarness(t, cfg, WithRecorderOptions(recorder.WithFreeSpace(func(string) (uint64, error) {
		probes.Add(1)
		return 1, nil
	})))
	p, done, cancel := h.start(t)

	feed(t, p, h.exec.last(), 1, 1, 0)

	st := p.gate.Stats()
	assert.Zero(t, st.Episodes)
	assert.EqualValues(t, 2, st.Suppressed)
	assert.EqualValues(t, 2, probes.Load(), "each motion frame retries the open")
	assert.Zero(t, p.recorder.OpenHandles())

	cancel()
	require.NoError(t, waitRun(t, done))
	require.NoError(t, h.app.Close())
	assert.Empty(t, h.channel.sent())
}

func TestAppQueuesClosedSessionsWithoutBlocking(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enabled = false
	provider := config.NewStaticProvider(cfg)
	ch := &gatedChannel{release: make(chan struct{})}
	disp := notification.NewDispatcher(provider, recorderlog.NewNop(),
		notification.WithChannelSet(func(*config.Config, recorderlog.Logger) []notification.Channel {
			return []notification.Channel{ch}
		}))
	app, err := NewApp(context.Background(), provider, recorderlog.NewNop(), WithDispatcher(disp))
	require.NoError(t, err)

	dir := t.TempDir()
	const sessions = 40
	start := time.Now()
	for i := 0; i < sessions; i++ {
		path := filepath.Join(dir, "event-"+strconv.Itoa(i)+".mjpeg")
		require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o600))
		app.sessionClosed(recorder.Session{
			ID: "s" + strconv.Itoa(i), Path: path, Frames: 1,
			StartedAt: start, ClosedAt: start.Add(time.Second),
		})
	}
	assert.Less(t, time.Since(start), time.Second, "hand-off must not wait for dispatch")
	assert.GreaterOrEqual(t, app.Backlog(), sessions-1)

	close(ch.release)
	require.Eventually(t, func() bool { return ch.sent.Load() == sessions }, 5*time.Second, 5*time.Millisecond)

	n, err := app.Index().CountSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, sessions, n)

	require.NoError(t, app.Close())
	assert.Zero(t, app.Backlog())
}

func TestAppCloseFinishesQueuedSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enabled = false
	h := newHarness(t, cfg)

	path := filepath.Join(t.TempDir(), "event.mjpeg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0o600))
	now := time.Now()
	h.app.sessionClosed(recorder.Session{ID: "last", Path: path, Frames: 1, StartedAt: now, ClosedAt: now})
	require.NoError(t, h.app.Close())

	require.Len(t, h.channel.sent(), 1)
	assert.Equal(t, "last", h.channel.sent()[0].SessionID)

	// after Close the hook must still return immediately
	h.app.sessionClosed(recorder.Session{ID: "late", Path: path, Frames: 1})
	assert.Zero(t, h.app.Backlog())
}
