package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/mecam/internal/capture"
	"github.com/mikeyg42/mecam/internal/notification"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/recorder/storage"
	"github.com/mikeyg42/mecam/internal/watchdog"
)

type fakeWatchdog struct {
	mu     sync.Mutex
	status watchdog.PipelineStatus
	resets atomic.Int32
}

func (f *fakeWatchdog) Status() watchdog.PipelineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeWatchdog) Reset() {
	f.resets.Add(1)
	f.mu.Lock()
	f.status.Terminal = false
	f.status.RestartCount = 0
	f.mu.Unlock()
}

type fakeArtifacts struct {
	list     []storage.Artifact
	lastQ    storage.ArtifactQuery
	statsErr error
}

func (f *fakeArtifacts) List(_ context.Context, q storage.ArtifactQuery) ([]storage.Artifact, error) {
	f.lastQ = q
	if q.Limit < len(f.list) {
		return f.list[:q.Limit], nil
	}
	return f.list, nil
}

func (f *fakeArtifacts) Latest(context.Context) (storage.Artifact, error) {
	if len(f.list) == 0 {
		return storage.Artifact{}, storage.ErrNotFound
	}
	return f.list[0], nil
}

func (f *fakeArtifacts) CountSince(_ context.Context, t time.Time) (int, error) {
	n := 0
	for _, a := range f.list {
		if !a.EndedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (f *fakeArtifacts) Stats(context.Context) (storage.StorageStats, error) {
	if f.statsErr != nil {
		return storage.StorageStats{}, f.statsErr
	}
	var total int64
	for _, a := range f.list {
		total += a.SizeBytes
	}
	return storage.StorageStats{TotalArtifacts: int64(len(f.list)), TotalBytes: total}, nil
}

type encryptionStatus struct{ err error }

func (e encryptionStatus) LastError() error { return e.err }

type recentJobs []notification.Job

func (r recentJobs) Recent() []notification.Job { return r }

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleArtifacts() *fakeArtifacts {
	return &fakeArtifacts{list: []storage.Artifact{
		{ID: "c", Path: "/rec/c.mkv.enc", Encrypted: true, SizeBytes: 1 << 30, EndedAt: now.Add(-time.Hour)},
		{ID: "b", Path: "/rec/b.mkv", SizeBytes: 1 << 29, EndedAt: now.Add(-2 * time.Hour)},
		{ID: "a", Path: "/rec/a.mkv.enc", Encrypted: true, SizeBytes: 1 << 29, EndedAt: now.Add(-48 * time.Hour)},
	}}
}

func newTestServer(deps Deps, opts ...Option) *Server {
	s := NewServer("127.0.0.1:0", deps, recorderlog.NewNop(), opts...)
	s.now = func() time.Time { return now }
	return s
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusCombinesPipelineAndStorage(t *testing.T) {
	wd := &fakeWatchdog{status: watchdog.PipelineStatus{Running: true, RestartCount: 2, LastFrameTS: now, LastError: "pipeline stale"}}
	s := newTestServer(Deps{
		Watchdog:      wd,
		Artifacts:     sampleArtifacts(),
		Encryption:    encryptionStatus{err: errors.New("key file unreadable")},
		Notifications: recentJobs{{Channel: "ntfy", Status: notification.StatusSent, Attempts: 1}},
	})

	rec := do(t, s.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.EqualValues(t, 2, body["restart_count"])
	assert.Equal(t, "pipeline stale", body["last_error"])
	assert.EqualValues(t, 2, body["storage_used_gb"])
	assert.EqualValues(t, 2, body["events_24h"])
	assert.Equal(t, "key file unreadable", body["encryption_error"])
	assert.Len(t, body["notifications"], 1)
}

func TestStatusSurvivesIndexErrors(t *testing.T) {
	arts := sampleArtifacts()
	arts.statsErr = errors.New("database is locked")
	s := newTestServer(Deps{Watchdog: &fakeWatchdog{}, Artifacts: arts})

	rec := do(t, s.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.StorageUsedGB)
	assert.Equal(t, 2, resp.EventsLast24h)
}

func TestArtifactsListing(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		code      int
		wantLimit int
		wantLen   int
	}{
		{name: "default limit", query: "", code: http.StatusOK, wantLimit: defaultArtifactLimit, wantLen: 3},
		{name: "explicit limit", query: "?limit=2", code: http.StatusOK, wantLimit: 2, wantLen: 2},
		{name: "not a number", query: "?limit=many", code: http.StatusBadRequest},
		{name: "zero", query: "?limit=0", code: http.StatusBadRequest},
		{name: "too large", query: "?limit=5000", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arts := sampleArtifacts()
			s := newTestServer(Deps{Artifacts: arts})
			rec := do(t, s.Handler(), http.MethodGet, "/api/artifacts"+tt.query)
			require.Equal(t, tt.code, rec.Code)
			if tt.code != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantLimit, arts.lastQ.Limit)

			var refs []ArtifactRef
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
			require.Len(t, refs, tt.wantLen)
			assert.Equal(t, "/rec/c.mkv.enc", refs[0].Path)
			assert.True(t, refs[0].Encrypted)
			assert.True(t, refs[0].Timestamp.Equal(now.Add(-time.Hour)))
			assert.Contains(t, rec.Body.String(), `"timestamp"`)
		})
	}
}

func TestEmergencyReturnsLatestClip(t *testing.T) {
	s := newTestServer(Deps{Artifacts: sampleArtifacts()})
	rec := do(t, s.Handler(), http.MethodPost, "/api/emergency")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EmergencyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "/rec/c.mkv.enc", resp.Clip.Path)
}

func TestEmergencyWithoutRecordings(t *testing.T) {
	s := newTestServer(Deps{Artifacts: &fakeArtifacts{}})
	rec := do(t, s.Handler(), http.MethodPost, "/api/emergency")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/emergency")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWatchdogResetIsRateLimited(t *testing.T) {
	wd := &fakeWatchdog{status: watchdog.PipelineStatus{Terminal: true, RestartCount: 3}}
	s := newTestServer(Deps{Watchdog: wd}, WithRateLimiter(NewRateLimiter(2, time.Minute)))

	for i := 0; i < 2; i++ {
		rec := do(t, s.Handler(), http.MethodPost, "/api/watchdog/reset")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodPost, "/api/watchdog/reset")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, 2, wd.resets.Load())
	assert.False(t, wd.Status().Terminal)
}

func TestStatusSocketPushesSnapshots(t *testing.T) {
	wd := &fakeWatchdog{status: watchdog.PipelineStatus{Running: true}}
	s := newTestServer(Deps{Watchdog: wd, Artifacts: sampleArtifacts()}, WithStatusInterval(10*time.Millisecond))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first StatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.Running)

	wd.mu.Lock()
	wd.status.Running = false
	wd.status.LastError = "encoder exited"
	wd.mu.Unlock()

	require.Eventually(t, func() bool {
		var next StatusResponse
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		return conn.ReadJSON(&next) == nil && next.LastError == "encoder exited"
	}, 2*time.Second, time.Millisecond)
}

func TestLiveStreamServesMailboxFrames(t *testing.T) {
	mailbox := capture.NewMailbox()
	s := newTestServer(Deps{Frames: mailbox})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.FeedStream(ctx)

	srv := httptest.NewServer(s.Handler())
	payload := []byte{0xFF, 0xD8, 'l', 'i', 'v', 'e', 0xFF, 0xD9}

	// the stream drops frames for clients that are not ready yet
	publishing := make(chan struct{})
	var pubWG sync.WaitGroup
	pubWG.Add(1)
	go func() {
		defer pubWG.Done()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-publishing:
				return
			case <-ticker.C:
				mailbox.Publish(payload)
			}
		}
	}()

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(srv.URL + "/stream.mjpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 512)
	for !bytes.Contains(buf, payload) {
		n, err := resp.Body.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
	}
	assert.Contains(t, string(buf), "Content-Type: image/jpeg")

	// the handler only notices the hang-up on its next write
	resp.Body.Close()
	srv.CloseClientConnections()
	srv.Close()
	close(publishing)
	pubWG.Wait()
}

func TestRateLimiterRefillsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	clock := now
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per client")

	clock = clock.Add(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsWhenFull(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	rl.maxCacheSize = 10
	rl.now = func() time.Time { return now }
	for i := 0; i < 25; i++ {
		rl.Allow("10.0.0." + string(rune('a'+i)))
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.LessOrEqual(t, len(rl.buckets), 10)
}
