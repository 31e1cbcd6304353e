package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/mecam/internal/config"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(context.Background(), config.IndexConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "nested", "artifacts.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func artifactAt(id string, end time.Time, size int64, encrypted bool) Artifact {
	return Artifact{
		ID:        id,
		SessionID: "s-" + id,
		Path:      "/data/" + id + ".mkv.enc",
		Encrypted: encrypted,
		SizeBytes: size,
		Frames:    10,
		StartedAt: end.Add(-5 * time.Second),
		EndedAt:   end,
	}
}

func TestIndexEmpty(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	_, err := idx.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := idx.List(ctx, ArtifactQuery{})
	require.NoError(t, err)
	assert.Empty(t, list)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalArtifacts)
	assert.True(t, st.Newest.IsZero())
}

func TestIndexRecordListLatest(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Record(ctx, artifactAt("a", base, 100, true)))
	require.NoError(t, idx.Record(ctx, artifactAt("c", base.Add(2*time.Hour), 300, false)))
	require.NoError(t, idx.Record(ctx, artifactAt("b", base.Add(time.Hour), 200, true)))

	list, err := idx.List(ctx, ArtifactQuery{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].ID, list[1].ID, list[2].ID}, "newest first")
	assert.Equal(t, base.Add(2*time.Hour), list[0].EndedAt)
	assert.False(t, list[0].Encrypted)
	assert.True(t, list[1].Encrypted)

	limited, err := idx.List(ctx, ArtifactQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)

	latest, err := idx.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)
	assert.Equal(t, "s-c", latest.SessionID)

	n, err := idx.CountSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.TotalArtifacts)
	assert.EqualValues(t, 600, st.TotalBytes)
	assert.EqualValues(t, 2, st.Encrypted)
	assert.Equal(t, base, st.Oldest)
}

func TestIndexRejectsInvalidArtifact(t *testing.T) {
	idx := openTestIndex(t)
	err := idx.Record(context.Background(), Artifact{ID: "x"})
	assert.Error(t, err)

	dup := artifactAt("d", time.Now(), 1, false)
	require.NoError(t, idx.Record(context.Background(), dup))
	assert.Error(t, idx.Record(context.Background(), dup), "duplicate id")
}

func TestIndexUnknownDriver(t *testing.T) {
	_, err := OpenIndex(context.Background(), config.IndexConfig{Driver: "mysql"}, nil)
	assert.Error(t, err)
}

func TestArtifactJSON(t *testing.T) {
	a := artifactAt("j", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), 1, true)
	data, err := json.Marshal(&a)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, a.Path, out["path"])
	assert.Equal(t, "2024-05-01T12:00:00Z", out["timestamp"])
	assert.Equal(t, true, out["encrypted"])
	assert.InDelta(t, 5.0, out["duration_seconds"], 0.001)
}

func TestArtifactJSONByValue(t *testing.T) {
	a := artifactAt("v", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), 1, false)
	// neither the slice element nor the map value is addressable
	data, err := json.Marshal(map[string]any{"items": []Artifact{a}, "latest": a})
	require.NoError(t, err)

	var out struct {
		Items  []map[string]any `json:"items"`
		Latest map[string]any   `json:"latest"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Items, 1)
	assert.InDelta(t, 5.0, out.Items[0]["duration_seconds"], 0.001)
	assert.InDelta(t, 5.0, out.Latest["duration_seconds"], 0.001)
	assert.Equal(t, a.Path, out.Latest["path"])
}

func TestStorageErrorHelpers(t *testing.T) {
	err := error(&StorageError{Op: "put", Key: "k", Err: assert.AnError, StatusCode: 404})
	assert.False(t, IsAccessDenied(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "put k: "+assert.AnError.Error(), err.Error())
	assert.True(t, IsAccessDenied(&StorageError{Op: "put", Err: assert.AnError, StatusCode: 403}))

	assert.Equal(t, "video/x-matroska", contentTypeOf("event.mkv"))
	assert.Equal(t, "application/octet-stream", contentTypeOf("event.mkv.enc"))
	assert.Equal(t, 500, statusCode(assert.AnError))
}

func TestIndexNotificationTrail(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.RecordNotification(ctx, NotificationRecord{
		ID: "j-ntfy", ArtifactID: "a1", Channel: "ntfy", Attempts: 1, Status: "pending", UpdatedAt: at,
	}))
	require.NoError(t, idx.RecordNotification(ctx, NotificationRecord{
		ID: "j-email", ArtifactID: "a1", Channel: "email", Attempts: 3, Status: "failed", LastError: "connection refused", UpdatedAt: at,
	}))
	// retry outcome overwrites the pending row
	require.NoError(t, idx.RecordNotification(ctx, NotificationRecord{
		ID: "j-ntfy", ArtifactID: "a1", Channel: "ntfy", Attempts: 2, Status: "sent", UpdatedAt: at.Add(time.Second),
	}))
	require.NoError(t, idx.RecordNotification(ctx, NotificationRecord{
		ID: "j-other", ArtifactID: "a2", Channel: "mqtt", Attempts: 1, Status: "sent",
	}))

	jobs, err := idx.Notifications(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "email", jobs[0].Channel)
	assert.Equal(t, "connection refused", jobs[0].LastError)
	assert.Equal(t, "ntfy", jobs[1].Channel)
	assert.Equal(t, 2, jobs[1].Attempts)
	assert.Equal(t, "sent", jobs[1].Status)
	assert.True(t, jobs[1].UpdatedAt.Equal(at.Add(time.Second)))

	assert.Error(t, idx.RecordNotification(ctx, NotificationRecord{ID: "x"}))
}
