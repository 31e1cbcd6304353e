package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// Artifact is a completed recording as listed to operators: the best
// available file (encrypted when encryption succeeded) plus its session.
type Artifact struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Path       string    `json:"path"`
	SourcePath string    `json:"source_path,omitempty"`
	Encrypted  bool      `json:"encrypted"`
	KeyRef     string    `json:"key_ref,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	Frames     int       `json:"frames"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"created_at"`
}

// Duration returns the recorded span.
func (a Artifact) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// MarshalJSON adds a human-readable duration. It has a value receiver so
// artifacts held in slices and maps by value still carry it.
func (a Artifact) MarshalJSON() ([]byte, error) {
	type Alias Artifact
	return json.Marshal(struct {
		Alias
		DurationSeconds float64 `json:"duration_seconds"`
	}{
		Alias:           Alias(a),
		DurationSeconds: a.Duration().Seconds(),
	})
}

func (a Artifact) Validate() error {
	if a.ID == "" {
		return errors.New("artifact id is required")
	}
	if a.Path == "" {
		return errors.New("artifact path is required")
	}
	if a.EndedAt.Before(a.StartedAt) {
		return errors.New("artifact ends before it starts")
	}
	return nil
}

// ArtifactQuery filters List.
type ArtifactQuery struct {
	Limit int
	Since time.Time
}

// StorageStats summarises the index.
type StorageStats struct {
	TotalArtifacts int64     `json:"total_artifacts"`
	TotalBytes     int64     `json:"total_bytes"`
	Encrypted      int64     `json:"encrypted"`
	Oldest         time.Time `json:"oldest,omitempty"`
	Newest         time.Time `json:"newest,omitempty"`
}

// GB converts TotalBytes for display.
func (s StorageStats) GB() float64 {
	return float64(s.TotalBytes) / (1 << 30)
}
