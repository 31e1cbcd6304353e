package recorder

import (
	"encoding/json"
	"fmt"
	"time"
)

// State of a recording session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Session is one motion episode persisted to a single file.
type Session struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id,omitempty"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
	Frames    int       `json:"frames"`
	Bytes     int64     `json:"bytes"`
	// Reason records why the session closed: cooldown, shutdown or error.
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Duration is the wall-clock span of the session.
func (s Session) Duration() time.Duration {
	if s.ClosedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.ClosedAt.Sub(s.StartedAt)
}

var transitions = map[State][]State{
	StateIdle:      {StateRecording},
	StateRecording: {StateClosing},
	StateClosing:   {StateClosed},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fileName builds event_YYYYMMDD_HHMMSS_<shortid><ext>.
func fileName(at time.Time, id, ext string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("event_%s_%s%s", at.Format("20060102_150405"), short, ext)
}
