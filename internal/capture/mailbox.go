package capture

import (
	"context"
	"sync/atomic"
	"time"
)

// Frame is one complete encoded image. Data is shared between readers and
// must not be modified.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Mailbox is a single-slot, latest-only frame holder. The producer
// overwrites the slot; readers never consume or block it.
type Mailbox struct {
	slot atomic.Pointer[Frame]
	seq  atomic.Uint64
	now  func() time.Time
}

func NewMailbox() *Mailbox {
	return &Mailbox{now: time.Now}
}

// Publish stores data as the latest frame and returns it. Sequence numbers
// increase monotonically for the mailbox's lifetime, across process restarts.
func (m *Mailbox) Publish(data []byte) Frame {
	f := &Frame{
		Seq:        m.seq.Add(1),
		Data:       data,
		CapturedAt: m.now(),
	}
	m.slot.Store(f)
	return *f
}

// Latest returns the most recent frame, or false if none was published yet.
func (m *Mailbox) Latest() (Frame, bool) {
	f := m.slot.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Published reports how many frames have been stored.
func (m *Mailbox) Published() uint64 { return m.seq.Load() }

// LastFrameTime returns the capture time of the latest frame, or zero.
func (m *Mailbox) LastFrameTime() time.Time {
	if f := m.slot.Load(); f != nil {
		return f.CapturedAt
	}
	return time.Time{}
}

// WaitNewer polls until a frame with Seq > after is available. Intermediate
// frames published between polls are skipped.
func (m *Mailbox) WaitNewer(ctx context.Context, after uint64, poll time.Duration) (Frame, error) {
	if f, ok := m.Latest(); ok && f.Seq > after {
		return f, nil
	}
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ticker.C:
			if f, ok := m.Latest(); ok && f.Seq > after {
				return f, nil
			}
		}
	}
}
