package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrProducerClosed is returned when the encoder's output pipe reaches EOF
	// or yields a zero-length read.
	ErrProducerClosed = errors.New("capture: producer closed its output")

	// ErrRestartInProgress rejects a restart while another is running.
	ErrRestartInProgress = errors.New("capture: restart already in progress")

	// ErrAlreadyRunning is returned by Start when a process is live.
	ErrAlreadyRunning = errors.New("capture: process already running")

	// ErrNotRunning is returned by Stop when nothing is running.
	ErrNotRunning = errors.New("capture: process not running")
)

// DeviceError reports that the encoder or camera is unavailable or exited.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return "capture device " + e.Op + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err wraps a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// StreamCorruptionError reports a frame that outgrew the buffer limit
// without an end marker. The extractor resets and keeps going.
type StreamCorruptionError struct {
	Buffered int
	Limit    int
}

func (e *StreamCorruptionError) Error() string {
	return fmt.Sprintf("capture: stream corrupt, %d bytes buffered without end marker (limit %d)", e.Buffered, e.Limit)
}

// IsStreamCorruption reports whether err wraps a StreamCorruptionError.
func IsStreamCorruption(err error) bool {
	var se *StreamCorruptionError
	return errors.As(err, &se)
}
