package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// JPEG start-of-image and end-of-image markers.
var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// DefaultMaxBuffer bounds the in-flight buffer when no limit is configured.
const DefaultMaxBuffer = 8 << 20

// ExtractorStats counts extractor activity.
type ExtractorStats struct {
	Frames      uint64
	Corruptions uint64
	BytesRead   uint64
}

// Extractor reassembles complete JPEG frames from an MJPEG byte stream.
// Emitted frames include their SOI and EOI markers.
type Extractor struct {
	maxBuffer int
	emit      func([]byte)
	logger    recorderlog.Logger

	buf []byte

	frames      atomic.Uint64
	corruptions atomic.Uint64
	bytesRead   atomic.Uint64
}

// NewExtractor returns an extractor that calls emit with a private copy of
// each complete frame. maxBuffer <= 0 selects DefaultMaxBuffer.
func NewExtractor(maxBuffer int, emit func([]byte), logger recorderlog.Logger) *Extractor {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	if logger == nil {
		logger = recorderlog.L()
	}
	return &Extractor{
		maxBuffer: maxBuffer,
		emit:      emit,
		logger:    logger.Named("extractor"),
	}
}

// Feed appends chunk and emits every complete frame now in the buffer. It
// returns a *StreamCorruptionError when a partial frame outgrows the limit;
// the buffer has already been reset when that happens.
func (x *Extractor) Feed(chunk []byte) error {
	x.bytesRead.Add(uint64(len(chunk)))
	x.buf = append(x.buf, chunk...)

	for {
		start := bytes.Index(x.buf, soi)
		if start < 0 {
			// keep a trailing 0xFF: it may be the first half of a split SOI
			if n := len(x.buf); n > 0 && x.buf[n-1] == 0xFF {
				x.buf = append(x.buf[:0], 0xFF)
			} else {
				x.buf = x.buf[:0]
			}
			return nil
		}

		end := bytes.Index(x.buf[start+len(soi):], eoi)
		if end < 0 {
			if start > 0 {
				x.buf = append(x.buf[:0], x.buf[start:]...)
			}
			if len(x.buf) > x.maxBuffer {
				err := &StreamCorruptionError{Buffered: len(x.buf), Limit: x.maxBuffer}
				x.buf = x.buf[:0]
				x.corruptions.Add(1)
				return err
			}
			return nil
		}

		stop := start + len(soi) + end + len(eoi)
		frame := make([]byte, stop-start)
		copy(frame, x.buf[start:stop])
		x.buf = append(x.buf[:0], x.buf[stop:]...)

		x.frames.Add(1)
		if x.emit != nil {
			x.emit(frame)
		}
	}
}

// Run drains r in chunkSize reads until the producer closes, ctx is done, or
// a read fails. A zero-length read or EOF yields ErrProducerClosed.
// Corruption is logged and recovered from without returning.
func (x *Extractor) Run(ctx context.Context, r io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			if ferr := x.Feed(chunk[:n]); ferr != nil {
				x.logger.Warn("Resynchronising stream", recorderlog.Error(ferr))
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			return ErrProducerClosed
		case err != nil:
			return err
		case n == 0:
			return ErrProducerClosed
		}
	}
}

// Buffered returns the number of bytes held awaiting an end marker.
func (x *Extractor) Buffered() int { return len(x.buf) }

// Stats returns a snapshot of the counters.
func (x *Extractor) Stats() ExtractorStats {
	return ExtractorStats{
		Frames:      x.frames.Load(),
		Corruptions: x.corruptions.Load(),
		BytesRead:   x.bytesRead.Load(),
	}
}
