package recorder

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
)

// Recording formats.
const (
	FormatMKV   = "mkv"
	FormatMJPEG = "mjpeg"
)

// FrameWriter appends encoded JPEG frames to an open recording.
type FrameWriter interface {
	WriteFrame(frame []byte, at time.Time) error
	// Close flushes the container and closes the underlying file.
	Close() error
}

// Extension returns the file extension for format.
func Extension(format string) string {
	if format == FormatMJPEG {
		return ".mjpeg"
	}
	return ".mkv"
}

type writerParams struct {
	Width  int
	Height int
	FPS    int
}

func newFrameWriter(format string, w io.WriteCloser, p writerParams) (FrameWriter, error) {
	switch format {
	case FormatMKV, "":
		return newMKVWriter(w, p)
	case FormatMJPEG:
		return &mjpegWriter{f: w, buf: bufio.NewWriterSize(w, 256<<10)}, nil
	default:
		return nil, fmt.Errorf("unknown recording format %q", format)
	}
}

// mkvWriter stores each JPEG as a keyframe SimpleBlock in a Matroska
// V_MJPEG track.
type mkvWriter struct {
	block webm.BlockWriteCloser
	start time.Time
	last  int64
}

func newMKVWriter(w io.WriteCloser, p writerParams) (*mkvWriter, error) {
	fps := p.FPS
	if fps <= 0 {
		fps = 15
	}
	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	ws, err := webm.NewSimpleBlockWriter(w,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        1,
				CodecID:         "V_MJPEG",
				TrackType:       1,
				DefaultDuration: uint64(time.Second / time.Duration(fps)),
				Video: &webm.Video{
					PixelWidth:  uint64(p.Width),
					PixelHeight: uint64(p.Height),
				},
			},
		},
		mkvcore.WithEBMLHeader(header),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matroska writer: %w", err)
	}
	return &mkvWriter{block: ws[0], last: -1}, nil
}

func (m *mkvWriter) WriteFrame(frame []byte, at time.Time) error {
	if m.start.IsZero() {
		m.start = at
	}
	// block timestamps are milliseconds and must not go backwards
	ts := at.Sub(m.start).Milliseconds()
	if ts <= m.last {
		ts = m.last + 1
	}
	m.last = ts
	_, err := m.block.Write(true, ts, frame)
	return err
}

func (m *mkvWriter) Close() error {
	return m.block.Close()
}

// mjpegWriter concatenates JPEGs, which most players accept as a raw MJPEG
// stream.
type mjpegWriter struct {
	f   io.WriteCloser
	buf *bufio.Writer
}

func (m *mjpegWriter) WriteFrame(frame []byte, _ time.Time) error {
	_, err := m.buf.Write(frame)
	return err
}

func (m *mjpegWriter) Close() error {
	flushErr := m.buf.Flush()
	closeErr := m.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
