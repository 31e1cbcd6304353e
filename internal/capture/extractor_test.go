package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpeg(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

type collector struct{ frames [][]byte }

func (c *collector) emit(b []byte) { c.frames = append(c.frames, b) }

func TestExtractorEmitsFramesInOrderAcrossChunkSizes(t *testing.T) {
	frames := [][]byte{
		jpeg(0x01, 0x02, 0x03),
		jpeg(),
		jpeg(bytes.Repeat([]byte{0x10}, 500)...),
		jpeg(0xFF, 0x00, 0xFF, 0xD8, 0x42), // stray SOI inside a frame
	}

	var stream []byte
	garbage := [][]byte{[]byte("preamble noise"), {0x00, 0x01}, {}, []byte("xx")}
	for i, f := range frames {
		stream = append(stream, garbage[i]...)
		stream = append(stream, f...)
	}

	for _, chunk := range []int{1, 2, 3, 7, 64, 4096} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			c := &collector{}
			x := NewExtractor(1<<16, c.emit, nil)
			for off := 0; off < len(stream); off += chunk {
				end := min(off+chunk, len(stream))
				require.NoError(t, x.Feed(stream[off:end]))
			}
			require.Len(t, c.frames, len(frames))
			for i := range frames {
				assert.Equal(t, frames[i], c.frames[i], "frame %d (chunk %d)", i, chunk)
			}
			assert.EqualValues(t, len(frames), x.Stats().Frames)
		})
	}
}

func TestExtractorEmitsMultipleFramesFromOneChunk(t *testing.T) {
	c := &collector{}
	x := NewExtractor(0, c.emit, nil)
	chunk := append(append(jpeg(1), jpeg(2)...), jpeg(3)...)
	require.NoError(t, x.Feed(chunk))
	assert.Len(t, c.frames, 3)
	assert.Zero(t, x.Buffered())
}

func TestExtractorDiscardsNoiseWithoutStart(t *testing.T) {
	c := &collector{}
	x := NewExtractor(0, c.emit, nil)
	require.NoError(t, x.Feed([]byte("no markers at all")))
	assert.Zero(t, x.Buffered())
	assert.Empty(t, c.frames)
}

func TestExtractorKeepsPartialFrame(t *testing.T) {
	c := &collector{}
	x := NewExtractor(0, c.emit, nil)
	require.NoError(t, x.Feed([]byte{0x00, 0x00, 0xFF, 0xD8, 0x01}))
	assert.Equal(t, 3, x.Buffered(), "leading garbage dropped, partial frame kept")
	require.NoError(t, x.Feed([]byte{0x02, 0xFF, 0xD9}))
	require.Len(t, c.frames, 1)
	assert.Equal(t, jpeg(0x01, 0x02), c.frames[0])
}

func TestExtractorUnterminatedFrameIsBounded(t *testing.T) {
	const limit = 1024
	c := &collector{}
	x := NewExtractor(limit, c.emit, nil)

	require.NoError(t, x.Feed([]byte{0xFF, 0xD8}))
	var corruptions int
	filler := bytes.Repeat([]byte{0x11}, 100)
	for i := 0; i < 100; i++ {
		err := x.Feed(filler)
		if err != nil {
			corruptions++
			assert.True(t, IsStreamCorruption(err))
		}
		assert.LessOrEqual(t, x.Buffered(), limit)
	}

	assert.Empty(t, c.frames)
	assert.Positive(t, corruptions)
	assert.EqualValues(t, corruptions, x.Stats().Corruptions)
}

func TestExtractorResyncsAfterCorruption(t *testing.T) {
	c := &collector{}
	x := NewExtractor(64, c.emit, nil)

	err := x.Feed(append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x22}, 100)...))
	require.Error(t, err)
	assert.Zero(t, x.Buffered())

	require.NoError(t, x.Feed(jpeg(0x33)))
	require.Len(t, c.frames, 1)
	assert.Equal(t, jpeg(0x33), c.frames[0])
}

func TestExtractorRunStopsOnProducerClose(t *testing.T) {
	c := &collector{}
	x := NewExtractor(0, c.emit, nil)
	r := bytes.NewReader(append(jpeg(1), jpeg(2)...))

	err := x.Run(context.Background(), iotest.OneByteReader(r), 16)
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.Len(t, c.frames, 2)
}

type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) { return 0, nil }

func TestExtractorRunTreatsZeroReadAsClosed(t *testing.T) {
	x := NewExtractor(0, nil, nil)
	assert.ErrorIs(t, x.Run(context.Background(), zeroReader{}, 16), ErrProducerClosed)
}

func TestExtractorRunPropagatesReadErrors(t *testing.T) {
	x := NewExtractor(0, nil, nil)
	err := x.Run(context.Background(), iotest.ErrReader(io.ErrUnexpectedEOF), 16)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestExtractorEmitsPrivateCopies(t *testing.T) {
	c := &collector{}
	x := NewExtractor(0, c.emit, nil)
	chunk := jpeg(0x01)
	require.NoError(t, x.Feed(chunk))
	chunk[2] = 0x99
	assert.Equal(t, byte(0x01), c.frames[0][2])
}
