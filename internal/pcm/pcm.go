// Package pcm transforms signed 16-bit little-endian interleaved PCM.
//
// Every transform wraps an io.Reader and yields whole frames only; a
// trailing partial frame at the end of a source is dropped.
package pcm

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"

	"github.com/jmylchreest/encmux/internal/pts"
)

// BytesPerSample is the size of one s16le sample.
const BytesPerSample = 2

// ErrInvalidFormat indicates a layout without a positive rate and channel count.
var ErrInvalidFormat = errors.New("pcm: sample rate and channels must be positive")

// Format is the layout of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate checks the layout.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return ErrInvalidFormat
	}
	return nil
}

// FrameSize returns the size in bytes of one frame (one sample per channel).
func (f Format) FrameSize() int {
	return BytesPerSample * f.Channels
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int64) time.Duration {
	return time.Duration(pts.PCMTime(n, f.SampleRate, f.Channels)) * time.Microsecond
}

// Offset returns the byte offset of the frame playing at d, rounded down to
// a whole frame. Negative durations map to 0.
func (f Format) Offset(d time.Duration) int64 {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := d.Microseconds() * int64(f.SampleRate) / pts.MicrosPerSecond
	return frames * int64(f.FrameSize())
}

func sample(b []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(b[i:])))
}

func putSample(b []byte, i int, v int32) {
	binary.LittleEndian.PutUint16(b[i:], uint16(clip(v)))
}

func clip(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// readFrames fills buf with as many whole frames of size bytes as r yields
// before blocking or ending. io.EOF is only returned with n == 0.
func readFrames(r io.Reader, buf []byte, size int) (int, error) {
	buf = buf[:len(buf)-len(buf)%size]
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	n, err := io.ReadAtLeast(r, buf, size)
	if err == nil && n%size != 0 {
		var m int
		m, err = io.ReadFull(r, buf[n:n+size-n%size])
		n += m
	}
	n -= n % size
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}
