package pcm

import (
	"io"
	"time"
)

// Window lowers the volume to Level between Start and End. The gain ramps
// linearly from 1 to Level over the Ramp before Start and back to 1 over
// the Ramp after End. Level 0 mutes.
type Window struct {
	Start time.Duration
	End   time.Duration
	Ramp  time.Duration
	Level float64
}

// Gain returns the multiplier applied to a frame playing at t.
func (w Window) Gain(t time.Duration) float64 {
	switch {
	case t >= w.Start && t <= w.End:
		return w.Level
	case w.Ramp <= 0:
		return 1
	case t < w.Start && t >= w.Start-w.Ramp:
		return 1 - (1-w.Level)*float64(t-(w.Start-w.Ramp))/float64(w.Ramp)
	case t > w.End && t <= w.End+w.Ramp:
		return w.Level + (1-w.Level)*float64(t-w.End)/float64(w.Ramp)
	}
	return 1
}

func (w Window) covers(from, to time.Duration) bool {
	return to >= w.Start-w.Ramp && from <= w.End+w.Ramp
}

type volume struct {
	r      io.Reader
	format Format
	window Window
	pos    int64
}

// Duck returns a reader applying w to r.
func Duck(r io.Reader, format Format, w Window) io.Reader {
	return &volume{r: r, format: format, window: w}
}

// Mute returns a reader silencing r between start and end, with ramp long
// fades on either side.
func Mute(r io.Reader, format Format, start, end, ramp time.Duration) io.Reader {
	return Duck(r, format, Window{Start: start, End: end, Ramp: ramp})
}

func (v *volume) Read(p []byte) (int, error) {
	size := v.format.FrameSize()
	if size <= 0 {
		return 0, ErrInvalidFormat
	}
	n, err := readFrames(v.r, p, size)
	if n == 0 {
		return 0, err
	}

	start := v.pos
	v.pos += int64(n)
	if !v.window.covers(v.format.Duration(start), v.format.Duration(v.pos)) {
		return n, err
	}

	for f := 0; f < n; f += size {
		gain := v.window.Gain(v.format.Duration(start + int64(f)))
		if gain == 1 {
			continue
		}
		for i := f; i < f+size; i += BytesPerSample {
			putSample(p, i, int32(float64(sample(p, i))*gain))
		}
	}
	return n, err
}
