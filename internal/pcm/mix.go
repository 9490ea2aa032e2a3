package pcm

import (
	"errors"
	"io"
	"time"
)

// Track is one input of Mix. Reader starts playing Offset into the mix;
// until then the track is silent.
type Track struct {
	Reader io.Reader
	Offset time.Duration
}

type mixTrack struct {
	r       io.Reader
	silence int64
	done    bool
}

type mixer struct {
	format  Format
	tracks  []*mixTrack
	scratch []byte
	acc     []int32
}

// Mix returns a reader summing tracks sample by sample, saturating at the
// int16 range. All tracks share format. The mix ends when every track has
// ended, so a late track extends it with leading silence.
func Mix(format Format, tracks ...Track) io.Reader {
	m := &mixer{format: format}
	for _, t := range tracks {
		m.tracks = append(m.tracks, &mixTrack{r: t.Reader, silence: format.Offset(t.Offset)})
	}
	return m
}

func (m *mixer) Read(p []byte) (int, error) {
	size := m.format.FrameSize()
	if size <= 0 {
		return 0, ErrInvalidFormat
	}
	n := len(p) - len(p)%size
	if n == 0 {
		return 0, io.ErrShortBuffer
	}
	if cap(m.scratch) < n {
		m.scratch = make([]byte, n)
		m.acc = make([]int32, n/BytesPerSample)
	}
	acc := m.acc[:n/BytesPerSample]
	clear(acc)

	out, active := 0, 0
	for _, t := range m.tracks {
		if t.done {
			continue
		}
		active++

		c := 0
		if t.silence > 0 {
			c = int(min(t.silence, int64(n)))
			t.silence -= int64(c)
		}
		if c < n {
			got, err := io.ReadFull(t.r, m.scratch[:n-c])
			got -= got % size
			for i := 0; i < got; i += BytesPerSample {
				acc[(c+i)/BytesPerSample] += sample(m.scratch, i)
			}
			c += got
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				t.done = true
			case err != nil:
				return 0, err
			}
		}
		out = max(out, c)
	}

	if active == 0 || out == 0 {
		return 0, io.EOF
	}
	for i := 0; i < out; i += BytesPerSample {
		putSample(p, i, acc[i/BytesPerSample])
	}
	return out, nil
}
