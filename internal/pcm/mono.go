package pcm

import "io"

const stereoFrame = 2 * BytesPerSample

type mono struct {
	r       io.Reader
	scratch []byte
}

// Mono returns a reader folding stereo r down to one channel, each output
// sample the mean of its left and right samples.
func Mono(r io.Reader) io.Reader {
	return &mono{r: r}
}

func (m *mono) Read(p []byte) (int, error) {
	frames := len(p) / BytesPerSample
	if frames == 0 {
		return 0, io.ErrShortBuffer
	}
	if cap(m.scratch) < frames*stereoFrame {
		m.scratch = make([]byte, frames*stereoFrame)
	}
	n, err := readFrames(m.r, m.scratch[:frames*stereoFrame], stereoFrame)

	out := 0
	for i := 0; i < n; i += stereoFrame {
		left, right := sample(m.scratch, i), sample(m.scratch, i+BytesPerSample)
		putSample(p, out, (left+right)/2)
		out += BytesPerSample
	}
	return out, err
}
