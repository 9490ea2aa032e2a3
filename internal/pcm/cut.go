package pcm

import (
	"errors"
	"fmt"
	"io"
	"time"
)

type cutter struct {
	r         io.Reader
	skip      int64
	remaining int64 // -1 reads to the end
}

// Cut returns a reader over the part of r playing from from up to to, both
// rounded down to whole frames. A non-positive to reads to the end of r.
func Cut(r io.Reader, format Format, from, to time.Duration) io.Reader {
	c := &cutter{r: r, skip: format.Offset(from), remaining: -1}
	if to > 0 {
		c.remaining = max(format.Offset(to)-c.skip, 0)
	}
	return c
}

func (c *cutter) Read(p []byte) (int, error) {
	if c.skip > 0 {
		n, err := io.CopyN(io.Discard, c.r, c.skip)
		c.skip -= n
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("skipping to cut start: %w", err)
		}
	}
	if c.remaining == 0 {
		return 0, io.EOF
	}
	if c.remaining > 0 && int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	if c.remaining > 0 {
		c.remaining -= int64(n)
	}
	return n, err
}
