// Package pts sequences presentation timestamps for encoder input and output.
//
// A Clock hands out strictly increasing microsecond stamps for buffers queued
// into an encoder and for samples dequeued from it. Queued stamps never fall
// behind the last dequeued stamp, so a muxer downstream always sees a
// monotonic sequence even when the encoder reorders or drops buffers.
package pts

import "sync"

// MicrosPerSecond is the timestamp resolution used throughout encmux.
const MicrosPerSecond = 1_000_000

// Clock tracks the last queued and dequeued presentation timestamps.
// The zero value is ready to use and starts both counters at 0.
type Clock struct {
	mu           sync.Mutex
	lastQueued   int64
	lastDequeued int64
}

// NewClock returns a clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// NextQueued returns max(lastQueued, lastDequeued)+1 and records it.
func (c *Clock) NextQueued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := max(c.lastQueued, c.lastDequeued) + 1
	c.lastQueued = next
	return next
}

// NextDequeued returns lastDequeued+1 and records it.
func (c *Clock) NextDequeued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastDequeued++
	return c.lastDequeued
}

// Last returns the most recent queued and dequeued stamps.
func (c *Clock) Last() (queued, dequeued int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQueued, c.lastDequeued
}

// Reset sets both counters back to zero.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.lastQueued = 0
	c.lastDequeued = 0
	c.mu.Unlock()
}

// FrameTime returns the presentation time in microseconds of frame
// frameIndex at a fixed frameRate, using integer division.
// It returns 0 when frameRate is not positive.
func FrameTime(frameIndex, frameRate int64) int64 {
	if frameRate <= 0 {
		return 0
	}
	return frameIndex * MicrosPerSecond / frameRate
}

// PCMTime returns the duration in microseconds of n bytes of signed 16-bit
// interleaved PCM at sampleRate with the given channel count.
func PCMTime(n int64, sampleRate, channels int) int64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / int64(2*channels)
	return frames * MicrosPerSecond / int64(sampleRate)
}
