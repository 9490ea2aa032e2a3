package pump

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
	"github.com/jmylchreest/encmux/internal/observability"
	"github.com/jmylchreest/encmux/internal/pts"
)

// DefaultInputBudget is the number of bytes a BudgetInput submits before
// signalling end of stream.
const DefaultInputBudget = 256 * 1024

// SurfaceInput feeds staged frames to an encoder input surface. It never
// becomes exhausted; frames are submitted as they are posted.
type SurfaceInput struct {
	surface *encoder.Surface

	mu      sync.Mutex
	pending image.Image
	frames  int64
}

// NewSurfaceInput creates an input drawing onto s.
func NewSurfaceInput(s *encoder.Surface) *SurfaceInput {
	return &SurfaceInput{surface: s}
}

// Post stages img for the next Submit. A frame staged earlier and not yet
// submitted is replaced.
func (in *SurfaceInput) Post(img image.Image) {
	in.mu.Lock()
	in.pending = img
	in.mu.Unlock()
}

// Submit draws the staged frame onto the surface and posts it.
func (in *SurfaceInput) Submit(ctx context.Context) error {
	in.mu.Lock()
	img := in.pending
	in.pending = nil
	in.mu.Unlock()

	if img == nil {
		return nil
	}
	if err := in.surface.Draw(img); err != nil {
		return fmt.Errorf("drawing frame: %w", err)
	}
	if err := in.surface.Post(ctx); err != nil {
		return fmt.Errorf("posting frame: %w", err)
	}

	in.mu.Lock()
	in.frames++
	in.mu.Unlock()
	return nil
}

// Exhausted implements Input.
func (in *SurfaceInput) Exhausted() bool {
	return false
}

// Pending reports whether a frame is staged.
func (in *SurfaceInput) Pending() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pending != nil
}

// Frames returns the number of frames submitted.
func (in *SurfaceInput) Frames() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.frames
}

// BudgetInput copies a fixed number of bytes from Source into an encoder's
// input buffers, then queues one empty end of stream buffer.
type BudgetInput struct {
	// Budget is the number of payload bytes to submit.
	Budget int64
	// Source provides the payload. It defaults to silence.
	Source io.Reader
	// Clock stamps every queued buffer.
	Clock *pts.Clock
	// Timeout bounds each input dequeue.
	Timeout time.Duration
	// Logger is optional.
	Logger *slog.Logger

	enc        encoder.BufferEncoder
	submitted  int64
	buffers    int64
	sourceDone bool
	eosQueued  bool
}

// NewBudgetInput creates an input submitting budget bytes of src to enc.
// A nil src submits silence; a nil clock gets a fresh one.
func NewBudgetInput(enc encoder.BufferEncoder, clock *pts.Clock, budget int64, src io.Reader) *BudgetInput {
	if src == nil {
		src = Silence()
	}
	if clock == nil {
		clock = pts.NewClock()
	}
	if budget <= 0 {
		budget = DefaultInputBudget
	}
	return &BudgetInput{
		Budget:  budget,
		Source:  src,
		Clock:   clock,
		Timeout: DefaultPollTimeout,
		enc:     enc,
	}
}

// Submit implements Input.
func (in *BudgetInput) Submit(ctx context.Context) error {
	if in.eosQueued {
		return nil
	}

	index, err := in.enc.DequeueInputBuffer(in.Timeout)
	if err != nil {
		return fmt.Errorf("dequeueing input buffer: %w", err)
	}
	if index == encoder.InfoTryAgainLater {
		return nil
	}
	if index < 0 {
		return &ProtocolViolation{Status: index, Err: ErrUnexpectedStatus}
	}

	if in.submitted >= in.Budget || in.sourceDone {
		return in.queueEndOfStream(ctx, index)
	}

	buffers := in.enc.InputBuffers()
	if index >= len(buffers) || buffers[index] == nil {
		return &ProtocolViolation{Status: index, Err: ErrNullInputBuffer}
	}
	buf := buffers[index]

	n := int64(len(buf))
	if remaining := in.Budget - in.submitted; n > remaining {
		n = remaining
	}

	read, err := io.ReadFull(in.Source, buf[:n])
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		in.sourceDone = true
	case err != nil:
		return fmt.Errorf("reading input source: %w", err)
	}
	if read == 0 {
		return in.queueEndOfStream(ctx, index)
	}

	stamp := in.Clock.NextQueued()
	if err := in.enc.QueueInputBuffer(index, 0, read, stamp, codec.FlagNone); err != nil {
		return fmt.Errorf("queueing input buffer: %w", err)
	}
	in.submitted += int64(read)
	in.buffers++

	if in.Logger != nil {
		in.Logger.Log(ctx, observability.LevelTrace, "queued input buffer",
			slog.Int("bytes", read),
			slog.Int64("pts", stamp),
		)
	}
	return nil
}

func (in *BudgetInput) queueEndOfStream(ctx context.Context, index int) error {
	stamp := in.Clock.NextQueued()
	if err := in.enc.QueueInputBuffer(index, 0, 0, stamp, codec.FlagEndOfStream); err != nil {
		return fmt.Errorf("queueing end of stream: %w", err)
	}
	in.eosQueued = true
	if in.Logger != nil {
		in.Logger.DebugContext(ctx, "queued input end of stream",
			slog.Int64("pts", stamp),
			slog.Int64("bytes_submitted", in.submitted),
		)
	}
	return nil
}

// Exhausted implements Input.
func (in *BudgetInput) Exhausted() bool {
	return in.eosQueued
}

// BytesSubmitted returns the payload bytes queued so far.
func (in *BudgetInput) BytesSubmitted() int64 {
	return in.submitted
}

// BuffersSubmitted returns the number of non-empty buffers queued so far.
func (in *BudgetInput) BuffersSubmitted() int64 {
	return in.buffers
}

type silence struct{}

func (silence) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Silence returns a reader producing an endless stream of zero bytes.
func Silence() io.Reader {
	return silence{}
}
