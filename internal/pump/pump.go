// Package pump drives one encoder's input and output queues.
//
// A single call to Pump.Once submits at most one unit of input, performs one
// bounded poll of the output queue and classifies the result into a Signal.
// Dequeued output buffers are handed to a Handler and always given back to
// the encoder before Once returns.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
	"github.com/jmylchreest/encmux/internal/observability"
)

// DefaultPollTimeout bounds each output poll.
const DefaultPollTimeout = 10 * time.Millisecond

// Signal classifies the outcome of one pump iteration.
type Signal int

// Pump signals.
const (
	SignalTryAgain Signal = iota
	SignalFormatChanged
	SignalBuffersInvalidated
	SignalSampleReady
	SignalEndOfStream
)

// String returns the string representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalTryAgain:
		return "try_again"
	case SignalFormatChanged:
		return "format_changed"
	case SignalBuffersInvalidated:
		return "buffers_invalidated"
	case SignalSampleReady:
		return "sample_ready"
	case SignalEndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Handler consumes what the encoder produces.
type Handler interface {
	// OnFormatChanged is called once per output format change.
	OnFormatChanged(ctx context.Context, kind codec.Kind, format codec.Format) error
	// OnSample is called for every dequeued output buffer, including codec
	// config and empty end of stream buffers. data is info.Size bytes long
	// and is only valid until OnSample returns.
	OnSample(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) error
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	FormatChanged func(ctx context.Context, kind codec.Kind, format codec.Format) error
	Sample        func(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) error
}

// OnFormatChanged implements Handler.
func (h HandlerFuncs) OnFormatChanged(ctx context.Context, kind codec.Kind, format codec.Format) error {
	if h.FormatChanged == nil {
		return nil
	}
	return h.FormatChanged(ctx, kind, format)
}

// OnSample implements Handler.
func (h HandlerFuncs) OnSample(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) error {
	if h.Sample == nil {
		return nil
	}
	return h.Sample(ctx, kind, data, info)
}

// Input feeds an encoder's input side.
type Input interface {
	// Submit hands at most one unit of input to the encoder.
	Submit(ctx context.Context) error
	// Exhausted reports whether the input has nothing more to submit.
	Exhausted() bool
}

// Options configures a Pump.
type Options struct {
	Kind        codec.Kind
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Stats counts what a pump has seen.
type Stats struct {
	Polls          int64
	FormatChanges  int64
	BufferChanges  int64
	Samples        int64
	BytesOut       int64
	EndOfStreamHit bool
}

// Pump moves data through one encoder. It is not safe for concurrent use.
type Pump struct {
	enc     encoder.Encoder
	in      Input
	opts    Options
	logger  *slog.Logger
	buffers [][]byte
	stats   Stats
}

// New creates a pump for enc. in may be nil when input arrives by other means.
func New(enc encoder.Encoder, in Input, opts Options) *Pump {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		enc:    enc,
		in:     in,
		opts:   opts,
		logger: observability.WithComponent(logger, "pump").With(slog.String("kind", opts.Kind.String())),
	}
}

// Stats returns a snapshot of the pump counters.
func (p *Pump) Stats() Stats {
	return p.stats
}

// Once runs a single pump iteration.
//
// Errors from the input, the encoder or the handler are returned alongside
// the signal of the step that failed. A *ProtocolViolation is never worth
// retrying.
func (p *Pump) Once(ctx context.Context, h Handler) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return SignalTryAgain, err
	}

	if p.in != nil && !p.in.Exhausted() {
		if err := p.in.Submit(ctx); err != nil {
			return SignalTryAgain, fmt.Errorf("submitting input: %w", err)
		}
	}

	var info codec.BufferInfo
	status, err := p.enc.DequeueOutputBuffer(&info, p.opts.PollTimeout)
	p.stats.Polls++
	if err != nil {
		return SignalTryAgain, fmt.Errorf("dequeueing output buffer: %w", err)
	}

	switch {
	case status == encoder.InfoTryAgainLater:
		return SignalTryAgain, nil

	case status == encoder.InfoOutputFormatChanged:
		p.stats.FormatChanges++
		format := p.enc.OutputFormat()
		p.logger.DebugContext(ctx, "encoder output format changed",
			slog.String("format", format.String()),
			slog.Int("csd", len(format.CSD)),
		)
		if h != nil {
			if err := h.OnFormatChanged(ctx, p.opts.Kind, format); err != nil {
				return SignalFormatChanged, err
			}
		}
		return SignalFormatChanged, nil

	case status == encoder.InfoOutputBuffersChanged:
		p.stats.BufferChanges++
		p.buffers = p.enc.OutputBuffers()
		p.logger.DebugContext(ctx, "encoder output buffers changed", slog.Int("count", len(p.buffers)))
		return SignalBuffersInvalidated, nil

	case status < 0:
		return SignalTryAgain, &ProtocolViolation{Status: status, Err: ErrUnexpectedStatus}
	}

	return p.handleBuffer(ctx, h, status, info)
}

func (p *Pump) handleBuffer(ctx context.Context, h Handler, index int, info codec.BufferInfo) (sig Signal, err error) {
	defer func() {
		if relErr := p.enc.ReleaseOutputBuffer(index); relErr != nil {
			err = errors.Join(err, fmt.Errorf("releasing output buffer %d: %w", index, relErr))
		}
	}()

	buf := p.buffer(index)
	if buf == nil {
		return SignalSampleReady, &ProtocolViolation{Status: index, Err: ErrNullOutputBuffer}
	}
	if !info.Within(len(buf)) {
		return SignalSampleReady, &ProtocolViolation{
			Status: index,
			Err:    fmt.Errorf("%w: offset %d size %d buffer %d", ErrBufferBounds, info.Offset, info.Size, len(buf)),
		}
	}

	data := info.Payload(buf)
	info.Offset = 0
	info.Size = len(data)

	sig = SignalSampleReady
	if info.IsEndOfStream() {
		sig = SignalEndOfStream
		p.stats.EndOfStreamHit = true
	}
	p.stats.Samples++
	p.stats.BytesOut += int64(info.Size)

	if h != nil {
		if err := h.OnSample(ctx, p.opts.Kind, data, info); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

// buffer returns the cached output buffer at index, refreshing the cache
// when the index falls outside it.
func (p *Pump) buffer(index int) []byte {
	if index >= len(p.buffers) {
		p.buffers = p.enc.OutputBuffers()
	}
	if index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}
