// Package encoder defines the operation-queue interface encmux uses to talk
// to a media encoder. The encoder itself is a black box: raw input goes in
// through an input surface or a pool of input buffers, encoded access units
// come out of a pool of output buffers.
package encoder

import (
	"context"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
)

// Status codes returned by DequeueOutputBuffer and DequeueInputBuffer in
// place of a buffer index.
const (
	// InfoTryAgainLater means no buffer became available within the timeout.
	InfoTryAgainLater = -1
	// InfoOutputFormatChanged means OutputFormat now returns a new format.
	InfoOutputFormatChanged = -2
	// InfoOutputBuffersChanged means OutputBuffers must be fetched again.
	InfoOutputBuffersChanged = -3
)

// StatusName returns a printable name for a dequeue status or buffer index.
func StatusName(status int) string {
	switch status {
	case InfoTryAgainLater:
		return "try_again_later"
	case InfoOutputFormatChanged:
		return "output_format_changed"
	case InfoOutputBuffersChanged:
		return "output_buffers_changed"
	}
	if status >= 0 {
		return "buffer"
	}
	return "unknown"
}

// Encoder is the output side shared by every encoder.
//
// Output buffers returned by OutputBuffers are owned by the encoder. A
// buffer index handed out by DequeueOutputBuffer must be given back with
// ReleaseOutputBuffer before the encoder may reuse it.
type Encoder interface {
	// Configure sets the input format. It fails with *ConfigurationError.
	Configure(format codec.Format) error
	// Start begins encoding. Configure must have succeeded.
	Start(ctx context.Context) error

	// DequeueOutputBuffer waits up to timeout for encoded output. It returns
	// a buffer index >= 0 with info filled in, or one of the Info* codes.
	DequeueOutputBuffer(info *codec.BufferInfo, timeout time.Duration) (int, error)
	// OutputFormat returns the most recent output format.
	OutputFormat() codec.Format
	// OutputBuffers returns the current output buffer pool.
	OutputBuffers() [][]byte
	// ReleaseOutputBuffer returns a dequeued buffer to the encoder.
	ReleaseOutputBuffer(index int) error

	Stop() error
	Release() error
}

// SurfaceEncoder is an encoder fed through an input surface.
type SurfaceEncoder interface {
	Encoder
	// CreateInputSurface must be called after Configure and before Start.
	CreateInputSurface() (*Surface, error)
	// SignalEndOfInputStream tells the encoder no more frames will be
	// posted. Pending output is flushed and followed by an end of stream
	// buffer.
	SignalEndOfInputStream() error
}

// BufferEncoder is an encoder fed through a pool of input buffers.
type BufferEncoder interface {
	Encoder
	// InputBuffers returns the input buffer pool.
	InputBuffers() [][]byte
	// DequeueInputBuffer waits up to timeout for a free input buffer. It
	// returns the buffer index or InfoTryAgainLater.
	DequeueInputBuffer(timeout time.Duration) (int, error)
	// QueueInputBuffer hands buffer index back to the encoder with size
	// bytes of payload starting at offset.
	QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlag) error
}
