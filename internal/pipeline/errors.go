// Package pipeline drives encoders into a shared container.
//
// A VideoPipeline renders one frame per call through a surface-fed encoder,
// an AudioPipeline drains a byte budget through a buffer-fed encoder, and a
// Session owns the clock, the mux gate and the teardown of both.
package pipeline

import "errors"

// Pipeline errors.
var (
	// ErrNotPrepared indicates a pipeline call before its encoder was configured and started.
	ErrNotPrepared = errors.New("pipeline not prepared")

	// ErrNoOutput indicates the poll limit was reached without a muxed sample.
	ErrNoOutput = errors.New("no encoder output")

	// ErrEndOfStream indicates the encoder already signalled end of stream.
	ErrEndOfStream = errors.New("encoder reached end of stream")

	// ErrAlreadyPrepared indicates Prepare was called twice.
	ErrAlreadyPrepared = errors.New("pipeline already prepared")
)
