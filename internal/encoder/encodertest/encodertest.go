// Package encodertest provides a scripted in-memory encoder for tests.
//
// The fake implements both encoder.SurfaceEncoder and encoder.BufferEncoder.
// Output is driven by a queue of Steps: tests either Push steps up front or
// install OnInput / OnFrame responders that push steps as input arrives.
package encodertest

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
)

// Step is one scripted result of DequeueOutputBuffer.
type Step struct {
	// Status is an encoder.Info* code, or any value >= 0 to hand out a buffer.
	Status int
	// Format becomes the output format on InfoOutputFormatChanged.
	Format codec.Format
	// Data is the buffer payload; Info describes it.
	Data []byte
	Info codec.BufferInfo
	// NilBuffer hands out an index whose buffer slot is nil.
	NilBuffer bool
	// Err is returned from DequeueOutputBuffer instead of a status.
	Err error
}

// TryAgain returns a step reporting no output.
func TryAgain() Step { return Step{Status: encoder.InfoTryAgainLater} }

// FormatChanged returns a step announcing f as the new output format.
func FormatChanged(f codec.Format) Step {
	return Step{Status: encoder.InfoOutputFormatChanged, Format: f}
}

// BuffersChanged returns a step invalidating the output buffer pool.
func BuffersChanged() Step { return Step{Status: encoder.InfoOutputBuffersChanged} }

// Status returns a step reporting an arbitrary status code.
func Status(code int) Step { return Step{Status: code} }

// Sample returns a step handing out data with the given pts and flags.
func Sample(data []byte, ptsUs int64, flags codec.BufferFlag) Step {
	return Step{
		Data: data,
		Info: codec.BufferInfo{Size: len(data), PresentationTimeUs: ptsUs, Flags: flags},
	}
}

// CodecConfig returns a step handing out codec specific data.
func CodecConfig(data []byte) Step {
	return Sample(data, 0, codec.FlagCodecConfig)
}

// EOS returns an empty end of stream step. The buffer exists but carries
// no payload.
func EOS() Step {
	return Sample([]byte{}, 0, codec.FlagEndOfStream)
}

// NilBuffer returns a step handing out an index whose buffer is nil.
func NilBuffer(size int) Step {
	return Step{NilBuffer: true, Info: codec.BufferInfo{Size: size}}
}

// Input records one QueueInputBuffer call.
type Input struct {
	Index  int
	Offset int
	Size   int
	PTS    int64
	Flags  codec.BufferFlag
	Data   []byte
}

// Counts records how often lifecycle methods were called.
type Counts struct {
	Configure     int
	Start         int
	Stop          int
	Release       int
	DequeueOutput int
	DequeueInput  int
	BufferChanges int
	EndOfInput    int
}

// Encoder is a scripted fake encoder.
type Encoder struct {
	// ConfigureErr makes Configure fail with a *encoder.ConfigurationError.
	ConfigureErr error
	// StartErr makes Start fail.
	StartErr error
	// OutputBufferCount sizes the output pool (default 4).
	OutputBufferCount int
	// InputBufferCount and InputBufferSize shape the input pool.
	InputBufferCount int
	InputBufferSize  int
	// InputTryAgain makes the first N DequeueInputBuffer calls report no buffer.
	InputTryAgain int

	// OnInput is called for every queued input buffer; returned steps are
	// appended to the output queue.
	OnInput func(in Input) []Step
	// OnFrame is called for every frame posted to the input surface.
	OnFrame func(n int64, frame *image.RGBA) []Step

	mu         sync.Mutex
	steps      []Step
	input      codec.Format
	output     codec.Format
	configured bool
	started    bool
	released   bool
	outBuffers [][]byte
	outBusy    map[int]bool
	inBuffers  [][]byte
	inBusy     map[int]bool
	inputs     []Input
	frames     []*image.RGBA
	releasedIx []int
	counts     Counts
	surface    *encoder.Surface
}

var (
	_ encoder.SurfaceEncoder = (*Encoder)(nil)
	_ encoder.BufferEncoder  = (*Encoder)(nil)
)

// New returns a fake encoder that will replay steps.
func New(steps ...Step) *Encoder {
	return &Encoder{
		steps:   steps,
		outBusy: make(map[int]bool),
		inBusy:  make(map[int]bool),
	}
}

// Push appends steps to the output queue.
func (e *Encoder) Push(steps ...Step) {
	e.mu.Lock()
	e.steps = append(e.steps, steps...)
	e.mu.Unlock()
}

// Pending returns the number of steps not yet dequeued.
func (e *Encoder) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steps)
}

// Configure implements encoder.Encoder.
func (e *Encoder) Configure(format codec.Format) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Configure++
	if e.ConfigureErr != nil {
		return encoder.NewConfigurationError(format.MIME, e.ConfigureErr)
	}
	e.input = format
	e.configured = true

	outCount := e.OutputBufferCount
	if outCount <= 0 {
		outCount = 4
	}
	e.outBuffers = make([][]byte, outCount)

	count := e.InputBufferCount
	if count <= 0 {
		count = 4
	}
	size := e.InputBufferSize
	if size <= 0 {
		size = format.MaxInputSize
	}
	if size <= 0 {
		size = 16384
	}
	e.inBuffers = make([][]byte, count)
	for i := range e.inBuffers {
		e.inBuffers[i] = make([]byte, size)
	}
	return nil
}

// Start implements encoder.Encoder.
func (e *Encoder) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Start++
	if !e.configured {
		return encoder.ErrNotConfigured
	}
	if e.StartErr != nil {
		return e.StartErr
	}
	e.started = true
	return nil
}

// CreateInputSurface implements encoder.SurfaceEncoder.
func (e *Encoder) CreateInputSurface() (*encoder.Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured {
		return nil, encoder.ErrNotConfigured
	}
	e.surface = encoder.NewSurface(e.input.Width, e.input.Height, e.postFrame)
	return e.surface, nil
}

func (e *Encoder) postFrame(_ context.Context, frame *image.RGBA) error {
	e.mu.Lock()
	e.frames = append(e.frames, frame)
	n := int64(len(e.frames))
	onFrame := e.OnFrame
	e.mu.Unlock()

	if onFrame != nil {
		e.Push(onFrame(n, frame)...)
	}
	return nil
}

// SignalEndOfInputStream implements encoder.SurfaceEncoder. It queues an
// end of stream output after whatever is already scripted.
func (e *Encoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.EndOfInput++
	if !e.started {
		return encoder.ErrNotStarted
	}
	e.steps = append(e.steps, EOS())
	return nil
}

// InputBuffers implements encoder.BufferEncoder.
func (e *Encoder) InputBuffers() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inBuffers
}

// DequeueInputBuffer implements encoder.BufferEncoder.
func (e *Encoder) DequeueInputBuffer(time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.DequeueInput++
	if !e.started {
		return 0, encoder.ErrNotStarted
	}
	if e.InputTryAgain > 0 {
		e.InputTryAgain--
		return encoder.InfoTryAgainLater, nil
	}
	for i := range e.inBuffers {
		if !e.inBusy[i] {
			e.inBusy[i] = true
			return i, nil
		}
	}
	return encoder.InfoTryAgainLater, nil
}

// QueueInputBuffer implements encoder.BufferEncoder.
func (e *Encoder) QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlag) error {
	e.mu.Lock()
	if !e.inBusy[index] {
		e.mu.Unlock()
		return encoder.ErrInvalidIndex
	}
	e.inBusy[index] = false
	data := make([]byte, size)
	copy(data, e.inBuffers[index][offset:offset+size])
	in := Input{Index: index, Offset: offset, Size: size, PTS: ptsUs, Flags: flags, Data: data}
	e.inputs = append(e.inputs, in)
	onInput := e.OnInput
	e.mu.Unlock()

	if onInput != nil {
		e.Push(onInput(in)...)
	}
	return nil
}

// DequeueOutputBuffer implements encoder.Encoder.
func (e *Encoder) DequeueOutputBuffer(info *codec.BufferInfo, _ time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.DequeueOutput++
	if !e.started {
		return 0, encoder.ErrNotStarted
	}
	if len(e.steps) == 0 {
		return encoder.InfoTryAgainLater, nil
	}
	step := e.steps[0]
	index := -1
	if step.Err == nil && step.Status >= 0 {
		if index = e.freeOutputSlot(); index < 0 {
			return encoder.InfoTryAgainLater, nil
		}
	}
	e.steps = e.steps[1:]

	if step.Err != nil {
		return 0, step.Err
	}

	switch step.Status {
	case encoder.InfoOutputFormatChanged:
		e.output = step.Format
		return step.Status, nil
	case encoder.InfoOutputBuffersChanged:
		e.counts.BufferChanges++
		fresh := make([][]byte, len(e.outBuffers))
		copy(fresh, e.outBuffers)
		e.outBuffers = fresh
		return step.Status, nil
	}
	if step.Status < 0 {
		return step.Status, nil
	}

	if step.NilBuffer {
		e.outBuffers[index] = nil
	} else {
		e.outBuffers[index] = step.Data
	}
	e.outBusy[index] = true
	*info = step.Info
	return index, nil
}

func (e *Encoder) freeOutputSlot() int {
	for i := range e.outBuffers {
		if !e.outBusy[i] {
			return i
		}
	}
	return -1
}

// OutputFormat implements encoder.Encoder.
func (e *Encoder) OutputFormat() codec.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}

// OutputBuffers implements encoder.Encoder.
func (e *Encoder) OutputBuffers() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outBuffers
}

// ReleaseOutputBuffer implements encoder.Encoder.
func (e *Encoder) ReleaseOutputBuffer(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.outBusy[index] {
		return encoder.ErrInvalidIndex
	}
	e.outBusy[index] = false
	e.releasedIx = append(e.releasedIx, index)
	return nil
}

// Stop implements encoder.Encoder.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Stop++
	if !e.started {
		return encoder.ErrNotStarted
	}
	e.started = false
	return nil
}

// Release implements encoder.Encoder.
func (e *Encoder) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Release++
	if e.released {
		return encoder.ErrReleased
	}
	e.released = true
	if e.surface != nil {
		e.surface.Release()
	}
	return nil
}

// Counts returns lifecycle call counts.
func (e *Encoder) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Inputs returns every queued input buffer.
func (e *Encoder) Inputs() []Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Input(nil), e.inputs...)
}

// Frames returns every frame posted to the input surface.
func (e *Encoder) Frames() []*image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*image.RGBA(nil), e.frames...)
}

// ReleasedBuffers returns the output indexes released so far, in order.
func (e *Encoder) ReleasedBuffers() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.releasedIx...)
}

// Outstanding returns the number of output buffers not yet released.
func (e *Encoder) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, busy := range e.outBusy {
		if busy {
			n++
		}
	}
	return n
}

// Started reports whether the encoder is running.
func (e *Encoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Released reports whether Release was called.
func (e *Encoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}
