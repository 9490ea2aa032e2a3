package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
	"github.com/jmylchreest/encmux/internal/muxer"
	"github.com/jmylchreest/encmux/internal/observability"
	"github.com/jmylchreest/encmux/internal/pts"
	"github.com/jmylchreest/encmux/internal/pump"
)

// Video defaults.
const (
	DefaultFrameRate      = 30
	DefaultVideoBitRate   = 700_000
	DefaultIFrameInterval = 1
)

// VideoConfig configures a VideoPipeline.
type VideoConfig struct {
	// Format is the encoder input format. Zero FrameRate, BitRate and
	// IFrameInterval take the defaults above.
	Format codec.Format
	// PollTimeout bounds each output poll.
	PollTimeout time.Duration
	// MaxPolls limits the polls per call; 0 polls until output arrives.
	MaxPolls int
}

func (c *VideoConfig) applyDefaults() {
	if c.Format.MIME == "" {
		c.Format.MIME = codec.MIMEVideoAVC
	}
	if c.Format.FrameRate <= 0 {
		c.Format.FrameRate = DefaultFrameRate
	}
	if c.Format.BitRate <= 0 {
		c.Format.BitRate = DefaultVideoBitRate
	}
	if c.Format.IFrameInterval <= 0 {
		c.Format.IFrameInterval = DefaultIFrameInterval
	}
	if c.Format.ColorFormat == "" {
		c.Format.ColorFormat = codec.ColorFormatSurface
	}
}

// FrameResult is the outcome of one RenderFrame call.
type FrameResult struct {
	// Written is set when a non-empty video sample reached the container.
	Written bool
	// FrameIndex is the index the written sample was stamped with, or the
	// next index when nothing was written.
	FrameIndex int64
	// PTS is the presentation time of the written sample in microseconds.
	PTS int64
	// EndOfStream is set when the encoder signalled end of stream.
	EndOfStream bool
	Err         error
}

// VideoPipeline pushes rendered frames through a surface encoder into the
// video track of a mux gate. Samples are stamped with a fixed-rate clock:
// frame i is presented at i * 1e6 / frameRate microseconds.
type VideoPipeline struct {
	enc    encoder.SurfaceEncoder
	gate   *muxer.Gate
	cfg    VideoConfig
	logger *slog.Logger

	mu         sync.Mutex
	configured bool
	started    bool
	released   bool
	surface    *encoder.Surface
	input      *pump.SurfaceInput
	pump       *pump.Pump
	frameIndex int64
	bytes      int64
	eos        bool

	// set by OnSample during a call
	wrote   bool
	lastPTS int64
}

// NewVideoPipeline creates a video pipeline. Prepare must be called before
// the first frame.
func NewVideoPipeline(enc encoder.SurfaceEncoder, gate *muxer.Gate, cfg VideoConfig, logger *slog.Logger) *VideoPipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoPipeline{
		enc:    enc,
		gate:   gate,
		cfg:    cfg,
		logger: observability.WithComponent(logger, "video_pipeline"),
	}
}

// Format returns the encoder input format.
func (v *VideoPipeline) Format() codec.Format {
	return v.cfg.Format
}

// Prepare configures the encoder, creates its input surface and starts it.
// Configuration failures are returned as *encoder.ConfigurationError.
func (v *VideoPipeline) Prepare(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.configured {
		return ErrAlreadyPrepared
	}
	if err := v.enc.Configure(v.cfg.Format); err != nil {
		return err
	}
	v.configured = true

	surface, err := v.enc.CreateInputSurface()
	if err != nil {
		return fmt.Errorf("creating input surface: %w", err)
	}
	if err := v.enc.Start(ctx); err != nil {
		surface.Release()
		return fmt.Errorf("starting video encoder: %w", err)
	}
	v.started = true
	v.surface = surface
	v.input = pump.NewSurfaceInput(surface)
	v.pump = pump.New(v.enc, v.input, pump.Options{
		Kind:        codec.KindVideo,
		PollTimeout: v.cfg.PollTimeout,
		Logger:      v.logger,
	})

	v.logger.InfoContext(ctx, "video encoder started", slog.String("format", v.cfg.Format.String()))
	return nil
}

// Started reports whether the encoder was started.
func (v *VideoPipeline) Started() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.started
}

// Encoded returns the number of video samples written so far.
func (v *VideoPipeline) Encoded() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frameIndex
}

// Bytes returns the number of video bytes written so far.
func (v *VideoPipeline) Bytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bytes
}

// EndOfStream reports whether the encoder signalled end of stream.
func (v *VideoPipeline) EndOfStream() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.eos
}

// RenderFrame posts img to the encoder and pumps until one non-empty video
// sample has been written to the container. Failures are logged and
// reported in the result.
func (v *VideoPipeline) RenderFrame(ctx context.Context, img image.Image) FrameResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	res := v.renderFrame(ctx, img)
	if res.Err != nil {
		v.logger.ErrorContext(ctx, "rendering frame failed",
			slog.Int64("frame_index", res.FrameIndex),
			slog.String("error", res.Err.Error()),
		)
	}
	return res
}

func (v *VideoPipeline) renderFrame(ctx context.Context, img image.Image) FrameResult {
	if v.pump == nil {
		return FrameResult{Err: ErrNotPrepared}
	}
	if v.eos {
		return FrameResult{FrameIndex: v.frameIndex, EndOfStream: true, Err: ErrEndOfStream}
	}

	v.input.Post(img)
	return v.pumpUntilSample(ctx)
}

// pumpUntilSample loops the pump until a sample is written, the encoder
// signals end of stream or the loop fails.
func (v *VideoPipeline) pumpUntilSample(ctx context.Context) FrameResult {
	v.wrote = false
	for polls := 0; ; polls++ {
		if v.cfg.MaxPolls > 0 && polls >= v.cfg.MaxPolls {
			return FrameResult{FrameIndex: v.frameIndex, Err: fmt.Errorf("%w after %d polls", ErrNoOutput, polls)}
		}

		sig, err := v.pump.Once(ctx, v)
		if sig == pump.SignalEndOfStream {
			v.eos = true
		}
		if err != nil {
			return FrameResult{FrameIndex: v.frameIndex, EndOfStream: v.eos, Err: err}
		}
		if v.wrote {
			return FrameResult{
				Written:     true,
				FrameIndex:  v.frameIndex - 1,
				PTS:         v.lastPTS,
				EndOfStream: v.eos,
			}
		}
		if v.eos {
			return FrameResult{FrameIndex: v.frameIndex, EndOfStream: true}
		}
	}
}

// Drain signals end of input and writes the remaining encoder output until
// end of stream. It returns the number of samples written while draining.
func (v *VideoPipeline) Drain(ctx context.Context) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pump == nil {
		return 0, ErrNotPrepared
	}
	if v.eos {
		return 0, nil
	}
	if err := v.enc.SignalEndOfInputStream(); err != nil {
		return 0, fmt.Errorf("signalling end of input: %w", err)
	}

	before := v.frameIndex
	for !v.eos {
		res := v.pumpUntilSample(ctx)
		if res.Err != nil {
			return v.frameIndex - before, res.Err
		}
	}
	v.logger.DebugContext(ctx, "video encoder drained", slog.Int64("frames", v.frameIndex))
	return v.frameIndex - before, nil
}

// OnFormatChanged implements pump.Handler.
func (v *VideoPipeline) OnFormatChanged(_ context.Context, kind codec.Kind, format codec.Format) error {
	if format.FrameRate <= 0 {
		format.FrameRate = v.cfg.Format.FrameRate
	}
	return v.gate.FormatChanged(kind, format)
}

// OnSample implements pump.Handler.
func (v *VideoPipeline) OnSample(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) error {
	if muxer.EffectiveSize(info) == 0 {
		return nil
	}
	info.PresentationTimeUs = pts.FrameTime(v.frameIndex, int64(v.cfg.Format.FrameRate))

	wrote, err := v.gate.WriteSample(ctx, kind, data, info)
	if err != nil {
		return err
	}
	if wrote {
		v.wrote = true
		v.lastPTS = info.PresentationTimeUs
		v.frameIndex++
		v.bytes += int64(info.Size)
	}
	return nil
}

func (v *VideoPipeline) stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started {
		return nil
	}
	v.started = false
	return v.enc.Stop()
}

func (v *VideoPipeline) release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.released {
		return nil
	}
	v.released = true
	v.pump = nil
	return v.enc.Release()
}
