package pipeline

import (
	"context"
	"fmt"
	"io"
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

// Audio defaults.
const (
	DefaultSampleRate    = 48000
	DefaultChannelCount  = 1
	DefaultAudioBitRate  = 190_000
	DefaultMaxInputSize  = 16384
	DefaultBitsPerSample = 16
)

// AudioTimestamps selects how audio samples are stamped.
type AudioTimestamps string

const (
	// AudioTimestampsSequence stamps every sample with the session clock's
	// next dequeued value.
	AudioTimestampsSequence AudioTimestamps = "sequence"
	// AudioTimestampsEncoder keeps the encoder's timestamps, nudged forward
	// when they would not increase.
	AudioTimestampsEncoder AudioTimestamps = "encoder"
)

// AudioConfig configures an AudioPipeline.
type AudioConfig struct {
	// Format is the encoder input format. Zero fields take the defaults above.
	Format codec.Format
	// InputBudget is the number of PCM bytes submitted per Drain.
	InputBudget int64
	// BitsPerSample of the PCM input, used by the rate check.
	BitsPerSample int
	// Timestamps selects the sample clock; empty means sequence.
	Timestamps  AudioTimestamps
	PollTimeout time.Duration
	// MaxPolls limits the polls per Drain; 0 polls until end of stream.
	MaxPolls int
}

func (c *AudioConfig) applyDefaults() {
	if c.Format.MIME == "" {
		c.Format.MIME = codec.MIMEAudioAAC
	}
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = DefaultSampleRate
	}
	if c.Format.ChannelCount <= 0 {
		c.Format.ChannelCount = DefaultChannelCount
	}
	if c.Format.BitRate <= 0 {
		c.Format.BitRate = DefaultAudioBitRate
	}
	if c.Format.MaxInputSize <= 0 {
		c.Format.MaxInputSize = DefaultMaxInputSize
	}
	if c.Format.AACProfile == 0 {
		c.Format.AACProfile = codec.AACProfileLC
	}
	if c.InputBudget <= 0 {
		c.InputBudget = pump.DefaultInputBudget
	}
	if c.BitsPerSample <= 0 {
		c.BitsPerSample = DefaultBitsPerSample
	}
	if c.Timestamps == "" {
		c.Timestamps = AudioTimestampsSequence
	}
}

// DrainStats summarises one Drain call.
type DrainStats struct {
	BytesIn    int64
	BytesOut   int64
	BuffersIn  int64
	SamplesOut int64
	// Duration is the play time of the PCM submitted.
	Duration time.Duration
	Rate     RateReport
}

// AudioPipeline drains a byte budget of PCM through a buffer encoder into
// the audio track of a mux gate.
type AudioPipeline struct {
	enc    encoder.BufferEncoder
	gate   *muxer.Gate
	clock  *pts.Clock
	cfg    AudioConfig
	logger *slog.Logger

	mu         sync.Mutex
	configured bool
	started    bool
	released   bool
	eos        bool
	samples    int64
	bytes      int64
	lastPTS    int64
	hasPTS     bool
}

// NewAudioPipeline creates an audio pipeline stamping samples with clock.
// A nil clock gets a fresh one.
func NewAudioPipeline(enc encoder.BufferEncoder, gate *muxer.Gate, clock *pts.Clock, cfg AudioConfig, logger *slog.Logger) *AudioPipeline {
	cfg.applyDefaults()
	if clock == nil {
		clock = pts.NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioPipeline{
		enc:    enc,
		gate:   gate,
		clock:  clock,
		cfg:    cfg,
		logger: observability.WithComponent(logger, "audio_pipeline"),
	}
}

// Format returns the encoder input format.
func (a *AudioPipeline) Format() codec.Format {
	return a.cfg.Format
}

// Prepare configures and starts the encoder. Configuration failures are
// returned as *encoder.ConfigurationError.
func (a *AudioPipeline) Prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.configured {
		return ErrAlreadyPrepared
	}
	if err := a.enc.Configure(a.cfg.Format); err != nil {
		return err
	}
	a.configured = true

	if err := a.enc.Start(ctx); err != nil {
		return fmt.Errorf("starting audio encoder: %w", err)
	}
	a.started = true
	a.logger.InfoContext(ctx, "audio encoder started", slog.String("format", a.cfg.Format.String()))
	return nil
}

// Started reports whether the encoder was started.
func (a *AudioPipeline) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// EndOfStream reports whether the encoder signalled end of stream.
func (a *AudioPipeline) EndOfStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eos
}

// Drain submits InputBudget bytes read from src, followed by an end of
// stream input, and writes encoder output until the end of stream output.
// A nil src submits silence.
func (a *AudioPipeline) Drain(ctx context.Context, src io.Reader) (stats DrainStats, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return stats, ErrNotPrepared
	}
	if a.eos {
		return stats, ErrEndOfStream
	}

	defer observability.TimedOperationWithError(ctx, a.logger, "audio_drain", &err)()

	in := pump.NewBudgetInput(a.enc, a.clock, a.cfg.InputBudget, src)
	in.Timeout = a.cfg.PollTimeout
	in.Logger = a.logger
	p := pump.New(a.enc, in, pump.Options{
		Kind:        codec.KindAudio,
		PollTimeout: a.cfg.PollTimeout,
		Logger:      a.logger,
	})

	samplesBefore, bytesBefore := a.samples, a.bytes
	collect := func() {
		stats.BytesIn = in.BytesSubmitted()
		stats.BuffersIn = in.BuffersSubmitted()
		stats.SamplesOut = a.samples - samplesBefore
		stats.BytesOut = a.bytes - bytesBefore
		stats.Duration = time.Duration(pts.PCMTime(stats.BytesIn, a.cfg.Format.SampleRate, a.cfg.Format.ChannelCount)) * time.Microsecond
	}

	for polls := 0; ; polls++ {
		if a.cfg.MaxPolls > 0 && polls >= a.cfg.MaxPolls {
			collect()
			return stats, fmt.Errorf("%w after %d polls", ErrNoOutput, polls)
		}
		sig, err := p.Once(ctx, a)
		if sig == pump.SignalEndOfStream {
			a.eos = true
		}
		if err != nil {
			collect()
			return stats, err
		}
		if a.eos {
			break
		}
	}

	collect()
	f := a.cfg.Format
	stats.Rate = RateCheck(f.BitRate, f.SampleRate, f.ChannelCount, a.cfg.BitsPerSample, stats.BytesIn, stats.BytesOut)
	if stats.Rate.Anomalous {
		a.logger.WarnContext(ctx, "audio rate anomaly",
			slog.Float64("expected", stats.Rate.Expected),
			slog.Float64("actual", stats.Rate.Actual),
			slog.Int64("bytes_in", stats.BytesIn),
			slog.Int64("bytes_out", stats.BytesOut),
		)
	}
	return stats, nil
}

// Totals returns the samples and bytes written over the pipeline's life.
func (a *AudioPipeline) Totals() (samples, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.samples, a.bytes
}

// OnFormatChanged implements pump.Handler.
func (a *AudioPipeline) OnFormatChanged(_ context.Context, kind codec.Kind, format codec.Format) error {
	return a.gate.FormatChanged(kind, format)
}

// OnSample implements pump.Handler.
func (a *AudioPipeline) OnSample(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) error {
	if muxer.EffectiveSize(info) == 0 {
		return nil
	}
	info.PresentationTimeUs = a.timestamp(info.PresentationTimeUs)

	wrote, err := a.gate.WriteSample(ctx, kind, data, info)
	if err != nil {
		return err
	}
	if wrote {
		a.samples++
		a.bytes += int64(info.Size)
		a.lastPTS = info.PresentationTimeUs
		a.hasPTS = true
	}
	return nil
}

func (a *AudioPipeline) timestamp(encoderPTS int64) int64 {
	if a.cfg.Timestamps != AudioTimestampsEncoder {
		return a.clock.NextDequeued()
	}
	if a.hasPTS && encoderPTS <= a.lastPTS {
		return a.lastPTS + 1
	}
	return encoderPTS
}

func (a *AudioPipeline) stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	return a.enc.Stop()
}

func (a *AudioPipeline) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	return a.enc.Release()
}
