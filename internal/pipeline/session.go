package pipeline

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
	"github.com/jmylchreest/encmux/internal/models"
	"github.com/jmylchreest/encmux/internal/muxer"
	"github.com/jmylchreest/encmux/internal/observability"
	"github.com/jmylchreest/encmux/internal/pts"
)

// Session errors.
var (
	// ErrNoStreams indicates a session with neither video nor audio.
	ErrNoStreams = errors.New("session has no streams")

	// ErrMissingEncoder indicates a configured stream without an encoder.
	ErrMissingEncoder = errors.New("stream has no encoder")

	// ErrMissingMuxer indicates a session without a muxer.
	ErrMissingMuxer = errors.New("session has no muxer")

	// ErrNoVideo and ErrNoAudio indicate a call for a stream the session does not carry.
	ErrNoVideo = errors.New("session has no video stream")
	ErrNoAudio = errors.New("session has no audio stream")
)

// SessionConfig describes the streams of a session. A nil Video or Audio
// leaves that stream out.
type SessionConfig struct {
	Container  codec.Container
	OutputPath string
	Video      *VideoConfig
	Audio      *AudioConfig
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	VideoEncoder encoder.SurfaceEncoder
	AudioEncoder encoder.BufferEncoder
	Muxer        muxer.Muxer
	Logger       *slog.Logger
}

// Session owns one encode: the presentation clock, the mux gate and a
// pipeline per stream.
type Session struct {
	id     models.ULID
	cfg    SessionConfig
	clock  *pts.Clock
	gate   *muxer.Gate
	video  *VideoPipeline
	audio  *AudioPipeline
	logger *slog.Logger

	mu         sync.Mutex
	configErr  error
	firstErr   error
	startedAt  time.Time
	finishedAt time.Time
	finished   bool
	audioIn    int64
	rate       RateReport
}

// NewSession builds the clock, gate and pipelines for cfg.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if cfg.Video == nil && cfg.Audio == nil {
		return nil, ErrNoStreams
	}
	if deps.Muxer == nil {
		return nil, ErrMissingMuxer
	}
	if cfg.Container == "" {
		cfg.Container = codec.ContainerMP4
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := models.NewULID()
	logger = observability.WithSession(logger, id.String())

	var kinds []codec.Kind
	if cfg.Video != nil {
		if deps.VideoEncoder == nil {
			return nil, fmt.Errorf("video: %w", ErrMissingEncoder)
		}
		kinds = append(kinds, codec.KindVideo)
	}
	if cfg.Audio != nil {
		if deps.AudioEncoder == nil {
			return nil, fmt.Errorf("audio: %w", ErrMissingEncoder)
		}
		kinds = append(kinds, codec.KindAudio)
	}

	s := &Session{
		id:     id,
		cfg:    cfg,
		clock:  pts.NewClock(),
		gate:   muxer.NewGate(deps.Muxer, kinds, logger),
		logger: observability.WithComponent(logger, "session"),
	}
	if cfg.Video != nil {
		s.video = NewVideoPipeline(deps.VideoEncoder, s.gate, *cfg.Video, logger)
	}
	if cfg.Audio != nil {
		s.audio = NewAudioPipeline(deps.AudioEncoder, s.gate, s.clock, *cfg.Audio, logger)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() models.ULID {
	return s.id
}

// Clock returns the session presentation clock.
func (s *Session) Clock() *pts.Clock {
	return s.clock
}

// Gate returns the session mux gate.
func (s *Session) Gate() *muxer.Gate {
	return s.gate
}

// Video returns the video pipeline, nil when the session has no video.
func (s *Session) Video() *VideoPipeline {
	return s.video
}

// Audio returns the audio pipeline, nil when the session has no audio.
func (s *Session) Audio() *AudioPipeline {
	return s.audio
}

type stage struct {
	name    string
	kind    codec.Kind
	prepare func(ctx context.Context) error
}

// Prepare configures and starts every encoder.
//
// An encoder that rejects its configuration is logged and left
// unconfigured; its stream is dropped from the container, the session
// carries on and the error is kept in ConfigErr. Any other failure is
// returned.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	var stages []stage
	if s.video != nil {
		stages = append(stages, stage{"video", codec.KindVideo, s.video.Prepare})
	}
	if s.audio != nil {
		stages = append(stages, stage{"audio", codec.KindAudio, s.audio.Prepare})
	}

	for _, st := range stages {
		err := st.prepare(ctx)
		if err == nil {
			continue
		}
		var cfgErr *encoder.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.logger.ErrorContext(ctx, "encoder configuration rejected, continuing unconfigured",
				slog.String("stream", st.name),
				slog.String("error", err.Error()),
			)
			s.mu.Lock()
			if s.configErr == nil {
				s.configErr = err
			}
			s.mu.Unlock()
			if err := s.gate.Forget(st.kind); err != nil {
				s.recordErr(err)
				return fmt.Errorf("dropping %s stream: %w", st.name, err)
			}
			continue
		}
		s.recordErr(err)
		return fmt.Errorf("preparing %s: %w", st.name, err)
	}
	return nil
}

// ConfigErr returns the first configuration error seen by Prepare.
func (s *Session) ConfigErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configErr
}

// Err returns the first error any session call reported.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Session) recordErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// RenderFrame renders one frame through the video pipeline.
func (s *Session) RenderFrame(ctx context.Context, img image.Image) FrameResult {
	if s.video == nil {
		return FrameResult{Err: ErrNoVideo}
	}
	res := s.video.RenderFrame(ctx, img)
	s.recordErr(res.Err)
	return res
}

// DrainAudio runs one audio drain.
func (s *Session) DrainAudio(ctx context.Context, src io.Reader) (DrainStats, error) {
	if s.audio == nil {
		return DrainStats{}, ErrNoAudio
	}
	stats, err := s.audio.Drain(ctx, src)
	s.recordErr(err)

	s.mu.Lock()
	s.audioIn += stats.BytesIn
	if stats.Rate.Expected > 0 {
		s.rate = stats.Rate
	}
	s.mu.Unlock()
	return stats, err
}

// Completed reports whether every stream reached end of stream.
func (s *Session) Completed() bool {
	if s.video != nil && !s.video.EndOfStream() {
		return false
	}
	if s.audio != nil && !s.audio.EndOfStream() {
		return false
	}
	return true
}

// Finish tears the session down: each encoder is stopped if it was started
// and then released, then the container is stopped if it was started and
// released. Every step runs regardless of earlier failures. Further calls
// are no-ops.
func (s *Session) Finish() error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.finishedAt = time.Now()
	s.mu.Unlock()

	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.logger.Warn("teardown step failed", slog.String("step", name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if s.video != nil {
		step("stop video encoder", s.video.stop)
		step("release video encoder", s.video.release)
	}
	if s.audio != nil {
		step("stop audio encoder", s.audio.stop)
		step("release audio encoder", s.audio.release)
	}
	step("stop muxer", s.gate.Stop)
	step("release muxer", s.gate.Release)

	s.clock.Reset()
	s.logger.Info("session finished",
		slog.Bool("completed", s.Completed()),
		slog.String("container", string(s.cfg.Container)),
	)
	return errors.Join(errs...)
}

// Summary returns the session as a persistable run record.
func (s *Session) Summary() models.EncodeRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := models.EncodeRun{
		BaseModel:  models.BaseModel{ID: s.id},
		OutputPath: s.cfg.OutputPath,
		Container:  string(s.cfg.Container),
	}
	if !s.startedAt.IsZero() {
		run.MarkStarted(s.startedAt)
	} else {
		run.Status = models.RunStatusRunning
	}

	if s.video != nil {
		f := s.video.Format()
		if v, ok := codec.ParseVideo(f.MIME); ok {
			run.VideoCodec = string(v)
		}
		run.Width, run.Height, run.FrameRate = f.Width, f.Height, f.FrameRate
		ts := s.gate.Track(codec.KindVideo)
		run.VideoFrames, run.VideoBytes = ts.Samples, ts.Bytes
	}
	if s.audio != nil {
		if a, ok := codec.ParseAudio(s.audio.Format().MIME); ok {
			run.AudioCodec = string(a)
		}
		ts := s.gate.Track(codec.KindAudio)
		run.AudioSamples, run.AudioBytesOut = ts.Samples, ts.Bytes
		run.AudioBytesIn = s.audioIn
		run.RateExpected, run.RateActual, run.RateAnomalous = s.rate.Expected, s.rate.Actual, s.rate.Anomalous
	}

	if !s.finished {
		return run
	}

	status := models.RunStatusPartial
	switch {
	case s.configErr != nil:
		status = models.RunStatusUnconfigured
	case s.firstErr != nil:
		status = models.RunStatusFailed
	case s.Completed():
		status = models.RunStatusCompleted
	}
	errForRun := s.firstErr
	if errForRun == nil {
		errForRun = s.configErr
	}
	if run.StartedAt == nil {
		run.MarkStarted(s.finishedAt)
	}
	run.MarkFinished(s.finishedAt, status, errForRun)
	return run
}
