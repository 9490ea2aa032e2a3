package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/config"
	"github.com/jmylchreest/encmux/internal/database"
	"github.com/jmylchreest/encmux/internal/ffmpeg"
	"github.com/jmylchreest/encmux/internal/models"
	"github.com/jmylchreest/encmux/internal/muxer"
	"github.com/jmylchreest/encmux/internal/observability"
	"github.com/jmylchreest/encmux/internal/pipeline"
	"github.com/jmylchreest/encmux/internal/repository"
)

// persistTimeout bounds the final run save, which runs after ctx may
// already be cancelled.
const persistTimeout = 5 * time.Second

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a generated test pattern into a container file",
	Long: `Render a color bar test pattern through the video encoder, optionally
with an audio track, and mux the result into the configured container.

The audio track is silent unless --audio-input names a raw s16le PCM file.
The file can be cut to a time range, mixed with a second file, downmixed
from stereo and ducked or muted over a window.

Flags override the matching configuration values:

  encmux encode --frames 300 --container mkv --output bars.mkv --audio
  encmux encode --audio-input music.pcm --audio-input-channels 2 \
      --audio-mix voice.pcm --audio-mix-offset 2s \
      --audio-duck-start 2s --audio-duck-end 6s --audio-duck-ramp 500ms --audio-duck-level 0.3`,
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)

	f := encodeCmd.Flags()
	f.Int("frames", 90, "number of frames to render")
	f.StringP("output", "o", "", "output file (overrides output.path)")
	f.String("container", "", "container format: mp4, fmp4, mpegts, mkv")
	f.String("codec", "", "video codec: h264, h265")
	f.Int("width", 0, "frame width")
	f.Int("height", 0, "frame height")
	f.Int("fps", 0, "frame rate")
	f.String("hwaccel", "", "hardware acceleration: none, cuda, qsv, vaapi, videotoolbox")
	f.Bool("audio", false, "add an AAC track")
	f.String("audio-input", "", "raw s16le PCM file for the audio track (implies --audio)")
	f.Int("audio-input-channels", 0, "channels of the PCM files (default audio.channel_count)")
	f.Duration("audio-cut-from", 0, "start of the part of --audio-input to keep")
	f.Duration("audio-cut-to", 0, "end of the part of --audio-input to keep")
	f.String("audio-mix", "", "second PCM file mixed over --audio-input")
	f.Duration("audio-mix-offset", 0, "time at which --audio-mix starts")
	f.Duration("audio-duck-start", 0, "start of the ducked window")
	f.Duration("audio-duck-end", 0, "end of the ducked window")
	f.Duration("audio-duck-ramp", 0, "fade length either side of the ducked window")
	f.Float64("audio-duck-level", 0, "gain inside the ducked window, 0 mutes")
	f.Bool("no-db", false, "do not record the run in the database")
}

// applyEncodeFlags copies explicitly set flags over cfg.
func applyEncodeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("output") {
		cfg.Output.Path, _ = f.GetString("output")
	}
	if f.Changed("container") {
		cfg.Output.Container, _ = f.GetString("container")
	}
	if f.Changed("codec") {
		cfg.Video.Codec, _ = f.GetString("codec")
	}
	if f.Changed("width") {
		cfg.Video.Width, _ = f.GetInt("width")
	}
	if f.Changed("height") {
		cfg.Video.Height, _ = f.GetInt("height")
	}
	if f.Changed("fps") {
		cfg.Video.FrameRate, _ = f.GetInt("fps")
	}
	if f.Changed("hwaccel") {
		cfg.Encoder.HWAccel, _ = f.GetString("hwaccel")
	}
	if f.Changed("audio") {
		cfg.Audio.Enabled, _ = f.GetBool("audio")
	}
	if f.Changed("audio-input") {
		cfg.Audio.Input.Path, _ = f.GetString("audio-input")
		cfg.Audio.Enabled = true
	}
	if f.Changed("audio-input-channels") {
		cfg.Audio.Input.Channels, _ = f.GetInt("audio-input-channels")
	}
	if f.Changed("audio-cut-from") {
		cfg.Audio.Input.CutFrom, _ = f.GetDuration("audio-cut-from")
	}
	if f.Changed("audio-cut-to") {
		cfg.Audio.Input.CutTo, _ = f.GetDuration("audio-cut-to")
	}
	if f.Changed("audio-mix") {
		cfg.Audio.Input.Mix, _ = f.GetString("audio-mix")
	}
	if f.Changed("audio-mix-offset") {
		cfg.Audio.Input.MixOffset, _ = f.GetDuration("audio-mix-offset")
	}
	if f.Changed("audio-duck-start") {
		cfg.Audio.Input.DuckStart, _ = f.GetDuration("audio-duck-start")
	}
	if f.Changed("audio-duck-end") {
		cfg.Audio.Input.DuckEnd, _ = f.GetDuration("audio-duck-end")
	}
	if f.Changed("audio-duck-ramp") {
		cfg.Audio.Input.DuckRamp, _ = f.GetDuration("audio-duck-ramp")
	}
	if f.Changed("audio-duck-level") {
		cfg.Audio.Input.DuckLevel, _ = f.GetFloat64("audio-duck-level")
	}
	if noDB, _ := f.GetBool("no-db"); noDB {
		cfg.Database.Enabled = false
	}
}

func runEncode(cmd *cobra.Command, _ []string) error {
	cfg := *appCfg
	applyEncodeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	frames, _ := cmd.Flags().GetInt("frames")
	if frames <= 0 {
		return fmt.Errorf("--frames must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	info, err := detectFFmpeg(ctx, &cfg)
	if err != nil {
		return err
	}
	cfg.Encoder.BinaryPath = info.FFmpegPath
	logger.Debug("using ffmpeg", slog.String("path", info.FFmpegPath), slog.String("version", info.Version))

	var runs repository.EncodeRunRepository
	if cfg.Database.Enabled {
		db, err := database.Open(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		runs = repository.NewEncodeRunRepository(db.DB)
	}

	job, err := newEncodeJob(&cfg, logger)
	if err != nil {
		return err
	}

	encodeErr := job.encode(ctx, frames, runs)
	run := job.finish(ctx)

	if runs != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := runs.Save(saveCtx, run); err != nil {
			logger.Warn("failed to record run", slog.String("error", err.Error()))
		}
		cancel()
	}

	printRun(cmd.OutOrStdout(), run)
	if encodeErr != nil {
		return encodeErr
	}
	if run.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s ended %s: %s", run.ID, run.Status, run.LastError)
	}
	return nil
}

// detectFFmpeg resolves the ffmpeg binary and checks it carries the encoders
// cfg selects.
func detectFFmpeg(ctx context.Context, cfg *config.Config) (*ffmpeg.BinaryInfo, error) {
	info, err := ffmpeg.NewBinaryDetector(cfg.Encoder.BinaryPath).Detect(ctx)
	if err != nil {
		return nil, err
	}
	if err := info.CheckEncoders(encoderNames(cfg)...); err != nil {
		return nil, err
	}
	return info, nil
}

// encoderNames returns the ffmpeg encoders an encode run with cfg uses.
func encoderNames(cfg *config.Config) []string {
	hw, _ := codec.ParseHWAccel(cfg.Encoder.HWAccel)
	video, _ := codec.ParseVideo(cfg.Video.Codec)
	names := []string{codec.GetVideoEncoder(video, hw)}
	if cfg.Audio.Enabled {
		audio, _ := codec.ParseAudio(cfg.Audio.Codec)
		names = append(names, codec.GetAudioEncoder(audio))
	}
	return names
}

// encodeJob is one encode session together with the encoders behind it.
type encodeJob struct {
	cfg    *config.Config
	video  *ffmpeg.Encoder
	audio  *ffmpeg.Encoder
	sess   *pipeline.Session
	logger *slog.Logger
}

func newEncodeJob(cfg *config.Config, logger *slog.Logger) (*encodeJob, error) {
	container, _ := codec.ParseContainer(cfg.Output.Container)
	hw, _ := codec.ParseHWAccel(cfg.Encoder.HWAccel)
	opts := ffmpeg.Options{
		Binary:          cfg.Encoder.BinaryPath,
		HWAccel:         hw,
		HWDevice:        cfg.Encoder.HWDevice,
		Preset:          cfg.Encoder.Preset,
		MonitorInterval: cfg.Encoder.MonitorInterval,
		Logger:          logger,
	}

	job := &encodeJob{cfg: cfg, logger: logger, video: ffmpeg.NewVideoEncoder(opts)}
	sessCfg := pipeline.SessionConfig{
		Container:  container,
		OutputPath: cfg.Output.Path,
		Video: &pipeline.VideoConfig{
			Format:      cfg.Video.VideoFormat(),
			PollTimeout: cfg.Video.PollTimeout,
			MaxPolls:    cfg.Video.MaxPolls,
		},
	}
	deps := pipeline.SessionDeps{VideoEncoder: job.video, Logger: logger}

	if cfg.Audio.Enabled {
		job.audio = ffmpeg.NewAudioEncoder(opts)
		sessCfg.Audio = &pipeline.AudioConfig{
			Format:        cfg.Audio.AudioFormat(),
			InputBudget:   cfg.Audio.InputBudget.Bytes(),
			BitsPerSample: cfg.Audio.BitsPerSample,
			Timestamps:    pipeline.AudioTimestamps(cfg.Audio.Timestamps),
			PollTimeout:   cfg.Audio.PollTimeout,
			MaxPolls:      cfg.Audio.MaxPolls,
		}
		deps.AudioEncoder = job.audio
	}

	mux, err := muxer.Create(container, cfg.Output.Path, logger)
	if err != nil {
		return nil, err
	}
	deps.Muxer = mux

	sess, err := pipeline.NewSession(sessCfg, deps)
	if err != nil {
		_ = mux.Release()
		return nil, fmt.Errorf("creating session: %w", err)
	}
	job.sess = sess
	job.logger = observability.WithSession(logger, sess.ID().String())
	return job, nil
}

// encode prepares the session and renders frames test pattern frames. With
// audio the drain runs alongside the video, since the container only starts
// once both tracks have announced their format.
func (j *encodeJob) encode(ctx context.Context, frames int, runs repository.EncodeRunRepository) (err error) {
	defer observability.TimedOperationWithError(ctx, j.logger, "encode", &err)()

	if err := j.sess.Prepare(ctx); err != nil {
		return err
	}
	if err := j.sess.ConfigErr(); err != nil {
		return err
	}
	if runs != nil {
		run := j.sess.Summary()
		if err := runs.Save(ctx, &run); err != nil {
			j.logger.WarnContext(ctx, "failed to record run start", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if j.sess.Audio() != nil {
		src, closeInput, err := openAudioInput(j.cfg.Audio)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeInput(); err != nil {
				j.logger.WarnContext(ctx, "closing audio input", slog.String("error", err.Error()))
			}
		}()

		g.Go(func() error {
			stats, err := j.sess.DrainAudio(gctx, src)
			if err != nil {
				return fmt.Errorf("draining audio: %w", err)
			}
			j.logger.InfoContext(gctx, "audio drained",
				slog.Int64("bytes_in", stats.BytesIn),
				slog.Int64("samples_out", stats.SamplesOut),
				slog.String("rate", stats.Rate.String()),
			)
			return nil
		})
	}
	g.Go(func() error {
		return j.renderVideo(gctx, frames)
	})
	return g.Wait()
}

func (j *encodeJob) renderVideo(ctx context.Context, frames int) error {
	w, h := j.cfg.Video.Width, j.cfg.Video.Height
	for n := int64(0); n < int64(frames); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := j.sess.RenderFrame(ctx, testPattern(n, w, h))
		if res.Err != nil {
			return fmt.Errorf("rendering frame %d: %w", n, res.Err)
		}
		if res.EndOfStream {
			return nil
		}
	}
	written, err := j.sess.Video().Drain(ctx)
	if err != nil {
		return fmt.Errorf("draining video: %w", err)
	}
	j.logger.DebugContext(ctx, "video drained", slog.Int64("frames", written))
	return nil
}

// finish tears the session down and returns its run record, including the
// encoder process usage sampled while it ran.
func (j *encodeJob) finish(ctx context.Context) *models.EncodeRun {
	var cpu float64
	var rss int64
	for _, enc := range []*ffmpeg.Encoder{j.video, j.audio} {
		if enc == nil {
			continue
		}
		stats := enc.Stats()
		cpu += stats.CPUPercent
		rss += int64(stats.MemoryRSSBytes)
	}

	if err := j.sess.Finish(); err != nil {
		j.logger.WarnContext(ctx, "session teardown reported errors", slog.String("error", err.Error()))
	}
	run := j.sess.Summary()
	run.EncoderCPUPercent = cpu
	run.EncoderRSSBytes = rss
	if run.Status == models.RunStatusFailed && errors.Is(ctx.Err(), context.Canceled) {
		run.Status = models.RunStatusPartial
	}
	return &run
}

func printRun(w io.Writer, run *models.EncodeRun) {
	fmt.Fprintf(w, "run:       %s\n", run.ID)
	fmt.Fprintf(w, "status:    %s\n", run.Status)
	fmt.Fprintf(w, "output:    %s (%s)\n", run.OutputPath, run.Container)
	if run.VideoCodec != "" {
		fmt.Fprintf(w, "video:     %s %dx%d@%d, %d frames, %s\n",
			run.VideoCodec, run.Width, run.Height, run.FrameRate, run.VideoFrames, config.ByteSize(run.VideoBytes))
	}
	if run.AudioCodec != "" {
		fmt.Fprintf(w, "audio:     %s, %d samples, %s in / %s out\n",
			run.AudioCodec, run.AudioSamples, config.ByteSize(run.AudioBytesIn), config.ByteSize(run.AudioBytesOut))
		if run.RateAnomalous {
			fmt.Fprintf(w, "rate:      anomalous (expected %.4f, actual %.4f)\n", run.RateExpected, run.RateActual)
		}
	}
	if run.DurationMs > 0 {
		fmt.Fprintf(w, "duration:  %s\n", time.Duration(run.DurationMs)*time.Millisecond)
	}
	if run.EncoderRSSBytes > 0 {
		fmt.Fprintf(w, "encoder:   %.1f%% cpu, %s rss\n", run.EncoderCPUPercent, config.ByteSize(run.EncoderRSSBytes))
	}
	if run.LastError != "" {
		fmt.Fprintf(w, "error:     %s\n", run.LastError)
	}
}
