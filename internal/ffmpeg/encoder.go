package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
	"github.com/jmylchreest/encmux/internal/observability"
)

// Default encoder options.
const (
	DefaultBufferCount    = 4
	DefaultStopTimeout    = 10 * time.Second
	defaultVideoBufSize   = 512 * 1024
	defaultAudioBufSize   = 8 * 1024
	defaultMaxInputSize   = 16 * 1024
	defaultFFmpegLogLevel = "error"
)

var (
	_ encoder.SurfaceEncoder = (*Encoder)(nil)
	_ encoder.BufferEncoder  = (*Encoder)(nil)
)

// ErrWrongKind is returned when an operation does not apply to the
// encoder's stream kind, e.g. an input surface on an audio encoder.
var ErrWrongKind = errors.New("operation not supported for this stream kind")

// Options configures an ffmpeg encoder.
type Options struct {
	// Binary is the ffmpeg executable. Empty means search with FindBinary.
	Binary   string
	HWAccel  codec.HWAccel
	HWDevice string
	Preset   string
	// LogLevel is passed to ffmpeg's -loglevel.
	LogLevel string

	// MonitorInterval enables process sampling when > 0.
	MonitorInterval time.Duration
	StopTimeout     time.Duration

	OutputBuffers int
	InputBuffers  int

	// Launcher starts the process. Defaults to ExecLauncher.
	Launcher Launcher
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.LogLevel == "" {
		o.LogLevel = defaultFFmpegLogLevel
	}
	if o.HWAccel == "" {
		o.HWAccel = codec.HWAccelNone
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.OutputBuffers <= 0 {
		o.OutputBuffers = DefaultBufferCount
	}
	if o.InputBuffers <= 0 {
		o.InputBuffers = DefaultBufferCount
	}
	if o.Launcher == nil {
		o.Launcher = ExecLauncher
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Encoder runs an ffmpeg process as a media encoder. Raw RGBA frames or
// s16le PCM are written to its stdin and the MPEG-TS it writes to stdout is
// demuxed back into access units.
type Encoder struct {
	kind   codec.Kind
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	format     codec.Format
	configured bool
	started    bool
	stopped    bool
	released   bool
	inputEnded bool

	surface *encoder.Surface
	cmd     *Command
	proc    Process
	cancel  context.CancelFunc
	monitor *ProcessMonitor
	output  *outputReader

	writeMu sync.Mutex
	stdin   io.WriteCloser

	outFormat  codec.Format
	formatSent bool
	pending    *accessUnit
	outBufs    [][]byte
	outInUse   []bool
	eosSent    bool

	inBufs [][]byte
	inFree chan int
	inOut  []bool
}

// NewVideoEncoder returns an encoder for surface input.
func NewVideoEncoder(opts Options) *Encoder {
	return newEncoder(codec.KindVideo, opts)
}

// NewAudioEncoder returns an encoder for PCM buffer input.
func NewAudioEncoder(opts Options) *Encoder {
	return newEncoder(codec.KindAudio, opts)
}

func newEncoder(kind codec.Kind, opts Options) *Encoder {
	opts.applyDefaults()
	return &Encoder{
		kind:   kind,
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "ffmpeg_"+kind.String()+"_encoder"),
	}
}

// Configure implements encoder.Encoder.
func (e *Encoder) Configure(format codec.Format) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return encoder.ErrReleased
	}
	if e.started {
		return encoder.NewConfigurationError(format.MIME, fmt.Errorf("encoder already started"))
	}
	if err := format.Validate(); err != nil {
		return encoder.NewConfigurationError(format.MIME, err)
	}
	if kind, _ := format.Kind(); kind != e.kind {
		return encoder.NewConfigurationError(format.MIME, fmt.Errorf("%w: %s encoder", ErrWrongKind, e.kind))
	}
	if e.kind == codec.KindVideo {
		if format.ColorFormat != "" && format.ColorFormat != codec.ColorFormatSurface && format.ColorFormat != codec.ColorFormatRGBA {
			return encoder.NewConfigurationError(format.MIME, fmt.Errorf("unsupported color format %q", format.ColorFormat))
		}
	} else if format.ChannelCount > 8 {
		return encoder.NewConfigurationError(format.MIME, fmt.Errorf("unsupported channel count %d", format.ChannelCount))
	}

	e.format = format
	e.configured = true
	return nil
}

// CreateInputSurface implements encoder.SurfaceEncoder.
func (e *Encoder) CreateInputSurface() (*encoder.Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.released:
		return nil, encoder.ErrReleased
	case e.kind != codec.KindVideo:
		return nil, ErrWrongKind
	case !e.configured:
		return nil, encoder.ErrNotConfigured
	case e.started:
		return nil, fmt.Errorf("input surface must be created before start")
	case e.surface != nil:
		return e.surface, nil
	}

	e.surface = encoder.NewSurface(e.format.Width, e.format.Height, e.postFrame)
	return e.surface, nil
}

// Start implements encoder.Encoder.
func (e *Encoder) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.released:
		return encoder.ErrReleased
	case !e.configured:
		return encoder.ErrNotConfigured
	case e.started:
		return nil
	}

	binary := e.opts.Binary
	if binary == "" {
		path, err := FindBinary("ffmpeg", BinaryEnvVar)
		if err != nil {
			return fmt.Errorf("locating ffmpeg: %w", err)
		}
		binary = path
	}

	cmd := e.buildCommand(binary)
	e.logger.DebugContext(ctx, "starting ffmpeg", slog.String("command", cmd.String()))

	runCtx, cancel := context.WithCancel(ctx)
	proc, err := e.opts.Launcher(runCtx, cmd)
	if err != nil {
		cancel()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	if pid := proc.PID(); pid > 0 && e.opts.MonitorInterval > 0 {
		e.monitor = NewProcessMonitor(pid, e.opts.MonitorInterval, e.logger)
		e.monitor.Start(runCtx)
	}

	e.cmd = cmd
	e.proc = proc
	e.cancel = cancel
	e.stdin = proc.Stdin()
	var stdout io.Reader = proc.Stdout()
	if e.monitor != nil {
		e.stdin = &countingWriteCloser{CountingWriter: NewCountingWriter(e.stdin, e.monitor), c: e.stdin}
		stdout = NewCountingReader(stdout, e.monitor)
	}
	e.output = startOutputReader(stdout, e.kind, proc.Wait, e.logger)

	e.outBufs = make([][]byte, e.opts.OutputBuffers)
	e.outInUse = make([]bool, e.opts.OutputBuffers)
	size := defaultVideoBufSize
	if e.kind == codec.KindAudio {
		size = defaultAudioBufSize
	}
	for i := range e.outBufs {
		e.outBufs[i] = make([]byte, size)
	}

	if e.kind == codec.KindAudio {
		inSize := e.format.MaxInputSize
		if inSize <= 0 {
			inSize = defaultMaxInputSize
		}
		e.inBufs = make([][]byte, e.opts.InputBuffers)
		e.inOut = make([]bool, e.opts.InputBuffers)
		e.inFree = make(chan int, e.opts.InputBuffers)
		for i := range e.inBufs {
			e.inBufs[i] = make([]byte, inSize)
			e.inFree <- i
		}
	}

	e.started = true
	e.logger.InfoContext(ctx, "ffmpeg encoder started",
		slog.Int("pid", proc.PID()),
		slog.String("format", e.format.String()))
	return nil
}

// buildCommand assembles the ffmpeg invocation for the configured format.
func (e *Encoder) buildCommand(binary string) *Command {
	b := NewCommandBuilder(binary).
		LogLevel(e.opts.LogLevel).
		HideBanner()

	f := e.format
	if e.kind == codec.KindVideo {
		video, _ := codec.ParseVideo(f.MIME)
		name := codec.GetVideoEncoder(video, e.opts.HWAccel)
		hw := string(e.opts.HWAccel)

		b.InitHWDevice(hw, e.opts.HWDevice).
			RawVideoInput(f.Width, f.Height, f.FrameRate).
			VideoCodec(name).
			VideoPreset(e.opts.Preset)
		if name == "libx264" || name == "libx265" {
			b.OutputArgs("-tune", "zerolatency")
		}
		gop := f.FrameRate * f.IFrameInterval
		if f.IFrameInterval <= 0 {
			// Every frame is a key frame.
			gop = 1
		}
		b.VideoBitrate(f.BitRate).GOP(gop)
		if e.opts.HWAccel == codec.HWAccelNone {
			b.OutputArgs("-pix_fmt", "yuv420p")
		} else {
			b.HWUploadFilter(hw)
		}
		b.OutputArgs("-an", "-omit_video_pes_length", "0")
	} else {
		audio, _ := codec.ParseAudio(f.MIME)
		b.RawAudioInput(f.SampleRate, f.ChannelCount).
			AudioCodec(codec.GetAudioEncoder(audio)).
			AudioBitrate(f.BitRate).
			AudioChannels(f.ChannelCount).
			OutputArgs("-ar", strconv.Itoa(f.SampleRate), "-vn", "-pes_payload_size", "0")
	}

	// Without these ffmpeg holds each access unit until the next PES.
	return b.MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		OutputArgs("-muxpreload", "0").
		Output("pipe:1").
		Build()
}

// postFrame writes a surface frame to the process.
func (e *Encoder) postFrame(ctx context.Context, frame *image.RGBA) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	started, ended, released := e.started, e.inputEnded, e.released
	e.mu.Unlock()

	switch {
	case released:
		return encoder.ErrReleased
	case !started:
		return encoder.ErrNotStarted
	case ended:
		return fmt.Errorf("frame posted after end of input stream")
	}

	w, h := e.format.Width, e.format.Height
	if frame.Rect.Dx() != w || frame.Rect.Dy() != h || frame.Stride != w*4 {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", frame.Rect.Dx(), frame.Rect.Dy(), w, h)
	}
	return e.write(frame.Pix[:w*h*4])
}

func (e *Encoder) write(p []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.stdin.Write(p); err != nil {
		return fmt.Errorf("writing to ffmpeg: %w", err)
	}
	return nil
}

// closeInput closes stdin once.
func (e *Encoder) closeInput() error {
	e.mu.Lock()
	if e.inputEnded || !e.started {
		e.mu.Unlock()
		return nil
	}
	e.inputEnded = true
	e.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("closing ffmpeg input: %w", err)
	}
	return nil
}

// SignalEndOfInputStream implements encoder.SurfaceEncoder.
func (e *Encoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	started, released := e.started, e.released
	e.mu.Unlock()
	if released {
		return encoder.ErrReleased
	}
	if !started {
		return encoder.ErrNotStarted
	}
	e.logger.Debug("end of input stream signalled")
	return e.closeInput()
}

// InputBuffers implements encoder.BufferEncoder.
func (e *Encoder) InputBuffers() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inBufs
}

// DequeueInputBuffer implements encoder.BufferEncoder.
func (e *Encoder) DequeueInputBuffer(timeout time.Duration) (int, error) {
	e.mu.Lock()
	switch {
	case e.released:
		e.mu.Unlock()
		return 0, encoder.ErrReleased
	case e.kind != codec.KindAudio:
		e.mu.Unlock()
		return 0, ErrWrongKind
	case !e.started || e.stopped:
		e.mu.Unlock()
		return 0, encoder.ErrNotStarted
	case e.inputEnded:
		e.mu.Unlock()
		return encoder.InfoTryAgainLater, nil
	}
	free := e.inFree
	e.mu.Unlock()

	var index int
	if timeout <= 0 {
		select {
		case index = <-free:
		default:
			return encoder.InfoTryAgainLater, nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case index = <-free:
		case <-timer.C:
			return encoder.InfoTryAgainLater, nil
		}
	}

	e.mu.Lock()
	e.inOut[index] = true
	e.mu.Unlock()
	return index, nil
}

// QueueInputBuffer implements encoder.BufferEncoder. The payload is written
// to the process before the buffer is returned to the free pool.
func (e *Encoder) QueueInputBuffer(index, offset, size int, _ int64, flags codec.BufferFlag) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return encoder.ErrReleased
	}
	if index < 0 || index >= len(e.inBufs) || !e.inOut[index] {
		e.mu.Unlock()
		return fmt.Errorf("%w: input %d", encoder.ErrInvalidIndex, index)
	}
	buf := e.inBufs[index]
	e.mu.Unlock()

	var err error
	if size > 0 {
		if offset < 0 || offset+size > len(buf) {
			err = fmt.Errorf("input range %d+%d exceeds buffer of %d bytes", offset, size, len(buf))
		} else {
			err = e.write(buf[offset : offset+size])
		}
	}

	e.mu.Lock()
	e.inOut[index] = false
	e.mu.Unlock()
	e.inFree <- index

	if err != nil {
		return err
	}
	if flags.Has(codec.FlagEndOfStream) {
		e.logger.Debug("end of input stream queued")
		return e.closeInput()
	}
	return nil
}

// DequeueOutputBuffer implements encoder.Encoder.
func (e *Encoder) DequeueOutputBuffer(info *codec.BufferInfo, timeout time.Duration) (int, error) {
	e.mu.Lock()
	switch {
	case e.released:
		e.mu.Unlock()
		return 0, encoder.ErrReleased
	case !e.started:
		e.mu.Unlock()
		return 0, encoder.ErrNotStarted
	case e.eosSent:
		e.mu.Unlock()
		return encoder.InfoTryAgainLater, nil
	}
	pending := e.pending
	output := e.output
	e.mu.Unlock()

	var au accessUnit
	if pending != nil {
		au = *pending
	} else {
		var ok bool
		if au, ok = output.next(timeout); !ok {
			return encoder.InfoTryAgainLater, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil

	if au.eos && au.err != nil {
		e.eosSent = true
		return 0, fmt.Errorf("ffmpeg encoder failed: %w", au.err)
	}

	if !au.eos && !e.formatSent {
		format, err := e.outputFormat(au)
		if err != nil {
			e.pending = &au
			return 0, err
		}
		e.outFormat = format
		e.formatSent = true
		e.pending = &au
		return encoder.InfoOutputFormatChanged, nil
	}

	index := -1
	for i, used := range e.outInUse {
		if !used {
			index = i
			break
		}
	}
	if index < 0 {
		e.pending = &au
		return encoder.InfoTryAgainLater, nil
	}

	payload, err := e.payload(au)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(e.outBufs[index]) {
		grown := make([][]byte, len(e.outBufs))
		copy(grown, e.outBufs)
		grown[index] = make([]byte, len(payload)*2)
		e.outBufs = grown
		e.pending = &au
		return encoder.InfoOutputBuffersChanged, nil
	}

	n := copy(e.outBufs[index], payload)
	flags := codec.FlagNone
	if au.key {
		flags |= codec.FlagKeyFrame
	}
	if au.eos {
		flags |= codec.FlagEndOfStream
		e.eosSent = true
	}
	info.Set(0, n, au.ptsUs, flags)
	e.outInUse[index] = true
	return index, nil
}

// payload returns the bytes handed out for au.
func (e *Encoder) payload(au accessUnit) ([]byte, error) {
	switch {
	case au.eos:
		return nil, nil
	case e.kind == codec.KindAudio:
		return au.data, nil
	}
	nalus := make([][]byte, 0, len(au.nalus))
	for _, nalu := range au.nalus {
		if len(nalu) == 0 || isAUD(e.output.videoCodec(), nalu) {
			continue
		}
		nalus = append(nalus, nalu)
	}
	data, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding access unit: %w", err)
	}
	return data, nil
}

// isAUD reports whether nalu is an access unit delimiter. ffmpeg's MPEG-TS
// muxer inserts them; the containers encmux writes do not use them.
func isAUD(video codec.Video, nalu []byte) bool {
	if video == codec.VideoH265 {
		return h265.NALUType((nalu[0]>>1)&0x3f) == h265.NALUType_AUD_NUT
	}
	return h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeAccessUnitDelimiter
}

// outputFormat derives the output format from the first access unit.
func (e *Encoder) outputFormat(au accessUnit) (codec.Format, error) {
	f := codec.Format{
		MIME:           e.format.MIME,
		FrameRate:      e.format.FrameRate,
		IFrameInterval: e.format.IFrameInterval,
		BitRate:        e.format.BitRate,
	}

	if e.kind == codec.KindAudio {
		asc, ok := e.output.audioConfig()
		if !ok {
			return f, fmt.Errorf("encoder output carries no audio config")
		}
		csd, err := asc.Marshal()
		if err != nil {
			return f, fmt.Errorf("encoding audio config: %w", err)
		}
		f.SampleRate = asc.SampleRate
		f.ChannelCount = asc.ChannelCount
		f.AACProfile = int(asc.Type)
		f.CSD = [][]byte{csd}
		return f, nil
	}

	video := e.output.videoCodec()
	f.MIME = video.MIME()
	f.Width, f.Height = e.format.Width, e.format.Height

	var vps, sps, pps []byte
	for _, nalu := range au.nalus {
		if len(nalu) == 0 {
			continue
		}
		if video == codec.VideoH265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3f) {
			case h265.NALUType_VPS_NUT:
				vps = nalu
			case h265.NALUType_SPS_NUT:
				sps = nalu
			case h265.NALUType_PPS_NUT:
				pps = nalu
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	if sps == nil || pps == nil || (video == codec.VideoH265 && vps == nil) {
		return f, fmt.Errorf("first %s access unit carries no parameter sets", video)
	}

	if video == codec.VideoH265 {
		var s h265.SPS
		if err := s.Unmarshal(sps); err == nil {
			f.Width, f.Height = s.Width(), s.Height()
		}
		f.CSD = [][]byte{vps, sps, pps}
	} else {
		var s h264.SPS
		if err := s.Unmarshal(sps); err == nil {
			f.Width, f.Height = s.Width(), s.Height()
		}
		f.CSD = [][]byte{sps, pps}
	}
	return f, nil
}

// OutputFormat implements encoder.Encoder.
func (e *Encoder) OutputFormat() codec.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outFormat
}

// OutputBuffers implements encoder.Encoder.
func (e *Encoder) OutputBuffers() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outBufs
}

// ReleaseOutputBuffer implements encoder.Encoder.
func (e *Encoder) ReleaseOutputBuffer(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return encoder.ErrReleased
	}
	if index < 0 || index >= len(e.outInUse) || !e.outInUse[index] {
		return fmt.Errorf("%w: output %d", encoder.ErrInvalidIndex, index)
	}
	e.outInUse[index] = false
	return nil
}

// Stop ends the input stream and waits for the process to exit. The process
// is killed if it has not exited within the stop timeout.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped || e.released {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	err := e.closeInput()

	done := make(chan struct{})
	go func() {
		e.output.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.opts.StopTimeout):
		e.logger.Warn("ffmpeg did not exit after end of input, killing",
			slog.Duration("timeout", e.opts.StopTimeout))
		if kerr := e.proc.Kill(); kerr != nil {
			e.logger.Debug("killing ffmpeg", slog.String("error", kerr.Error()))
		}
		<-done
	}

	if e.monitor != nil {
		stats := e.monitor.Stop()
		e.logger.Info("ffmpeg encoder stopped",
			slog.Float64("cpu_percent", stats.CPUPercent),
			slog.Uint64("memory_rss_bytes", stats.MemoryRSSBytes),
			slog.Uint64("bytes_written", stats.BytesWritten),
			slog.Uint64("bytes_read", stats.BytesRead),
			slog.Duration("duration", stats.Duration))
	} else {
		e.logger.Debug("ffmpeg encoder stopped")
	}
	return err
}

// Release frees the encoder. A running process is killed.
func (e *Encoder) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	started, stopped := e.started, e.stopped
	surface := e.surface
	e.mu.Unlock()

	if surface != nil {
		surface.Release()
	}
	if !started {
		return nil
	}

	if !stopped {
		if err := e.proc.Kill(); err != nil {
			e.logger.Debug("killing ffmpeg", slog.String("error", err.Error()))
		}
		e.output.wait()
		if e.monitor != nil {
			e.monitor.Stop()
		}
	}
	e.cancel()
	return nil
}

// Stats returns resource usage of the encoder process. The zero value is
// returned when monitoring is disabled.
func (e *Encoder) Stats() ProcessStats {
	e.mu.Lock()
	monitor := e.monitor
	e.mu.Unlock()
	if monitor == nil {
		return ProcessStats{}
	}
	return monitor.Stats()
}

// Command returns the ffmpeg command line, empty before Start.
func (e *Encoder) Command() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return ""
	}
	return e.cmd.String()
}

type countingWriteCloser struct {
	*CountingWriter
	c io.Closer
}

func (w *countingWriteCloser) Close() error {
	return w.c.Close()
}
