package ffmpeg

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder"
	"github.com/jmylchreest/encmux/internal/encoder/encodertest"
)

type outputEvent struct {
	status int
	info   codec.BufferInfo
	data   []byte
}

// drainOutput dequeues until an end of stream buffer, releasing every
// buffer it receives.
func drainOutput(t *testing.T, enc *Encoder) []outputEvent {
	t.Helper()
	var events []outputEvent
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var info codec.BufferInfo
		status, err := enc.DequeueOutputBuffer(&info, 20*time.Millisecond)
		require.NoError(t, err)

		switch {
		case status == encoder.InfoTryAgainLater:
			continue
		case status < 0:
			events = append(events, outputEvent{status: status})
			continue
		}

		data := append([]byte(nil), info.Payload(enc.OutputBuffers()[status])...)
		events = append(events, outputEvent{status: status, info: info, data: data})
		require.NoError(t, enc.ReleaseOutputBuffer(status))
		if info.IsEndOfStream() {
			return events
		}
	}
	t.Fatal("no end of stream buffer")
	return nil
}

func samples(events []outputEvent) []outputEvent {
	var out []outputEvent
	for _, ev := range events {
		if ev.status >= 0 && !ev.info.IsEndOfStream() {
			out = append(out, ev)
		}
	}
	return out
}

func videoFormat(w, h int) codec.Format {
	f := codec.NewVideoFormat(codec.MIMEVideoAVC, w, h)
	f.FrameRate = 30
	f.IFrameInterval = 1
	f.BitRate = 500000
	return f
}

func audioFormat() codec.Format {
	f := codec.NewAudioFormat(codec.MIMEAudioAAC, 48000, 1)
	f.BitRate = 64000
	f.MaxInputSize = 4096
	return f
}

func newTestVideoEncoder(t *testing.T, l *recordingLauncher) *Encoder {
	t.Helper()
	enc := NewVideoEncoder(Options{Binary: "ffmpeg", Launcher: l.launch})
	t.Cleanup(func() { _ = enc.Release() })
	return enc
}

func TestVideoEncoder_SurfaceToAccessUnits(t *testing.T) {
	const w, h = 16, 8
	l := &recordingLauncher{serve: h264Server(w, h)}
	enc := newTestVideoEncoder(t, l)

	require.NoError(t, enc.Configure(videoFormat(w, h)))
	surface, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start(context.Background()))

	ctx := context.Background()
	img := image.NewUniform(color.RGBA{R: 255, A: 255})
	for range 3 {
		require.NoError(t, surface.Draw(img))
		require.NoError(t, surface.Post(ctx))
	}
	require.NoError(t, enc.SignalEndOfInputStream())

	events := drainOutput(t, enc)
	require.NotEmpty(t, events)
	assert.Equal(t, encoder.InfoOutputFormatChanged, events[0].status)

	format := enc.OutputFormat()
	assert.Equal(t, codec.MIMEVideoAVC, format.MIME)
	assert.Equal(t, [][]byte{encodertest.SPS, encodertest.PPS}, format.CSD)

	got := samples(events)
	require.Len(t, got, 3)
	assert.True(t, got[0].info.IsKeyFrame())
	assert.False(t, got[1].info.IsKeyFrame())
	assert.Equal(t, int64(0), got[0].info.PresentationTimeUs)
	assert.Equal(t, int64(33333), got[1].info.PresentationTimeUs)
	assert.Equal(t, int64(66666), got[2].info.PresentationTimeUs)

	// Annex B with the access unit delimiter stripped.
	assert.Equal(t, []byte{0, 0, 0, 1, 0x41, 0x9a, 1}, got[1].data)
	assert.True(t, events[len(events)-1].info.IsEndOfStream())

	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Release())
}

func TestVideoEncoder_Command(t *testing.T) {
	l := &recordingLauncher{serve: silentServer}
	enc := newTestVideoEncoder(t, l)

	require.NoError(t, enc.Configure(videoFormat(640, 480)))
	_, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start(context.Background()))

	cmd := l.lastCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ffmpeg", cmd.Binary)
	assert.Equal(t, cmd.String(), enc.Command())

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-f rawvideo -pix_fmt rgba -s 640x480 -r 30 -i pipe:0")
	assert.Contains(t, args, "-c:v libx264")
	assert.Contains(t, args, "-tune zerolatency")
	assert.Contains(t, args, "-b:v 500000")
	assert.Contains(t, args, "-g 30 -keyint_min 30 -bf 0")
	assert.Contains(t, args, "-pix_fmt yuv420p")
	assert.Contains(t, args, "-f mpegts")
	assert.Contains(t, args, "-muxdelay 0")
	assert.Contains(t, args, "-muxpreload 0")
	assert.Equal(t, "pipe:1", cmd.Args[len(cmd.Args)-1])
}

func TestVideoEncoder_HardwareCommand(t *testing.T) {
	l := &recordingLauncher{serve: silentServer}
	enc := NewVideoEncoder(Options{
		Binary:   "ffmpeg",
		HWAccel:  codec.HWAccelVAAPI,
		HWDevice: "/dev/dri/renderD128",
		Launcher: l.launch,
	})
	t.Cleanup(func() { _ = enc.Release() })

	require.NoError(t, enc.Configure(videoFormat(640, 480)))
	require.NoError(t, enc.Start(context.Background()))

	args := strings.Join(l.lastCommand().Args, " ")
	assert.Contains(t, args, "-init_hw_device vaapi=hw:/dev/dri/renderD128")
	assert.Contains(t, args, "-vf format=nv12,hwupload")
	assert.Contains(t, args, "-c:v h264_vaapi")
	assert.NotContains(t, args, "yuv420p")
	assert.NotContains(t, args, "zerolatency")
}

func TestEncoder_ConfigureErrors(t *testing.T) {
	tests := []struct {
		name   string
		enc    *Encoder
		format codec.Format
	}{
		{"missing mime", NewVideoEncoder(Options{}), codec.Format{}},
		{"zero dimensions", NewVideoEncoder(Options{}), func() codec.Format {
			f := videoFormat(0, 0)
			return f
		}()},
		{"audio format on video encoder", NewVideoEncoder(Options{}), audioFormat()},
		{"video format on audio encoder", NewAudioEncoder(Options{}), videoFormat(64, 64)},
		{"too many channels", NewAudioEncoder(Options{}), func() codec.Format {
			f := audioFormat()
			f.ChannelCount = 12
			return f
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.enc.Configure(tt.format)
			var cfgErr *encoder.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.ErrorIs(t, tt.enc.Start(context.Background()), encoder.ErrNotConfigured)
		})
	}
}

func TestEncoder_LifecycleErrors(t *testing.T) {
	l := &recordingLauncher{serve: silentServer}
	enc := NewAudioEncoder(Options{Launcher: l.launch, Binary: "ffmpeg"})

	var info codec.BufferInfo
	_, err := enc.DequeueOutputBuffer(&info, 0)
	assert.ErrorIs(t, err, encoder.ErrNotStarted)

	_, err = enc.CreateInputSurface()
	assert.ErrorIs(t, err, ErrWrongKind)

	require.NoError(t, enc.Configure(audioFormat()))
	_, err = enc.DequeueInputBuffer(0)
	assert.ErrorIs(t, err, encoder.ErrNotStarted)

	require.NoError(t, enc.Start(context.Background()))
	assert.ErrorIs(t, enc.ReleaseOutputBuffer(0), encoder.ErrInvalidIndex)
	assert.ErrorIs(t, enc.QueueInputBuffer(0, 0, 0, 0, 0), encoder.ErrInvalidIndex)

	require.NoError(t, enc.Release())
	require.NoError(t, enc.Release())
	_, err = enc.DequeueOutputBuffer(&info, 0)
	assert.ErrorIs(t, err, encoder.ErrReleased)
}

func TestAudioEncoder_BuffersToAccessUnits(t *testing.T) {
	l := &recordingLauncher{serve: aacServer(48000, 1)}
	enc := NewAudioEncoder(Options{Binary: "ffmpeg", Launcher: l.launch, InputBuffers: 2})
	t.Cleanup(func() { _ = enc.Release() })

	require.NoError(t, enc.Configure(audioFormat()))
	require.NoError(t, enc.Start(context.Background()))

	bufs := enc.InputBuffers()
	require.Len(t, bufs, 2)
	assert.Len(t, bufs[0], 4096)

	// Three AAC frames of mono s16le, queued 2048 bytes at a time.
	for i := range 3 {
		index, err := enc.DequeueInputBuffer(time.Second)
		require.NoError(t, err)
		require.GreaterOrEqual(t, index, 0)
		flags := codec.FlagNone
		if i == 2 {
			flags = codec.FlagEndOfStream
		}
		require.NoError(t, enc.QueueInputBuffer(index, 0, 2048, int64(i)*21333, flags))
	}

	status, err := enc.DequeueInputBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, encoder.InfoTryAgainLater, status, "no input after end of stream")

	events := drainOutput(t, enc)
	require.Equal(t, encoder.InfoOutputFormatChanged, events[0].status)

	format := enc.OutputFormat()
	assert.Equal(t, codec.MIMEAudioAAC, format.MIME)
	assert.Equal(t, 48000, format.SampleRate)
	assert.Equal(t, 1, format.ChannelCount)
	require.Len(t, format.CSD, 1)
	assert.Equal(t, encodertest.ASC, format.CSD[0])

	got := samples(events)
	require.Len(t, got, 3)
	assert.Equal(t, int64(21333), got[1].info.PresentationTimeUs)
	assert.Equal(t, []byte{0x21, 0x10, 0x04, 2}, got[2].data)
	for _, s := range got {
		assert.True(t, s.info.IsKeyFrame())
	}

	require.NoError(t, enc.Stop())
}

func TestEncoder_OutputWaitsForFreeBuffer(t *testing.T) {
	l := &recordingLauncher{serve: aacServer(48000, 1)}
	enc := NewAudioEncoder(Options{Binary: "ffmpeg", Launcher: l.launch, OutputBuffers: 1})
	t.Cleanup(func() { _ = enc.Release() })

	require.NoError(t, enc.Configure(audioFormat()))
	require.NoError(t, enc.Start(context.Background()))

	for range 2 {
		index, err := enc.DequeueInputBuffer(time.Second)
		require.NoError(t, err)
		require.NoError(t, enc.QueueInputBuffer(index, 0, 2048, 0, codec.FlagNone))
	}
	index, err := enc.DequeueInputBuffer(time.Second)
	require.NoError(t, err)
	require.NoError(t, enc.QueueInputBuffer(index, 0, 0, 0, codec.FlagEndOfStream))

	var info codec.BufferInfo
	next := func() int {
		for {
			status, err := enc.DequeueOutputBuffer(&info, time.Second)
			require.NoError(t, err)
			if status != encoder.InfoOutputFormatChanged {
				return status
			}
		}
	}

	first := next()
	require.Equal(t, 0, first)

	status, err := enc.DequeueOutputBuffer(&info, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, encoder.InfoTryAgainLater, status, "only buffer still held")

	require.NoError(t, enc.ReleaseOutputBuffer(first))
	assert.Equal(t, 0, next())
	assert.Equal(t, []byte{0x21, 0x10, 0x04, 1}, info.Payload(enc.OutputBuffers()[0]))
}

func TestEncoder_ProcessFailure(t *testing.T) {
	exitErr := errors.New("exit status 1: Unknown encoder 'libx264'")
	l := &recordingLauncher{serve: silentServer, exitErr: exitErr}
	enc := newTestVideoEncoder(t, l)

	require.NoError(t, enc.Configure(videoFormat(16, 8)))
	require.NoError(t, enc.Start(context.Background()))
	require.NoError(t, enc.SignalEndOfInputStream())

	var info codec.BufferInfo
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := enc.DequeueOutputBuffer(&info, 20*time.Millisecond)
		if err != nil {
			assert.ErrorIs(t, err, exitErr)
			return
		}
		require.Equal(t, encoder.InfoTryAgainLater, status)
	}
	t.Fatal("process failure not reported")
}

func TestEncoder_ReleaseKillsRunningProcess(t *testing.T) {
	l := &recordingLauncher{serve: silentServer}
	enc := newTestVideoEncoder(t, l)

	require.NoError(t, enc.Configure(videoFormat(16, 8)))
	surface, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start(context.Background()))

	require.NoError(t, enc.Release())
	assert.True(t, l.procs[0].killed.Load())
	assert.ErrorIs(t, surface.Post(context.Background()), encoder.ErrSurfaceReleased)
}

func TestIntegration_VideoEncoder(t *testing.T) {
	path := skipIfNoFFmpeg(t)
	info, err := NewBinaryDetector(path).Detect(context.Background())
	require.NoError(t, err)
	if !info.HasEncoder("libx264") {
		t.Skip("ffmpeg built without libx264")
	}

	enc := NewVideoEncoder(Options{Binary: path, Preset: "ultrafast", MonitorInterval: 50 * time.Millisecond})
	t.Cleanup(func() { _ = enc.Release() })

	require.NoError(t, enc.Configure(videoFormat(64, 64)))
	surface, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start(context.Background()))

	for i := range 15 {
		require.NoError(t, surface.Draw(image.NewUniform(color.RGBA{G: uint8(i * 16), A: 255})))
		require.NoError(t, surface.Post(context.Background()))
	}
	require.NoError(t, enc.SignalEndOfInputStream())

	events := drainOutput(t, enc)
	assert.Len(t, samples(events), 15)
	assert.Equal(t, 64, enc.OutputFormat().Width)
	require.NoError(t, enc.Stop())
	assert.Positive(t, enc.Stats().BytesWritten)
}
