package pipeline

import (
	"image"
	"image/color"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder/encodertest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newVideoEncoder returns a fake AVC encoder producing one access unit per
// posted frame, with the format change and codec config on the first.
func newVideoEncoder(width, height int) *encodertest.Encoder {
	enc := encodertest.New()
	enc.OnFrame = encodertest.VideoResponder(encodertest.AVCFormat(width, height), DefaultFrameRate)
	return enc
}

// newAudioEncoder returns a fake AAC encoder whose output is ratio times
// the size of each input buffer.
func newAudioEncoder(ratio float64, inputBufferSize int) *encodertest.Encoder {
	enc := encodertest.New()
	enc.InputBufferSize = inputBufferSize
	enc.OnInput = encodertest.AudioResponder(encodertest.AACFormat(DefaultSampleRate, DefaultChannelCount), ratio)
	return enc
}

func videoConfig(width, height, fps int) VideoConfig {
	f := codec.NewVideoFormat(codec.MIMEVideoAVC, width, height)
	f.FrameRate = fps
	return VideoConfig{Format: f, PollTimeout: time.Millisecond}
}

func testFrame(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	return img
}
