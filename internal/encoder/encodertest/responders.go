package encodertest

import (
	"image"

	"github.com/jmylchreest/encmux/internal/codec"
)

// Fixed codec specific data handed out by the responders.
var (
	// Baseline profile, level 4.0, 1920x1080.
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	PPS = []byte{0x08, 0x06, 0x07, 0x08}
	ASC = []byte{0x11, 0x88} // AAC-LC, 48 kHz, mono
)

// AVCFormat returns an H.264 output format carrying SPS and PPS.
func AVCFormat(width, height int) codec.Format {
	f := codec.NewVideoFormat(codec.MIMEVideoAVC, width, height)
	f.CSD = [][]byte{SPS, PPS}
	return f
}

// AACFormat returns an AAC output format carrying an AudioSpecificConfig.
func AACFormat(sampleRate, channels int) codec.Format {
	f := codec.NewAudioFormat(codec.MIMEAudioAAC, sampleRate, channels)
	f.CSD = [][]byte{ASC}
	return f
}

// VideoResponder returns an OnFrame responder that behaves like a hardware
// AVC encoder: the first frame yields a format change and a codec config
// buffer, every frame yields one access unit. Each frame whose index is a
// multiple of gop is a key frame.
func VideoResponder(format codec.Format, gop int64) func(n int64, frame *image.RGBA) []Step {
	if gop <= 0 {
		gop = 1
	}
	return func(n int64, _ *image.RGBA) []Step {
		var steps []Step
		if n == 1 {
			steps = append(steps,
				FormatChanged(format),
				CodecConfig(append(append([]byte{0, 0, 0, 1}, SPS...), append([]byte{0, 0, 0, 1}, PPS...)...)),
			)
		}
		flags := codec.FlagNone
		nal := byte(0x41)
		if (n-1)%gop == 0 {
			flags = codec.FlagKeyFrame
			nal = 0x65
		}
		steps = append(steps, Sample([]byte{0, 0, 0, 1, nal, 0x88, byte(n)}, n, flags))
		return steps
	}
}

// AudioResponder returns an OnInput responder that behaves like an AAC
// encoder producing out bytes per queued input buffer. The first input
// yields a format change, an end of stream input yields the end of stream
// output.
func AudioResponder(format codec.Format, ratio float64) func(in Input) []Step {
	first := true
	return func(in Input) []Step {
		var steps []Step
		if first {
			first = false
			steps = append(steps, FormatChanged(format), CodecConfig(ASC))
		}
		if in.Flags.Has(codec.FlagEndOfStream) {
			return append(steps, EOS())
		}
		n := int(float64(in.Size) * ratio)
		if n < 1 {
			n = 1
		}
		return append(steps, Sample(make([]byte, n), in.PTS, codec.FlagNone))
	}
}
