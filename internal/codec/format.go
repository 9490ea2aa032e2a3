package codec

import (
	"errors"
	"fmt"
)

// ColorFormat identifies how raw video input reaches the encoder.
type ColorFormat string

// Color formats.
const (
	// ColorFormatSurface means frames are drawn onto an input surface.
	ColorFormatSurface ColorFormat = "surface"
	// ColorFormatRGBA means frames are passed as packed RGBA buffers.
	ColorFormatRGBA ColorFormat = "rgba"
)

// AACProfileLC is the AAC object type for the low complexity profile.
const AACProfileLC = 2

// Format describes the media format of an encoder input or output.
//
// Input formats are passed to Encoder.Configure. Output formats are reported
// by the encoder when its output format changes and carry the codec specific
// data (SPS/PPS for H.264, AudioSpecificConfig for AAC) in CSD.
type Format struct {
	MIME string

	// Video
	Width          int
	Height         int
	FrameRate      int
	IFrameInterval int // seconds between key frames
	ColorFormat    ColorFormat

	// Audio
	SampleRate   int
	ChannelCount int
	AACProfile   int
	MaxInputSize int

	// Shared
	BitRate int

	// Codec specific data, in the order the codec defines (SPS, PPS / ASC).
	CSD [][]byte
}

// Format validation errors.
var (
	ErrMissingMIME      = errors.New("format has no MIME type")
	ErrUnsupportedMIME  = errors.New("unsupported MIME type")
	ErrInvalidDimension = errors.New("width and height must be positive")
	ErrInvalidFrameRate = errors.New("frame rate must be positive")
	ErrInvalidBitRate   = errors.New("bitrate must be positive")
	ErrInvalidAudio     = errors.New("sample rate and channel count must be positive")
)

// NewVideoFormat returns a video input format.
func NewVideoFormat(mime string, width, height int) Format {
	return Format{MIME: mime, Width: width, Height: height, ColorFormat: ColorFormatSurface}
}

// NewAudioFormat returns an audio input format.
func NewAudioFormat(mime string, sampleRate, channels int) Format {
	return Format{MIME: mime, SampleRate: sampleRate, ChannelCount: channels, AACProfile: AACProfileLC}
}

// Kind returns the stream kind of the format.
func (f Format) Kind() (Kind, bool) {
	return KindOfMIME(f.MIME)
}

// IsVideo reports whether f is a video format.
func (f Format) IsVideo() bool {
	k, ok := f.Kind()
	return ok && k == KindVideo
}

// IsAudio reports whether f is an audio format.
func (f Format) IsAudio() bool {
	k, ok := f.Kind()
	return ok && k == KindAudio
}

// Validate checks that an input format carries what an encoder needs to be configured.
func (f Format) Validate() error {
	if f.MIME == "" {
		return ErrMissingMIME
	}
	switch {
	case f.IsVideo():
		if _, ok := ParseVideo(f.MIME); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedMIME, f.MIME)
		}
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("%w: %dx%d", ErrInvalidDimension, f.Width, f.Height)
		}
		if f.FrameRate <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidFrameRate, f.FrameRate)
		}
	case f.IsAudio():
		if _, ok := ParseAudio(f.MIME); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedMIME, f.MIME)
		}
		if f.SampleRate <= 0 || f.ChannelCount <= 0 {
			return fmt.Errorf("%w: %d Hz, %d channels", ErrInvalidAudio, f.SampleRate, f.ChannelCount)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMIME, f.MIME)
	}
	if f.BitRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBitRate, f.BitRate)
	}
	return nil
}

// String returns a short human readable description of the format.
func (f Format) String() string {
	switch {
	case f.IsVideo():
		return fmt.Sprintf("%s %dx%d@%d %dbps", f.MIME, f.Width, f.Height, f.FrameRate, f.BitRate)
	case f.IsAudio():
		return fmt.Sprintf("%s %dHz/%dch %dbps", f.MIME, f.SampleRate, f.ChannelCount, f.BitRate)
	default:
		return f.MIME
	}
}
