// Package codec provides the codec, container and buffer vocabulary shared by
// the encoders, the pump and the muxers.
package codec

import (
	"fmt"
	"strings"
)

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC Audio = "aac" // AAC-LC
)

// Container represents an output container format.
type Container string

// Container format constants.
const (
	ContainerMP4    Container = "mp4"    // Progressive MP4
	ContainerFMP4   Container = "fmp4"   // Fragmented MP4 (CMAF)
	ContainerMPEGTS Container = "mpegts" // MPEG Transport Stream
	ContainerMKV    Container = "mkv"    // Matroska
)

// HWAccel represents a hardware acceleration type.
type HWAccel string

// Hardware acceleration constants.
const (
	HWAccelNone  HWAccel = "none"         // Software only
	HWAccelCUDA  HWAccel = "cuda"         // NVIDIA NVENC
	HWAccelQSV   HWAccel = "qsv"          // Intel QuickSync
	HWAccelVAAPI HWAccel = "vaapi"        // Linux VA-API
	HWAccelVT    HWAccel = "videotoolbox" // macOS VideoToolbox
)

// MIME types used in Format.MIME, matching the names platform encoders report.
const (
	MIMEVideoAVC  = "video/avc"
	MIMEVideoHEVC = "video/hevc"
	MIMEAudioAAC  = "audio/mp4a-latm"
)

// Kind distinguishes the two elementary stream kinds a session can carry.
type Kind int

// Stream kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

// String returns the string representation of the stream kind.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// String returns the string representation of the video codec.
func (v Video) String() string {
	return string(v)
}

// String returns the string representation of the audio codec.
func (a Audio) String() string {
	return string(a)
}

// String returns the string representation of the container.
func (c Container) String() string {
	return string(c)
}

// String returns the string representation of the hardware acceleration type.
func (h HWAccel) String() string {
	return string(h)
}

// videoInfo contains metadata about a video codec.
type videoInfo struct {
	// Canonical name
	Name Video
	// All known aliases and encoder names that map to this codec
	Aliases []string
	// MIME type reported in output formats
	MIME string
	// FFmpeg encoders for each hardware acceleration type
	Encoders map[HWAccel]string
	// Containers the muxers can write this codec to
	Containers []Container
}

// audioInfo contains metadata about an audio codec.
type audioInfo struct {
	Name       Audio
	Aliases    []string
	MIME       string
	Encoder    string
	Containers []Container
}

var videoRegistry = map[Video]videoInfo{
	VideoH264: {
		Name:    VideoH264,
		Aliases: []string{"h264", "avc", "avc1", "video/avc", "libx264", "h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox"},
		MIME:    MIMEVideoAVC,
		Encoders: map[HWAccel]string{
			HWAccelNone:  "libx264",
			HWAccelCUDA:  "h264_nvenc",
			HWAccelQSV:   "h264_qsv",
			HWAccelVAAPI: "h264_vaapi",
			HWAccelVT:    "h264_videotoolbox",
		},
		Containers: []Container{ContainerMP4, ContainerFMP4, ContainerMPEGTS, ContainerMKV},
	},
	VideoH265: {
		Name:    VideoH265,
		Aliases: []string{"h265", "hevc", "hev1", "hvc1", "video/hevc", "libx265", "hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox"},
		MIME:    MIMEVideoHEVC,
		Encoders: map[HWAccel]string{
			HWAccelNone:  "libx265",
			HWAccelCUDA:  "hevc_nvenc",
			HWAccelQSV:   "hevc_qsv",
			HWAccelVAAPI: "hevc_vaapi",
			HWAccelVT:    "hevc_videotoolbox",
		},
		Containers: []Container{ContainerMP4, ContainerFMP4, ContainerMPEGTS},
	},
}

var audioRegistry = map[Audio]audioInfo{
	AudioAAC: {
		Name:       AudioAAC,
		Aliases:    []string{"aac", "mp4a", "audio/mp4a-latm", "libfdk_aac", "aac_at"},
		MIME:       MIMEAudioAAC,
		Encoder:    "aac",
		Containers: []Container{ContainerMP4, ContainerFMP4, ContainerMPEGTS, ContainerMKV},
	},
}

// videoAliasIndex maps all aliases to their canonical codec.
var videoAliasIndex map[string]Video

// audioAliasIndex maps all aliases to their canonical codec.
var audioAliasIndex map[string]Audio

func init() {
	videoAliasIndex = make(map[string]Video)
	for codec, info := range videoRegistry {
		for _, alias := range info.Aliases {
			videoAliasIndex[strings.ToLower(alias)] = codec
		}
	}

	audioAliasIndex = make(map[string]Audio)
	for codec, info := range audioRegistry {
		for _, alias := range info.Aliases {
			audioAliasIndex[strings.ToLower(alias)] = codec
		}
	}
}

// ParseVideo parses a string (codec name, alias, MIME type or encoder) to a Video codec.
// Returns the canonical codec and whether the parse was successful.
func ParseVideo(s string) (Video, bool) {
	if s == "" {
		return "", false
	}
	codec, ok := videoAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return codec, ok
}

// ParseAudio parses a string (codec name, alias, MIME type or encoder) to an Audio codec.
// Returns the canonical codec and whether the parse was successful.
func ParseAudio(s string) (Audio, bool) {
	if s == "" {
		return "", false
	}
	codec, ok := audioAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return codec, ok
}

// ParseContainer converts a string to a Container.
func ParseContainer(s string) (Container, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mp4":
		return ContainerMP4, true
	case "fmp4", "cmaf":
		return ContainerFMP4, true
	case "mpegts", "ts":
		return ContainerMPEGTS, true
	case "mkv", "matroska":
		return ContainerMKV, true
	default:
		return "", false
	}
}

// ParseHWAccel parses a hardware acceleration string.
func ParseHWAccel(s string) (HWAccel, bool) {
	switch h := HWAccel(strings.ToLower(strings.TrimSpace(s))); h {
	case "":
		return HWAccelNone, true
	case HWAccelNone, HWAccelCUDA, HWAccelQSV, HWAccelVAAPI, HWAccelVT:
		return h, true
	default:
		return "", false
	}
}

// MIME returns the MIME type of the video codec.
func (v Video) MIME() string {
	return videoRegistry[v].MIME
}

// MIME returns the MIME type of the audio codec.
func (a Audio) MIME() string {
	return audioRegistry[a].MIME
}

// SupportsContainer reports whether the muxers can write v into c.
func (v Video) SupportsContainer(c Container) bool {
	for _, cc := range videoRegistry[v].Containers {
		if cc == c {
			return true
		}
	}
	return false
}

// SupportsContainer reports whether the muxers can write a into c.
func (a Audio) SupportsContainer(c Container) bool {
	for _, cc := range audioRegistry[a].Containers {
		if cc == c {
			return true
		}
	}
	return false
}

// GetVideoEncoder returns the FFmpeg encoder name for a video codec with the given
// hardware acceleration. Falls back to the software encoder if hwaccel is not supported.
func GetVideoEncoder(v Video, hwaccel HWAccel) string {
	info, ok := videoRegistry[v]
	if !ok {
		return string(v)
	}
	if encoder, ok := info.Encoders[hwaccel]; ok {
		return encoder
	}
	return info.Encoders[HWAccelNone]
}

// GetAudioEncoder returns the FFmpeg encoder name for an audio codec.
func GetAudioEncoder(a Audio) string {
	info, ok := audioRegistry[a]
	if !ok {
		return string(a)
	}
	return info.Encoder
}

// KindOfMIME returns the stream kind for a MIME type.
func KindOfMIME(mime string) (Kind, bool) {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return KindVideo, true
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio, true
	default:
		return 0, false
	}
}
