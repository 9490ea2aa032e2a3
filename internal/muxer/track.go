package muxer

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/pts"
)

// Timescales.
const (
	videoTimeScale = 90000
	// aacFrameSamples is the number of PCM samples in one AAC-LC access unit.
	aacFrameSamples = 1024
)

// track is the codec-level description of a muxer track shared by every
// container backend.
type track struct {
	index  int
	kind   codec.Kind
	format codec.Format

	video codec.Video
	audio codec.Audio

	vps []byte
	sps []byte
	pps []byte
	asc mpeg4audio.AudioSpecificConfig

	timeScale uint32
}

// newTrack parses an encoder output format into a track.
func newTrack(index int, format codec.Format) (*track, error) {
	kind, ok := format.Kind()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.MIME)
	}
	t := &track{index: index, kind: kind, format: format}

	switch kind {
	case codec.KindVideo:
		v, ok := codec.ParseVideo(format.MIME)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.MIME)
		}
		t.video = v
		t.timeScale = videoTimeScale
		if err := t.parseParameterSets(); err != nil {
			return nil, err
		}

	case codec.KindAudio:
		a, ok := codec.ParseAudio(format.MIME)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.MIME)
		}
		t.audio = a
		if err := t.parseAudioConfig(); err != nil {
			return nil, err
		}
		t.timeScale = uint32(t.asc.SampleRate)
	}
	return t, nil
}

// parseParameterSets extracts VPS/SPS/PPS from the format's codec specific
// data. Each CSD entry may be a bare NAL unit or an Annex-B byte stream.
func (t *track) parseParameterSets() error {
	for _, nalu := range splitNALUs(t.format.CSD) {
		switch t.video {
		case codec.VideoH264:
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				t.sps = nalu
			case h264.NALUTypePPS:
				t.pps = nalu
			}
		case codec.VideoH265:
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				t.vps = nalu
			case h265.NALUType_SPS_NUT:
				t.sps = nalu
			case h265.NALUType_PPS_NUT:
				t.pps = nalu
			}
		}
	}

	if t.sps == nil || t.pps == nil || (t.video == codec.VideoH265 && t.vps == nil) {
		return fmt.Errorf("%w: %s parameter sets", ErrMissingCodecConfig, t.video)
	}
	return nil
}

// parseAudioConfig reads the AudioSpecificConfig from the format, or
// derives an AAC-LC config from sample rate and channel count.
func (t *track) parseAudioConfig() error {
	if len(t.format.CSD) > 0 && len(t.format.CSD[0]) > 0 {
		if err := t.asc.Unmarshal(t.format.CSD[0]); err != nil {
			return fmt.Errorf("%w: parsing AudioSpecificConfig: %v", ErrMissingCodecConfig, err)
		}
		return nil
	}
	if t.format.SampleRate <= 0 || t.format.ChannelCount <= 0 {
		return fmt.Errorf("%w: aac config", ErrMissingCodecConfig)
	}
	t.asc = mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   t.format.SampleRate,
		ChannelCount: t.format.ChannelCount,
	}
	return nil
}

// mp4Codec returns the ISO-BMFF codec description of the track.
func (t *track) mp4Codec() mp4.Codec {
	switch {
	case t.video == codec.VideoH265:
		return &mp4.CodecH265{VPS: t.vps, SPS: t.sps, PPS: t.pps}
	case t.video == codec.VideoH264:
		return &mp4.CodecH264{SPS: t.sps, PPS: t.pps}
	default:
		return &mp4.CodecMPEG4Audio{Config: t.asc}
	}
}

// accessUnit splits a video payload into NAL units.
func (t *track) accessUnit(data []byte) [][]byte {
	return dataToAccessUnit(data)
}

// audioUnits splits an audio payload into raw AAC access units, removing
// ADTS framing if present.
func (t *track) audioUnits(data []byte) [][]byte {
	if len(data) >= 7 && data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(data); err == nil {
			aus := make([][]byte, 0, len(pkts))
			for _, pkt := range pkts {
				aus = append(aus, pkt.AU)
			}
			return aus
		}
	}
	return [][]byte{data}
}

// isRandomAccess reports whether a sample can start decoding.
func (t *track) isRandomAccess(au [][]byte, info codec.BufferInfo) bool {
	if t.kind == codec.KindAudio || info.IsKeyFrame() {
		return true
	}
	switch t.video {
	case codec.VideoH265:
		return h265.IsRandomAccess(au)
	default:
		return h264.IsRandomAccess(au)
	}
}

// avcc returns a video access unit in length-prefixed form.
func (t *track) avcc(au [][]byte) ([]byte, error) {
	return h264.AVCC(au).Marshal()
}

// ticks converts a microsecond timestamp to the track timescale.
func (t *track) ticks(us int64) int64 {
	return toTimeScale(us, t.timeScale)
}

// defaultDuration is the duration given to the last sample of a track.
func (t *track) defaultDuration() uint32 {
	if t.kind == codec.KindAudio {
		return aacFrameSamples
	}
	if t.format.FrameRate > 0 {
		return uint32(t.timeScale) / uint32(t.format.FrameRate)
	}
	return uint32(t.timeScale) / 30
}

func toTimeScale(us int64, timeScale uint32) int64 {
	ts := int64(timeScale)
	return (us/pts.MicrosPerSecond)*ts + (us%pts.MicrosPerSecond)*ts/pts.MicrosPerSecond
}

// splitNALUs flattens codec specific data entries into NAL units.
func splitNALUs(csd [][]byte) [][]byte {
	var out [][]byte
	for _, entry := range csd {
		for _, nalu := range dataToAccessUnit(entry) {
			if len(nalu) > 0 {
				out = append(out, nalu)
			}
		}
	}
	return out
}

// dataToAccessUnit converts raw video data to access unit format using mediacommon.
// It handles both Annex B format (with start codes) and raw NAL units.
func dataToAccessUnit(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 {
		if data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01) {
			var au h264.AnnexB
			if err := au.Unmarshal(data); err != nil {
				return [][]byte{data}
			}
			return au
		}
	}
	return [][]byte{data}
}
