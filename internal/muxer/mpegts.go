package muxer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/encmux/internal/codec"
)

// MPEG-TS constants.
const (
	tsFirstPID = 0x0100
)

type tsTrack struct {
	*track
	ts *mpegts.Track
}

// tsMuxer writes an MPEG transport stream with mediacommon's mpegts.Writer.
type tsMuxer struct {
	w      io.Writer
	bw     *bufio.Writer
	logger *slog.Logger

	writer  *mpegts.Writer
	tracks  []*tsTrack
	started bool
	stopped bool
}

func newTSMuxer(w io.Writer, logger *slog.Logger) *tsMuxer {
	return &tsMuxer{w: w, bw: bufio.NewWriter(w), logger: logger}
}

func (m *tsMuxer) AddTrack(format codec.Format) (int, error) {
	if m.started {
		return -1, ErrAlreadyStarted
	}
	index := len(m.tracks)
	t, err := newTrack(index, format)
	if err != nil {
		return -1, err
	}

	var c mpegts.Codec
	switch {
	case t.video == codec.VideoH264:
		c = &mpegts.CodecH264{}
	case t.video == codec.VideoH265:
		c = &mpegts.CodecH265{}
	default:
		c = &mpegts.CodecMPEG4Audio{Config: t.asc}
	}

	m.tracks = append(m.tracks, &tsTrack{
		track: t,
		ts: &mpegts.Track{
			PID:   uint16(tsFirstPID + index),
			Codec: c,
		},
	})
	return index, nil
}

func (m *tsMuxer) Start() error {
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}

	tracks := make([]*mpegts.Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		tracks = append(tracks, t.ts)
	}
	m.writer = &mpegts.Writer{
		W:      m.bw,
		Tracks: tracks,
	}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.started = true
	m.logger.Debug("MPEG-TS muxer initialized", slog.Int("tracks", len(tracks)))
	return nil
}

func (m *tsMuxer) WriteSampleData(index int, data []byte, info codec.BufferInfo) error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return ErrStopped
	}
	if index < 0 || index >= len(m.tracks) {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, index)
	}
	t := m.tracks[index]
	pts := toTimeScale(info.PresentationTimeUs, videoTimeScale)

	switch {
	case t.video == codec.VideoH264:
		au := t.accessUnit(data)
		if t.isRandomAccess(au, info) && !hasH264ParameterSets(au) {
			// decoders joining at a random access point need the parameter sets in-band
			au = append([][]byte{t.sps, t.pps}, au...)
		}
		return m.writer.WriteH264(t.ts, pts, pts, au)
	case t.video == codec.VideoH265:
		return m.writer.WriteH265(t.ts, pts, pts, t.accessUnit(data))
	default:
		return m.writer.WriteMPEG4Audio(t.ts, pts, t.audioUnits(data))
	}
}

func (m *tsMuxer) Stop() error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("flushing transport stream: %w", err)
	}
	return nil
}

func (m *tsMuxer) Release() error {
	m.writer = nil
	m.tracks = nil
	return closeWriter(m.w)
}

func hasH264ParameterSets(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			return true
		}
	}
	return false
}
