package muxer

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/pmp4"

	"github.com/jmylchreest/encmux/internal/codec"
)

type mp4Track struct {
	*track
	pmp4.Track
	lastDTS int64
}

// mp4Muxer writes a progressive MP4 file. Samples are kept in memory and
// the whole presentation is marshaled on Stop.
type mp4Muxer struct {
	w      io.Writer
	logger *slog.Logger

	tracks  []*mp4Track
	started bool
	stopped bool
}

func newMP4Muxer(w io.Writer, logger *slog.Logger) *mp4Muxer {
	return &mp4Muxer{w: w, logger: logger}
}

func (m *mp4Muxer) AddTrack(format codec.Format) (int, error) {
	if m.started {
		return -1, ErrAlreadyStarted
	}
	index := len(m.tracks)
	t, err := newTrack(index, format)
	if err != nil {
		return -1, err
	}
	m.tracks = append(m.tracks, &mp4Track{
		track: t,
		Track: pmp4.Track{
			ID:        index + 1,
			TimeScale: t.timeScale,
			Codec:     t.mp4Codec(),
		},
	})
	return index, nil
}

func (m *mp4Muxer) Start() error {
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}
	m.started = true
	return nil
}

func (m *mp4Muxer) WriteSampleData(index int, data []byte, info codec.BufferInfo) error {
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

	var payload []byte
	nonSync := false
	if t.kind == codec.KindVideo {
		au := t.accessUnit(data)
		avcc, err := t.avcc(au)
		if err != nil {
			return fmt.Errorf("encoding access unit: %w", err)
		}
		payload = avcc
		nonSync = !t.isRandomAccess(au, info)
	} else {
		for _, au := range t.audioUnits(data) {
			payload = append(payload, au...)
		}
	}

	dts := t.ticks(info.PresentationTimeUs)
	if len(t.Samples) == 0 {
		t.TimeOffset = int32(dts)
	} else {
		duration := dts - t.lastDTS
		if duration < 0 {
			duration = 0
		}
		t.Samples[len(t.Samples)-1].Duration = uint32(duration)
	}

	t.Samples = append(t.Samples, &pmp4.Sample{
		IsNonSyncSample: nonSync,
		PayloadSize:     uint32(len(payload)),
		GetPayload: func() ([]byte, error) {
			return payload, nil
		},
	})
	t.lastDTS = dts
	return nil
}

func (m *mp4Muxer) Stop() error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	p := pmp4.Presentation{
		Tracks: make([]*pmp4.Track, 0, len(m.tracks)),
	}
	for _, t := range m.tracks {
		if len(t.Samples) == 0 {
			continue
		}
		t.Samples[len(t.Samples)-1].Duration = t.defaultDuration()
		p.Tracks = append(p.Tracks, &t.Track)
	}
	if len(p.Tracks) == 0 {
		m.logger.Warn("no samples written, output left empty")
		return nil
	}

	if err := p.Marshal(m.w); err != nil {
		return fmt.Errorf("marshaling presentation: %w", err)
	}
	return nil
}

func (m *mp4Muxer) Release() error {
	m.tracks = nil
	return closeWriter(m.w)
}
