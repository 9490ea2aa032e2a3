package muxer

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/jmylchreest/encmux/internal/codec"
)

type fmp4Track struct {
	*track
	id       int
	baseTime uint64
	samples  []*fmp4.Sample

	// the newest sample waits here until the next one gives its duration
	pending    *fmp4.Sample
	pendingDTS int64
	firstDTS   int64
	hasFirst   bool
}

// fmp4Muxer writes fragmented MP4: an init segment on Start, then one
// fragment per video GOP, or per second of samples for audio-only output.
type fmp4Muxer struct {
	w      io.Writer
	logger *slog.Logger

	tracks         []*fmp4Track
	sequenceNumber uint32
	started        bool
	stopped        bool
}

func newFMP4Muxer(w io.Writer, logger *slog.Logger) *fmp4Muxer {
	return &fmp4Muxer{w: w, logger: logger, sequenceNumber: 1}
}

func (m *fmp4Muxer) AddTrack(format codec.Format) (int, error) {
	if m.started {
		return -1, ErrAlreadyStarted
	}
	index := len(m.tracks)
	t, err := newTrack(index, format)
	if err != nil {
		return -1, err
	}
	m.tracks = append(m.tracks, &fmp4Track{track: t, id: index + 1})
	return index, nil
}

func (m *fmp4Muxer) Start() error {
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}

	init := fmp4.Init{
		Tracks: make([]*fmp4.InitTrack, 0, len(m.tracks)),
	}
	for _, t := range m.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.mp4Codec(),
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling init: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing init: %w", err)
	}
	m.started = true
	return nil
}

func (m *fmp4Muxer) hasVideo() bool {
	for _, t := range m.tracks {
		if t.kind == codec.KindVideo {
			return true
		}
	}
	return false
}

func (m *fmp4Muxer) WriteSampleData(index int, data []byte, info codec.BufferInfo) error {
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

	sample := &fmp4.Sample{}
	randomAccess := true
	if t.kind == codec.KindVideo {
		au := t.accessUnit(data)
		avcc, err := t.avcc(au)
		if err != nil {
			return fmt.Errorf("encoding access unit: %w", err)
		}
		sample.Payload = avcc
		randomAccess = t.isRandomAccess(au, info)
		sample.IsNonSyncSample = !randomAccess
	} else {
		for _, au := range t.audioUnits(data) {
			sample.Payload = append(sample.Payload, au...)
		}
	}

	dts := t.ticks(info.PresentationTimeUs)
	if !t.hasFirst {
		t.firstDTS = dts
		t.baseTime = uint64(dts)
		t.hasFirst = true
	}

	if t.pending != nil {
		duration := dts - t.pendingDTS
		if duration < 0 {
			duration = 0
		}
		t.pending.Duration = uint32(duration)
		t.samples = append(t.samples, t.pending)
	}
	t.pending = sample
	t.pendingDTS = dts

	if m.shouldFragment(t, randomAccess, dts) {
		return m.writeFragment()
	}
	return nil
}

// shouldFragment cuts a fragment before each video random access point, or
// once a second of audio is buffered when there is no video.
func (m *fmp4Muxer) shouldFragment(t *fmp4Track, randomAccess bool, dts int64) bool {
	if len(t.samples) == 0 {
		return false
	}
	if t.kind == codec.KindVideo {
		return randomAccess
	}
	if m.hasVideo() {
		return false
	}
	return dts-int64(t.baseTime) >= int64(t.timeScale)
}

func (m *fmp4Muxer) writeFragment() error {
	part := fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks:         make([]*fmp4.PartTrack, 0, len(m.tracks)),
	}
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
		for _, s := range t.samples {
			t.baseTime += uint64(s.Duration)
		}
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing fragment: %w", err)
	}
	m.sequenceNumber++
	return nil
}

func (m *fmp4Muxer) Stop() error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	for _, t := range m.tracks {
		if t.pending != nil {
			t.pending.Duration = t.defaultDuration()
			t.samples = append(t.samples, t.pending)
			t.pending = nil
		}
	}
	return m.writeFragment()
}

func (m *fmp4Muxer) Release() error {
	m.tracks = nil
	return closeWriter(m.w)
}
