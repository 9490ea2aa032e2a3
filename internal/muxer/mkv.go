package muxer

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	gomp4 "github.com/abema/go-mp4"
	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/jmylchreest/encmux/internal/codec"
)

// Matroska codec IDs and track types.
const (
	mkvCodecAVC = "V_MPEG4/ISO/AVC"
	mkvCodecAAC = "A_AAC"

	mkvTrackVideo = 1
	mkvTrackAudio = 2
)

var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// nopCloser keeps the block writer from closing the caller's writer;
// Release closes it.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// mkvMuxer writes Matroska with ebml-go. Timestamps are in milliseconds
// (the default TimecodeScale).
type mkvMuxer struct {
	w      io.Writer
	logger *slog.Logger

	tracks  []*track
	writers []webm.BlockWriteCloser
	started bool
	stopped bool

	fatalMu sync.Mutex
	fatal   error
}

func newMKVMuxer(w io.Writer, logger *slog.Logger) *mkvMuxer {
	return &mkvMuxer{w: w, logger: logger}
}

func (m *mkvMuxer) AddTrack(format codec.Format) (int, error) {
	if m.started {
		return -1, ErrAlreadyStarted
	}
	index := len(m.tracks)
	t, err := newTrack(index, format)
	if err != nil {
		return -1, err
	}
	if t.video == codec.VideoH265 {
		return -1, fmt.Errorf("%w: %s in %s", ErrUnsupportedContainer, t.video, codec.ContainerMKV)
	}
	m.tracks = append(m.tracks, t)
	return index, nil
}

func (m *mkvMuxer) Start() error {
	if len(m.tracks) == 0 {
		return ErrNoTracks
	}

	entries := make([]webm.TrackEntry, 0, len(m.tracks))
	for _, t := range m.tracks {
		entry, err := mkvTrackEntry(t)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	writers, err := webm.NewSimpleBlockWriter(nopCloser{m.w}, entries,
		mkvcore.WithEBMLHeader(matroskaHeader),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Error("matroska writer failed", slog.String("error", err.Error()))
			m.fatalMu.Lock()
			m.fatal = err
			m.fatalMu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("creating matroska writer: %w", err)
	}
	m.writers = writers
	m.started = true
	return nil
}

func mkvTrackEntry(t *track) (webm.TrackEntry, error) {
	number := uint64(t.index + 1)
	entry := webm.TrackEntry{
		Name:        t.kind.String(),
		TrackNumber: number,
		TrackUID:    number,
	}

	if t.kind == codec.KindVideo {
		private, err := avcDecoderConfig(t.sps, t.pps)
		if err != nil {
			return entry, err
		}
		entry.CodecID = mkvCodecAVC
		entry.CodecPrivate = private
		entry.TrackType = mkvTrackVideo
		if t.format.FrameRate > 0 {
			entry.DefaultDuration = uint64(1_000_000_000 / t.format.FrameRate)
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(t.format.Width),
			PixelHeight: uint64(t.format.Height),
		}
		return entry, nil
	}

	private, err := t.asc.Marshal()
	if err != nil {
		return entry, fmt.Errorf("marshaling AudioSpecificConfig: %w", err)
	}
	entry.CodecID = mkvCodecAAC
	entry.CodecPrivate = private
	entry.TrackType = mkvTrackAudio
	entry.DefaultDuration = uint64(aacFrameSamples * 1_000_000_000 / t.asc.SampleRate)
	entry.Audio = &webm.Audio{
		SamplingFrequency: float64(t.asc.SampleRate),
		Channels:          uint64(t.asc.ChannelCount),
	}
	return entry, nil
}

// avcDecoderConfig builds the avcC payload used as H.264 CodecPrivate.
func avcDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: avcC needs sps and pps", ErrMissingCodecConfig)
	}
	box := &gomp4.AVCDecoderConfiguration{
		AnyTypeBox: gomp4.AnyTypeBox{
			Type: gomp4.BoxTypeAvcC(),
		},
		ConfigurationVersion:       1,
		Profile:                    sps[1],
		ProfileCompatibility:       sps[2],
		Level:                      sps[3],
		LengthSizeMinusOne:         3,
		NumOfSequenceParameterSets: 1,
		SequenceParameterSets: []gomp4.AVCParameterSet{{
			Length:  uint16(len(sps)),
			NALUnit: sps,
		}},
		NumOfPictureParameterSets: 1,
		PictureParameterSets: []gomp4.AVCParameterSet{{
			Length:  uint16(len(pps)),
			NALUnit: pps,
		}},
	}

	var buf bytes.Buffer
	if _, err := gomp4.Marshal(&buf, box, gomp4.Context{}); err != nil {
		return nil, fmt.Errorf("marshaling avcC: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *mkvMuxer) fatalErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}

func (m *mkvMuxer) WriteSampleData(index int, data []byte, info codec.BufferInfo) error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return ErrStopped
	}
	if index < 0 || index >= len(m.tracks) {
		return fmt.Errorf("%w: %d", ErrInvalidTrack, index)
	}
	if err := m.fatalErr(); err != nil {
		return fmt.Errorf("matroska writer: %w", err)
	}
	t := m.tracks[index]

	var payload []byte
	keyframe := true
	if t.kind == codec.KindVideo {
		au := t.accessUnit(data)
		avcc, err := t.avcc(au)
		if err != nil {
			return fmt.Errorf("encoding access unit: %w", err)
		}
		payload = avcc
		keyframe = t.isRandomAccess(au, info)
	} else {
		for _, au := range t.audioUnits(data) {
			payload = append(payload, au...)
		}
	}

	if _, err := m.writers[index].Write(keyframe, info.PresentationTimeUs/1000, payload); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	return nil
}

func (m *mkvMuxer) Stop() error {
	if !m.started {
		return ErrNotStarted
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing matroska writer: %w", errs[0])
	}
	return m.fatalErr()
}

func (m *mkvMuxer) Release() error {
	m.writers = nil
	m.tracks = nil
	return closeWriter(m.w)
}
