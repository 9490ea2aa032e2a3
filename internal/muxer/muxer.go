// Package muxer commits encoded samples to container tracks.
//
// A Muxer is the container collaborator: tracks are added from encoder
// output formats, the container is started once, samples are written per
// track and the container is stopped and released. A Gate sits in front of a
// Muxer and enforces that ordering for the pipelines.
package muxer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmylchreest/encmux/internal/codec"
)

// Muxer is a container multiplexer.
type Muxer interface {
	// AddTrack registers a track for an encoder output format and returns its index.
	AddTrack(format codec.Format) (int, error)
	// Start writes the container header. No track may be added afterwards.
	Start() error
	// WriteSampleData appends one encoded sample to a track.
	WriteSampleData(track int, data []byte, info codec.BufferInfo) error
	// Stop finalizes the container.
	Stop() error
	// Release frees resources, closing the destination if it is an io.Closer.
	Release() error
}

// Muxer errors.
var (
	// ErrNotStarted indicates a sample arrived before the container was started.
	ErrNotStarted = errors.New("muxer hasn't started")

	// ErrTrackUnassigned indicates a sample arrived for a kind that has no track yet.
	ErrTrackUnassigned = errors.New("track not set yet")

	// ErrFormatChangedTwice indicates a second output format change for a track.
	ErrFormatChangedTwice = errors.New("format changed twice")

	// ErrNonMonotonicPTS indicates a sample whose timestamp does not increase.
	ErrNonMonotonicPTS = errors.New("non-monotonic presentation timestamp")

	// ErrAlreadyStarted indicates a track was added after Start.
	ErrAlreadyStarted = errors.New("muxer already started")

	// ErrStopped indicates the muxer was stopped.
	ErrStopped = errors.New("muxer stopped")

	// ErrNoTracks indicates Start was called without tracks.
	ErrNoTracks = errors.New("no tracks added")

	// ErrInvalidTrack indicates a track index the muxer never returned.
	ErrInvalidTrack = errors.New("invalid track index")

	// ErrUnexpectedKind indicates a format change for a kind the session does not carry.
	ErrUnexpectedKind = errors.New("unexpected track kind")

	// ErrUnsupportedContainer indicates an unknown container name.
	ErrUnsupportedContainer = errors.New("unsupported container")

	// ErrUnsupportedFormat indicates a codec the container cannot carry.
	ErrUnsupportedFormat = errors.New("unsupported format for container")

	// ErrMissingCodecConfig indicates an output format without usable codec specific data.
	ErrMissingCodecConfig = errors.New("missing codec specific data")

	// ErrStartFailed indicates the container rejected Start; the gate accepts no further samples.
	ErrStartFailed = errors.New("muxer failed to start")

	// ErrTrackAdded indicates a kind cannot be dropped because its track already exists.
	ErrTrackAdded = errors.New("track already added")
)

// Create opens path and returns a muxer writing the given container to it.
func Create(container codec.Container, path string, logger *slog.Logger) (Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	m, err := NewWriter(container, f, logger)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return m, nil
}

// NewWriter returns a muxer writing the given container to w.
func NewWriter(container codec.Container, w io.Writer, logger *slog.Logger) (Muxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "muxer"), slog.String("container", string(container)))

	switch container {
	case codec.ContainerMP4:
		return newMP4Muxer(w, logger), nil
	case codec.ContainerFMP4:
		return newFMP4Muxer(w, logger), nil
	case codec.ContainerMPEGTS:
		return newTSMuxer(w, logger), nil
	case codec.ContainerMKV:
		return newMKVMuxer(w, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContainer, container)
	}
}

// EffectiveSize returns the number of bytes a write of info would commit:
// codec config buffers count as empty.
func EffectiveSize(info codec.BufferInfo) int {
	if info.IsCodecConfig() || info.Size < 0 {
		return 0
	}
	return info.Size
}

func closeWriter(w io.Writer) error {
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
