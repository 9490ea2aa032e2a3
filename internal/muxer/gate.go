package muxer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmylchreest/encmux/internal/codec"
)

// State is the lifecycle state of a container or of one of its tracks.
type State int

// Gate states. A gate moves NoTracks -> FormatSeen -> Started exactly once;
// Failed is reached when the container refuses to start and Stopped only
// through Stop.
const (
	StateNoTracks State = iota
	StateFormatSeen
	StateStarted
	StateStopped
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNoTracks:
		return "no_tracks"
	case StateFormatSeen:
		return "format_seen"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TrackState is the gate's view of one track.
type TrackState struct {
	// Index is the muxer track index, -1 while unassigned.
	Index int
	State State
	// Format is the output format the track was added with.
	Format codec.Format

	Samples int64
	Bytes   int64
	LastPTS int64
	hasPTS  bool
}

// Gate orders format changes and sample writes in front of a Muxer.
//
// The container is started once every expected kind has announced its
// output format. Samples for a track whose container has not started yet
// wait for the start. Gate is safe for concurrent use by one pipeline per kind.
type Gate struct {
	m        Muxer
	expected []codec.Kind
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	tracks   map[codec.Kind]*TrackState
	started  chan struct{}
	stopped  chan struct{}
	halted   bool
	startErr error
	released bool
}

// NewGate creates a gate over m for the expected stream kinds. With no
// kinds given a single video track is expected.
func NewGate(m Muxer, expected []codec.Kind, logger *slog.Logger) *Gate {
	if len(expected) == 0 {
		expected = []codec.Kind{codec.KindVideo}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		m:        m,
		expected: slices.Clone(expected),
		logger:   logger.With(slog.String("component", "mux_gate")),
		state:    StateNoTracks,
		tracks:   make(map[codec.Kind]*TrackState),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// State returns the container state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Started reports whether the container has been started.
func (g *Gate) Started() bool {
	return g.State() == StateStarted
}

// Track returns a copy of the state of the track for kind. A kind with no
// track yet reports Index -1 and StateNoTracks.
func (g *Gate) Track(kind codec.Kind) TrackState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tracks[kind]; ok {
		return *t
	}
	return TrackState{Index: -1, State: StateNoTracks}
}

// FormatChanged registers the output format of kind as a new track and
// starts the container once every expected kind has a track.
func (g *Gate) FormatChanged(kind codec.Kind, format codec.Format) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateStopped:
		return ErrStopped
	case StateFailed:
		return g.startErr
	}
	if t, ok := g.tracks[kind]; ok && t.Index >= 0 {
		return fmt.Errorf("%s: %w", kind, ErrFormatChangedTwice)
	}
	if !slices.Contains(g.expected, kind) {
		return fmt.Errorf("%w: %s", ErrUnexpectedKind, kind)
	}

	index, err := g.m.AddTrack(format)
	if err != nil {
		return fmt.Errorf("adding %s track: %w", kind, err)
	}
	g.tracks[kind] = &TrackState{Index: index, State: StateFormatSeen, Format: format}
	if g.state == StateNoTracks {
		g.state = StateFormatSeen
	}

	g.logger.Info("track added",
		slog.String("kind", kind.String()),
		slog.Int("track", index),
		slog.String("format", format.String()),
	)
	return g.startIfReady()
}

// Forget removes kind from the expected kinds, for a stream that will never
// announce a format. The container starts if every remaining kind already
// has a track.
func (g *Gate) Forget(kind codec.Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateStopped:
		return ErrStopped
	case StateFailed:
		return g.startErr
	}
	if _, ok := g.tracks[kind]; ok {
		return fmt.Errorf("%s: %w", kind, ErrTrackAdded)
	}
	i := slices.Index(g.expected, kind)
	if i < 0 {
		return nil
	}
	g.expected = slices.Delete(g.expected, i, i+1)
	g.logger.Info("stream dropped from container", slog.String("kind", kind.String()))
	return g.startIfReady()
}

// Expected returns the kinds the container waits for before starting.
func (g *Gate) Expected() []codec.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.expected)
}

// startIfReady starts the container when it has at least one track and
// every expected kind has one. Called with g.mu held.
func (g *Gate) startIfReady() error {
	if g.state != StateFormatSeen {
		return nil
	}
	for _, k := range g.expected {
		if _, ok := g.tracks[k]; !ok {
			return nil
		}
	}

	if err := g.m.Start(); err != nil {
		g.state = StateFailed
		g.startErr = fmt.Errorf("%w: %w", ErrStartFailed, err)
		g.halt()
		return g.startErr
	}
	g.state = StateStarted
	for _, t := range g.tracks {
		t.State = StateStarted
	}
	close(g.started)
	g.logger.Info("muxer started", slog.Int("tracks", len(g.tracks)))
	return nil
}

// halt wakes every writer waiting for the start. Called with g.mu held.
func (g *Gate) halt() {
	if !g.halted {
		g.halted = true
		close(g.stopped)
	}
}

// WriteSample commits one encoded sample to the track for kind. It reports
// whether anything was written: codec config buffers and empty buffers are
// no-op writes.
func (g *Gate) WriteSample(ctx context.Context, kind codec.Kind, data []byte, info codec.BufferInfo) (bool, error) {
	if info.IsCodecConfig() {
		info.Size = 0
	}
	if info.Size > len(data) {
		info.Size = len(data)
	}
	if info.Size <= 0 {
		return false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateNoTracks:
		return false, ErrNotStarted
	case StateFailed:
		return false, g.startErr
	}
	t, ok := g.tracks[kind]
	if !ok || t.Index < 0 {
		return false, fmt.Errorf("%s: %w", kind, ErrTrackUnassigned)
	}

	if g.state == StateFormatSeen {
		if err := g.waitStarted(ctx); err != nil {
			return false, err
		}
	}
	if g.state != StateStarted {
		return false, ErrNotStarted
	}

	if t.hasPTS && info.PresentationTimeUs <= t.LastPTS {
		return false, fmt.Errorf("%w: %s track pts %d after %d", ErrNonMonotonicPTS, kind, info.PresentationTimeUs, t.LastPTS)
	}

	info.Offset = 0
	if err := g.m.WriteSampleData(t.Index, data[:info.Size], info); err != nil {
		return false, fmt.Errorf("writing %s sample: %w", kind, err)
	}
	t.LastPTS = info.PresentationTimeUs
	t.hasPTS = true
	t.Samples++
	t.Bytes += int64(info.Size)
	return true, nil
}

// waitStarted releases the lock until the container starts, the gate stops
// or fails, or ctx is done. Called with g.mu held; returns with it held.
func (g *Gate) waitStarted(ctx context.Context) error {
	g.mu.Unlock()

	var err error
	select {
	case <-g.started:
	case <-g.stopped:
		err = ErrStopped
	case <-ctx.Done():
		err = fmt.Errorf("waiting for muxer start: %w", ctx.Err())
	}

	g.mu.Lock()
	if g.state == StateFailed {
		return g.startErr
	}
	return err
}

// Stop stops the container if it was started. It is a no-op otherwise.
func (g *Gate) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasStarted := g.state == StateStarted
	g.state = StateStopped
	g.halt()
	if !wasStarted {
		return nil
	}
	if err := g.m.Stop(); err != nil {
		return fmt.Errorf("stopping muxer: %w", err)
	}
	g.logger.Info("muxer stopped")
	return nil
}

// Release releases the muxer. Further calls are no-ops.
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return nil
	}
	g.released = true
	if err := g.m.Release(); err != nil {
		return fmt.Errorf("releasing muxer: %w", err)
	}
	return nil
}
