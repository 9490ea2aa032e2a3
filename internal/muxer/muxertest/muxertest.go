// Package muxertest provides a recording Muxer for tests.
package muxertest

import (
	"slices"
	"sync"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/muxer"
)

// Write is one recorded WriteSampleData call.
type Write struct {
	Track int
	Data  []byte
	Info  codec.BufferInfo
}

// Muxer records every call made to it. Error fields are returned by the
// matching method when set.
type Muxer struct {
	AddTrackErr error
	StartErr    error
	WriteErr    error
	StopErr     error
	ReleaseErr  error

	mu       sync.Mutex
	formats  []codec.Format
	writes   []Write
	calls    []string
	started  int
	stopped  int
	released int
}

var _ muxer.Muxer = (*Muxer)(nil)

// New returns an empty recording muxer.
func New() *Muxer {
	return &Muxer{}
}

func (m *Muxer) record(call string) {
	m.calls = append(m.calls, call)
}

// AddTrack records format and returns the next track index.
func (m *Muxer) AddTrack(format codec.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("add_track")
	if m.AddTrackErr != nil {
		return -1, m.AddTrackErr
	}
	if m.started > 0 {
		return -1, muxer.ErrAlreadyStarted
	}
	m.formats = append(m.formats, format)
	return len(m.formats) - 1, nil
}

// Start records a start.
func (m *Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start")
	if m.StartErr != nil {
		return m.StartErr
	}
	m.started++
	return nil
}

// WriteSampleData records a copy of data.
func (m *Muxer) WriteSampleData(track int, data []byte, info codec.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write")
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if m.started == 0 {
		return muxer.ErrNotStarted
	}
	if track < 0 || track >= len(m.formats) {
		return muxer.ErrInvalidTrack
	}
	m.writes = append(m.writes, Write{Track: track, Data: slices.Clone(data), Info: info})
	return nil
}

// Stop records a stop.
func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop")
	m.stopped++
	return m.StopErr
}

// Release records a release.
func (m *Muxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("release")
	m.released++
	return m.ReleaseErr
}

// Formats returns the formats of the added tracks.
func (m *Muxer) Formats() []codec.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.formats)
}

// Writes returns the recorded writes.
func (m *Muxer) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

// TrackWrites returns the recorded writes for one track.
func (m *Muxer) TrackWrites(track int) []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Write
	for _, w := range m.writes {
		if w.Track == track {
			out = append(out, w)
		}
	}
	return out
}

// Calls returns the method names called, in order.
func (m *Muxer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// StartCount returns how many times Start succeeded.
func (m *Muxer) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// StopCount returns how many times Stop was called.
func (m *Muxer) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// ReleaseCount returns how many times Release was called.
func (m *Muxer) ReleaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
