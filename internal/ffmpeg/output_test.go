package ffmpeg

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encmux/internal/codec"
)

func readAll(t *testing.T, o *outputReader) []accessUnit {
	t.Helper()
	o.wait()
	var units []accessUnit
	for {
		au, ok := o.next(0)
		if !ok {
			return units
		}
		units = append(units, au)
	}
}

// encodeTS runs serve over input and returns the produced transport stream.
func encodeTS(t *testing.T, serve serveFunc, input []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, serve(bytes.NewReader(input), &out))
	return out.Bytes()
}

func TestOutputReader_Video(t *testing.T) {
	ts := encodeTS(t, h264Server(4, 4), make([]byte, 4*4*4*12))

	o := startOutputReader(bytes.NewReader(ts), codec.KindVideo, nil, slog.Default())
	units := readAll(t, o)

	require.Len(t, units, 13)
	assert.Equal(t, codec.VideoH264, o.videoCodec())

	for i, au := range units[:12] {
		assert.Equal(t, int64(i)*1_000_000/30, au.ptsUs, "unit %d", i)
		assert.Equal(t, i%10 == 0, au.key, "unit %d", i)
	}
	last := units[12]
	assert.True(t, last.eos)
	assert.NoError(t, last.err)
}

func TestOutputReader_Audio(t *testing.T) {
	ts := encodeTS(t, aacServer(44100, 2), make([]byte, aacFrameSamples*2*2*4))

	o := startOutputReader(bytes.NewReader(ts), codec.KindAudio, nil, slog.Default())
	units := readAll(t, o)

	require.Len(t, units, 5)
	asc, ok := o.audioConfig()
	require.True(t, ok)
	assert.Equal(t, 44100, asc.SampleRate)
	assert.Equal(t, 2, asc.ChannelCount)
	assert.Equal(t, int64(23211), units[1].ptsUs)
	assert.True(t, units[4].eos)
}

func TestOutputReader_NoMatchingTrack(t *testing.T) {
	ts := encodeTS(t, aacServer(48000, 1), make([]byte, aacFrameSamples*2))

	o := startOutputReader(bytes.NewReader(ts), codec.KindVideo, nil, slog.Default())
	units := readAll(t, o)

	require.Len(t, units, 1)
	assert.True(t, units[0].eos)
	assert.ErrorContains(t, units[0].err, "no video track")
}

func TestOutputReader_WaitErrorWins(t *testing.T) {
	exitErr := errors.New("exit status 1")
	o := startOutputReader(strings.NewReader(""), codec.KindVideo, func() error { return exitErr }, slog.Default())
	units := readAll(t, o)

	require.Len(t, units, 1)
	assert.ErrorIs(t, units[0].err, exitErr)
}

func TestOutputReader_NextTimesOut(t *testing.T) {
	o := &outputReader{notify: make(chan struct{}, 1), done: make(chan struct{})}

	start := time.Now()
	_, ok := o.next(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		o.push(accessUnit{data: []byte{1}})
	}()
	au, ok := o.next(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, au.data)
}

func TestMicros(t *testing.T) {
	o := &outputReader{}
	assert.Equal(t, int64(0), o.micros(900000))
	assert.Equal(t, int64(1_000_000), o.micros(990000))
	assert.Equal(t, int64(11), o.micros(900001))
}
