package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder/encodertest"
	"github.com/jmylchreest/encmux/internal/muxer"
	"github.com/jmylchreest/encmux/internal/muxer/muxertest"
	"github.com/jmylchreest/encmux/internal/pts"
)

func audioPipeline(t *testing.T, enc *encodertest.Encoder, cfg AudioConfig, logger *slog.Logger) (*AudioPipeline, *muxertest.Muxer) {
	t.Helper()
	m := muxertest.New()
	g := muxer.NewGate(m, []codec.Kind{codec.KindAudio}, logger)
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Millisecond
	}
	a := NewAudioPipeline(enc, g, pts.NewClock(), cfg, logger)
	require.NoError(t, a.Prepare(context.Background()))
	return a, m
}

func TestAudioPipeline_BudgetDrain(t *testing.T) {
	const (
		budget  = 256 * 1024
		bufSize = 10000
	)
	enc := newAudioEncoder(0.2474, bufSize)
	responder := enc.OnInput
	enc.OnInput = func(in encodertest.Input) []encodertest.Step {
		steps := responder(in)
		if in.Flags.Has(codec.FlagEndOfStream) {
			// anything after the first end of stream output must stay unread
			steps = append(steps, encodertest.Sample([]byte{0xde, 0xad}, 1<<40, codec.FlagNone))
		}
		return steps
	}
	a, m := audioPipeline(t, enc, AudioConfig{InputBudget: budget}, testLogger())

	src := bytes.NewReader(bytes.Repeat([]byte{0x01, 0x02}, budget))
	stats, err := a.Drain(context.Background(), src)
	require.NoError(t, err)

	inputs := enc.Inputs()
	full := budget / bufSize
	require.Len(t, inputs, full+2)
	for i, in := range inputs[:full] {
		assert.Equal(t, bufSize, in.Size, "input %d", i)
		assert.False(t, in.Flags.Has(codec.FlagEndOfStream))
	}
	assert.Equal(t, budget%bufSize, inputs[full].Size, "last payload buffer is truncated to the budget")

	eos := inputs[full+1]
	assert.Zero(t, eos.Size)
	assert.True(t, eos.Flags.Has(codec.FlagEndOfStream))

	for i := 1; i < len(inputs); i++ {
		assert.Greater(t, inputs[i].PTS, inputs[i-1].PTS, "input stamps increase")
	}

	assert.Equal(t, 1, enc.Pending(), "drain stops on the first end of stream output")
	assert.True(t, a.EndOfStream())

	assert.Equal(t, int64(budget), stats.BytesIn)
	assert.Equal(t, int64(full+1), stats.BuffersIn)
	assert.Equal(t, int64(full+1), stats.SamplesOut)
	assert.Equal(t, pts.PCMTime(budget, DefaultSampleRate, DefaultChannelCount), stats.Duration.Microseconds())
	assert.False(t, stats.Rate.Anomalous, stats.Rate.String())

	writes := m.Writes()
	require.Len(t, writes, full+1)
	for i, w := range writes {
		assert.Equal(t, int64(i+1), w.Info.PresentationTimeUs, "sequence stamps")
	}
	var out int64
	for _, w := range writes {
		out += int64(len(w.Data))
	}
	assert.Equal(t, out, stats.BytesOut)

	samples, bytesOut := a.Totals()
	assert.Equal(t, stats.SamplesOut, samples)
	assert.Equal(t, stats.BytesOut, bytesOut)

	_, err = a.Drain(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestAudioPipeline_ShortSource(t *testing.T) {
	enc := newAudioEncoder(0.2474, 4096)
	a, _ := audioPipeline(t, enc, AudioConfig{InputBudget: 64 * 1024}, testLogger())

	stats, err := a.Drain(context.Background(), bytes.NewReader(make([]byte, 5000)))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), stats.BytesIn)

	inputs := enc.Inputs()
	require.Len(t, inputs, 3)
	assert.Equal(t, 4096, inputs[0].Size)
	assert.Equal(t, 904, inputs[1].Size)
	assert.True(t, inputs[2].Flags.Has(codec.FlagEndOfStream))
}

func TestAudioPipeline_RateAnomaly(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	enc := newAudioEncoder(0.5, 1024)
	a, _ := audioPipeline(t, enc, AudioConfig{InputBudget: 8 * 1024}, logger)

	stats, err := a.Drain(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, stats.Rate.Anomalous)
	assert.InDelta(t, 0.5, stats.Rate.Actual, 0.001)
	assert.InDelta(t, 0.2474, stats.Rate.Expected, 0.001)

	out := logs.String()
	assert.Contains(t, out, "audio rate anomaly")
	assert.Contains(t, out, "level=WARN")
	assert.True(t, strings.Contains(out, "bytes_in=8192"), out)
}

func TestAudioPipeline_EncoderTimestamps(t *testing.T) {
	encoderPTS := []int64{1000, 1000, 500, 3000}
	enc := encodertest.New()
	enc.InputBufferSize = 1024
	n := 0
	enc.OnInput = func(in encodertest.Input) []encodertest.Step {
		var steps []encodertest.Step
		if n == 0 {
			steps = append(steps, encodertest.FormatChanged(encodertest.AACFormat(48000, 1)))
		}
		if in.Flags.Has(codec.FlagEndOfStream) {
			return append(steps, encodertest.EOS())
		}
		steps = append(steps, encodertest.Sample([]byte{1, 2, 3}, encoderPTS[n], codec.FlagNone))
		n++
		return steps
	}
	a, m := audioPipeline(t, enc, AudioConfig{
		InputBudget: 4 * 1024,
		Timestamps:  AudioTimestampsEncoder,
	}, testLogger())

	_, err := a.Drain(context.Background(), nil)
	require.NoError(t, err)

	var got []int64
	for _, w := range m.Writes() {
		got = append(got, w.Info.PresentationTimeUs)
	}
	assert.Equal(t, []int64{1000, 1001, 1002, 3000}, got)
}

func TestAudioPipeline_MaxPolls(t *testing.T) {
	enc := encodertest.New()
	enc.InputBufferSize = 1024
	a, _ := audioPipeline(t, enc, AudioConfig{InputBudget: 1 << 20, MaxPolls: 3}, testLogger())

	stats, err := a.Drain(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Equal(t, int64(3*1024), stats.BytesIn)
	assert.False(t, a.EndOfStream())
}

func TestAudioPipeline_NotPrepared(t *testing.T) {
	g := muxer.NewGate(muxertest.New(), []codec.Kind{codec.KindAudio}, testLogger())
	a := NewAudioPipeline(newAudioEncoder(0.25, 1024), g, nil, AudioConfig{}, testLogger())

	_, err := a.Drain(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestAudioConfig_Defaults(t *testing.T) {
	var cfg AudioConfig
	cfg.applyDefaults()
	assert.Equal(t, codec.MIMEAudioAAC, cfg.Format.MIME)
	assert.Equal(t, DefaultSampleRate, cfg.Format.SampleRate)
	assert.Equal(t, DefaultChannelCount, cfg.Format.ChannelCount)
	assert.Equal(t, codec.AACProfileLC, cfg.Format.AACProfile)
	assert.Equal(t, int64(256*1024), cfg.InputBudget)
	assert.Equal(t, AudioTimestampsSequence, cfg.Timestamps)
}
