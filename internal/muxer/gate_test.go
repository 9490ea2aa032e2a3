package muxer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/encoder/encodertest"
	"github.com/jmylchreest/encmux/internal/muxer"
	"github.com/jmylchreest/encmux/internal/muxer/muxertest"
)

func sample(pts int64) codec.BufferInfo {
	return codec.BufferInfo{Size: 3, PresentationTimeUs: pts}
}

func TestGate_SingleTrack(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)

	assert.Equal(t, muxer.StateNoTracks, g.State())
	assert.Equal(t, -1, g.Track(codec.KindVideo).Index)

	require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))
	assert.True(t, g.Started())
	assert.Equal(t, 0, g.Track(codec.KindVideo).Index)
	assert.Equal(t, muxer.StateStarted, g.Track(codec.KindVideo).State)

	ctx := context.Background()

	// codec config is never committed
	wrote, err := g.WriteSample(ctx, codec.KindVideo, []byte{1, 2, 3}, codec.BufferInfo{Size: 3, Flags: codec.FlagCodecConfig})
	require.NoError(t, err)
	assert.False(t, wrote)

	wrote, err = g.WriteSample(ctx, codec.KindVideo, []byte{1, 2, 3}, sample(0))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = g.WriteSample(ctx, codec.KindVideo, []byte{4, 5, 6, 7}, sample(33333))
	require.NoError(t, err)
	assert.True(t, wrote)

	writes := m.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{1, 2, 3}, writes[0].Data)
	assert.Equal(t, []byte{4, 5, 6}, writes[1].Data)
	assert.Equal(t, int64(33333), writes[1].Info.PresentationTimeUs)

	ts := g.Track(codec.KindVideo)
	assert.Equal(t, int64(2), ts.Samples)
	assert.Equal(t, int64(6), ts.Bytes)
	assert.Equal(t, int64(33333), ts.LastPTS)

	require.NoError(t, g.Stop())
	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
	assert.Equal(t, []string{"add_track", "start", "write", "write", "stop", "release"}, m.Calls())
}

func TestGate_WriteBeforeFormat(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)

	_, err := g.WriteSample(context.Background(), codec.KindVideo, []byte{1, 2, 3}, sample(0))
	assert.ErrorIs(t, err, muxer.ErrNotStarted)
	assert.Empty(t, m.Writes())
}

func TestGate_EmptyWriteIsNoop(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)

	// nothing to commit, so no error even before start
	wrote, err := g.WriteSample(context.Background(), codec.KindVideo, nil, codec.BufferInfo{})
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestGate_FormatChangedTwice(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)

	require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))
	err := g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	assert.ErrorIs(t, err, muxer.ErrFormatChangedTwice)
	assert.Len(t, m.Formats(), 1)
}

func TestGate_FormatChangedTwiceBeforeStart(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)

	require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))
	assert.Equal(t, muxer.StateFormatSeen, g.State())

	err := g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1))
	assert.ErrorIs(t, err, muxer.ErrFormatChangedTwice)
	assert.Equal(t, 0, m.StartCount())
}

func TestGate_UnexpectedKind(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, []codec.Kind{codec.KindVideo}, nil)

	err := g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1))
	assert.ErrorIs(t, err, muxer.ErrUnexpectedKind)
	assert.Empty(t, m.Formats())
}

func TestGate_AddTrackError(t *testing.T) {
	m := muxertest.New()
	m.AddTrackErr = errors.New("boom")
	g := muxer.NewGate(m, nil, nil)

	err := g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	require.Error(t, err)
	assert.Equal(t, muxer.StateNoTracks, g.State())
	assert.Equal(t, -1, g.Track(codec.KindVideo).Index)
}

func TestGate_StartError(t *testing.T) {
	m := muxertest.New()
	m.StartErr = errors.New("no space")
	g := muxer.NewGate(m, nil, nil)

	err := g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	require.Error(t, err)
	assert.ErrorIs(t, err, muxer.ErrStartFailed)
	assert.ErrorIs(t, err, m.StartErr)
	assert.False(t, g.Started())
	assert.Equal(t, muxer.StateFailed, g.State())
	assert.Equal(t, "failed", g.State().String())

	err = g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	assert.ErrorIs(t, err, muxer.ErrStartFailed, "retries see the start failure")

	_, err = g.WriteSample(context.Background(), codec.KindVideo, []byte{1, 2, 3}, sample(0))
	assert.ErrorIs(t, err, muxer.ErrStartFailed)

	require.NoError(t, g.Stop())
	assert.Zero(t, m.StopCount(), "a container that never started is not stopped")
}

func TestGate_StartErrorReleasesWaiters(t *testing.T) {
	m := muxertest.New()
	m.StartErr = errors.New("no space")
	g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
	require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))

	done := make(chan error, 1)
	go func() {
		_, err := g.WriteSample(context.Background(), codec.KindAudio, []byte{1, 2, 3}, sample(0))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	err := g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	assert.ErrorIs(t, err, muxer.ErrStartFailed)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, muxer.ErrStartFailed)
	case <-time.After(time.Second):
		t.Fatal("waiting write did not return after the start failed")
	}
	assert.Empty(t, m.Writes())
}

func TestGate_Forget(t *testing.T) {
	t.Run("starts when remaining kinds have tracks", func(t *testing.T) {
		m := muxertest.New()
		g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
		require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))

		done := make(chan error, 1)
		go func() {
			_, err := g.WriteSample(context.Background(), codec.KindVideo, []byte{1, 2, 3}, sample(0))
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, g.Forget(codec.KindAudio))
		assert.True(t, g.Started())
		assert.Equal(t, []codec.Kind{codec.KindVideo}, g.Expected())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("write did not resume after the audio stream was dropped")
		}
		assert.Equal(t, 1, m.StartCount())
		assert.Len(t, m.Writes(), 1)
	})

	t.Run("before any format", func(t *testing.T) {
		m := muxertest.New()
		g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
		require.NoError(t, g.Forget(codec.KindAudio))
		assert.Equal(t, muxer.StateNoTracks, g.State())
		assert.Zero(t, m.StartCount())

		require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))
		assert.True(t, g.Started())

		err := g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1))
		assert.ErrorIs(t, err, muxer.ErrUnexpectedKind)
	})

	t.Run("unknown kind is a no-op", func(t *testing.T) {
		g := muxer.NewGate(muxertest.New(), nil, nil)
		require.NoError(t, g.Forget(codec.KindAudio))
		assert.Equal(t, []codec.Kind{codec.KindVideo}, g.Expected())
	})

	t.Run("kind with a track", func(t *testing.T) {
		g := muxer.NewGate(muxertest.New(), []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
		require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))
		assert.ErrorIs(t, g.Forget(codec.KindAudio), muxer.ErrTrackAdded)
	})

	t.Run("after stop", func(t *testing.T) {
		g := muxer.NewGate(muxertest.New(), nil, nil)
		require.NoError(t, g.Stop())
		assert.ErrorIs(t, g.Forget(codec.KindVideo), muxer.ErrStopped)
	})
}

func TestGate_NonMonotonicPTS(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)
	require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))

	ctx := context.Background()
	_, err := g.WriteSample(ctx, codec.KindVideo, []byte{1, 2, 3}, sample(100))
	require.NoError(t, err)

	_, err = g.WriteSample(ctx, codec.KindVideo, []byte{1, 2, 3}, sample(100))
	assert.ErrorIs(t, err, muxer.ErrNonMonotonicPTS)

	_, err = g.WriteSample(ctx, codec.KindVideo, []byte{1, 2, 3}, sample(50))
	assert.ErrorIs(t, err, muxer.ErrNonMonotonicPTS)

	assert.Len(t, m.Writes(), 1)
}

func TestGate_MultiTrackWaitsForStart(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)

	require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))
	assert.Equal(t, muxer.StateFormatSeen, g.State())

	done := make(chan error, 1)
	go func() {
		_, err := g.WriteSample(context.Background(), codec.KindAudio, []byte{9, 9, 9}, sample(0))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("write returned before start: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, m.Writes())

	require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after start")
	}

	writes := m.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, g.Track(codec.KindAudio).Index, writes[0].Track)
	assert.Equal(t, 1, m.StartCount())
}

func TestGate_WriteForUnassignedTrack(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
	require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))

	_, err := g.WriteSample(context.Background(), codec.KindVideo, []byte{1, 2, 3}, sample(0))
	assert.ErrorIs(t, err, muxer.ErrTrackUnassigned)
}

func TestGate_WaitingWriteUnblocks(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		g := muxer.NewGate(muxertest.New(), []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
		require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))

		done := make(chan error, 1)
		go func() {
			_, err := g.WriteSample(context.Background(), codec.KindAudio, []byte{1, 2, 3}, sample(0))
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, g.Stop())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, muxer.ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("write did not return after stop")
		}
	})

	t.Run("context", func(t *testing.T) {
		g := muxer.NewGate(muxertest.New(), []codec.Kind{codec.KindVideo, codec.KindAudio}, nil)
		require.NoError(t, g.FormatChanged(codec.KindAudio, encodertest.AACFormat(48000, 1)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := g.WriteSample(ctx, codec.KindAudio, []byte{1, 2, 3}, sample(0))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestGate_StopWithoutStart(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)

	require.NoError(t, g.Stop())
	assert.Equal(t, 0, m.StopCount())
	assert.Equal(t, muxer.StateStopped, g.State())

	err := g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480))
	assert.ErrorIs(t, err, muxer.ErrStopped)

	require.NoError(t, g.Release())
	assert.Equal(t, 1, m.ReleaseCount())
}

func TestGate_StopTwice(t *testing.T) {
	m := muxertest.New()
	g := muxer.NewGate(m, nil, nil)
	require.NoError(t, g.FormatChanged(codec.KindVideo, encodertest.AVCFormat(640, 480)))

	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
	assert.Equal(t, 1, m.StopCount())

	_, err := g.WriteSample(context.Background(), codec.KindVideo, []byte{1, 2, 3}, sample(0))
	assert.ErrorIs(t, err, muxer.ErrNotStarted)
}

func TestEffectiveSize(t *testing.T) {
	assert.Equal(t, 0, muxer.EffectiveSize(codec.BufferInfo{Size: 10, Flags: codec.FlagCodecConfig}))
	assert.Equal(t, 0, muxer.EffectiveSize(codec.BufferInfo{Size: -1}))
	assert.Equal(t, 10, muxer.EffectiveSize(codec.BufferInfo{Size: 10, Flags: codec.FlagKeyFrame}))
}
