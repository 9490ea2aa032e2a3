package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/encmux/internal/config"
	"github.com/jmylchreest/encmux/internal/database"
	"github.com/jmylchreest/encmux/internal/models"
	"github.com/jmylchreest/encmux/internal/repository"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTestPattern(t *testing.T) {
	a := testPattern(0, 64, 48)
	b := testPattern(1, 64, 48)

	assert.Equal(t, 64, a.Bounds().Dx())
	assert.Equal(t, 48, a.Bounds().Dy())
	assert.Equal(t, color.RGBA{191, 191, 191, 255}, a.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 0, 191, 255}, a.RGBAAt(63, 0))
	assert.NotEqual(t, a.Pix, b.Pix, "consecutive frames differ")

	// tiny frames still render
	assert.NotPanics(t, func() { testPattern(100, 2, 2) })
}

func TestApplyEncodeFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(encodeCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--container", "mkv", "-o", "out.mkv", "--width", "320", "--audio", "--no-db",
	}))
	t.Cleanup(func() {
		encodeCmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})

	cfg := config.Config{}
	cfg.Video.Height = 240
	cfg.Database.Enabled = true
	applyEncodeFlags(cmd, &cfg)

	assert.Equal(t, "mkv", cfg.Output.Container)
	assert.Equal(t, "out.mkv", cfg.Output.Path)
	assert.Equal(t, 320, cfg.Video.Width)
	assert.Equal(t, 240, cfg.Video.Height, "unset flags keep config values")
	assert.True(t, cfg.Audio.Enabled)
	assert.False(t, cfg.Database.Enabled)
}

func TestApplyEncodeFlags_AudioInput(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(encodeCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--audio-input", "music.pcm", "--audio-input-channels", "2",
		"--audio-cut-from", "1s", "--audio-cut-to", "9s",
		"--audio-mix", "voice.pcm", "--audio-mix-offset", "2s",
		"--audio-duck-start", "2s", "--audio-duck-end", "6s",
		"--audio-duck-ramp", "500ms", "--audio-duck-level", "0.3",
	}))
	t.Cleanup(func() {
		encodeCmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})

	cfg := config.Config{}
	applyEncodeFlags(cmd, &cfg)

	in := cfg.Audio.Input
	assert.True(t, cfg.Audio.Enabled, "an input file enables audio")
	assert.Equal(t, "music.pcm", in.Path)
	assert.Equal(t, 2, in.Channels)
	assert.Equal(t, time.Second, in.CutFrom)
	assert.Equal(t, 9*time.Second, in.CutTo)
	assert.Equal(t, "voice.pcm", in.Mix)
	assert.Equal(t, 2*time.Second, in.MixOffset)
	assert.Equal(t, 2*time.Second, in.DuckStart)
	assert.Equal(t, 6*time.Second, in.DuckEnd)
	assert.Equal(t, 500*time.Millisecond, in.DuckRamp)
	assert.InDelta(t, 0.3, in.DuckLevel, 1e-9)
}

func writePCM(t *testing.T, name string, samples ...int16) string {
	t.Helper()
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func readPCM(t *testing.T, r io.Reader) []int16 {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestOpenAudioInput(t *testing.T) {
	t.Run("no path drains silence", func(t *testing.T) {
		r, closeInput, err := openAudioInput(config.AudioConfig{SampleRate: 48000, ChannelCount: 1})
		require.NoError(t, err)
		assert.Nil(t, r)
		assert.NoError(t, closeInput())
	})

	t.Run("plain file", func(t *testing.T) {
		cfg := config.AudioConfig{SampleRate: 1000, ChannelCount: 1}
		cfg.Input.Path = writePCM(t, "in.pcm", 1, 2, 3)

		r, closeInput, err := openAudioInput(cfg)
		require.NoError(t, err)
		assert.Equal(t, []int16{1, 2, 3}, readPCM(t, r))
		assert.NoError(t, closeInput())
	})

	t.Run("stereo chain into mono encoder", func(t *testing.T) {
		// one frame per millisecond
		cfg := config.AudioConfig{SampleRate: 1000, ChannelCount: 1}
		cfg.Input.Path = writePCM(t, "music.pcm", 100, 100, 200, 200, 300, 300, 400, 400)
		cfg.Input.Channels = 2
		cfg.Input.CutFrom = time.Millisecond
		cfg.Input.Mix = writePCM(t, "voice.pcm", 1000, 1000)
		cfg.Input.MixOffset = time.Millisecond
		cfg.Input.DuckStart = 2 * time.Millisecond
		cfg.Input.DuckEnd = 2 * time.Millisecond

		r, closeInput, err := openAudioInput(cfg)
		require.NoError(t, err)
		assert.Equal(t, []int16{200, 1300, 0}, readPCM(t, r))
		assert.NoError(t, closeInput())
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := config.AudioConfig{SampleRate: 48000, ChannelCount: 1}
		cfg.Input.Path = filepath.Join(t.TempDir(), "missing.pcm")

		_, _, err := openAudioInput(cfg)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing mix file", func(t *testing.T) {
		cfg := config.AudioConfig{SampleRate: 48000, ChannelCount: 1}
		cfg.Input.Path = writePCM(t, "in.pcm", 1)
		cfg.Input.Mix = filepath.Join(t.TempDir(), "missing.pcm")

		_, _, err := openAudioInput(cfg)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestVersionCommand(t *testing.T) {
	versionJSON = false
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "encmux version")
}

func TestConfigDumpCommand(t *testing.T) {
	t.Setenv("ENCMUX_VIDEO_FRAME_RATE", "25")

	out, err := execute(t, "config", "dump")
	require.NoError(t, err)

	var dumped map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &dumped))
	video, ok := dumped["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 25, video["frame_rate"])
	assert.Contains(t, out, "input_budget: 256KB")
}

func TestRunsCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("ENCMUX_DATABASE_DSN", dsn)

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Enabled: true, Driver: "sqlite", DSN: dsn, MaxOpenConns: 1, LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	repo := repository.NewEncodeRunRepository(db.DB)

	old := &models.EncodeRun{Container: "mp4", OutputPath: "old.mp4"}
	old.MarkStarted(time.Now().Add(-72 * time.Hour))
	old.MarkFinished(time.Now().Add(-71*time.Hour), models.RunStatusCompleted, nil)
	recent := &models.EncodeRun{Container: "mkv", OutputPath: "recent.mkv", VideoCodec: "h264", VideoFrames: 90}
	recent.MarkStarted(time.Now().Add(-time.Minute))
	recent.MarkFinished(time.Now(), models.RunStatusCompleted, nil)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.Create(ctx, recent))
	require.NoError(t, db.Close())

	runsJSON = false
	t.Cleanup(func() { runsJSON = false })

	out, err := execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "recent.mkv")
	assert.Contains(t, out, "2 of 2 runs")

	out, err = execute(t, "runs", "show", recent.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "recent.mkv (mkv)")

	out, err = execute(t, "runs", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "video frames:  90")

	out, err = execute(t, "runs", "prune", "--older-than", "48h")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 runs")

	_, err = execute(t, "runs", "show", "not-a-ulid")
	assert.Error(t, err)
}

const fakeFFmpeg = `#!/bin/sh
case "$1" in
-version)
	echo "ffmpeg version 6.1.1 Copyright (c) 2000-2023 the FFmpeg developers"
	echo "built with gcc 13.2.0"
	;;
-encoders)
	echo "Encoders:"
	echo " ------"
	echo " V....D libx264              libx264 H.264 / AVC"
	echo " A....D aac                  AAC (Advanced Audio Coding)"
	;;
esac
`

func TestFFmpegCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(fakeFFmpeg), 0o755))
	t.Setenv("ENCMUX_ENCODER_BINARY_PATH", path)

	out, err := execute(t, "ffmpeg")
	require.NoError(t, err)
	assert.Contains(t, out, "path:     "+path)
	assert.Contains(t, out, "version:  6.1.1")
	assert.Regexp(t, `libx264\s+true`, out)

	out, err = execute(t, "ffmpeg", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"major_version": 6`)
	assert.Contains(t, out, `"aac"`)

	t.Setenv("ENCMUX_ENCODER_HWACCEL", "cuda")
	_, err = execute(t, "ffmpeg", "--json=false")
	assert.ErrorContains(t, err, "no h264_nvenc encoder")
}
