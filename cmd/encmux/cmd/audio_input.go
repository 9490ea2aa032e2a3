package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmylchreest/encmux/internal/config"
	"github.com/jmylchreest/encmux/internal/pcm"
)

// openAudioInput opens the PCM files cfg names and chains the configured
// transforms over them. Without an input path the reader is nil and the
// session drains silence.
func openAudioInput(cfg config.AudioConfig) (io.Reader, func() error, error) {
	in := cfg.Input
	if in.Path == "" {
		return nil, func() error { return nil }, nil
	}

	var files []*os.File
	closeAll := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}
	open := func(path string) (io.Reader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening audio input: %w", err)
		}
		files = append(files, f)
		return bufio.NewReader(f), nil
	}

	format := pcm.Format{SampleRate: cfg.SampleRate, Channels: in.FileChannels(cfg.ChannelCount)}
	if err := format.Validate(); err != nil {
		return nil, nil, err
	}

	r, err := open(in.Path)
	if err != nil {
		return nil, nil, err
	}
	if in.CutFrom > 0 || in.CutTo > 0 {
		r = pcm.Cut(r, format, in.CutFrom, in.CutTo)
	}
	if in.Mix != "" {
		mix, err := open(in.Mix)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		r = pcm.Mix(format, pcm.Track{Reader: r}, pcm.Track{Reader: mix, Offset: in.MixOffset})
	}
	if format.Channels == 2 && cfg.ChannelCount == 1 {
		r = pcm.Mono(r)
		format.Channels = 1
	}
	if in.DuckEnd > 0 {
		r = pcm.Duck(r, format, pcm.Window{
			Start: in.DuckStart,
			End:   in.DuckEnd,
			Ramp:  in.DuckRamp,
			Level: in.DuckLevel,
		})
	}
	return r, closeAll, nil
}
