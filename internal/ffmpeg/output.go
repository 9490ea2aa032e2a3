package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/encmux/internal/codec"
	"github.com/jmylchreest/encmux/internal/pts"
)

const (
	// mpegtsClockRate is the MPEG-TS timestamp clock.
	mpegtsClockRate = 90000
	// aacFrameSamples is the number of PCM samples in one AAC-LC access unit.
	aacFrameSamples = 1024
)

// accessUnit is one encoded unit read back from the encoder process.
type accessUnit struct {
	// nalus is set for video, data for audio.
	nalus [][]byte
	data  []byte
	ptsUs int64
	key   bool

	eos bool
	// err is the process failure that ended the stream, if any.
	err error
}

// outputReader demuxes the encoder's MPEG-TS output into access units.
// The queue is unbounded so that a blocked consumer never stalls the
// process's stdout while its stdin is being written.
type outputReader struct {
	kind   codec.Kind
	logger *slog.Logger

	mu      sync.Mutex
	queue   []accessUnit
	notify  chan struct{}
	done    chan struct{}
	video   codec.Video
	asc     *mpeg4audio.AudioSpecificConfig
	basePTS int64
	hasBase bool
}

// startOutputReader reads r until it ends, then calls wait and queues a final
// end of stream unit carrying wait's error.
func startOutputReader(r io.Reader, kind codec.Kind, wait func() error, logger *slog.Logger) *outputReader {
	o := &outputReader{
		kind:   kind,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run(r, wait)
	return o
}

func (o *outputReader) run(r io.Reader, wait func() error) {
	defer close(o.done)

	readErr := o.read(r)
	if readErr != nil {
		// Unblock the writer side of the process before waiting.
		_, _ = io.Copy(io.Discard, r)
	}

	var err error
	if wait != nil {
		err = wait()
	}
	if err == nil && readErr != nil {
		err = readErr
	}
	if err != nil {
		o.logger.Warn("encoder output ended with error", slog.String("error", err.Error()))
	} else {
		o.logger.Debug("encoder output ended")
	}
	o.push(accessUnit{eos: true, err: err})
}

func (o *outputReader) read(r io.Reader) error {
	reader := &mpegts.Reader{R: r}
	if err := reader.Initialize(); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return fmt.Errorf("initializing mpegts reader: %w", err)
	}

	found := false
	for _, track := range reader.Tracks() {
		if o.setupTrack(reader, track) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("encoder output has no %s track", o.kind)
	}

	reader.OnDecodeError(func(err error) {
		o.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	// The stream ends with the process; its exit status reports failures.
	for {
		if err := reader.Read(); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				o.logger.Debug("mpegts reader stopped", slog.String("reason", err.Error()))
			}
			return nil
		}
	}
}

// setupTrack registers a callback for track if it matches the reader's kind.
func (o *outputReader) setupTrack(reader *mpegts.Reader, track *mpegts.Track) bool {
	switch c := track.Codec.(type) {
	case *mpegts.CodecH264:
		if o.kind != codec.KindVideo {
			return false
		}
		o.setVideo(codec.VideoH264)
		reader.OnDataH264(track, func(ts, _ int64, au [][]byte) error {
			o.push(accessUnit{nalus: au, ptsUs: o.micros(ts), key: h264.IsRandomAccess(au)})
			return nil
		})
		return true

	case *mpegts.CodecH265:
		if o.kind != codec.KindVideo {
			return false
		}
		o.setVideo(codec.VideoH265)
		reader.OnDataH265(track, func(ts, _ int64, au [][]byte) error {
			o.push(accessUnit{nalus: au, ptsUs: o.micros(ts), key: h265.IsRandomAccess(au)})
			return nil
		})
		return true

	case *mpegts.CodecMPEG4Audio:
		if o.kind != codec.KindAudio {
			return false
		}
		asc := c.Config
		o.mu.Lock()
		o.asc = &asc
		o.mu.Unlock()
		sampleRate := int64(asc.SampleRate)
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		reader.OnDataMPEG4Audio(track, func(ts int64, aus [][]byte) error {
			for i, au := range aus {
				auPTS := ts + int64(i)*aacFrameSamples*mpegtsClockRate/sampleRate
				o.push(accessUnit{data: au, ptsUs: o.micros(auPTS), key: true})
			}
			return nil
		})
		return true
	}
	return false
}

// micros converts a 90 kHz timestamp to microseconds relative to the first
// unit of the stream.
func (o *outputReader) micros(ts int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.hasBase {
		o.basePTS = ts
		o.hasBase = true
	}
	ts -= o.basePTS
	return (ts/mpegtsClockRate)*pts.MicrosPerSecond + (ts%mpegtsClockRate)*pts.MicrosPerSecond/mpegtsClockRate
}

func (o *outputReader) push(au accessUnit) {
	o.mu.Lock()
	o.queue = append(o.queue, au)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// next waits up to timeout for the next unit.
func (o *outputReader) next(timeout time.Duration) (accessUnit, bool) {
	var timer *time.Timer
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			au := o.queue[0]
			o.queue[0] = accessUnit{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return au, true
		}
		o.mu.Unlock()

		if timeout <= 0 {
			return accessUnit{}, false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-o.notify:
		case <-timer.C:
			return accessUnit{}, false
		}
	}
}

// audioConfig returns the AudioSpecificConfig of the audio track.
func (o *outputReader) audioConfig() (mpeg4audio.AudioSpecificConfig, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.asc == nil {
		return mpeg4audio.AudioSpecificConfig{}, false
	}
	return *o.asc, true
}

func (o *outputReader) setVideo(v codec.Video) {
	o.mu.Lock()
	o.video = v
	o.mu.Unlock()
}

// videoCodec returns the codec of the video track.
func (o *outputReader) videoCodec() codec.Video {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.video
}

// wait blocks until the process output has ended.
func (o *outputReader) wait() {
	<-o.done
}
