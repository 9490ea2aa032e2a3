package ffmpeg

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/encmux/internal/encoder/encodertest"
)

// fakeProcess stands in for ffmpeg: serve reads stdin and writes MPEG-TS
// to stdout until stdin is closed.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done    chan struct{}
	exitErr error
	killed  atomic.Bool
}

type serveFunc func(in io.Reader, out io.Writer) error

func newFakeProcess(exitErr error, serve serveFunc) *fakeProcess {
	p := &fakeProcess{done: make(chan struct{}), exitErr: exitErr}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go func() {
		defer close(p.done)
		err := serve(p.stdinR, p.stdoutW)
		_ = p.stdinR.Close()
		_ = p.stdoutW.CloseWithError(err)
	}()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) PID() int              { return 0 }

func (p *fakeProcess) Wait() error {
	<-p.done
	if p.killed.Load() {
		return errors.New("signal: killed")
	}
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
	_ = p.stdoutW.CloseWithError(io.ErrClosedPipe)
	return nil
}

// recordingLauncher returns a launcher that serves every process with serve
// and remembers the commands it was asked to start.
type recordingLauncher struct {
	mu      sync.Mutex
	serve   serveFunc
	exitErr error
	cmds    []*Command
	procs   []*fakeProcess
}

func (l *recordingLauncher) launch(_ context.Context, cmd *Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(l.exitErr, l.serve)
	l.cmds = append(l.cmds, cmd)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *recordingLauncher) lastCommand() *Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cmds) == 0 {
		return nil
	}
	return l.cmds[len(l.cmds)-1]
}

func isEndOfInput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// h264Server encodes every width x height RGBA frame into one H.264 access
// unit. The first unit is an IDR frame carrying SPS and PPS.
func h264Server(width, height int) serveFunc {
	return func(in io.Reader, out io.Writer) error {
		track := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
		w := &mpegts.Writer{W: out, Tracks: []*mpegts.Track{track}}
		if err := w.Initialize(); err != nil {
			return err
		}

		frame := make([]byte, width*height*4)
		for n := int64(0); ; n++ {
			if _, err := io.ReadFull(in, frame); err != nil {
				if isEndOfInput(err) {
					return nil
				}
				return err
			}
			au := [][]byte{{0x41, 0x9a, byte(n)}}
			if n%10 == 0 {
				au = [][]byte{encodertest.SPS, encodertest.PPS, {0x65, 0x88, byte(n)}}
			}
			if err := w.WriteH264(track, n*3000, n*3000, au); err != nil {
				return err
			}
		}
	}
}

// aacServer encodes every 1024 sample chunk of s16le PCM into one AAC
// access unit.
func aacServer(sampleRate, channels int) serveFunc {
	return func(in io.Reader, out io.Writer) error {
		track := &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: channels,
			},
		}}
		w := &mpegts.Writer{W: out, Tracks: []*mpegts.Track{track}}
		if err := w.Initialize(); err != nil {
			return err
		}

		chunk := make([]byte, aacFrameSamples*2*channels)
		for n := int64(0); ; n++ {
			if _, err := io.ReadFull(in, chunk); err != nil {
				if isEndOfInput(err) {
					return nil
				}
				return err
			}
			ts := n * aacFrameSamples * mpegtsClockRate / int64(sampleRate)
			if err := w.WriteMPEG4Audio(track, ts, [][]byte{{0x21, 0x10, 0x04, byte(n)}}); err != nil {
				return err
			}
		}
	}
}

// silentServer reads all input and writes nothing.
func silentServer(in io.Reader, _ io.Writer) error {
	_, err := io.Copy(io.Discard, in)
	return err
}
