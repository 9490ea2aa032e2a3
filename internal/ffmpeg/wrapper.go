package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Process is a running encoder process with piped input and output.
type Process interface {
	// Stdin receives raw frames or PCM. Closing it ends the input stream.
	Stdin() io.WriteCloser
	// Stdout yields the encoded MPEG-TS stream.
	Stdout() io.Reader
	// PID returns the operating system process ID, 0 if unknown.
	PID() int
	Wait() error
	Kill() error
}

// Launcher starts an encoder process from a built command.
type Launcher func(ctx context.Context, cmd *Command) (Process, error)

// ExecLauncher starts cmd as an operating system process.
func ExecLauncher(ctx context.Context, cmd *Command) (Process, error) {
	if err := cmd.StartPiped(ctx); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	// Process control
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started time.Time
	mu      sync.RWMutex

	stderrDone  chan struct{}
	stderrLines []string     // Recent stderr lines for debugging
	stderrMu    sync.RWMutex // Protects stderrLines
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// InitHWDevice initializes a hardware device for encoding.
// Example: InitHWDevice("vaapi", "/dev/dri/renderD128")
func (b *CommandBuilder) InitHWDevice(hwType string, device string) *CommandBuilder {
	if hwType == "" || hwType == "none" {
		return b
	}
	if device != "" {
		b.globalArgs = append(b.globalArgs, "-init_hw_device", fmt.Sprintf("%s=hw:%s", hwType, device))
	} else {
		b.globalArgs = append(b.globalArgs, "-init_hw_device", fmt.Sprintf("%s=hw", hwType))
	}
	b.globalArgs = append(b.globalArgs, "-filter_hw_device", "hw")
	return b
}

// HWUploadFilter adds the hardware upload filter for the given hwaccel type.
// Raw frames arrive in system memory and have to be uploaded before a
// hardware encoder can read them.
func (b *CommandBuilder) HWUploadFilter(hwType string) *CommandBuilder {
	switch hwType {
	case "", "none", "videotoolbox":
		return b
	case "cuda":
		b.filterArgs = append(b.filterArgs, "format=nv12,hwupload_cuda")
	case "qsv":
		b.filterArgs = append(b.filterArgs, "format=nv12,hwupload=extra_hw_frames=64")
	default:
		b.filterArgs = append(b.filterArgs, "format=nv12,hwupload")
	}
	return b
}

// RawVideoInput reads packed RGBA frames of the given size and rate from stdin.
func (b *CommandBuilder) RawVideoInput(width, height, frameRate int) *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(frameRate),
	)
	b.input = "pipe:0"
	return b
}

// RawAudioInput reads interleaved signed 16-bit little endian PCM from stdin.
func (b *CommandBuilder) RawAudioInput(sampleRate, channels int) *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	)
	b.input = "pipe:0"
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets the video bitrate in bits per second.
func (b *CommandBuilder) VideoBitrate(bps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", strconv.Itoa(bps))
	return b
}

// AudioBitrate sets the audio bitrate in bits per second.
func (b *CommandBuilder) AudioBitrate(bps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", strconv.Itoa(bps))
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// GOP sets the key frame interval in frames and disables B-frames, so that
// output order matches input order.
func (b *CommandBuilder) GOP(frames int) *CommandBuilder {
	if frames > 0 {
		b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(frames), "-keyint_min", strconv.Itoa(frames))
	}
	b.outputArgs = append(b.outputArgs, "-bf", "0")
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs adds MPEG-TS output arguments.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096",
	)
	return b
}

// FlushPackets enables immediate packet flushing for low latency.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the muxer delay.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	// Global args (loglevel, banner, etc.)
	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// StartPiped starts the command with stdin and stdout connected to pipes and
// stderr captured in memory.
func (c *Command) StartPiped(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("getting stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.started = time.Now()
	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr, c.stderrDone)
	return nil
}

// Stdin implements Process.
func (c *Command) Stdin() io.WriteCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdin
}

// Stdout implements Process.
func (c *Command) Stdout() io.Reader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdout
}

// PID implements Process.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Wait waits for the command to complete. The error includes the last
// stderr line when ffmpeg exits unsuccessfully.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	done := c.stderrDone
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	// Stderr must be drained before Wait closes the pipe.
	<-done
	if err := cmd.Wait(); err != nil {
		if lines := c.GetStderrLines(); len(lines) > 0 {
			return fmt.Errorf("%w: %s", err, lines[len(lines)-1])
		}
		return err
	}
	return nil
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

const maxStderrLines = 100

// captureStderr keeps the most recent stderr lines for error reporting.
func (c *Command) captureStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()
	}
}

// GetStderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}
