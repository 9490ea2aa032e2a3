// Package config provides configuration management for encmux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/encmux/internal/codec"
)

// Default configuration values.
const (
	defaultWidth            = 640
	defaultHeight           = 480
	defaultFrameRate        = 30
	defaultVideoBitRate     = 700_000
	defaultKeyFrameInterval = 1
	defaultSampleRate       = 48000
	defaultChannelCount     = 1
	defaultAudioBitRate     = 190_000
	defaultMaxInputSize     = 16 * 1024
	defaultInputBudget      = 256 * 1024
	defaultBitsPerSample    = 16
	defaultPollTimeout      = 10 * time.Millisecond
	defaultMaxOpenConns     = 4
	defaultMaxIdleConns     = 2
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultLogMaxSizeMB     = 50
	defaultLogMaxBackups    = 3
	defaultLogMaxAgeDays    = 14
	defaultMonitorInterval  = 2 * time.Second
	maxChannelCount         = 8
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Video    VideoConfig    `mapstructure:"video" yaml:"video"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Encoder  EncoderConfig  `mapstructure:"encoder" yaml:"encoder"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`

	// File enables a rotated log file instead of stdout.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// VideoConfig holds the video encoder settings.
type VideoConfig struct {
	Codec            string        `mapstructure:"codec" yaml:"codec"` // h264, h265
	Width            int           `mapstructure:"width" yaml:"width"`
	Height           int           `mapstructure:"height" yaml:"height"`
	FrameRate        int           `mapstructure:"frame_rate" yaml:"frame_rate"`
	BitRate          int           `mapstructure:"bitrate" yaml:"bitrate"`
	KeyFrameInterval int           `mapstructure:"key_frame_interval" yaml:"key_frame_interval"` // seconds
	PollTimeout      time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	MaxPolls         int           `mapstructure:"max_polls" yaml:"max_polls"` // 0 = unbounded
}

// AudioConfig holds the audio encoder settings.
type AudioConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Codec        string `mapstructure:"codec" yaml:"codec"` // aac
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	ChannelCount int    `mapstructure:"channel_count" yaml:"channel_count"`
	BitRate      int    `mapstructure:"bitrate" yaml:"bitrate"`
	// MaxInputSize is the size of one encoder input buffer.
	MaxInputSize ByteSize `mapstructure:"max_input_size" yaml:"max_input_size"`
	// InputBudget is the number of PCM bytes submitted per drain.
	// Supports human-readable values like "256KB" or raw byte counts.
	InputBudget   ByteSize      `mapstructure:"input_budget" yaml:"input_budget"`
	BitsPerSample int           `mapstructure:"bits_per_sample" yaml:"bits_per_sample"`
	Timestamps    string        `mapstructure:"timestamps" yaml:"timestamps"` // sequence, encoder
	PollTimeout   time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	MaxPolls      int           `mapstructure:"max_polls" yaml:"max_polls"`
	// Input selects the PCM fed to the encoder; empty feeds silence.
	Input AudioInputConfig `mapstructure:"input" yaml:"input"`
}

// AudioInputConfig describes raw s16le PCM files fed to the audio encoder
// and the transforms applied to them, in order: cut, mix, downmix, duck.
type AudioInputConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Channels of the files; 0 means audio.channel_count. Stereo files are
	// downmixed for a mono encoder.
	Channels int `mapstructure:"channels" yaml:"channels"`
	// CutFrom and CutTo keep only that part of Path; CutTo 0 keeps the rest.
	CutFrom time.Duration `mapstructure:"cut_from" yaml:"cut_from"`
	CutTo   time.Duration `mapstructure:"cut_to" yaml:"cut_to"`
	// Mix is a second file mixed over Path, starting MixOffset in.
	Mix       string        `mapstructure:"mix" yaml:"mix"`
	MixOffset time.Duration `mapstructure:"mix_offset" yaml:"mix_offset"`
	// DuckStart to DuckEnd plays at DuckLevel (0 mutes), with DuckRamp
	// fades either side. DuckEnd 0 disables ducking.
	DuckStart time.Duration `mapstructure:"duck_start" yaml:"duck_start"`
	DuckEnd   time.Duration `mapstructure:"duck_end" yaml:"duck_end"`
	DuckRamp  time.Duration `mapstructure:"duck_ramp" yaml:"duck_ramp"`
	DuckLevel float64       `mapstructure:"duck_level" yaml:"duck_level"`
}

// OutputConfig holds container output settings.
type OutputConfig struct {
	Container string `mapstructure:"container" yaml:"container"` // mp4, fmp4, mpegts, mkv
	Path      string `mapstructure:"path" yaml:"path"`
}

// EncoderConfig holds encoder backend configuration.
type EncoderConfig struct {
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path"` // empty = auto-detect
	HWAccel    string `mapstructure:"hwaccel" yaml:"hwaccel"`         // none, cuda, qsv, vaapi, videotoolbox
	HWDevice   string `mapstructure:"hw_device" yaml:"hw_device"`     // e.g. /dev/dri/renderD128
	Preset     string `mapstructure:"preset" yaml:"preset"`
	// MonitorInterval is how often encoder process CPU and memory are sampled (0 = off).
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

// DatabaseConfig holds database connection configuration for run history.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ENCMUX_ and use underscores for nesting.
// Example: ENCMUX_VIDEO_FRAME_RATE=25.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/encmux")
		v.AddConfigPath("$HOME/.encmux")
	}

	v.SetEnvPrefix("ENCMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("logging.max_backups", defaultLogMaxBackups)
	v.SetDefault("logging.max_age_days", defaultLogMaxAgeDays)
	v.SetDefault("logging.compress", false)

	// Video defaults
	v.SetDefault("video.codec", string(codec.VideoH264))
	v.SetDefault("video.width", defaultWidth)
	v.SetDefault("video.height", defaultHeight)
	v.SetDefault("video.frame_rate", defaultFrameRate)
	v.SetDefault("video.bitrate", defaultVideoBitRate)
	v.SetDefault("video.key_frame_interval", defaultKeyFrameInterval)
	v.SetDefault("video.poll_timeout", defaultPollTimeout)
	v.SetDefault("video.max_polls", 0)

	// Audio defaults
	v.SetDefault("audio.enabled", false)
	v.SetDefault("audio.codec", string(codec.AudioAAC))
	v.SetDefault("audio.sample_rate", defaultSampleRate)
	v.SetDefault("audio.channel_count", defaultChannelCount)
	v.SetDefault("audio.bitrate", defaultAudioBitRate)
	v.SetDefault("audio.max_input_size", defaultMaxInputSize)
	v.SetDefault("audio.input_budget", defaultInputBudget)
	v.SetDefault("audio.bits_per_sample", defaultBitsPerSample)
	v.SetDefault("audio.timestamps", "sequence")
	v.SetDefault("audio.poll_timeout", defaultPollTimeout)
	v.SetDefault("audio.max_polls", 0)

	// Output defaults
	v.SetDefault("output.container", string(codec.ContainerMP4))
	v.SetDefault("output.path", "encmux.mp4")

	// Encoder defaults
	v.SetDefault("encoder.binary_path", "")
	v.SetDefault("encoder.hwaccel", string(codec.HWAccelNone))
	v.SetDefault("encoder.hw_device", "")
	v.SetDefault("encoder.preset", "ultrafast")
	v.SetDefault("encoder.monitor_interval", defaultMonitorInterval)

	// Database defaults
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "encmux.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Video validation
	video, ok := codec.ParseVideo(c.Video.Codec)
	if !ok {
		return fmt.Errorf("video.codec %q is not supported", c.Video.Codec)
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("video.width and video.height must be positive")
	}
	if c.Video.FrameRate <= 0 {
		return fmt.Errorf("video.frame_rate must be positive")
	}
	if c.Video.BitRate <= 0 {
		return fmt.Errorf("video.bitrate must be positive")
	}
	if c.Video.KeyFrameInterval < 0 {
		return fmt.Errorf("video.key_frame_interval must not be negative")
	}

	// Output validation
	container, ok := codec.ParseContainer(c.Output.Container)
	if !ok {
		return fmt.Errorf("output.container must be one of: mp4, fmp4, mpegts, mkv")
	}
	if !video.SupportsContainer(container) {
		return fmt.Errorf("video.codec %s cannot be written to %s", video, container)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}

	// Audio validation
	if c.Audio.Enabled {
		audio, ok := codec.ParseAudio(c.Audio.Codec)
		if !ok {
			return fmt.Errorf("audio.codec %q is not supported", c.Audio.Codec)
		}
		if !audio.SupportsContainer(container) {
			return fmt.Errorf("audio.codec %s cannot be written to %s", audio, container)
		}
		if c.Audio.SampleRate <= 0 {
			return fmt.Errorf("audio.sample_rate must be positive")
		}
		if c.Audio.ChannelCount < 1 || c.Audio.ChannelCount > maxChannelCount {
			return fmt.Errorf("audio.channel_count must be between 1 and %d", maxChannelCount)
		}
		if c.Audio.BitRate <= 0 {
			return fmt.Errorf("audio.bitrate must be positive")
		}
		if c.Audio.MaxInputSize <= 0 {
			return fmt.Errorf("audio.max_input_size must be positive")
		}
		if c.Audio.InputBudget < c.Audio.MaxInputSize {
			return fmt.Errorf("audio.input_budget must be at least audio.max_input_size")
		}
		if c.Audio.BitsPerSample != 8 && c.Audio.BitsPerSample != 16 {
			return fmt.Errorf("audio.bits_per_sample must be 8 or 16")
		}
		validTimestamps := map[string]bool{"sequence": true, "encoder": true}
		if !validTimestamps[c.Audio.Timestamps] {
			return fmt.Errorf("audio.timestamps must be one of: sequence, encoder")
		}
		if err := c.Audio.Input.validate(c.Audio.ChannelCount); err != nil {
			return err
		}
	}

	// Encoder validation
	if _, ok := codec.ParseHWAccel(c.Encoder.HWAccel); !ok {
		return fmt.Errorf("encoder.hwaccel %q is not supported", c.Encoder.HWAccel)
	}

	// Database validation
	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns < 1 {
			return fmt.Errorf("database.max_open_conns must be at least 1")
		}
		if c.Database.MaxIdleConns < 0 {
			return fmt.Errorf("database.max_idle_conns must not be negative")
		}
		validDBLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
		if !validDBLevels[c.Database.LogLevel] {
			return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
		}
	}

	return nil
}

func (in *AudioInputConfig) validate(channels int) error {
	if in.Path == "" {
		if in.Mix != "" {
			return fmt.Errorf("audio.input.mix requires audio.input.path")
		}
		return nil
	}
	if in.Channels != 0 && in.Channels != channels && (in.Channels != 2 || channels != 1) {
		return fmt.Errorf("audio.input.channels must match audio.channel_count or be 2 for a mono encoder")
	}
	if in.CutFrom < 0 || in.CutTo < 0 || (in.CutTo > 0 && in.CutTo <= in.CutFrom) {
		return fmt.Errorf("audio.input.cut_to must be after audio.input.cut_from")
	}
	if in.MixOffset < 0 {
		return fmt.Errorf("audio.input.mix_offset must not be negative")
	}
	if in.DuckEnd > 0 {
		if in.DuckEnd < in.DuckStart || in.DuckRamp < 0 {
			return fmt.Errorf("audio.input.duck_end must not be before audio.input.duck_start")
		}
		if in.DuckLevel < 0 || in.DuckLevel > 1 {
			return fmt.Errorf("audio.input.duck_level must be between 0 and 1")
		}
	}
	return nil
}

// FileChannels returns the channel count of the input files.
func (in *AudioInputConfig) FileChannels(encoderChannels int) int {
	if in.Channels > 0 {
		return in.Channels
	}
	return encoderChannels
}

// VideoFormat returns the encoder input format described by the video settings.
func (c *VideoConfig) VideoFormat() codec.Format {
	v, _ := codec.ParseVideo(c.Codec)
	f := codec.NewVideoFormat(v.MIME(), c.Width, c.Height)
	f.FrameRate = c.FrameRate
	f.BitRate = c.BitRate
	f.IFrameInterval = c.KeyFrameInterval
	return f
}

// AudioFormat returns the encoder input format described by the audio settings.
func (c *AudioConfig) AudioFormat() codec.Format {
	a, _ := codec.ParseAudio(c.Codec)
	f := codec.NewAudioFormat(a.MIME(), c.SampleRate, c.ChannelCount)
	f.BitRate = c.BitRate
	f.MaxInputSize = int(c.MaxInputSize.Bytes())
	return f
}
