// Package ffmpeg implements the encmux encoder interfaces on top of an
// ffmpeg subprocess, plus binary detection and process monitoring.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// BinaryEnvVar overrides the ffmpeg binary location.
const BinaryEnvVar = "ENCMUX_FFMPEG_BINARY"

// BinaryInfo contains information about the FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath    string   `json:"ffmpeg_path"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	BuildDate     string   `json:"build_date,omitempty"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
}

// MinMajorVersion is the oldest ffmpeg release whose mpegts muxer honours
// -pes_payload_size 0 and -omit_video_pes_length.
const MinMajorVersion = 4

// BinaryDetector locates ffmpeg and inspects it once per process.
type BinaryDetector struct {
	override string

	once sync.Once
	info *BinaryInfo
	err  error
}

// NewBinaryDetector creates a new binary detector. A non-empty path is used
// instead of searching.
func NewBinaryDetector(path string) *BinaryDetector {
	return &BinaryDetector{override: path}
}

// Detect detects the FFmpeg binary and its encoders. The result, including a
// failure, is cached.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.once.Do(func() {
		d.info, d.err = d.detect(ctx)
	})
	return d.info, d.err
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	ffmpegPath := d.override
	if ffmpegPath == "" {
		// Search order: ENCMUX_FFMPEG_BINARY env var -> ./ffmpeg -> PATH
		var err error
		ffmpegPath, err = FindBinary("ffmpeg", BinaryEnvVar)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
	} else if !isExecutable(ffmpegPath) {
		return nil, fmt.Errorf("ffmpeg not found: %s is not executable", ffmpegPath)
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	version, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}

	info := &BinaryInfo{
		FFmpegPath:    ffmpegPath,
		Version:       version.Full,
		MajorVersion:  version.Major,
		MinorVersion:  version.Minor,
		BuildDate:     version.BuildDate,
		Configuration: version.Configuration,
	}

	out, err = exec.CommandContext(ctx, ffmpegPath, "-encoders", "-hide_banner").Output()
	if err == nil {
		info.Encoders = parseEncoders(string(out))
	}

	return info, nil
}

// FindBinary locates an executable. Search order: the environment variable,
// the current directory, then PATH.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" {
			if isExecutable(envPath) {
				return envPath, nil
			}
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	// LookPath already verifies executability
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// versionInfo holds parsed version information.
type versionInfo struct {
	Full          string
	Major         int
	Minor         int
	BuildDate     string
	Configuration string
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion extracts version information from `ffmpeg -version` output.
func parseVersion(output string) (*versionInfo, error) {
	info := &versionInfo{}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Full = parts[2]
				if matches := versionRegex.FindStringSubmatch(parts[2]); len(matches) >= 3 {
					info.Major, _ = strconv.Atoi(matches[1])
					info.Minor, _ = strconv.Atoi(matches[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}

	if info.Full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: V....D encoder_name description
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}

		if parts := strings.Fields(strings.TrimSpace(line[6:])); len(parts) >= 1 && parts[0] != "" {
			encoders = append(encoders, parts[0])
		}
	}
	return encoders
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// CheckEncoders returns an error when the binary is older than
// MinMajorVersion or lacks one of the named encoders. An empty encoder list
// means `ffmpeg -encoders` failed and is not treated as missing.
func (info *BinaryInfo) CheckEncoders(names ...string) error {
	if !info.SupportsMinVersion(MinMajorVersion, 0) {
		return fmt.Errorf("ffmpeg %s at %s is too old, need %d.0 or newer", info.Version, info.FFmpegPath, MinMajorVersion)
	}
	if len(info.Encoders) == 0 {
		return nil
	}
	for _, name := range names {
		if !info.HasEncoder(name) {
			return fmt.Errorf("ffmpeg at %s has no %s encoder", info.FFmpegPath, name)
		}
	}
	return nil
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}
