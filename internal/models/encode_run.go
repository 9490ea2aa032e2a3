package models

import (
	"time"
)

// RunStatus represents the outcome of an encode run.
type RunStatus string

const (
	// RunStatusRunning indicates the session is still encoding.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates every stream reached end of stream.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusPartial indicates the session was torn down before every stream finished.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed indicates the session stopped on an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusUnconfigured indicates an encoder rejected its configuration.
	RunStatusUnconfigured RunStatus = "unconfigured"
)

// EncodeRun is the persisted summary of one encode session.
type EncodeRun struct {
	BaseModel

	// Status is the outcome of the run.
	Status RunStatus `gorm:"not null;default:'running';size:20;index" json:"status"`

	// OutputPath is the container file written by the run.
	OutputPath string `gorm:"size:1024" json:"output_path"`
	// Container is the container format name (mp4, fmp4, mpegts, mkv).
	Container string `gorm:"not null;size:20" json:"container"`

	VideoCodec string `gorm:"size:20" json:"video_codec,omitempty"`
	AudioCodec string `gorm:"size:20" json:"audio_codec,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FrameRate  int    `json:"frame_rate,omitempty"`

	// VideoFrames is the number of non-empty video samples muxed.
	VideoFrames int64 `json:"video_frames"`
	VideoBytes  int64 `json:"video_bytes"`

	// AudioSamples is the number of non-empty audio samples muxed.
	AudioSamples  int64 `json:"audio_samples"`
	AudioBytesIn  int64 `json:"audio_bytes_in"`
	AudioBytesOut int64 `json:"audio_bytes_out"`

	// Rate check results, zero when no audio was drained.
	RateExpected  float64 `json:"rate_expected,omitempty"`
	RateActual    float64 `json:"rate_actual,omitempty"`
	RateAnomalous bool    `json:"rate_anomalous"`

	// Encoder process usage, sampled while the run was active.
	EncoderCPUPercent float64 `json:"encoder_cpu_percent,omitempty"`
	EncoderRSSBytes   int64   `json:"encoder_rss_bytes,omitempty"`

	// LastError contains the first error the session hit.
	LastError string `gorm:"size:4096" json:"last_error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// TableName returns the table name for EncodeRun.
func (EncodeRun) TableName() string {
	return "encode_runs"
}

// IsFinished returns true if the run is no longer encoding.
func (r *EncodeRun) IsFinished() bool {
	return r.Status != RunStatusRunning
}

// MarkStarted records the start time.
func (r *EncodeRun) MarkStarted(at time.Time) {
	r.StartedAt = &at
	r.Status = RunStatusRunning
}

// MarkFinished records the completion time, duration and final status.
func (r *EncodeRun) MarkFinished(at time.Time, status RunStatus, err error) {
	r.CompletedAt = &at
	r.Status = status
	if r.StartedAt != nil {
		r.DurationMs = at.Sub(*r.StartedAt).Milliseconds()
	}
	if err != nil {
		r.LastError = err.Error()
	}
}

// Validate performs basic validation on the run.
func (r *EncodeRun) Validate() error {
	if r.Container == "" {
		return ErrContainerRequired
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusUnconfigured:
	default:
		return ErrValidation{Field: "status", Message: "unknown run status " + string(r.Status)}
	}
	if r.VideoFrames < 0 || r.AudioSamples < 0 {
		return ErrValidation{Field: "samples", Message: "counts cannot be negative"}
	}
	return nil
}
