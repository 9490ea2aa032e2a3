// Package repository defines data access interfaces for encmux entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/encmux/internal/models"
)

// RunFilter narrows a run listing. Zero fields match everything.
type RunFilter struct {
	Status    models.RunStatus
	Container string
	Since     time.Time
	Offset    int
	Limit     int
}

// RunStats aggregates the run history.
type RunStats struct {
	Total        int64                      `json:"total"`
	ByStatus     map[models.RunStatus]int64 `json:"by_status"`
	VideoFrames  int64                      `json:"video_frames"`
	AudioSamples int64                      `json:"audio_samples"`
	Anomalous    int64                      `json:"anomalous"`
}

// EncodeRunRepository defines operations for encode run persistence.
type EncodeRunRepository interface {
	// Create creates a new run record.
	Create(ctx context.Context, run *models.EncodeRun) error
	// Save creates or updates a run record.
	Save(ctx context.Context, run *models.EncodeRun) error
	// GetByID retrieves a run by ID. Returns nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.EncodeRun, error)
	// GetLatest retrieves the most recently created run. Returns nil if none.
	GetLatest(ctx context.Context) (*models.EncodeRun, error)
	// List retrieves runs newest first, with the total matching count.
	List(ctx context.Context, filter RunFilter) ([]*models.EncodeRun, int64, error)
	// Stats aggregates all runs.
	Stats(ctx context.Context) (*RunStats, error)
	// Delete deletes a run by ID.
	Delete(ctx context.Context, id models.ULID) error
	// DeleteFinishedBefore deletes finished runs completed before the given time.
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
