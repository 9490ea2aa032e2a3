package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/encmux/internal/models"
	"gorm.io/gorm"
)

// defaultListLimit caps List when no limit is given.
const defaultListLimit = 50

// encodeRunRepo implements EncodeRunRepository using GORM.
type encodeRunRepo struct {
	db *gorm.DB
}

// NewEncodeRunRepository creates a new EncodeRunRepository.
func NewEncodeRunRepository(db *gorm.DB) *encodeRunRepo {
	return &encodeRunRepo{db: db}
}

// Create creates a new run record.
func (r *encodeRunRepo) Create(ctx context.Context, run *models.EncodeRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validating encode run: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating encode run: %w", err)
	}
	return nil
}

// Save creates or updates a run record. A run keeps the ID its session
// assigned, so the first Save inserts and later ones update.
func (r *encodeRunRepo) Save(ctx context.Context, run *models.EncodeRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("validating encode run: %w", err)
	}
	if run.ID.IsZero() {
		return r.Create(ctx, run)
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.EncodeRun{}).Where("id = ?", run.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("checking encode run: %w", err)
	}
	if count == 0 {
		return r.Create(ctx, run)
	}
	if err := r.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating encode run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by ID.
func (r *encodeRunRepo) GetByID(ctx context.Context, id models.ULID) (*models.EncodeRun, error) {
	var run models.EncodeRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting encode run by ID: %w", err)
	}
	return &run, nil
}

// GetLatest retrieves the most recently created run.
func (r *encodeRunRepo) GetLatest(ctx context.Context) (*models.EncodeRun, error) {
	var run models.EncodeRun
	if err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting latest encode run: %w", err)
	}
	return &run, nil
}

// List retrieves runs newest first.
func (r *encodeRunRepo) List(ctx context.Context, filter RunFilter) ([]*models.EncodeRun, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.EncodeRun{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Container != "" {
		query = query.Where("container = ?", filter.Container)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting encode runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []*models.EncodeRun
	if err := query.Order("created_at DESC, id DESC").Offset(filter.Offset).Limit(limit).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing encode runs: %w", err)
	}
	return runs, total, nil
}

// Stats aggregates all runs.
func (r *encodeRunRepo) Stats(ctx context.Context) (*RunStats, error) {
	var rows []struct {
		Status       models.RunStatus
		Count        int64
		VideoFrames  int64
		AudioSamples int64
		Anomalous    int64
	}
	err := r.db.WithContext(ctx).Model(&models.EncodeRun{}).
		Select("status, COUNT(*) AS count, " +
			"COALESCE(SUM(video_frames), 0) AS video_frames, " +
			"COALESCE(SUM(audio_samples), 0) AS audio_samples, " +
			"COALESCE(SUM(CASE WHEN rate_anomalous THEN 1 ELSE 0 END), 0) AS anomalous").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating encode runs: %w", err)
	}

	stats := &RunStats{ByStatus: make(map[models.RunStatus]int64, len(rows))}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByStatus[row.Status] = row.Count
		stats.VideoFrames += row.VideoFrames
		stats.AudioSamples += row.AudioSamples
		stats.Anomalous += row.Anomalous
	}
	return stats, nil
}

// Delete deletes a run by ID.
func (r *encodeRunRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.EncodeRun{}).Error; err != nil {
		return fmt.Errorf("deleting encode run: %w", err)
	}
	return nil
}

// DeleteFinishedBefore deletes finished runs completed before the given time.
func (r *encodeRunRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status <> ? AND completed_at < ?", models.RunStatusRunning, before).
		Delete(&models.EncodeRun{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished encode runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure encodeRunRepo implements EncodeRunRepository at compile time.
var _ EncodeRunRepository = (*encodeRunRepo)(nil)
