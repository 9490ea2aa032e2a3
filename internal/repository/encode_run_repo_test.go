package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/encmux/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRunTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.EncodeRun{}))
	return db
}

func finishedRun(status models.RunStatus, container string, frames int64, at time.Time) *models.EncodeRun {
	run := &models.EncodeRun{
		Container:   container,
		OutputPath:  "out." + container,
		VideoCodec:  "h264",
		Width:       640,
		Height:      480,
		FrameRate:   30,
		VideoFrames: frames,
	}
	run.MarkStarted(at.Add(-time.Second))
	var err error
	if status == models.RunStatusFailed {
		err = errors.New("muxer rejected sample")
	}
	run.MarkFinished(at, status, err)
	return run
}

func TestEncodeRunRepo_CreateAndGet(t *testing.T) {
	db := setupRunTestDB(t)
	repo := NewEncodeRunRepository(db)
	ctx := context.Background()

	run := finishedRun(models.RunStatusFailed, "mp4", 30, time.Now())
	require.NoError(t, repo.Create(ctx, run))
	assert.False(t, run.ID.IsZero())

	t.Run("existing run", func(t *testing.T) {
		found, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, models.RunStatusFailed, found.Status)
		assert.Equal(t, "muxer rejected sample", found.LastError)
		assert.Equal(t, int64(30), found.VideoFrames)
		assert.Equal(t, int64(1000), found.DurationMs)
	})

	t.Run("non-existent run", func(t *testing.T) {
		found, err := repo.GetByID(ctx, models.NewULID())
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestEncodeRunRepo_CreateValidates(t *testing.T) {
	repo := NewEncodeRunRepository(setupRunTestDB(t))

	err := repo.Create(context.Background(), &models.EncodeRun{Status: models.RunStatusCompleted})
	assert.ErrorIs(t, err, models.ErrContainerRequired)
}

func TestEncodeRunRepo_SaveInsertsThenUpdates(t *testing.T) {
	db := setupRunTestDB(t)
	repo := NewEncodeRunRepository(db)
	ctx := context.Background()

	// a session assigns its own ID before the first save
	run := &models.EncodeRun{BaseModel: models.BaseModel{ID: models.NewULID()}, Container: "mkv"}
	run.MarkStarted(time.Now())
	require.NoError(t, repo.Save(ctx, run))

	found, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.RunStatusRunning, found.Status)

	run.VideoFrames = 90
	run.MarkFinished(time.Now(), models.RunStatusCompleted, nil)
	require.NoError(t, repo.Save(ctx, run))

	found, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, found.Status)
	assert.Equal(t, int64(90), found.VideoFrames)

	var count int64
	require.NoError(t, db.Model(&models.EncodeRun{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEncodeRunRepo_ListAndLatest(t *testing.T) {
	db := setupRunTestDB(t)
	repo := NewEncodeRunRepository(db)
	ctx := context.Background()

	latest, err := repo.GetLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	now := time.Now()
	runs := []*models.EncodeRun{
		finishedRun(models.RunStatusCompleted, "mp4", 10, now),
		finishedRun(models.RunStatusFailed, "mkv", 20, now),
		finishedRun(models.RunStatusCompleted, "mpegts", 30, now),
	}
	for _, run := range runs {
		require.NoError(t, repo.Create(ctx, run))
		time.Sleep(2 * time.Millisecond)
	}

	t.Run("all", func(t *testing.T) {
		got, total, err := repo.List(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, got, 3)
		assert.Equal(t, runs[2].ID, got[0].ID, "newest first")
	})

	t.Run("by status", func(t *testing.T) {
		got, total, err := repo.List(ctx, RunFilter{Status: models.RunStatusCompleted})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, got, 2)
	})

	t.Run("by container", func(t *testing.T) {
		got, total, err := repo.List(ctx, RunFilter{Container: "mkv"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, got, 1)
		assert.Equal(t, runs[1].ID, got[0].ID)
	})

	t.Run("paginated", func(t *testing.T) {
		got, total, err := repo.List(ctx, RunFilter{Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, got, 1)
		assert.Equal(t, runs[1].ID, got[0].ID)
	})

	latest, err = repo.GetLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, runs[2].ID, latest.ID)
}

func TestEncodeRunRepo_Stats(t *testing.T) {
	repo := NewEncodeRunRepository(setupRunTestDB(t))
	ctx := context.Background()

	now := time.Now()
	anomalous := finishedRun(models.RunStatusCompleted, "mp4", 10, now)
	anomalous.AudioSamples = 5
	anomalous.RateAnomalous = true

	require.NoError(t, repo.Create(ctx, anomalous))
	require.NoError(t, repo.Create(ctx, finishedRun(models.RunStatusCompleted, "mp4", 20, now)))
	require.NoError(t, repo.Create(ctx, finishedRun(models.RunStatusPartial, "mp4", 5, now)))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[models.RunStatusCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[models.RunStatusPartial])
	assert.Equal(t, int64(35), stats.VideoFrames)
	assert.Equal(t, int64(5), stats.AudioSamples)
	assert.Equal(t, int64(1), stats.Anomalous)
}

func TestEncodeRunRepo_Delete(t *testing.T) {
	repo := NewEncodeRunRepository(setupRunTestDB(t))
	ctx := context.Background()

	now := time.Now()
	old := finishedRun(models.RunStatusCompleted, "mp4", 1, now.Add(-48*time.Hour))
	recent := finishedRun(models.RunStatusCompleted, "mp4", 1, now)
	running := &models.EncodeRun{Container: "mp4"}
	running.MarkStarted(now.Add(-72 * time.Hour))
	for _, run := range []*models.EncodeRun{old, recent, running} {
		require.NoError(t, repo.Create(ctx, run))
	}

	deleted, err := repo.DeleteFinishedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	found, err := repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = repo.GetByID(ctx, running.ID)
	require.NoError(t, err)
	assert.NotNil(t, found, "running runs are kept")

	require.NoError(t, repo.Delete(ctx, recent.ID))
	found, err = repo.GetByID(ctx, recent.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
