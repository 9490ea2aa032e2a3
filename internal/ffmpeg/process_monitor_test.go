package ffmpeg

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMonitor_SamplesSelf(t *testing.T) {
	pm := NewProcessMonitor(os.Getpid(), 10*time.Millisecond, nil)
	pm.Start(context.Background())

	require.Eventually(t, func() bool {
		return pm.Stats().Samples >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := pm.Stop()
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Positive(t, stats.MemoryRSSBytes)
	assert.False(t, stats.StartedAt.IsZero())
	assert.Positive(t, stats.Duration)

	// stopping twice is harmless
	again := pm.Stop()
	assert.Equal(t, stats.Samples, again.Samples)
}

func TestProcessMonitor_MissingProcess(t *testing.T) {
	pm := NewProcessMonitor(1<<30, time.Hour, nil)
	pm.Start(context.Background())
	stats := pm.Stop()

	assert.Zero(t, stats.Samples)
	assert.Zero(t, stats.MemoryRSSBytes)
}

func TestCountingWrappers(t *testing.T) {
	pm := NewProcessMonitor(os.Getpid(), time.Second, nil)

	var buf bytes.Buffer
	w := NewCountingWriter(&buf, pm)
	_, err := w.Write([]byte("hello world"))
	require.NoError(t, err)

	r := NewCountingReader(strings.NewReader("abc"), pm)
	_, err = io.ReadAll(r)
	require.NoError(t, err)

	stats := pm.Stats()
	assert.Equal(t, uint64(11), stats.BytesWritten)
	assert.Equal(t, uint64(3), stats.BytesRead)
}
