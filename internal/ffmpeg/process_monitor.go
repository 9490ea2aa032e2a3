package ffmpeg

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an encoder process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent float64       `json:"cpu_percent"` // 0-100 per core
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`

	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"`
	MemoryPercent  float32 `json:"memory_percent"`

	// Bytes piped into and out of the process.
	BytesWritten uint64 `json:"bytes_written"`
	BytesRead    uint64 `json:"bytes_read"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
	Samples     int           `json:"samples"`
}

// ProcessMonitor samples resource usage of an encoder process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	stats   ProcessStats
	proc    *process.Process
	running bool

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a new process monitor.
func NewProcessMonitor(pid int, interval time.Duration, logger *slog.Logger) *ProcessMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  interval,
		logger:    logger,
	}
}

// Start begins sampling the process until ctx is done or Stop is called.
func (pm *ProcessMonitor) Start(ctx context.Context) {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	ctx, pm.cancel = context.WithCancel(ctx)
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)
}

// Stop stops sampling and returns the final statistics.
func (pm *ProcessMonitor) Stop() ProcessStats {
	pm.mu.Lock()
	cancel := pm.cancel
	pm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
	return pm.Stats()
}

// Stats returns the current process statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.PID = pm.pid
	stats.StartedAt = pm.startedAt
	stats.BytesWritten = pm.bytesWritten.Load()
	stats.BytesRead = pm.bytesRead.Load()
	return stats
}

// AddBytesWritten adds to the bytes written counter.
func (pm *ProcessMonitor) AddBytesWritten(n uint64) {
	pm.bytesWritten.Add(n)
}

// AddBytesRead adds to the bytes read counter.
func (pm *ProcessMonitor) AddBytesRead(n uint64) {
	pm.bytesRead.Add(n)
}

func (pm *ProcessMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.sample(ctx)
		}
	}
}

// sample takes a snapshot of process statistics. Errors usually mean the
// process has exited and are only logged at debug level.
func (pm *ProcessMonitor) sample(ctx context.Context) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := time.Now()
	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now

	if pm.proc == nil {
		proc, err := process.NewProcessWithContext(ctx, int32(pm.pid))
		if err != nil {
			pm.logger.Debug("encoder process not available",
				slog.Int("pid", pm.pid),
				slog.String("error", err.Error()))
			return
		}
		pm.proc = proc
	}

	if pct, err := pm.proc.PercentWithContext(ctx, 0); err == nil {
		pm.stats.CPUPercent = pct
	}
	if times, err := pm.proc.TimesWithContext(ctx); err == nil {
		pm.stats.CPUUser = time.Duration(times.User * float64(time.Second))
		pm.stats.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if mem, err := pm.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		pm.stats.MemoryRSSBytes = mem.RSS
		pm.stats.MemoryVMSBytes = mem.VMS
	}
	if pct, err := pm.proc.MemoryPercentWithContext(ctx); err == nil {
		pm.stats.MemoryPercent = pct
	}
	pm.stats.Samples++
}

// CountingWriter wraps an io.Writer and counts bytes written.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter creates a writer that counts bytes and reports to monitor.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, monitor: monitor}
}

// Write implements io.Writer and tracks bytes written.
func (cw *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.AddBytesWritten(uint64(n))
	}
	return n, err
}

// CountingReader wraps an io.Reader and counts bytes read.
type CountingReader struct {
	r       io.Reader
	monitor *ProcessMonitor
}

// NewCountingReader creates a reader that counts bytes and reports to monitor.
func NewCountingReader(r io.Reader, monitor *ProcessMonitor) *CountingReader {
	return &CountingReader{r: r, monitor: monitor}
}

// Read implements io.Reader and tracks bytes read.
func (cr *CountingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.monitor != nil {
		cr.monitor.AddBytesRead(uint64(n))
	}
	return n, err
}
