// Package progress tracks chunk-completion progress across a transfer
// poll loop, adapted from the teacher's pkg/progress.Tracker (atomic
// counters, a rolling window of recent throughput samples, ETA from the
// average) — generalized from per-object migration progress to
// per-chunk replication progress and wired into pkg/monitor's spinner.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks how many of a job's chunks/bytes have completed.
type Tracker struct {
	totalChunks    int64
	totalBytes     int64
	completedCount atomic.Int64
	completedBytes atomic.Int64
	startTime      time.Time
	lastUpdateTime time.Time
	lastBytes      int64
	speedSamples   []float64
	mu             sync.RWMutex
}

// NewTracker builds a Tracker for a job with the given chunk/byte totals.
func NewTracker(totalChunks, totalBytes int64) *Tracker {
	now := time.Now()
	return &Tracker{
		totalChunks:    totalChunks,
		totalBytes:     totalBytes,
		startTime:      now,
		lastUpdateTime: now,
		speedSamples:   make([]float64, 0, 10),
	}
}

// Update records the current snapshot from the monitor's poll loop:
// how many chunks and bytes are complete as of now.
func (t *Tracker) Update(completedChunks int, completedBytes int64) {
	now := time.Now()
	t.completedCount.Store(int64(completedChunks))
	t.completedBytes.Store(completedBytes)

	t.mu.Lock()
	elapsed := now.Sub(t.lastUpdateTime).Seconds()
	deltaBytes := completedBytes - t.lastBytes
	if elapsed > 0 && deltaBytes > 0 {
		speed := float64(deltaBytes) / elapsed
		t.speedSamples = append(t.speedSamples, speed)
		if len(t.speedSamples) > 10 {
			t.speedSamples = t.speedSamples[1:]
		}
	}
	t.lastUpdateTime = now
	t.lastBytes = completedBytes
	t.mu.Unlock()
}

// Stats is a point-in-time snapshot suitable for a log line or spinner.
type Stats struct {
	ProgressPct     float64
	CompletedChunks int64
	TotalChunks     int64
	CompletedSizeMB float64
	TotalSizeMB     float64
	ElapsedTime     string
	TransferSpeedMB float64
	ETA             string
}

// GetStats computes the current Stats, including an ETA extrapolated
// from the average of the last 10 speed samples.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedChunks := t.completedCount.Load()
	completedBytes := t.completedBytes.Load()
	elapsed := time.Since(t.startTime)

	var avgSpeed float64
	if len(t.speedSamples) > 0 {
		var sum float64
		for _, s := range t.speedSamples {
			sum += s
		}
		avgSpeed = sum / float64(len(t.speedSamples))
	}

	remaining := t.totalBytes - completedBytes
	eta := "calculating..."
	if avgSpeed > 0 && remaining > 0 {
		etaSeconds := float64(remaining) / avgSpeed
		eta = time.Duration(etaSeconds * float64(time.Second)).String()
	} else if remaining <= 0 {
		eta = "0s"
	}

	progressPct := 0.0
	if t.totalChunks > 0 {
		progressPct = float64(completedChunks) / float64(t.totalChunks) * 100
	}

	return Stats{
		ProgressPct:     progressPct,
		CompletedChunks: completedChunks,
		TotalChunks:     t.totalChunks,
		CompletedSizeMB: float64(completedBytes) / (1024 * 1024),
		TotalSizeMB:     float64(t.totalBytes) / (1024 * 1024),
		ElapsedTime:     elapsed.String(),
		TransferSpeedMB: avgSpeed / (1024 * 1024),
		ETA:             eta,
	}
}

// FormatProgress renders the current Stats as a single overwritable
// spinner line: it starts with \r and has no trailing newline.
func (t *Tracker) FormatProgress() string {
	s := t.GetStats()
	return fmt.Sprintf(
		"\rProgress: %.1f%% (%d/%d chunks, %.1f/%.1f MB) | Speed: %.1f MB/s | ETA: %s",
		s.ProgressPct,
		s.CompletedChunks,
		s.TotalChunks,
		s.CompletedSizeMB,
		s.TotalSizeMB,
		s.TransferSpeedMB,
		s.ETA,
	)
}
