package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
)

func TestCompletedChunks_RequiresEveryRegion(t *testing.T) {
	sinkRegions := map[string]bool{"aws:us-east-1": true, "gcp:us-central1": true}
	now := time.Now()

	entries := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateUploadComplete, Time: now, Region: "aws:us-east-1"},
		// chunk 1 is missing the gcp sink entry, so it's not complete yet.
		{ChunkID: 2, State: chunk.StateUploadComplete, Time: now, Region: "aws:us-east-1"},
		{ChunkID: 2, State: chunk.StateUploadComplete, Time: now, Region: "gcp:us-central1"},
	}

	completed := completedChunks(entries, sinkRegions)
	assert.False(t, completed[1])
	assert.True(t, completed[2])
}

// P6: once a chunk is in `completed`, every subsequent snapshot (built from
// an append-only log) also includes it.
func TestCompletedChunks_MonotonicAcrossAppendOnlySnapshots(t *testing.T) {
	sinkRegions := map[string]bool{"aws:us-east-1": true, "gcp:us-central1": true}
	now := time.Now()

	round1 := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateUploadComplete, Time: now, Region: "aws:us-east-1"},
		{ChunkID: 1, State: chunk.StateUploadComplete, Time: now, Region: "gcp:us-central1"},
	}
	firstCompleted := completedChunks(round1, sinkRegions)
	require.True(t, firstCompleted[1])

	round2 := append(append([]chunk.StatusLogEntry{}, round1...),
		chunk.StatusLogEntry{ChunkID: 2, State: chunk.StateDownloadInProgress, Time: now, Region: "aws:us-east-1"},
	)
	secondCompleted := completedChunks(round2, sinkRegions)

	for id := range firstCompleted {
		assert.True(t, secondCompleted[id], "chunk %d dropped out of completed set between snapshots", id)
	}
}

func TestCompletedChunks_IgnoresNonSinkRegions(t *testing.T) {
	sinkRegions := map[string]bool{"gcp:us-central1": true}
	now := time.Now()

	entries := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateUploadComplete, Time: now, Region: "aws:us-east-1"},
	}
	completed := completedChunks(entries, sinkRegions)
	assert.False(t, completed[1])
}

func TestProgressStats_ZeroElapsedYieldsZeroThroughput(t *testing.T) {
	now := time.Now()
	entries := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateUploadComplete, Time: now},
	}
	elapsed, throughput := progressStats(entries, 1000)
	assert.Zero(t, elapsed)
	assert.Zero(t, throughput)
}
