package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/objectstore"
)

func TestLptBatch_BalancesByLength(t *testing.T) {
	chunks := []chunk.Chunk{
		{ChunkID: 0, ChunkLengthBytes: 10},
		{ChunkID: 1, ChunkLengthBytes: 40},
		{ChunkID: 2, ChunkLengthBytes: 20},
		{ChunkID: 3, ChunkLengthBytes: 30},
	}
	batches := lptBatch(chunks, 2)
	require.Len(t, batches, 2)

	var sums [2]int64
	for i, b := range batches {
		for _, c := range b {
			sums[i] += c.ChunkLengthBytes
		}
	}
	// Greedy LPT on {40, 30, 20, 10} -> {40, 10} and {30, 20}, both sum to 50.
	assert.ElementsMatch(t, []int64{50, 50}, sums[:])
}

func TestLptBatch_FewerChunksThanBatches(t *testing.T) {
	chunks := []chunk.Chunk{{ChunkID: 0, ChunkLengthBytes: 5}}
	batches := lptBatch(chunks, 3)
	require.Len(t, batches, 3)

	nonEmpty := 0
	for _, b := range batches {
		if len(b) > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 1, nonEmpty)
}

func TestLptBatch_ZeroOrNegativeK(t *testing.T) {
	chunks := []chunk.Chunk{{ChunkID: 0, ChunkLengthBytes: 5}, {ChunkID: 1, ChunkLengthBytes: 5}}
	batches := lptBatch(chunks, 0)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestSizeObjects_PrefersExplicitSizes(t *testing.T) {
	job := &chunk.ReplicationJob{
		SrcObjs:  []string{"a", "b"},
		ObjSizes: map[string]int64{"a": 100, "b": 200},
	}
	sizes, err := sizeObjects(job)
	require.NoError(t, err)
	assert.Equal(t, job.ObjSizes, sizes)
}

func TestSizeObjects_FallsBackToRandomChunkSize(t *testing.T) {
	mb := 2.0
	job := &chunk.ReplicationJob{
		SrcObjs:           []string{"a", "b"},
		RandomChunkSizeMB: &mb,
	}
	sizes, err := sizeObjects(job)
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunk.MB), sizes["a"])
	assert.Equal(t, int64(2*chunk.MB), sizes["b"])
}

func TestSizeObjects_ErrorsWithoutEither(t *testing.T) {
	job := &chunk.ReplicationJob{SrcObjs: []string{"a"}}
	_, err := sizeObjects(job)
	require.Error(t, err)
}

func TestChunkJob_SingleChunkWithoutMaxChunkSize(t *testing.T) {
	p := &Planner{}
	job := &chunk.ReplicationJob{
		SrcObjs:  []string{"a"},
		DestObjs: []string{"a-copy"},
	}
	chunks, records, err := p.chunkJob(context.Background(), job, map[string]int64{"a": 500})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Empty(t, records)
	assert.Equal(t, int64(500), chunks[0].ChunkLengthBytes)
	assert.False(t, chunks[0].IsMultipart())
}

func TestChunkJob_MultipartSplitsAndSkipsTrailingZeroChunk(t *testing.T) {
	p := &Planner{store: &fakeMultipartStore{uploadID: "upload-1"}}
	maxChunkMB := 10.0 / chunk.MB
	job := &chunk.ReplicationJob{
		SrcObjs:        []string{"big"},
		DestObjs:       []string{"big-copy"},
		MaxChunkSizeMB: &maxChunkMB,
	}
	// 20 bytes exactly divides into two 10-byte chunks; no trailing
	// zero-length chunk should be emitted (OQ1).
	chunks, records, err := p.chunkJob(context.Background(), job, map[string]int64{"big": 20})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].IsMultipart())
	assert.Equal(t, 1, chunks[0].PartNumber)
	assert.Equal(t, 2, chunks[1].PartNumber)
	require.Len(t, records, 1)
	assert.Equal(t, []int{1, 2}, records[0].Parts)
}

// fakeMultipartStore implements objectstore.ObjectStoreInterface, only
// InitiateMultipartUpload is exercised by chunkJob.
type fakeMultipartStore struct {
	uploadID string
}

func (f *fakeMultipartStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return true, nil
}

func (f *fakeMultipartStore) EnsureBucket(ctx context.Context, bucket, subregion string) error {
	return nil
}

func (f *fakeMultipartStore) ListObjects(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeMultipartStore) InitiateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	return f.uploadID, nil
}

func (f *fakeMultipartStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []objectstore.CompletedPart) error {
	return nil
}

func (f *fakeMultipartStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

var _ objectstore.ObjectStoreInterface = (*fakeMultipartStore)(nil)
