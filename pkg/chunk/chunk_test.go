package chunk_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
)

func TestChunkRequest_JSONRoundTrip(t *testing.T) {
	randomMB := 4.0
	original := chunk.ChunkRequest{
		Chunk: chunk.Chunk{
			ChunkID:          7,
			SrcKey:           "a/b.bin",
			DestKey:          "a/b.bin.copy",
			FileOffsetBytes:  1024,
			ChunkLengthBytes: 2048,
			PartNumber:       3,
			UploadID:         "upload-xyz",
		},
		SrcRegion:            "aws:us-east-1",
		DstRegion:            "gcp:us-central1",
		SrcType:              chunk.SourceObjectStore,
		DstType:              chunk.DestObjectStore,
		SrcRandomSizeMB:      &randomMB,
		SrcObjectStoreBucket: "src-bucket",
		DstObjectStoreBucket: "dst-bucket",
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var roundTripped chunk.ChunkRequest
	require.NoError(t, json.Unmarshal(data, &roundTripped))

	assert.Equal(t, original, roundTripped)
}

func TestChunk_IsMultipart(t *testing.T) {
	scenarios := []struct {
		name string
		c    chunk.Chunk
		want bool
	}{
		{"part and upload id set", chunk.Chunk{PartNumber: 1, UploadID: "abc"}, true},
		{"zero part number", chunk.Chunk{PartNumber: 0, UploadID: "abc"}, false},
		{"empty upload id", chunk.Chunk{PartNumber: 1, UploadID: ""}, false},
		{"neither set", chunk.Chunk{}, false},
	}

	for _, s := range scenarios {
		s := s
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, s.want, s.c.IsMultipart())
		})
	}
}

func TestMBAndGBConventions(t *testing.T) {
	assert.Equal(t, float64(1_000_000), float64(chunk.MB))
	assert.EqualValues(t, 1073741824, chunk.GB)
}
