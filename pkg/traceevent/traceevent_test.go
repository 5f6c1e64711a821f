package traceevent_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/traceevent"
)

func TestWriteStatusCSV_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.csv")
	entries := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateDownloaded, Time: time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC), Region: "aws:us-east-1", Instance: "i-1"},
	}
	require.NoError(t, traceevent.WriteStatusCSV(path, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "chunk_id,state,time,region,instance")
	assert.Contains(t, content, "1,downloaded,")
	assert.Contains(t, content, "aws:us-east-1,i-1")
}

func TestWriteChromeTrace_OneNonOverlappingSpanPerTransition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	base := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	entries := []chunk.StatusLogEntry{
		{ChunkID: 1, State: chunk.StateRegistered, Time: base, Instance: "i-1"},
		{ChunkID: 1, State: chunk.StateDownloaded, Time: base.Add(2 * time.Second), Instance: "i-1"},
	}
	require.NoError(t, traceevent.WriteChromeTrace(path, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var spans []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &spans))
	require.Len(t, spans, 2)

	assert.Equal(t, "registered", spans[0]["name"])
	assert.Equal(t, "X", spans[0]["ph"])
	assert.InDelta(t, 2_000_000, spans[0]["dur"], 1)

	assert.Equal(t, "downloaded", spans[1]["name"])
	assert.InDelta(t, 0, spans[1]["dur"], 1, "last entry on a track has no following transition")
}
