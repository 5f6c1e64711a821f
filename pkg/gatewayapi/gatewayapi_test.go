package gatewayapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/gatewayapi"
	"skyplane-ctl/pkg/skyerr"
)

func TestPostChunkRequests_Success(t *testing.T) {
	var received []chunk.ChunkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chunk_requests", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := gatewayapi.New(srv.URL)
	reqs := []chunk.ChunkRequest{{Chunk: chunk.Chunk{ChunkID: 1, ChunkLengthBytes: 100}}}
	err := client.PostChunkRequests(context.Background(), "instance-a", reqs)
	require.NoError(t, err)
	assert.Equal(t, reqs, received)
}

func TestPostChunkRequests_NonOKIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("disk full"))
	}))
	defer srv.Close()

	client := gatewayapi.New(srv.URL)
	err := client.PostChunkRequests(context.Background(), "instance-a", nil)
	require.Error(t, err)

	var dispatchErr *skyerr.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "instance-a", dispatchErr.Instance)
	assert.Equal(t, http.StatusInternalServerError, dispatchErr.Status)
	assert.Contains(t, dispatchErr.Body, "disk full")
}

func TestChunkStatusLog_ParsesEntries(t *testing.T) {
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chunk_status_log", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"chunk_status_log": []map[string]interface{}{
				{"chunk_id": 3, "state": "upload_complete", "time": ts.Format(time.RFC3339)},
			},
		})
	}))
	defer srv.Close()

	client := gatewayapi.New(srv.URL)
	entries, err := client.ChunkStatusLog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].ChunkID)
	assert.Equal(t, chunk.StateUploadComplete, entries[0].State)
	assert.True(t, ts.Equal(entries[0].Time))
}

func TestErrors_EmptyMeansHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{}})
	}))
	defer srv.Close()

	client := gatewayapi.New(srv.URL)
	errs, err := client.Errors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestShutdown_SwallowsConnectionErrors(t *testing.T) {
	client := gatewayapi.New("http://127.0.0.1:0")
	assert.NotPanics(t, func() {
		client.Shutdown(context.Background())
	})
}

func TestSocketReceiverProfile_ReturnsBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"opaque":"payload"}`))
	}))
	defer srv.Close()

	client := gatewayapi.New(srv.URL)
	body, err := client.SocketReceiverProfile(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"opaque":"payload"}`, string(body))
}
