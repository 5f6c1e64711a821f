// Package gatewayapi is a typed net/http client for the gateway control
// API spec.md §6 defines. It is the only way C6 and C7 talk to a running
// gateway instance; grounded on the teacher's net/http usage pattern in
// pkg/providers/googledrive (request/response JSON round-tripping) since
// the teacher's own REST surface (api/*.go) is the server side, not a
// client.
package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/skyerr"
)

// Client talks to one gateway's HTTP API at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a Client against baseURL with a sane request timeout.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// PostChunkRequests sends reqs to this gateway's /api/v1/chunk_requests.
// A non-200 response is a skyerr.DispatchError naming instanceName and
// the response body, per spec.md §4.2 step S6.
func (c *Client) PostChunkRequests(ctx context.Context, instanceName string, reqs []chunk.ChunkRequest) error {
	body, err := json.Marshal(reqs)
	if err != nil {
		return fmt.Errorf("marshal chunk requests: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/chunk_requests", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post chunk requests to %s: %w", instanceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &skyerr.DispatchError{Instance: instanceName, Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// ChunkStatusLog fetches GET /api/v1/chunk_status_log. Region and
// Instance on each returned entry are left zero; the monitor annotates
// them, per spec.md §4.3 step 3.
func (c *Client) ChunkStatusLog(ctx context.Context) ([]chunk.StatusLogEntry, error) {
	var out struct {
		ChunkStatusLog []chunk.StatusLogEntry `json:"chunk_status_log"`
	}
	if err := c.getJSON(ctx, "/api/v1/chunk_status_log", &out); err != nil {
		return nil, err
	}
	return out.ChunkStatusLog, nil
}

// Errors fetches GET /api/v1/errors; an empty slice means the gateway is
// healthy.
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	var out struct {
		Errors []string `json:"errors"`
	}
	if err := c.getJSON(ctx, "/api/v1/errors", &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

// CompressionProfile is the response of GET /api/v1/profile/compression.
type CompressionProfile struct {
	CompressedBytesSent   int64 `json:"compressed_bytes_sent"`
	UncompressedBytesSent int64 `json:"uncompressed_bytes_sent"`
}

func (c *Client) CompressionProfile(ctx context.Context) (CompressionProfile, error) {
	var out CompressionProfile
	if err := c.getJSON(ctx, "/api/v1/profile/compression", &out); err != nil {
		return CompressionProfile{}, err
	}
	return out, nil
}

// SocketReceiverProfile fetches GET /api/v1/profile/socket/receiver and
// returns its body verbatim — spec.md requires it be written untouched.
func (c *Client) SocketReceiverProfile(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/profile/socket/receiver", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get socket receiver profile: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Shutdown posts /api/v1/shutdown, best-effort: connection errors are
// swallowed here per spec.md §7 ("the server may already be going
// down"), never returned to the caller.
func (c *Client) Shutdown(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/shutdown", nil)
	if err != nil {
		return
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
