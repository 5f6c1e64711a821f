package compute

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// RunSSH runs cmd on host over SSH and returns its stdout. Shared by all
// three provider Server implementations — the SSH transport itself is not
// provider-specific, only instance discovery is.
func RunSSH(ctx context.Context, host, cmd string) (string, error) {
	sshCmd := exec.CommandContext(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
		fmt.Sprintf("skyplane@%s", host), cmd)
	out, err := sshCmd.Output()
	if err != nil {
		return "", fmt.Errorf("ssh %s %q: %w", host, cmd, err)
	}
	return string(out), nil
}

// ScpDownload copies remote from host to the local path over scp.
func ScpDownload(ctx context.Context, host, remote, local string) error {
	scpCmd := exec.CommandContext(ctx, "scp",
		"-o", "StrictHostKeyChecking=no",
		fmt.Sprintf("skyplane@%s:%s", host, remote), local)
	if err := scpCmd.Run(); err != nil {
		return fmt.Errorf("scp %s:%s -> %s: %w", host, remote, local, err)
	}
	return nil
}

// WaitForGatewayAPI polls baseURL/api/v1/errors until it answers 200 or
// the context is cancelled, matching the source's "start_gateway ...
// returns when the gateway container is up and its HTTP API is
// reachable" contract (spec.md §4.1 phase P7).
func WaitForGatewayAPI(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/errors", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway API at %s not reachable: %w", baseURL, ctx.Err())
		case <-ticker.C:
		}
	}
}
