// Package provisioner is the client side of the sandbox provisioner
// contract: spawn, terminate, hibernate (snapshot), and restore calls
// against whatever external system actually owns virtual machines
// (spec.md §1, §4.2).
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrHibernationRace is returned when a hibernate call 409s because the
// sandbox has already exited on its own — spec.md §7 treats this as a
// successful terminal transition, not a failure.
var ErrHibernationRace = fmt.Errorf("sandbox already gone")

// SpawnResult carries back what the lifecycle controller needs to move
// from initializing/restoring into running.
type SpawnResult struct {
	SandboxID  string   `json:"sandboxId"`
	TunnelURLs []string `json:"tunnelUrls"`
}

// SnapshotResult carries the opaque snapshot id produced by hibernation.
type SnapshotResult struct {
	SnapshotID string `json:"snapshotId"`
}

// Client is a thin, retryless HTTP client: one call per lifecycle verb,
// using URLs and a spawn-request payload stored per-session (spec.md §3).
// Every call shares classifyResponse so failure handling is consistent.
type Client struct {
	http *http.Client
}

// New returns a Client with the given per-call timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Spawn calls the session's spawn URL with the stored spawn-request
// payload (opaque to this client) and parses sandbox id + tunnels.
func (c *Client) Spawn(ctx context.Context, spawnURL string, spawnRequestJSON string) (SpawnResult, error) {
	var out SpawnResult
	body := []byte(spawnRequestJSON)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := c.post(ctx, spawnURL, body, &out); err != nil {
		return SpawnResult{}, fmt.Errorf("provisioner spawn: %w", err)
	}
	return out, nil
}

// Terminate calls the session's terminate URL. Absence of a body is
// intentional: the provisioner already knows which sandbox to tear down
// from the URL itself.
func (c *Client) Terminate(ctx context.Context, terminateURL string) error {
	if err := c.post(ctx, terminateURL, nil, nil); err != nil {
		return fmt.Errorf("provisioner terminate: %w", err)
	}
	return nil
}

// Hibernate snapshots the sandbox. A 409 response is surfaced as
// ErrHibernationRace rather than a generic error so callers can treat it
// as a terminal success per spec.md §4.2/§7.
func (c *Client) Hibernate(ctx context.Context, hibernateURL string) (SnapshotResult, error) {
	var out SnapshotResult
	err := c.post(ctx, hibernateURL, nil, &out)
	if err == errConflict {
		return SnapshotResult{}, ErrHibernationRace
	}
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("provisioner hibernate: %w", err)
	}
	return out, nil
}

// Restore wakes a hibernated sandbox from its snapshot id, returning a
// fresh sandbox id and tunnels.
func (c *Client) Restore(ctx context.Context, restoreURL string, snapshotID string) (SpawnResult, error) {
	var out SpawnResult
	body, err := json.Marshal(map[string]string{"snapshotId": snapshotID})
	if err != nil {
		return SpawnResult{}, err
	}
	if err := c.post(ctx, restoreURL, body, &out); err != nil {
		return SpawnResult{}, fmt.Errorf("provisioner restore: %w", err)
	}
	return out, nil
}

// errConflict is a private sentinel distinguished from other errors by
// classifyResponse; it never escapes this package.
var errConflict = fmt.Errorf("provisioner conflict")

func (c *Client) post(ctx context.Context, url string, body []byte, out any) error {
	if url == "" {
		return fmt.Errorf("no provisioner url configured")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provisioner call failed: %w", err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp, out)
}

func classifyResponse(resp *http.Response, out any) error {
	switch {
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if resp.ContentLength == 0 {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode provisioner response: %w", err)
		}
		return nil
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provisioner returned %d: %s", resp.StatusCode, msg)
	}
}
