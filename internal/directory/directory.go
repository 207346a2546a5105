// Package directory is the client side of the external directory: the
// persistent relational store of sessions, git state, file changes,
// audit log sink, orchestrator memory, org repos, personas, users, and
// OAuth tokens (spec.md §3, §6). The directory itself is out of scope;
// this package only speaks its REST contract.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaysession/sessiond/internal/model"
)

// SessionRow is the directory's row for one session.
type SessionRow struct {
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	Status          string    `json:"status"`
	Workspace       string    `json:"workspace,omitempty"`
	ParentSessionID string    `json:"parentSessionId,omitempty"`
	Title           string    `json:"title,omitempty"`
	ActiveSeconds   int64     `json:"activeSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// GitStateRow is the directory's row for one session's git context.
type GitStateRow struct {
	SessionID   string `json:"sessionId"`
	RepoURL     string `json:"repoUrl,omitempty"`
	Branch      string `json:"branch,omitempty"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	CommitCount int    `json:"commitCount"`

	PRNumber    int    `json:"prNumber,omitempty"`
	PRTitle     string `json:"prTitle,omitempty"`
	PRURL       string `json:"prUrl,omitempty"`
	PRState     string `json:"prState,omitempty"`
	PRCreatedAt string `json:"prCreatedAt,omitempty"`
}

// FileChangeRow is one upserted file entry.
type FileChangeRow struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// UserRow resolves a user id to display attributes.
type UserRow struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MemoryRow is one orchestrator-memory entry.
type MemoryRow struct {
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Relevance float64 `json:"relevance"`
}

// RepoRow is one catalogued organization repository.
type RepoRow struct {
	Name     string `json:"name"`
	FullName string `json:"fullName"`
	URL      string `json:"url"`
}

// PersonaRow is one catalogued persona.
type PersonaRow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OAuthTokenRow is a stored, possibly-encrypted OAuth token.
type OAuthTokenRow struct {
	UserID    string `json:"userId"`
	Provider  string `json:"provider"`
	Token     string `json:"token"`
	Encrypted bool   `json:"encrypted"`
}

// ErrNotFound is returned when a directory row does not exist; callers
// generally treat this as non-fatal (spec.md SPEC_FULL §3).
var ErrNotFound = fmt.Errorf("directory: not found")

// Client is implemented by both the HTTP-backed production client and
// the in-memory fake used in tests.
type Client interface {
	GetSession(ctx context.Context, sessionID string) (SessionRow, error)
	PutSession(ctx context.Context, row SessionRow) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	FlushActiveSeconds(ctx context.Context, sessionID string, delta int64) error

	GetGitState(ctx context.Context, sessionID string) (GitStateRow, error)
	PutGitState(ctx context.Context, row GitStateRow) error

	UpsertFileChange(ctx context.Context, row FileChangeRow) error

	AppendAudit(ctx context.Context, sessionID string, entries []model.AuditEntry) error

	ResolveUser(ctx context.Context, userID string) (UserRow, error)

	MemoryRead(ctx context.Context, userID, key, query string) ([]MemoryRow, error)
	MemoryWrite(ctx context.Context, userID, key, value string) error
	MemoryDelete(ctx context.Context, userID, key string) error
	BoostRelevance(ctx context.Context, userID string, keys []string) error

	ListOrgRepos(ctx context.Context, userID string) ([]RepoRow, error)
	ListPersonas(ctx context.Context, userID string) ([]PersonaRow, error)

	GetOAuthToken(ctx context.Context, userID, provider string) (OAuthTokenRow, error)
	PutOAuthToken(ctx context.Context, row OAuthTokenRow) error

	ChildSessions(ctx context.Context, parentSessionID string) ([]SessionRow, error)
}

// HTTPClient implements Client over a plain REST contract, in the
// manner the teacher's dynamic k8s client wraps CRUD over its custom
// resources: same verbs, same "not found is not fatal" handling,
// against a schema-less HTTP backend instead of an API server.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// New returns an HTTPClient rooted at baseURL.
func New(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal directory request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("directory returned %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode directory response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	var out SessionRow
	err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

func (c *HTTPClient) PutSession(ctx context.Context, row SessionRow) error {
	return c.call(ctx, http.MethodPut, "/sessions/"+url.PathEscape(row.SessionID), row, nil)
}

func (c *HTTPClient) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	return c.call(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(sessionID)+"/status", map[string]string{"status": status}, nil)
}

func (c *HTTPClient) FlushActiveSeconds(ctx context.Context, sessionID string, delta int64) error {
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/active-seconds", map[string]int64{"delta": delta}, nil)
}

func (c *HTTPClient) GetGitState(ctx context.Context, sessionID string) (GitStateRow, error) {
	var out GitStateRow
	err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/git-state", nil, &out)
	return out, err
}

func (c *HTTPClient) PutGitState(ctx context.Context, row GitStateRow) error {
	return c.call(ctx, http.MethodPut, "/sessions/"+url.PathEscape(row.SessionID)+"/git-state", row, nil)
}

func (c *HTTPClient) UpsertFileChange(ctx context.Context, row FileChangeRow) error {
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(row.SessionID)+"/file-changes", row, nil)
}

func (c *HTTPClient) AppendAudit(ctx context.Context, sessionID string, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/audit-log", entries, nil)
}

func (c *HTTPClient) ResolveUser(ctx context.Context, userID string) (UserRow, error) {
	var out UserRow
	err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func (c *HTTPClient) MemoryRead(ctx context.Context, userID, key, query string) ([]MemoryRow, error) {
	var out []MemoryRow
	path := fmt.Sprintf("/users/%s/memory?key=%s&query=%s", url.PathEscape(userID), url.QueryEscape(key), url.QueryEscape(query))
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) MemoryWrite(ctx context.Context, userID, key, value string) error {
	return c.call(ctx, http.MethodPut, "/users/"+url.PathEscape(userID)+"/memory", MemoryRow{Key: key, Value: value}, nil)
}

func (c *HTTPClient) MemoryDelete(ctx context.Context, userID, key string) error {
	return c.call(ctx, http.MethodDelete, "/users/"+url.PathEscape(userID)+"/memory/"+url.PathEscape(key), nil, nil)
}

// BoostRelevance nudges the given keys' relevance score upward after a
// read, so memory rows that actually get used surface sooner next time.
func (c *HTTPClient) BoostRelevance(ctx context.Context, userID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/memory/boost", map[string][]string{"keys": keys}, nil)
}

func (c *HTTPClient) ListOrgRepos(ctx context.Context, userID string) ([]RepoRow, error) {
	var out []RepoRow
	err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/org-repos", nil, &out)
	return out, err
}

func (c *HTTPClient) ListPersonas(ctx context.Context, userID string) ([]PersonaRow, error) {
	var out []PersonaRow
	err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/personas", nil, &out)
	return out, err
}

func (c *HTTPClient) GetOAuthToken(ctx context.Context, userID, provider string) (OAuthTokenRow, error) {
	var out OAuthTokenRow
	err := c.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/oauth-tokens/"+url.PathEscape(provider), nil, &out)
	return out, err
}

func (c *HTTPClient) PutOAuthToken(ctx context.Context, row OAuthTokenRow) error {
	return c.call(ctx, http.MethodPut, "/users/"+url.PathEscape(row.UserID)+"/oauth-tokens/"+url.PathEscape(row.Provider), row, nil)
}

func (c *HTTPClient) ChildSessions(ctx context.Context, parentSessionID string) ([]SessionRow, error) {
	var out []SessionRow
	err := c.call(ctx, http.MethodGet, "/sessions?parentSessionId="+url.QueryEscape(parentSessionID), nil, &out)
	return out, err
}
