package gitprovider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GitHubApp mints short-lived installation tokens from a GitHub App's
// private key, caching them until they near expiry.
type GitHubApp struct {
	appID      string
	privateKey *rsa.PrivateKey

	mu    sync.Mutex
	cache map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewGitHubApp parses a PEM-encoded (optionally base64-wrapped) RSA
// private key and returns a token minter for the given App ID.
func NewGitHubApp(appID string, pemOrBase64 string) (*GitHubApp, error) {
	raw := strings.TrimSpace(pemOrBase64)
	if raw == "" {
		return nil, nil
	}
	pemBytes := []byte(raw)
	if !strings.Contains(raw, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("base64-decode github app private key: %w", err)
		}
		pemBytes = decoded
	}
	key, err := parsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return &GitHubApp{appID: appID, privateKey: key, cache: map[int64]cachedToken{}}, nil
}

func parsePrivateKeyPEM(keyData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

func (a *GitHubApp) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": a.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

// MintInstallationToken returns a cached or freshly minted installation
// access token for the given host (github.com or a GitHub Enterprise
// host) and installation id.
func (a *GitHubApp) MintInstallationToken(ctx context.Context, installationID int64, host string) (string, error) {
	if a == nil {
		return "", fmt.Errorf("github app not configured")
	}
	a.mu.Lock()
	if entry, ok := a.cache[installationID]; ok && time.Until(entry.expiresAt) > 3*time.Minute {
		token := entry.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	jwtToken, err := a.generateJWT()
	if err != nil {
		return "", fmt.Errorf("generate app jwt: %w", err)
	}

	apiBase := githubAPIBase(host)
	reqURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBase, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "sessiond")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("github token mint failed (%d): %s", resp.StatusCode, body)
	}
	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	a.mu.Lock()
	a.cache[installationID] = cachedToken{token: parsed.Token, expiresAt: parsed.ExpiresAt}
	a.mu.Unlock()
	return parsed.Token, nil
}

func githubAPIBase(host string) string {
	if host == "" || host == "github.com" {
		return "https://api.github.com"
	}
	return fmt.Sprintf("https://%s/api/v3", host)
}

// GitHub implements Provider against the REST API.
type GitHub struct {
	client *http.Client
}

// NewGitHub returns a GitHub-backed Provider.
func NewGitHub() *GitHub {
	return &GitHub{client: &http.Client{Timeout: 30 * time.Second}}
}

func (g *GitHub) do(ctx context.Context, token, method, url string, body any, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "sessiond")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return resp, fmt.Errorf("github api %s %s failed (%d): %s", method, url, resp.StatusCode, respBody)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode github response: %w", err)
		}
	}
	return resp, nil
}

type githubPR struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p githubPR) toPullRequest() PullRequest {
	return PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		Body:       p.Body,
		URL:        p.HTMLURL,
		State:      p.State,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		CreatedAt:  p.CreatedAt,
	}
}

func (g *GitHub) CreatePullRequest(ctx context.Context, token string, repo RepoRef, params CreateParams) (PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", githubAPIBase(repo.Host), repo.Owner, repo.Name)
	body := map[string]string{
		"title": params.Title,
		"body":  params.Body,
		"head":  params.HeadBranch,
		"base":  params.BaseBranch,
	}
	var out githubPR
	if _, err := g.do(ctx, token, http.MethodPost, url, body, &out); err != nil {
		return PullRequest{}, err
	}
	return out.toPullRequest(), nil
}

func (g *GitHub) UpdatePullRequest(ctx context.Context, token string, repo RepoRef, params UpdateParams) (PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", githubAPIBase(repo.Host), repo.Owner, repo.Name, params.Number)
	body := map[string]string{}
	if params.Title != "" {
		body["title"] = params.Title
	}
	if params.Body != "" {
		body["body"] = params.Body
	}
	if params.State != "" {
		body["state"] = params.State
	}
	var out githubPR
	if _, err := g.do(ctx, token, http.MethodPatch, url, body, &out); err != nil {
		return PullRequest{}, err
	}
	return out.toPullRequest(), nil
}

func (g *GitHub) ListPullRequests(ctx context.Context, token string, repo RepoRef, params ListParams) ([]PullRequest, bool, error) {
	state := params.State
	if state == "" {
		state = "open"
	}
	limit := params.Limit
	if limit <= 0 || limit > 300 {
		limit = 300
	}

	const perPage = 100
	var prs []PullRequest
	truncated := false
	for page := 1; len(prs) < limit; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls?state=%s&per_page=%d&page=%d", githubAPIBase(repo.Host), repo.Owner, repo.Name, state, perPage, page)
		var out []githubPR
		if _, err := g.do(ctx, token, http.MethodGet, url, nil, &out); err != nil {
			return nil, false, err
		}
		for _, p := range out {
			prs = append(prs, p.toPullRequest())
		}
		if len(out) < perPage {
			break
		}
		if len(prs) >= limit {
			truncated = true
			break
		}
	}
	if len(prs) > limit {
		prs = prs[:limit]
		truncated = true
	}
	return prs, truncated, nil
}

func (g *GitHub) InspectPullRequest(ctx context.Context, token string, repo RepoRef, number int) (Inspection, error) {
	base := fmt.Sprintf("%s/repos/%s/%s", githubAPIBase(repo.Host), repo.Owner, repo.Name)

	var pr githubPR
	if _, err := g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/pulls/%d", base, number), nil, &pr); err != nil {
		return Inspection{}, err
	}

	var files []struct {
		Filename  string `json:"filename"`
		Status    string `json:"status"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
	}
	if _, err := g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/pulls/%d/files?per_page=100", base, number), nil, &files); err != nil {
		return Inspection{}, err
	}

	var reviews []struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if _, err := g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/pulls/%d/reviews", base, number), nil, &reviews); err != nil {
		return Inspection{}, err
	}

	var comments []struct {
		ID       int64  `json:"id"`
		PullRequestReviewID int64 `json:"pull_request_review_id"`
		Body     string `json:"body"`
		User     struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if _, err := g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/pulls/%d/comments?per_page=100", base, number), nil, &comments); err != nil {
		return Inspection{}, err
	}

	var status struct {
		State string `json:"state"`
	}
	_, _ = g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/commits/%s/status", base, pr.Head.Ref), nil, &status)

	var checkRuns struct {
		CheckRuns []struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	_, _ = g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/commits/%s/check-runs", base, pr.Head.Ref), nil, &checkRuns)

	inspection := Inspection{
		PR:             pr.toPullRequest(),
		CombinedStatus: status.State,
		Truncated:      len(files) >= 100 || len(comments) >= 100,
	}
	for _, f := range files {
		inspection.Files = append(inspection.Files, FileChange{Path: f.Filename, Status: f.Status, Additions: f.Additions, Deletions: f.Deletions})
	}
	for _, r := range reviews {
		inspection.Reviews = append(inspection.Reviews, Review{ID: r.ID, State: r.State, Author: r.User.Login, Dismissed: r.State == "DISMISSED"})
	}
	for _, c := range comments {
		inspection.ReviewComments = append(inspection.ReviewComments, Comment{ID: c.ID, ReviewID: c.PullRequestReviewID, Body: c.Body, Author: c.User.Login})
	}
	for _, c := range checkRuns.CheckRuns {
		inspection.CheckRuns = append(inspection.CheckRuns, CheckRun{Name: c.Name, Conclusion: c.Conclusion})
	}
	return inspection, nil
}
