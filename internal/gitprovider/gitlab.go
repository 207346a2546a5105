package gitprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// GitLab implements Provider against the GitLab v4 REST API, treating
// merge requests as the GitLab analogue of a pull request.
type GitLab struct {
	client *http.Client
}

// NewGitLab returns a GitLab-backed Provider.
func NewGitLab() *GitLab {
	return &GitLab{client: &http.Client{Timeout: 30 * time.Second}}
}

func gitlabAPIBase(host string) string {
	if host == "" || host == "gitlab.com" {
		return "https://gitlab.com/api/v4"
	}
	return fmt.Sprintf("https://%s/api/v4", host)
}

func (g *GitLab) do(ctx context.Context, token, method, reqURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	req.Header.Set("User-Agent", "sessiond")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gitlab api %s %s failed (%d): %s", method, reqURL, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode gitlab response: %w", err)
		}
	}
	return nil
}

type gitlabMR struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	WebURL       string `json:"web_url"`
	State        string `json:"state"`
	CreatedAt    string `json:"created_at"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

func (m gitlabMR) toPullRequest() PullRequest {
	return PullRequest{
		Number:     m.IID,
		Title:      m.Title,
		Body:       m.Description,
		URL:        m.WebURL,
		State:      m.State,
		HeadBranch: m.SourceBranch,
		BaseBranch: m.TargetBranch,
		CreatedAt:  m.CreatedAt,
	}
}

func projectPath(repo RepoRef) string {
	return url.PathEscape(repo.Owner + "/" + repo.Name)
}

func (g *GitLab) CreatePullRequest(ctx context.Context, token string, repo RepoRef, params CreateParams) (PullRequest, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/merge_requests", gitlabAPIBase(repo.Host), projectPath(repo))
	body := map[string]string{
		"title":         params.Title,
		"description":   params.Body,
		"source_branch": params.HeadBranch,
		"target_branch": params.BaseBranch,
	}
	var out gitlabMR
	if err := g.do(ctx, token, http.MethodPost, reqURL, body, &out); err != nil {
		return PullRequest{}, err
	}
	return out.toPullRequest(), nil
}

func (g *GitLab) UpdatePullRequest(ctx context.Context, token string, repo RepoRef, params UpdateParams) (PullRequest, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/merge_requests/%d", gitlabAPIBase(repo.Host), projectPath(repo), params.Number)
	body := map[string]string{}
	if params.Title != "" {
		body["title"] = params.Title
	}
	if params.Body != "" {
		body["description"] = params.Body
	}
	if params.State == "closed" {
		body["state_event"] = "close"
	} else if params.State == "open" {
		body["state_event"] = "reopen"
	}
	var out gitlabMR
	if err := g.do(ctx, token, http.MethodPut, reqURL, body, &out); err != nil {
		return PullRequest{}, err
	}
	return out.toPullRequest(), nil
}

func (g *GitLab) ListPullRequests(ctx context.Context, token string, repo RepoRef, params ListParams) ([]PullRequest, bool, error) {
	state := params.State
	if state == "" {
		state = "opened"
	} else if state == "open" {
		state = "opened"
	}
	limit := params.Limit
	if limit <= 0 || limit > 300 {
		limit = 300
	}

	const perPage = 100
	var prs []PullRequest
	truncated := false
	for page := 1; len(prs) < limit; page++ {
		reqURL := fmt.Sprintf("%s/projects/%s/merge_requests?state=%s&per_page=%d&page=%d", gitlabAPIBase(repo.Host), projectPath(repo), state, perPage, page)
		var out []gitlabMR
		if err := g.do(ctx, token, http.MethodGet, reqURL, nil, &out); err != nil {
			return nil, false, err
		}
		for _, m := range out {
			prs = append(prs, m.toPullRequest())
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

func (g *GitLab) InspectPullRequest(ctx context.Context, token string, repo RepoRef, number int) (Inspection, error) {
	base := fmt.Sprintf("%s/projects/%s/merge_requests/%d", gitlabAPIBase(repo.Host), projectPath(repo), number)

	var mr gitlabMR
	if err := g.do(ctx, token, http.MethodGet, base, nil, &mr); err != nil {
		return Inspection{}, err
	}

	var changes struct {
		Changes []struct {
			NewPath     string `json:"new_path"`
			DeletedFile bool   `json:"deleted_file"`
			NewFile     bool   `json:"new_file"`
		} `json:"changes"`
	}
	if err := g.do(ctx, token, http.MethodGet, base+"/changes", nil, &changes); err != nil {
		return Inspection{}, err
	}

	var approvals struct {
		ApprovedBy []struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"approved_by"`
	}
	_ = g.do(ctx, token, http.MethodGet, base+"/approvals", nil, &approvals)

	var notes []struct {
		ID     int64  `json:"id"`
		Body   string `json:"body"`
		Author struct {
			Username string `json:"username"`
		} `json:"author"`
	}
	if err := g.do(ctx, token, http.MethodGet, base+"/notes?per_page=100", nil, &notes); err != nil {
		return Inspection{}, err
	}

	var pipelines []struct {
		Status string `json:"status"`
	}
	_ = g.do(ctx, token, http.MethodGet, fmt.Sprintf("%s/projects/%s/repository/commits/%s/statuses", gitlabAPIBase(repo.Host), projectPath(repo), mr.SourceBranch), nil, &pipelines)

	inspection := Inspection{
		PR:        mr.toPullRequest(),
		Truncated: len(changes.Changes) >= 100 || len(notes) >= 100,
	}
	for _, c := range changes.Changes {
		status := "modified"
		if c.NewFile {
			status = "added"
		} else if c.DeletedFile {
			status = "removed"
		}
		inspection.Files = append(inspection.Files, FileChange{Path: c.NewPath, Status: status})
	}
	for _, a := range approvals.ApprovedBy {
		inspection.Reviews = append(inspection.Reviews, Review{State: "approved", Author: a.User.Username})
	}
	for _, n := range notes {
		inspection.ReviewComments = append(inspection.ReviewComments, Comment{ID: n.ID, Body: n.Body, Author: n.Author.Username})
	}
	if len(pipelines) > 0 {
		inspection.CombinedStatus = pipelines[0].Status
	}
	return inspection, nil
}
