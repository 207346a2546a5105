// Package gitprovider bridges the git-provider RPCs a runner can issue
// (create-pr, update-pr, list-pull-requests, inspect-pull-request) to
// GitHub or GitLab's REST APIs (spec.md §4.6).
package gitprovider

import (
	"context"
	"fmt"
	"strings"
)

// PullRequest is the provider-neutral shape returned by every RPC.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	URL       string
	State     string
	HeadBranch string
	BaseBranch string
	CreatedAt string
}

type FileChange struct {
	Path      string
	Status    string
	Additions int
	Deletions int
}

type Review struct {
	ID        int64
	State     string
	Author    string
	Dismissed bool
}

type Comment struct {
	ID       int64
	ReviewID int64
	Body     string
	Author   string
}

type CheckRun struct {
	Name       string
	Conclusion string
}

// Inspection is the aggregate detail returned by InspectPullRequest.
type Inspection struct {
	PR             PullRequest
	Files          []FileChange
	Reviews        []Review
	ReviewComments []Comment
	CombinedStatus string
	CheckRuns      []CheckRun
	Truncated      bool
}

// CreateParams describes a new pull/merge request.
type CreateParams struct {
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
}

// UpdateParams describes an edit to an existing pull/merge request.
// Empty fields are left unchanged.
type UpdateParams struct {
	Number int
	Title  string
	Body   string
	State  string
}

// ListParams filters ListPullRequests.
type ListParams struct {
	State string
	Limit int
}

// Provider is implemented once per git host (spec.md §4.6: "GitHub or
// GitLab, selected by the repository's origin remote").
type Provider interface {
	CreatePullRequest(ctx context.Context, token string, repo RepoRef, params CreateParams) (PullRequest, error)
	UpdatePullRequest(ctx context.Context, token string, repo RepoRef, params UpdateParams) (PullRequest, error)
	ListPullRequests(ctx context.Context, token string, repo RepoRef, params ListParams) ([]PullRequest, bool, error)
	InspectPullRequest(ctx context.Context, token string, repo RepoRef, number int) (Inspection, error)
}

// RepoRef identifies a repository on a specific host.
type RepoRef struct {
	Host  string
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Host, r.Owner, r.Name)
}

// ParseRepoRef accepts "owner/repo", "https://host/owner/repo(.git)",
// or "git@host:owner/repo(.git)" and returns the normalized reference.
// defaultHost is used when the input carries no host (the bare
// "owner/repo" form).
func ParseRepoRef(raw, defaultHost string) (RepoRef, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".git")

	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		rest := strings.SplitN(s, "://", 2)[1]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return RepoRef{}, fmt.Errorf("invalid repo url %q: missing path", raw)
		}
		host := rest[:slash]
		return splitOwnerRepo(host, rest[slash+1:], raw)

	case strings.HasPrefix(s, "git@"), strings.Contains(s, "@") && strings.Contains(s, ":"):
		// git@host:owner/repo
		at := strings.Index(s, "@")
		rest := s[at+1:]
		colon := strings.Index(rest, ":")
		if colon < 0 {
			return RepoRef{}, fmt.Errorf("invalid ssh repo ref %q", raw)
		}
		host := rest[:colon]
		return splitOwnerRepo(host, rest[colon+1:], raw)

	default:
		return splitOwnerRepo(defaultHost, s, raw)
	}
}

func splitOwnerRepo(host, ownerRepo, original string) (RepoRef, error) {
	parts := strings.Split(strings.Trim(ownerRepo, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repo format %q: expected owner/repo", original)
	}
	return RepoRef{Host: host, Owner: parts[0], Name: parts[1]}, nil
}

// ForHost picks GitHub or GitLab semantics by looking at the host
// string, falling back to GitHub for unrecognised hosts the way the
// teacher's single-provider backend assumed github.com by default.
func ForHost(host string, github, gitlab Provider) Provider {
	if strings.Contains(host, "gitlab") {
		return gitlab
	}
	return github
}
