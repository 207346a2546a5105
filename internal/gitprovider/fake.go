package gitprovider

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider used by session package tests so they
// don't depend on network access.
type Fake struct {
	mu   sync.Mutex
	next int
	prs  map[int]PullRequest

	CreateErr  error
	UpdateErr  error
	ListErr    error
	InspectErr error
}

// NewFake returns an empty Fake provider.
func NewFake() *Fake {
	return &Fake{prs: map[int]PullRequest{}}
}

func (f *Fake) CreatePullRequest(ctx context.Context, token string, repo RepoRef, params CreateParams) (PullRequest, error) {
	if f.CreateErr != nil {
		return PullRequest{}, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	pr := PullRequest{
		Number:     f.next,
		Title:      params.Title,
		Body:       params.Body,
		URL:        fmt.Sprintf("https://%s/%s/%s/pull/%d", repo.Host, repo.Owner, repo.Name, f.next),
		State:      "open",
		HeadBranch: params.HeadBranch,
		BaseBranch: params.BaseBranch,
	}
	f.prs[pr.Number] = pr
	return pr, nil
}

func (f *Fake) UpdatePullRequest(ctx context.Context, token string, repo RepoRef, params UpdateParams) (PullRequest, error) {
	if f.UpdateErr != nil {
		return PullRequest{}, f.UpdateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[params.Number]
	if !ok {
		return PullRequest{}, fmt.Errorf("pull request #%d not found", params.Number)
	}
	if params.Title != "" {
		pr.Title = params.Title
	}
	if params.Body != "" {
		pr.Body = params.Body
	}
	if params.State != "" {
		pr.State = params.State
	}
	f.prs[params.Number] = pr
	return pr, nil
}

func (f *Fake) ListPullRequests(ctx context.Context, token string, repo RepoRef, params ListParams) ([]PullRequest, bool, error) {
	if f.ListErr != nil {
		return nil, false, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PullRequest
	for _, pr := range f.prs {
		if params.State == "" || pr.State == params.State {
			out = append(out, pr)
		}
	}
	return out, false, nil
}

func (f *Fake) InspectPullRequest(ctx context.Context, token string, repo RepoRef, number int) (Inspection, error) {
	if f.InspectErr != nil {
		return Inspection{}, f.InspectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return Inspection{}, fmt.Errorf("pull request #%d not found", number)
	}
	return Inspection{PR: pr, CombinedStatus: "success"}, nil
}
