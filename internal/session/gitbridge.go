package session

import (
	"context"
	"fmt"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
)

// resolveToken tries the current prompt author's OAuth token first, then
// the session owner's, then the bot-account installation token if a
// GitHub App is configured (spec.md §4.6; installation fallback grounded
// on the teacher's BotAccountRef concept).
func (a *Agent) resolveToken(ctx context.Context, provider string) (string, error) {
	if a.state.CurrentPromptAuthorID != "" {
		if tok, err := a.decryptedToken(ctx, a.state.CurrentPromptAuthorID, provider); err == nil && tok != "" {
			return tok, nil
		}
	}
	if tok, err := a.decryptedToken(ctx, a.state.OwnerUserID, provider); err == nil && tok != "" {
		return tok, nil
	}
	if provider == "github" && a.deps.GitHubApp != nil && a.deps.GitHubAppInstallationID != 0 {
		if tok, err := a.deps.GitHubApp.MintInstallationToken(ctx, a.deps.GitHubAppInstallationID, "github.com"); err == nil && tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("no %s token available for author, owner, or bot account", provider)
}

func (a *Agent) decryptedToken(ctx context.Context, userID, provider string) (string, error) {
	row, err := a.deps.Directory.GetOAuthToken(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if !row.Encrypted || a.deps.TokenCipher == nil {
		return row.Token, nil
	}
	return a.deps.TokenCipher.Decrypt(row.Token)
}

// resolveRepoAndProvider parses the session's source-repo URL (from the
// directory's git-state row) and picks GitHub or GitLab semantics.
func (a *Agent) resolveRepoAndProvider(ctx context.Context) (gitprovider.RepoRef, gitprovider.Provider, string, error) {
	gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
	if err != nil {
		return gitprovider.RepoRef{}, nil, "", fmt.Errorf("load git state: %w", err)
	}
	if gs.RepoURL == "" {
		return gitprovider.RepoRef{}, nil, "", fmt.Errorf("session has no source repository configured")
	}
	ref, err := gitprovider.ParseRepoRef(gs.RepoURL, "github.com")
	if err != nil {
		return gitprovider.RepoRef{}, nil, "", err
	}
	providerName := "github"
	if contains(ref.Host, "gitlab") {
		providerName = "gitlab"
	}
	return ref, gitprovider.ForHost(ref.Host, a.deps.GitHub, a.deps.GitLab), providerName, nil
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func toPayload(pr gitprovider.PullRequest) model.RunnerPRCreatedPayload {
	return model.RunnerPRCreatedPayload{
		Number: pr.Number, Title: pr.Title, URL: pr.URL, State: pr.State, CreatedAt: pr.CreatedAt,
	}
}

func (a *Agent) handleCreatePR(frame model.Frame) {
	var p model.CreatePRPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, prov, providerName, err := a.resolveRepoAndProvider(ctx)
	if err != nil {
		a.sendRunner("create-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	token, err := a.resolveToken(ctx, providerName)
	if err != nil {
		a.sendRunner("create-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	base := p.BaseBranch
	if base == "" {
		base = a.fallbackBaseBranch(ctx, prov, token, ref)
	}

	pr, err := prov.CreatePullRequest(ctx, token, ref, gitprovider.CreateParams{
		Title: p.Title, Body: p.Body, BaseBranch: base, HeadBranch: p.HeadBranch,
	})
	if err != nil {
		a.sendRunner("create-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	payload := toPayload(pr)
	a.recordPR(ctx, payload)
	a.sendRunner("create-pr-result", model.PRResult{RequestID: p.RequestID, PR: &payload})
	a.broadcastClients("pr-created", payload)
	a.appendAudit("pr.created", pr.Title, a.state.CurrentPromptAuthorID, map[string]any{"number": pr.Number})
}

func (a *Agent) fallbackBaseBranch(ctx context.Context, prov gitprovider.Provider, token string, ref gitprovider.RepoRef) string {
	// Always "main": gitprovider.Provider has no default-branch lookup,
	// so the repository's actual default branch is not queried.
	_ = prov
	_ = token
	_ = ref
	return "main"
}

func (a *Agent) recordPR(ctx context.Context, payload model.RunnerPRCreatedPayload) {
	gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
	if err != nil && err != directory.ErrNotFound {
		return
	}
	gs.SessionID = a.state.SessionID
	gs.PRNumber = payload.Number
	gs.PRTitle = payload.Title
	gs.PRURL = payload.URL
	gs.PRState = payload.State
	gs.PRCreatedAt = payload.CreatedAt
	a.deps.Directory.PutGitState(ctx, gs)
}

func (a *Agent) handleUpdatePR(frame model.Frame) {
	var p model.UpdatePRPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, prov, providerName, err := a.resolveRepoAndProvider(ctx)
	if err != nil {
		a.sendRunner("update-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	token, err := a.resolveToken(ctx, providerName)
	if err != nil {
		a.sendRunner("update-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	pr, err := prov.UpdatePullRequest(ctx, token, ref, gitprovider.UpdateParams{
		Number: p.Number, Title: p.Title, Body: p.Body, State: p.State,
	})
	if err != nil {
		a.sendRunner("update-pr-result", model.PRResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	payload := toPayload(pr)
	a.recordPR(ctx, payload)
	a.sendRunner("update-pr-result", model.PRResult{RequestID: p.RequestID, PR: &payload})
	a.broadcastClients("pr-created", payload)
}

func (a *Agent) handleListPullRequests(frame model.Frame) {
	var p model.ListPullRequestsPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, prov, providerName, err := a.resolveRepoAndProvider(ctx)
	if err != nil {
		a.sendRunner("list-pull-requests-result", model.ListPullRequestsResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	token, err := a.resolveToken(ctx, providerName)
	if err != nil {
		a.sendRunner("list-pull-requests-result", model.ListPullRequestsResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	limit := p.Limit
	if limit <= 0 || limit > 300 {
		limit = 300
	}
	prs, truncated, err := prov.ListPullRequests(ctx, token, ref, gitprovider.ListParams{State: p.State, Limit: limit})
	if err != nil {
		a.sendRunner("list-pull-requests-result", model.ListPullRequestsResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	out := make([]model.RunnerPRCreatedPayload, len(prs))
	for i, pr := range prs {
		out[i] = toPayload(pr)
	}
	a.sendRunner("list-pull-requests-result", model.ListPullRequestsResult{RequestID: p.RequestID, PRs: out, Truncated: truncated})
}

func (a *Agent) handleInspectPullRequest(frame model.Frame) {
	var p model.InspectPullRequestPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ref, prov, providerName, err := a.resolveRepoAndProvider(ctx)
	if err != nil {
		a.sendRunner("inspect-pull-request-result", model.InspectPullRequestResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	token, err := a.resolveToken(ctx, providerName)
	if err != nil {
		a.sendRunner("inspect-pull-request-result", model.InspectPullRequestResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	insp, err := prov.InspectPullRequest(ctx, token, ref, p.Number)
	if err != nil {
		a.sendRunner("inspect-pull-request-result", model.InspectPullRequestResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	files := make([]model.RunnerFileChangedEntry, len(insp.Files))
	for i, f := range insp.Files {
		files[i] = model.RunnerFileChangedEntry{Path: f.Path, Status: f.Status, Additions: f.Additions, Deletions: f.Deletions}
	}
	reviews := make([]model.PRReview, len(insp.Reviews))
	dismissed := map[int64]bool{}
	for i, r := range insp.Reviews {
		reviews[i] = model.PRReview{ID: r.ID, State: r.State, Author: r.Author, Dismissed: r.Dismissed}
		if r.Dismissed {
			dismissed[r.ID] = true
		}
	}
	var comments []model.PRComment
	for _, c := range insp.ReviewComments {
		if dismissed[c.ReviewID] {
			continue
		}
		comments = append(comments, model.PRComment{ID: c.ID, ReviewID: c.ReviewID, Body: c.Body, Author: c.Author})
	}
	checks := make([]model.PRCheckRun, len(insp.CheckRuns))
	for i, c := range insp.CheckRuns {
		checks[i] = model.PRCheckRun{Name: c.Name, Conclusion: c.Conclusion}
	}
	prPayload := toPayload(insp.PR)

	a.sendRunner("inspect-pull-request-result", model.InspectPullRequestResult{
		RequestID:      p.RequestID,
		PR:             &prPayload,
		Files:          files,
		Reviews:        reviews,
		ReviewComments: comments,
		CombinedStatus: insp.CombinedStatus,
		CheckRuns:      checks,
		Truncated:      insp.Truncated,
	})
}
