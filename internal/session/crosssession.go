package session

import (
	"context"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/model"
)

// verifyOwnership dereferences targetID in the directory and checks its
// userId against this session's owner, per spec.md §4.5's ownership rule
// shared by every cross-session RPC.
func (a *Agent) verifyOwnership(ctx context.Context, targetID string) (directory.SessionRow, error) {
	row, err := a.deps.Directory.GetSession(ctx, targetID)
	if err != nil {
		return row, err
	}
	if row.UserID != a.state.OwnerUserID {
		return row, errOwnershipMismatch
	}
	return row, nil
}

var errOwnershipMismatch = &ownershipError{}

type ownershipError struct{}

func (*ownershipError) Error() string { return "target session belongs to a different user" }

func (a *Agent) handleSpawnChild(frame model.Frame) {
	var p model.SpawnChildPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.state.SpawnURL == "" {
		a.sendRunner("spawn-child-result", model.SpawnChildResult{RequestID: p.RequestID, Error: "no provisioner spawn url configured on parent session"})
		return
	}

	childID := newID()
	childSecret := newID()
	workspace := p.Workspace
	if workspace == "" {
		workspace = a.state.Workspace
	}

	gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
	childGit := directory.GitStateRow{SessionID: childID}
	if err == nil {
		childGit.RepoURL = gs.RepoURL
		childGit.Branch = gs.Branch
		childGit.BaseBranch = gs.BaseBranch
	}
	if repo, ok := p.Overrides["repoUrl"]; ok {
		childGit.RepoURL = repo
	}
	if branch, ok := p.Overrides["branch"]; ok {
		childGit.Branch = branch
	}

	if err := a.deps.Directory.PutSession(ctx, directory.SessionRow{
		SessionID:       childID,
		UserID:          a.state.OwnerUserID,
		Status:          string(model.StatusInitializing),
		Workspace:       workspace,
		ParentSessionID: a.state.SessionID,
	}); err != nil {
		a.sendRunner("spawn-child-result", model.SpawnChildResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.deps.Directory.PutGitState(ctx, childGit)

	child, err := a.deps.Locator.Spawn(childID)
	if err != nil {
		a.sendRunner("spawn-child-result", model.SpawnChildResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	if err := child.Start(StartRequest{
		SessionID:        childID,
		OwnerUserID:      a.state.OwnerUserID,
		Workspace:        workspace,
		RunnerSecret:     childSecret,
		SpawnURL:         a.state.SpawnURL,
		TerminateURL:     a.state.TerminateURL,
		HibernateURL:     a.state.HibernateURL,
		RestoreURL:       a.state.RestoreURL,
		SpawnRequestJSON: a.state.SpawnRequestJSON,
		InitialPrompt:    p.Task,
		ParentSessionID:  a.state.SessionID,
		Env:              a.childEnvLocked(ctx),
	}); err != nil {
		a.sendRunner("spawn-child-result", model.SpawnChildResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	a.sendRunner("spawn-child-result", model.SpawnChildResult{RequestID: p.RequestID, SessionID: childID})
	a.broadcastClients("child-session", map[string]string{"sessionId": childID})
	a.appendAudit("session.spawned_child", "spawned child session", a.state.CurrentPromptAuthorID, map[string]any{"childSessionId": childID})
}

// childEnvLocked resolves the parent's git credentials and clones them
// into the environment a spawned child sandbox starts with, so a child
// can push/commit under the same identity without re-prompting for
// auth (spec.md §4.5 spawn-child, §8 Scenario 5).
func (a *Agent) childEnvLocked(ctx context.Context) map[string]string {
	env := map[string]string{}
	if tok, err := a.resolveToken(ctx, "github"); err == nil && tok != "" {
		env["GITHUB_TOKEN"] = tok
	}
	git := a.lookupGitIdentityLocked(ctx, a.state.OwnerUserID)
	if git.Name != "" {
		env["GIT_USER_NAME"] = git.Name
	}
	if git.Email != "" {
		env["GIT_USER_EMAIL"] = git.Email
	}
	return env
}

func (a *Agent) handleSessionMessage(frame model.Frame) {
	var p model.SessionMessagePayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.verifyOwnership(ctx, p.TargetID); err != nil {
		a.sendRunner("session-message-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	target, ok := a.deps.Locator.Lookup(p.TargetID)
	if !ok {
		a.sendRunner("session-message-result", model.SimpleResult{RequestID: p.RequestID, Error: "target session not reachable"})
		return
	}
	if err := target.Prompt(a.state.CurrentPromptAuthorID, "", "", p.Content, "", p.Interrupt); err != nil {
		a.sendRunner("session-message-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.sendRunner("session-message-result", model.SimpleResult{RequestID: p.RequestID})
}

func (a *Agent) handleSessionMessages(frame model.Frame) {
	var p model.SessionMessagesPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.verifyOwnership(ctx, p.TargetID); err != nil {
		a.sendRunner("session-messages-result", model.SessionMessagesResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	target, ok := a.deps.Locator.Lookup(p.TargetID)
	if !ok {
		a.sendRunner("session-messages-result", model.SessionMessagesResult{RequestID: p.RequestID, Error: "target session not reachable"})
		return
	}
	msgs, err := target.Messages(p.Limit, p.After)
	if err != nil {
		a.sendRunner("session-messages-result", model.SessionMessagesResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.sendRunner("session-messages-result", model.SessionMessagesResult{RequestID: p.RequestID, Messages: msgs})
}

func (a *Agent) handleForwardMessages(frame model.Frame) {
	var p model.ForwardMessagesPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.verifyOwnership(ctx, p.TargetID); err != nil {
		a.sendRunner("forward-messages-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	target, ok := a.deps.Locator.Lookup(p.TargetID)
	if !ok {
		a.sendRunner("forward-messages-result", model.SimpleResult{RequestID: p.RequestID, Error: "target session not reachable"})
		return
	}
	msgs, err := target.Messages(p.Limit, p.After)
	if err != nil {
		a.sendRunner("forward-messages-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}

	sourceTitle := target.snapshotTitle()
	for _, m := range msgs {
		fwd := model.Message{
			ID:      newID(),
			Role:    model.RoleAssistant,
			Content: m.Content,
			Parts: &model.Parts{
				Kind: model.PartsKindForwarded,
				Forwarded: &model.ForwardedParts{
					SourceSessionID: p.TargetID,
					SourceTitle:     sourceTitle,
					OriginalRole:    m.Role,
					OriginalTime:    m.CreatedAt,
				},
			},
			CreatedAt: time.Now(),
		}
		a.appendMessage(fwd)
		a.broadcastClients("message", fwd)
	}
	a.sendRunner("forward-messages-result", model.SimpleResult{RequestID: p.RequestID})
}

// snapshotTitle reads Title without going through the full Status call.
func (a *Agent) snapshotTitle() string {
	var title string
	a.Submit(func() { title = a.state.Title })
	return title
}

func (a *Agent) handleTerminateChild(frame model.Frame) {
	var p model.TerminateChildPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, err := a.verifyOwnership(ctx, p.TargetID)
	if err != nil {
		a.sendRunner("terminate-child-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	if row.ParentSessionID != a.state.SessionID {
		a.sendRunner("terminate-child-result", model.SimpleResult{RequestID: p.RequestID, Error: "target is not a child of this session"})
		return
	}
	target, ok := a.deps.Locator.Lookup(p.TargetID)
	if !ok {
		a.sendRunner("terminate-child-result", model.SimpleResult{RequestID: p.RequestID, Error: "target session not reachable"})
		return
	}
	if err := target.Stop(); err != nil {
		a.sendRunner("terminate-child-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.sendRunner("terminate-child-result", model.SimpleResult{RequestID: p.RequestID})
}

func (a *Agent) handleSelfTerminate(frame model.Frame) {
	var p model.SimpleResult
	frame.Decode(&p)
	reason := "completed"
	go func() {
		a.stopLockedViaSubmit(reason)
	}()
}

func (a *Agent) stopLockedViaSubmit(reason string) {
	a.Submit(func() { a.stopLocked(reason) })
}

func (a *Agent) handleMemoryRead(frame model.Frame) {
	var p model.MemoryReadPayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := a.deps.Directory.MemoryRead(ctx, a.state.OwnerUserID, p.Key, p.Query)
	if err != nil {
		a.sendRunner("memory-read-result", model.MemoryResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	out := make([]model.MemoryRow, len(rows))
	keys := make([]string, len(rows))
	for i, r := range rows {
		out[i] = model.MemoryRow{Key: r.Key, Value: r.Value, Relevance: r.Relevance}
		keys[i] = r.Key
	}
	a.sendRunner("memory-read-result", model.MemoryResult{RequestID: p.RequestID, Rows: out})

	if len(keys) > 0 {
		owner := a.state.OwnerUserID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.deps.Directory.BoostRelevance(ctx, owner, keys)
		}()
	}
}

func (a *Agent) handleMemoryWrite(frame model.Frame) {
	var p model.MemoryWritePayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Directory.MemoryWrite(ctx, a.state.OwnerUserID, p.Key, p.Value); err != nil {
		a.sendRunner("memory-write-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.sendRunner("memory-write-result", model.SimpleResult{RequestID: p.RequestID})
}

func (a *Agent) handleMemoryDelete(frame model.Frame) {
	var p model.MemoryDeletePayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Directory.MemoryDelete(ctx, a.state.OwnerUserID, p.Key); err != nil {
		a.sendRunner("memory-delete-result", model.SimpleResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	a.sendRunner("memory-delete-result", model.SimpleResult{RequestID: p.RequestID})
}

func (a *Agent) handleListRepos(frame model.Frame) {
	var p model.ListReposPayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if p.Source == "github" {
		token, err := a.resolveToken(ctx, "github")
		if err != nil {
			a.sendRunner("list-repos-result", model.ListReposResult{RequestID: p.RequestID, Error: err.Error()})
			return
		}
		_ = token
		// The Provider interface exposes PR operations only; a full
		// repository listing call is out of this bridge's surface, so
		// github-sourced listings fall back to the directory catalogue
		// like any other source.
	}

	repos, err := a.deps.Directory.ListOrgRepos(ctx, a.state.OwnerUserID)
	if err != nil {
		a.sendRunner("list-repos-result", model.ListReposResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	out := make([]model.RepoEntry, len(repos))
	for i, r := range repos {
		out[i] = model.RepoEntry{Name: r.Name, FullName: r.FullName, URL: r.URL}
	}
	a.sendRunner("list-repos-result", model.ListReposResult{RequestID: p.RequestID, Repos: out})
}

func (a *Agent) handleListPersonas(frame model.Frame) {
	var p model.ListPersonasPayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	personas, err := a.deps.Directory.ListPersonas(ctx, a.state.OwnerUserID)
	if err != nil {
		a.sendRunner("list-personas-result", model.ListPersonasResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	out := make([]model.Persona, len(personas))
	for i, pr := range personas {
		out[i] = model.Persona{Name: pr.Name, Description: pr.Description}
	}
	a.sendRunner("list-personas-result", model.ListPersonasResult{RequestID: p.RequestID, Personas: out})
}

func (a *Agent) handleGetSessionStatus(frame model.Frame) {
	var p model.GetSessionStatusPayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.verifyOwnership(ctx, p.TargetID); err != nil {
		a.sendRunner("get-session-status-result", model.GetSessionStatusResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	target, ok := a.deps.Locator.Lookup(p.TargetID)
	if !ok {
		a.sendRunner("get-session-status-result", model.GetSessionStatusResult{RequestID: p.RequestID, Error: "target session not reachable"})
		return
	}
	status := target.Status()
	msgs, _ := target.Messages(10, "")
	a.sendRunner("get-session-status-result", model.GetSessionStatusResult{
		RequestID:      p.RequestID,
		Status:         status.Status,
		RecentMessages: msgs,
	})
}

func (a *Agent) handleListChildSessions(frame model.Frame) {
	var p model.ListChildSessionsPayload
	frame.Decode(&p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	children, err := a.deps.Directory.ChildSessions(ctx, a.state.SessionID)
	if err != nil {
		a.sendRunner("list-child-sessions-result", model.ListChildSessionsResult{RequestID: p.RequestID, Error: err.Error()})
		return
	}
	out := make([]model.ChildSessionSummary, len(children))
	for i, c := range children {
		out[i] = model.ChildSessionSummary{SessionID: c.SessionID, Title: c.Title, Status: model.Status(c.Status)}
	}
	a.sendRunner("list-child-sessions-result", model.ListChildSessionsResult{RequestID: p.RequestID, Children: out})
}
