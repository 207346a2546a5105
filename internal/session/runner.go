package session

import (
	"context"
	"log"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/model"
)

// RegisterRunner accepts a new runner connection, closing any previous
// one with code 1000 first (spec.md §4.1: only one runner connection is
// permitted). Whatever is already queued — including the session's
// initial prompt, seeded at Start — dispatches immediately.
func (a *Agent) RegisterRunner(conn RunnerConn) {
	a.Submit(func() {
		if a.runner != nil {
			a.runner.Close(1000, "replaced by new runner connection")
		}
		a.runner = conn
		a.state.RunnerBusy = false

		a.dispatchNextLocked()

		a.broadcastClients("status", model.StatusPayload{Status: a.state.Status, RunnerConnected: true})
	})
}

// seedInitialPromptLocked enqueues the session's stored initial prompt
// exactly once, the first time Start runs to completion for this
// session (spec.md §8 scenario 1: the initial prompt must queue ahead
// of anything a client sends before the runner ever connects).
func (a *Agent) seedInitialPromptLocked() {
	if a.state.InitialPrompt == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue, err := a.deps.Store.PromptQueue(ctx)
	if err != nil {
		return
	}
	transcript, err := a.deps.Store.Transcript(ctx)
	if err != nil {
		return
	}
	if len(queue) > 0 || len(transcript) > 0 {
		a.state.InitialPrompt = ""
		return
	}

	prompt := a.state.InitialPrompt
	modelName := a.state.InitialModel
	a.state.InitialPrompt = ""
	a.acceptPrompt(promptAuthor{ID: a.state.OwnerUserID}, prompt, modelName, false)
}

// UnregisterRunner clears the runner connection. Any processing queue
// entry reverts to queued so it redispatches on reconnect (spec.md §3).
func (a *Agent) UnregisterRunner(conn RunnerConn) {
	a.Submit(func() {
		if a.runner != conn {
			return
		}
		a.runner = nil
		a.state.RunnerBusy = false
		a.persistState()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		queue, err := a.deps.Store.PromptQueue(ctx)
		if err == nil {
			for _, p := range queue {
				if p.Status == model.PromptProcessing {
					a.deps.Store.SetPromptStatus(ctx, p.ID, model.PromptQueued)
				}
			}
		}
		a.broadcastClients("status", model.StatusPayload{Status: a.state.Status, RunnerConnected: false})
	})
}

// HandleRunnerFrame dispatches one inbound runner frame (spec.md §4.4).
func (a *Agent) HandleRunnerFrame(frame model.Frame) {
	a.Submit(func() {
		a.handleRunnerFrameLocked(frame)
	})
}

func (a *Agent) handleRunnerFrameLocked(frame model.Frame) {
	switch frame.Type {
	case "stream":
		var p model.RunnerStreamPayload
		frame.Decode(&p)
		a.markActivity()
		a.broadcastClients("chunk", p)

	case "result":
		var p model.RunnerResultPayload
		frame.Decode(&p)
		msg := model.Message{ID: newID(), Role: model.RoleAssistant, Content: p.Content, CreatedAt: time.Now()}
		a.appendMessage(msg)
		a.broadcastClients("message", msg)

	case "tool":
		a.handleRunnerTool(frame)

	case "question":
		a.handleRunnerQuestion(frame)

	case "screenshot":
		var p model.RunnerScreenshotPayload
		frame.Decode(&p)
		msg := model.Message{
			ID:      newID(),
			Role:    model.RoleSystem,
			Content: p.Description,
			Parts:   &model.Parts{Kind: model.PartsKindScreen, Screenshot: &model.ScreenParts{Data: p.Data, Description: p.Description}},
			CreatedAt: time.Now(),
		}
		a.appendMessage(msg)
		a.broadcastClients("message", msg)

	case "error":
		var p model.RunnerErrorPayload
		frame.Decode(&p)
		msg := model.Message{ID: newID(), Role: model.RoleSystem, Content: "Error: " + p.Message, CreatedAt: time.Now()}
		a.appendMessage(msg)
		a.broadcastClients("message", msg)
		a.broadcastClients("error", p)
		a.appendAudit("session.errored", p.Message, "", nil)

	case "complete":
		a.onRunnerComplete()

	case "agentStatus":
		var p model.RunnerAgentStatusPayload
		frame.Decode(&p)
		a.broadcastClients("agentStatus", p)

	case "aborted":
		a.onRunnerAborted()

	case "reverted":
		var p model.RunnerRevertedPayload
		frame.Decode(&p)

	case "diff", "review-result":
		var p model.ClientDiffReviewPayload
		frame.Decode(&p)
		a.broadcastClients(frame.Type, p)

	case "models":
		var p model.RunnerModelsPayload
		frame.Decode(&p)
		a.state.ModelCatalogue = p.Models
		a.persistState()
		a.broadcastClients("models", p)

	case "model-switched":
		var p model.RunnerModelSwitchedPayload
		frame.Decode(&p)
		a.markActivity()
		msg := model.Message{
			ID:        newID(),
			Role:      model.RoleSystem,
			Content:   "Switched model from " + p.From + " to " + p.To,
			CreatedAt: time.Now(),
		}
		a.appendMessage(msg)
		a.broadcastClients("model-switched", p)

	case "git-state":
		a.handleRunnerGitState(frame)

	case "pr-created":
		a.handleRunnerPRCreated(frame)

	case "files-changed":
		a.handleRunnerFilesChanged(frame)

	case "child-session":
		var p map[string]any
		frame.Decode(&p)
		a.broadcastClients("child-session", p)

	case "title":
		var p model.RunnerTitlePayload
		frame.Decode(&p)
		a.state.Title = p.Title
		a.persistState()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		row, err := a.deps.Directory.GetSession(ctx, a.state.SessionID)
		if err == nil || err == directory.ErrNotFound {
			row.SessionID = a.state.SessionID
			row.Title = p.Title
			a.deps.Directory.PutSession(ctx, row)
		}
		cancel()
		a.broadcastClients("title", p)

	case "create-pr":
		a.handleCreatePR(frame)
	case "update-pr":
		a.handleUpdatePR(frame)

	case "spawn-child":
		a.handleSpawnChild(frame)
	case "session-message":
		a.handleSessionMessage(frame)
	case "session-messages":
		a.handleSessionMessages(frame)
	case "terminate-child":
		a.handleTerminateChild(frame)
	case "self-terminate":
		a.handleSelfTerminate(frame)
	case "forward-messages":
		a.handleForwardMessages(frame)
	case "get-session-status":
		a.handleGetSessionStatus(frame)
	case "list-child-sessions":
		a.handleListChildSessions(frame)
	case "list-pull-requests":
		a.handleListPullRequests(frame)
	case "inspect-pull-request":
		a.handleInspectPullRequest(frame)
	case "memory-read":
		a.handleMemoryRead(frame)
	case "memory-write":
		a.handleMemoryWrite(frame)
	case "memory-delete":
		a.handleMemoryDelete(frame)
	case "list-repos":
		a.handleListRepos(frame)
	case "list-personas":
		a.handleListPersonas(frame)

	case "ping":
		a.sendRunner("pong", struct{}{})

	default:
		log.Printf("session %s: unhandled runner frame type %q", a.state.SessionID, frame.Type)
	}
}

func (a *Agent) handleRunnerTool(frame model.Frame) {
	var p model.RunnerToolPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transcript, err := a.deps.Store.Transcript(ctx)
	isUpdate := false
	if err == nil {
		for _, m := range transcript {
			if m.Parts != nil && m.Parts.Kind == model.PartsKindTool && m.Parts.Tool != nil && m.Parts.Tool.CallID == p.CallID {
				isUpdate = true
				break
			}
		}
	}

	msg := model.Message{
		ID:   p.CallID,
		Role: model.RoleTool,
		Parts: &model.Parts{
			Kind: model.PartsKindTool,
			Tool: &model.ToolParts{CallID: p.CallID, Name: p.Name, Status: p.Status, Args: p.Args, Result: p.Result},
		},
		CreatedAt: time.Now(),
	}
	a.appendMessage(msg)
	if isUpdate {
		a.broadcastClients("message.updated", msg)
	} else {
		a.broadcastClients("message", msg)
	}

	if p.Status == model.ToolStatusCompleted || p.Status == model.ToolStatusError {
		a.appendAudit("tool.completed", p.Name+" "+string(p.Status), "", map[string]any{"callId": p.CallID})
	}
}

func (a *Agent) handleRunnerQuestion(frame model.Frame) {
	var p model.RunnerQuestionPayload
	frame.Decode(&p)

	ttl := a.deps.QuestionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	q := model.Question{
		ID:        newID(),
		Text:      p.Text,
		Options:   p.Options,
		Status:    model.QuestionPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.deps.Store.PutQuestion(ctx, q)
	cancel()
	a.broadcastClients("question", q)
	a.rearmAlarm()
}

func (a *Agent) handleRunnerGitState(frame model.Frame) {
	var p model.RunnerGitStatePayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
	if err != nil && err != directory.ErrNotFound {
		log.Printf("session %s: load git state: %v", a.state.SessionID, err)
	}
	gs.SessionID = a.state.SessionID
	gs.Branch = p.Branch
	gs.BaseBranch = p.BaseBranch
	gs.CommitCount = p.CommitCount
	if err := a.deps.Directory.PutGitState(ctx, gs); err != nil {
		log.Printf("session %s: persist git state: %v", a.state.SessionID, err)
	}
	a.broadcastClients("git-state", p)
}

func (a *Agent) handleRunnerPRCreated(frame model.Frame) {
	var p model.RunnerPRCreatedPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
	if err != nil && err != directory.ErrNotFound {
		log.Printf("session %s: load git state for pr-created: %v", a.state.SessionID, err)
	}
	gs.SessionID = a.state.SessionID
	gs.PRNumber = p.Number
	gs.PRTitle = p.Title
	gs.PRURL = p.URL
	gs.PRState = p.State
	gs.PRCreatedAt = p.CreatedAt
	a.deps.Directory.PutGitState(ctx, gs)

	a.broadcastClients("pr-created", p)
	a.appendAudit("pr.created", p.Title, "", map[string]any{"number": p.Number, "url": p.URL})
}

func (a *Agent) handleRunnerFilesChanged(frame model.Frame) {
	var p model.RunnerFilesChangedPayload
	frame.Decode(&p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, f := range p.Files {
		a.deps.Directory.UpsertFileChange(ctx, directory.FileChangeRow{
			SessionID: a.state.SessionID,
			Path:      f.Path,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
		})
	}
	a.broadcastClients("files-changed", p)
}
