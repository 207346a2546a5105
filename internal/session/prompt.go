package session

import (
	"context"
	"time"

	"github.com/relaysession/sessiond/internal/model"
)

// promptAuthor is the attribution carried on a user-role transcript
// message and forwarded to the runner as part of the outbound prompt
// frame (spec.md §4.3, §4.4, §9 "author attribution is sticky").
type promptAuthor struct {
	ID     string
	Name   string
	Email  string
	Avatar string
}

// Prompt implements POST /prompt (spec.md §6) outside of any client
// WebSocket connection — used by the control endpoint and by the
// cross-session session-message RPC.
func (a *Agent) Prompt(authorID, authorName, authorEmail string, content, modelName string, interrupt bool) error {
	a.Submit(func() {
		a.acceptPrompt(promptAuthor{ID: authorID, Name: authorName, Email: authorEmail}, content, modelName, interrupt)
	})
	return nil
}

// acceptPrompt implements the arbiter's accept discipline. Must run on
// the single-writer loop.
func (a *Agent) acceptPrompt(author promptAuthor, content, modelName string, interrupt bool) {
	a.markActivity()

	if interrupt {
		a.clearQueuedLocked()
		a.sendRunner("abort", struct{}{})
	}

	msg := model.Message{
		ID:        newID(),
		Role:      model.RoleUser,
		Content:   content,
		AuthorID:  author.ID,
		Author:    author.Name,
		Email:     author.Email,
		Avatar:    author.Avatar,
		CreatedAt: time.Now(),
	}
	a.appendMessage(msg)
	a.broadcastClients("message", msg)

	entry := model.PromptQueueEntry{
		ID:        msg.ID,
		Content:   content,
		Model:     modelName,
		Status:    model.PromptQueued,
		AuthorID:  author.ID,
		Author:    author.Name,
		Email:     author.Email,
		Avatar:    author.Avatar,
		CreatedAt: msg.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.deps.Store.EnqueuePrompt(ctx, entry)
	cancel()

	switch a.state.Status {
	case model.StatusHibernated:
		a.wakeAsync()
		a.rearmAlarm()
		return
	case model.StatusHibernating, model.StatusRestoring, model.StatusInitializing, model.StatusError, model.StatusTerminated:
		a.rearmAlarm()
		return
	}

	if !interrupt && a.runner != nil && !a.state.RunnerBusy {
		a.dispatchNextLocked()
	}
	a.rearmAlarm()
}

// dispatchNextLocked dequeues the oldest queued entry (if any) and sends
// it to the runner, marking it processing and the runner busy.
func (a *Agent) dispatchNextLocked() {
	if a.runner == nil || a.state.RunnerBusy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue, err := a.deps.Store.PromptQueue(ctx)
	if err != nil || len(queue) == 0 {
		return
	}
	var next *model.PromptQueueEntry
	for i := range queue {
		if queue[i].Status == model.PromptQueued {
			next = &queue[i]
			break
		}
	}
	if next == nil {
		return
	}

	a.deps.Store.SetPromptStatus(ctx, next.ID, model.PromptProcessing)
	a.state.RunnerBusy = true
	a.state.CurrentPromptAuthorID = next.AuthorID
	a.persistState()

	author := promptAuthor{ID: next.AuthorID, Name: next.Author, Email: next.Email}
	git := a.lookupGitIdentityLocked(ctx, author.ID)

	a.sendRunner("prompt", model.RunnerPromptFrame{
		ID:         next.ID,
		Content:    next.Content,
		Model:      next.Model,
		Author:     model.PromptAuthor{ID: author.ID, Email: author.Email, Name: author.Name, Git: git},
		ModelPrefs: a.state.ModelPrefs,
	})
}

func (a *Agent) lookupGitIdentityLocked(ctx context.Context, userID string) model.GitIdentity {
	if userID == "" {
		return model.GitIdentity{}
	}
	u, err := a.deps.Directory.ResolveUser(ctx, userID)
	if err != nil {
		return model.GitIdentity{}
	}
	return model.GitIdentity{Name: u.Name, Email: u.Email}
}

// clearQueuedLocked removes every queued (not processing) entry.
func (a *Agent) clearQueuedLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue, err := a.deps.Store.PromptQueue(ctx)
	if err != nil {
		return
	}
	for _, p := range queue {
		if p.Status == model.PromptQueued {
			a.deps.Store.DequeuePrompt(ctx, p.ID)
		}
	}
}

// onRunnerComplete implements the queue-drain step shared by `complete`
// and `aborted` (spec.md §4.3, §9 decision (b)).
func (a *Agent) onRunnerComplete() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue, err := a.deps.Store.PromptQueue(ctx)
	if err == nil {
		for _, p := range queue {
			if p.Status == model.PromptProcessing {
				a.deps.Store.SetPromptStatus(ctx, p.ID, model.PromptCompleted)
				a.deps.Store.DequeuePrompt(ctx, p.ID)
			}
		}
	}

	a.state.RunnerBusy = false
	a.persistState()

	a.dispatchNextLocked()
	if !a.state.RunnerBusy {
		a.broadcastClients("agentStatus", model.RunnerAgentStatusPayload{Activity: "idle"})
	}
}

// onRunnerAborted handles the runner's confirmation of an abort.
func (a *Agent) onRunnerAborted() {
	a.onRunnerComplete()
}

// Abort clears the queue, forwards abort to the runner, and
// optimistically broadcasts idle status (non-interrupt path, spec.md
// §4.3).
func (a *Agent) Abort() {
	a.Submit(func() {
		a.clearQueuedLocked()
		a.sendRunner("abort", struct{}{})
		a.broadcastClients("agentStatus", model.RunnerAgentStatusPayload{Activity: "idle"})
	})
}

// Revert deletes the contiguous suffix starting at messageID and tells
// the runner to match (spec.md §4.3). Used by control-endpoint callers
// outside of any client WebSocket connection.
func (a *Agent) Revert(messageID string) {
	a.Submit(func() { a.revertLocked(messageID) })
}

// Answer records an answer to a pending question and forwards it to the
// runner. Used by control-endpoint callers outside of any client
// WebSocket connection.
func (a *Agent) Answer(questionID, answer string) {
	a.Submit(func() { a.answerLocked(questionID, answer) })
}
