package session_test

import (
	"testing"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 (spec.md §8): queued prompt drains on runner arrival.
func TestScenario_QueuedPromptDrainsOnRunnerArrival(t *testing.T) {
	h := newHarness(t)
	req := h.startRequest("scenario-1")
	req.InitialPrompt = "hello"
	require.NoError(t, h.agent.Start(req))

	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "world", "", false))

	runner := newFakeConn("runner")
	h.agent.RegisterRunner(runner)

	prompts := runner.framesOf("prompt")
	require.Len(t, prompts, 1)
	var first model.RunnerPromptFrame
	require.NoError(t, prompts[0].Decode(&first))
	assert.Equal(t, "hello", first.Content)

	h.agent.HandleRunnerFrame(model.Frame{Type: "complete"})
	prompts = runner.framesOf("prompt")
	require.Len(t, prompts, 2)
	var second model.RunnerPromptFrame
	require.NoError(t, prompts[1].Decode(&second))
	assert.Equal(t, "world", second.Content)
}

// Scenario 2 (spec.md §8): interrupt mid-turn.
func TestScenario_InterruptMidTurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Start(h.startRequest("scenario-2")))

	runner := newFakeConn("runner")
	h.agent.RegisterRunner(runner)
	client := newFakeConn("user-1")
	h.agent.RegisterClient(client)

	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "A", "", false))
	require.True(t, h.agent.Status().RunnerBusy)

	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "STOP", "", true))

	_, aborted := runner.lastOf("abort")
	assert.True(t, aborted)

	msgFrames := client.framesOf("message")
	var lastUserMsg model.Message
	require.NoError(t, msgFrames[len(msgFrames)-1].Decode(&lastUserMsg))
	assert.Equal(t, "STOP", lastUserMsg.Content)

	promptsBefore := len(runner.framesOf("prompt"))
	h.agent.HandleRunnerFrame(model.Frame{Type: "aborted"})
	prompts := runner.framesOf("prompt")
	require.Len(t, prompts, promptsBefore+1)
	var dispatched model.RunnerPromptFrame
	require.NoError(t, prompts[len(prompts)-1].Decode(&dispatched))
	assert.Equal(t, "STOP", dispatched.Content)
}

// Scenario 3 (spec.md §8): tool-call upsert.
func TestScenario_ToolCallUpsert(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Start(h.startRequest("scenario-3")))

	client := newFakeConn("user-1")
	h.agent.RegisterClient(client)

	pending, err := model.Encode("tool", model.RunnerToolPayload{CallID: "c1", Name: "grep", Status: model.ToolStatusPending})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(pending)

	completed, err := model.Encode("tool", model.RunnerToolPayload{CallID: "c1", Name: "grep", Status: model.ToolStatusCompleted, Result: map[string]any{"ok": true}})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(completed)

	messages := client.framesOf("message")
	require.Len(t, messages, 1, "tool call c1 should broadcast exactly one message frame")
	updated := client.framesOf("message.updated")
	require.Len(t, updated, 1, "the completed transition should broadcast exactly one message.updated frame")

	var final model.Message
	require.NoError(t, updated[0].Decode(&final))
	assert.Equal(t, "c1", final.ID)
	require.NotNil(t, final.Parts)
	require.NotNil(t, final.Parts.Tool)
	assert.Equal(t, model.ToolStatusCompleted, final.Parts.Tool.Status)
}

// Scenario 4 (spec.md §8): hibernate then auto-wake on prompt.
func TestScenario_HibernateThenAutoWakeOnPrompt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Start(h.startRequest("scenario-4")))
	require.NoError(t, h.agent.Hibernate())
	require.Equal(t, model.StatusHibernated, h.agent.Status().Status)

	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "resume", "", false))

	require.Eventually(t, func() bool {
		return h.agent.Status().Status == model.StatusRunning
	}, time.Second, 5*time.Millisecond, "prompting a hibernated session should trigger an async wake")

	assert.Equal(t, 1, h.provisioner.restoreCalls)

	runner := newFakeConn("runner")
	h.agent.RegisterRunner(runner)
	prompts := runner.framesOf("prompt")
	require.NotEmpty(t, prompts)
	var last model.RunnerPromptFrame
	require.NoError(t, prompts[len(prompts)-1].Decode(&last))
	assert.Equal(t, "resume", last.Content)
}

// Scenario 5 (spec.md §8): cross-session spawn inherits git context.
func TestScenario_SpawnChildInheritsGitContext(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Start(h.startRequest("scenario-5-parent")))
	h.registerSelf("scenario-5-parent")

	require.NoError(t, h.dir.PutGitState(t.Context(), directory.GitStateRow{
		SessionID: "scenario-5-parent", RepoURL: "acme/app", Branch: "feat-x", BaseBranch: "main",
	}))

	runner := newFakeConn("runner")
	h.agent.RegisterRunner(runner)

	frame, err := model.Encode("spawn-child", model.SpawnChildPayload{RequestID: "req-1", Task: "lint", Workspace: "/w"})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(frame)

	resultFrame, ok := runner.lastOf("spawn-child-result")
	require.True(t, ok)
	var result model.SpawnChildResult
	require.NoError(t, resultFrame.Decode(&result))
	require.Empty(t, result.Error)
	require.NotEmpty(t, result.SessionID)

	childRow, err := h.dir.GetSession(t.Context(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "scenario-5-parent", childRow.ParentSessionID)

	childGit, err := h.dir.GetGitState(t.Context(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "acme/app", childGit.RepoURL)
	assert.Equal(t, "feat-x", childGit.Branch)
}

// Scenario 6 (spec.md §8): revert deletes suffix.
func TestScenario_RevertDeletesSuffix(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.Start(h.startRequest("scenario-6")))

	client := newFakeConn("user-1")
	h.agent.RegisterClient(client)
	runner := newFakeConn("runner")
	h.agent.RegisterRunner(runner)

	// u1
	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "u1", "", false))
	// a1 (assistant reply to u1)
	resultFrame, err := model.Encode("result", model.RunnerResultPayload{Content: "a1"})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(resultFrame)
	h.agent.HandleRunnerFrame(model.Frame{Type: "complete"})
	// t1 (tool call)
	toolFrame, err := model.Encode("tool", model.RunnerToolPayload{CallID: "t1", Name: "grep", Status: model.ToolStatusCompleted})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(toolFrame)
	// u2
	require.NoError(t, h.agent.Prompt("user-1", "Ada", "", "u2", "", false))
	msgFrames := client.framesOf("message")
	var u2 model.Message
	for _, f := range msgFrames {
		var m model.Message
		require.NoError(t, f.Decode(&m))
		if m.Content == "u2" {
			u2 = m
		}
	}
	require.NotEmpty(t, u2.ID)
	// a2
	resultFrame2, err := model.Encode("result", model.RunnerResultPayload{Content: "a2"})
	require.NoError(t, err)
	h.agent.HandleRunnerFrame(resultFrame2)
	a2ID := lastMessageIDBefore(t, h, u2.ID)

	h.agent.Revert(u2.ID)

	removedFrame, ok := client.lastOf("messages.removed")
	require.True(t, ok)
	var removed model.MessagesRemovedPayload
	require.NoError(t, removedFrame.Decode(&removed))
	assert.ElementsMatch(t, removed.IDs, []string{u2.ID, a2ID})

	revertFrame, ok := runner.lastOf("revert")
	require.True(t, ok)
	var p model.ClientRevertPayload
	require.NoError(t, revertFrame.Decode(&p))
	assert.Equal(t, u2.ID, p.MessageID)
}

// lastMessageIDBefore returns the a2 message id appended right after u2,
// used only to assert the revert removed exactly {u2, a2}.
func lastMessageIDBefore(t *testing.T, h *testHarness, afterID string) string {
	t.Helper()
	msgs, err := h.agent.Messages(0, "")
	require.NoError(t, err)
	for i, m := range msgs {
		if m.ID == afterID && i+1 < len(msgs) {
			return msgs[i+1].ID
		}
	}
	return ""
}

var _ = gitprovider.NewFake // referenced indirectly via session_test.go helpers
var _ = session.StartRequest{}
