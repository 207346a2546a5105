package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysession/sessiond/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatePutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := &model.State{
		SessionID:   "sess-1",
		OwnerUserID: "user-1",
		Status:      model.StatusInitializing,
		IdleTimeout: 15 * time.Minute,
	}
	if err := s.PutState(ctx, st); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	got, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}
	if got.SessionID != st.SessionID || got.Status != st.Status {
		t.Errorf("got %+v, want %+v", got, st)
	}

	st.Status = model.StatusRunning
	if err := s.PutState(ctx, st); err != nil {
		t.Fatalf("PutState update: %v", err)
	}
	got, err = s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState after update: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("expected updated status running, got %s", got.Status)
	}
}

func TestGetStateBeforeWrite(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil state, got %+v", got)
	}
}

func TestAppendMessageInsertOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		err := s.AppendMessage(ctx, model.Message{
			ID:        id,
			Role:      model.RoleUser,
			Content:   "hello " + id,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("AppendMessage %s: %v", id, err)
		}
	}

	transcript, err := s.Transcript(ctx)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(transcript))
	}
	if transcript[0].ID != "m1" || transcript[2].ID != "m3" {
		t.Errorf("unexpected order: %+v", transcript)
	}
}

func TestAppendMessageUpsertsToolCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	tool := func(status model.ToolStatus, at time.Time) model.Message {
		return model.Message{
			ID:      "tool-msg-1",
			Role:    model.RoleTool,
			Content: "running grep",
			Parts: &model.Parts{
				Kind: model.PartsKindTool,
				Tool: &model.ToolParts{
					CallID: "call-1",
					Name:   "grep",
					Status: status,
				},
			},
			CreatedAt: at,
		}
	}

	if err := s.AppendMessage(ctx, tool(model.ToolStatusRunning, base)); err != nil {
		t.Fatalf("AppendMessage running: %v", err)
	}
	if err := s.AppendMessage(ctx, tool(model.ToolStatusCompleted, base.Add(time.Second))); err != nil {
		t.Fatalf("AppendMessage completed: %v", err)
	}

	transcript, err := s.Transcript(ctx)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(transcript) != 1 {
		t.Fatalf("expected tool call to be upserted into a single row, got %d rows", len(transcript))
	}
	if transcript[0].Parts.Tool.Status != model.ToolStatusCompleted {
		t.Errorf("expected final status completed, got %s", transcript[0].Parts.Tool.Status)
	}
}

func TestDeleteMessagesFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	ids := []string{"m1", "m2", "m3", "m4"}
	for i, id := range ids {
		err := s.AppendMessage(ctx, model.Message{
			ID:        id,
			Role:      model.RoleUser,
			Content:   id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	removed, err := s.DeleteMessagesFrom(ctx, "m3")
	if err != nil {
		t.Fatalf("DeleteMessagesFrom: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed ids, got %d: %v", len(removed), removed)
	}

	remaining, err := s.Transcript(ctx)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(remaining) != 2 || remaining[1].ID != "m2" {
		t.Errorf("unexpected remaining transcript: %+v", remaining)
	}
}

func TestPromptQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := model.PromptQueueEntry{
		ID:        "p1",
		Content:   "do the thing",
		Status:    model.PromptQueued,
		CreatedAt: time.Now(),
	}
	if err := s.EnqueuePrompt(ctx, entry); err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}

	queue, err := s.PromptQueue(ctx)
	if err != nil {
		t.Fatalf("PromptQueue: %v", err)
	}
	if len(queue) != 1 || queue[0].Status != model.PromptQueued {
		t.Fatalf("unexpected queue: %+v", queue)
	}

	if err := s.SetPromptStatus(ctx, "p1", model.PromptProcessing); err != nil {
		t.Fatalf("SetPromptStatus: %v", err)
	}
	queue, err = s.PromptQueue(ctx)
	if err != nil {
		t.Fatalf("PromptQueue after status update: %v", err)
	}
	if queue[0].Status != model.PromptProcessing {
		t.Errorf("expected processing, got %s", queue[0].Status)
	}

	if err := s.DequeuePrompt(ctx, "p1"); err != nil {
		t.Fatalf("DequeuePrompt: %v", err)
	}
	queue, err = s.PromptQueue(ctx)
	if err != nil {
		t.Fatalf("PromptQueue after dequeue: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("expected empty queue, got %d entries", len(queue))
	}
}

func TestQuestionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	q := model.Question{
		ID:        "q1",
		Text:      "continue?",
		Options:   []string{"yes", "no"},
		Status:    model.QuestionPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.PutQuestion(ctx, q); err != nil {
		t.Fatalf("PutQuestion: %v", err)
	}

	pending, err := s.PendingQuestions(ctx)
	if err != nil {
		t.Fatalf("PendingQuestions: %v", err)
	}
	if len(pending) != 1 || len(pending[0].Options) != 2 {
		t.Fatalf("unexpected pending questions: %+v", pending)
	}

	q.Status = model.QuestionAnswered
	q.Answer = "yes"
	if err := s.PutQuestion(ctx, q); err != nil {
		t.Fatalf("PutQuestion answer: %v", err)
	}
	pending, err = s.PendingQuestions(ctx)
	if err != nil {
		t.Fatalf("PendingQuestions after answer: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending questions after answering, got %d", len(pending))
	}
}

func TestConnectedUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkUserConnected(ctx, model.ConnectedUser{UserID: "u1", Name: "Ada"}); err != nil {
		t.Fatalf("MarkUserConnected: %v", err)
	}
	if err := s.MarkUserConnected(ctx, model.ConnectedUser{UserID: "u1", Name: "Ada Lovelace"}); err != nil {
		t.Fatalf("MarkUserConnected idempotent: %v", err)
	}

	users, err := s.ConnectedUsers(ctx)
	if err != nil {
		t.Fatalf("ConnectedUsers: %v", err)
	}
	if len(users) != 1 || users[0].Name != "Ada Lovelace" {
		t.Fatalf("unexpected connected users: %+v", users)
	}

	if err := s.MarkUserDisconnected(ctx, "u1"); err != nil {
		t.Fatalf("MarkUserDisconnected: %v", err)
	}
	users, err = s.ConnectedUsers(ctx)
	if err != nil {
		t.Fatalf("ConnectedUsers after disconnect: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected empty connected users, got %d", len(users))
	}
}

func TestAuditLogFlush(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.AppendAudit(ctx, model.AuditEntry{
			EventType: "prompt.enqueued",
			Summary:   "user submitted a prompt",
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	unflushed, err := s.UnflushedAudit(ctx)
	if err != nil {
		t.Fatalf("UnflushedAudit: %v", err)
	}
	if len(unflushed) != 3 {
		t.Fatalf("expected 3 unflushed entries, got %d", len(unflushed))
	}

	var ids []int64
	for _, e := range unflushed {
		ids = append(ids, e.ID)
	}
	if err := s.MarkAuditFlushed(ctx, ids); err != nil {
		t.Fatalf("MarkAuditFlushed: %v", err)
	}

	unflushed, err = s.UnflushedAudit(ctx)
	if err != nil {
		t.Fatalf("UnflushedAudit after flush: %v", err)
	}
	if len(unflushed) != 0 {
		t.Errorf("expected no unflushed entries, got %d", len(unflushed))
	}

	all, err := s.AllAudit(ctx)
	if err != nil {
		t.Fatalf("AllAudit: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 total audit entries, got %d", len(all))
	}
}
