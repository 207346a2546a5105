package session

import (
	"context"
	"log"
	"time"

	"github.com/relaysession/sessiond/internal/model"
)

// RegisterClient accepts a new client connection: records the user id in
// the connected-users set, replays the init frame and pending questions,
// and broadcasts user.joined to everyone else (spec.md §4.1).
func (a *Agent) RegisterClient(conn ClientConn) {
	a.Submit(func() {
		a.clients[conn] = struct{}{}
		uid := conn.UserID()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if a.clientsByUsr[uid] == 0 {
			a.deps.Store.MarkUserConnected(ctx, model.ConnectedUser{
				UserID: uid, Name: conn.UserName(), Email: conn.UserEmail(), Avatar: conn.UserAvatar(),
			})
		}
		a.clientsByUsr[uid]++

		transcript, _ := a.deps.Store.Transcript(ctx)
		users, _ := a.deps.Store.ConnectedUsers(ctx)
		audit, _ := a.deps.Store.UnflushedAudit(ctx)
		pending, _ := a.deps.Store.PendingQuestions(ctx)
		cancel()

		initFrame, err := model.Encode("init", model.InitFrame{
			Transcript:     transcript,
			Status:         a.state.Status,
			SandboxPresent: a.state.SandboxID != "",
			Models:         a.state.ModelCatalogue,
			ConnectedUsers: users,
			AuditLog:       audit,
		})
		if err == nil {
			conn.Send(initFrame)
		}

		for _, q := range pending {
			if qf, err := model.Encode("question", q); err == nil {
				conn.Send(qf)
			}
		}

		a.broadcastToOthers(conn, "user.joined", model.UserJoinedLeftPayload{UserID: uid, Name: conn.UserName()})
	})
}

// UnregisterClient removes a client connection. The user id leaves the
// connected-users set only once its last connection closes.
func (a *Agent) UnregisterClient(conn ClientConn) {
	a.Submit(func() {
		if _, ok := a.clients[conn]; !ok {
			return
		}
		delete(a.clients, conn)
		uid := conn.UserID()
		a.clientsByUsr[uid]--
		if a.clientsByUsr[uid] <= 0 {
			delete(a.clientsByUsr, uid)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.deps.Store.MarkUserDisconnected(ctx, uid)
			cancel()
			a.broadcastClients("user.left", model.UserJoinedLeftPayload{UserID: uid, Name: conn.UserName()})
		}
	})
}

func (a *Agent) broadcastToOthers(exclude ClientConn, frameType string, payload any) {
	frame, err := model.Encode(frameType, payload)
	if err != nil {
		return
	}
	for c := range a.clients {
		if c == exclude {
			continue
		}
		if err := c.Send(frame); err != nil {
			log.Printf("session %s: send %s to client %s: %v", a.state.SessionID, frameType, c.UserID(), err)
		}
	}
}

// HandleClientFrame dispatches one inbound client frame (spec.md §4.1).
func (a *Agent) HandleClientFrame(conn ClientConn, frame model.Frame) {
	a.Submit(func() {
		a.handleClientFrameLocked(conn, frame)
	})
}

func (a *Agent) handleClientFrameLocked(conn ClientConn, frame model.Frame) {
	switch frame.Type {
	case "prompt":
		var p model.ClientPromptPayload
		if err := frame.Decode(&p); err != nil {
			a.sendClientError(conn, "invalid prompt payload")
			return
		}
		a.acceptPrompt(promptAuthor{ID: conn.UserID(), Name: conn.UserName(), Email: conn.UserEmail(), Avatar: conn.UserAvatar()}, p.Content, p.Model, false)

	case "answer":
		var p model.ClientAnswerPayload
		if err := frame.Decode(&p); err != nil {
			a.sendClientError(conn, "invalid answer payload")
			return
		}
		a.answerLocked(p.QuestionID, p.Answer)

	case "ping":
		if pf, err := model.Encode("pong", struct{}{}); err == nil {
			conn.Send(pf)
		}

	case "abort":
		a.clearQueuedLocked()
		a.sendRunner("abort", struct{}{})
		a.broadcastClients("agentStatus", model.RunnerAgentStatusPayload{Activity: "idle"})

	case "revert":
		var p model.ClientRevertPayload
		if err := frame.Decode(&p); err != nil {
			a.sendClientError(conn, "invalid revert payload")
			return
		}
		a.revertLocked(p.MessageID)

	case "diff", "review":
		var p model.ClientDiffReviewPayload
		frame.Decode(&p)
		a.sendRunner(frame.Type, p)

	default:
		log.Printf("session %s: unhandled client frame type %q", a.state.SessionID, frame.Type)
	}
}

func (a *Agent) sendClientError(conn ClientConn, message string) {
	if f, err := errorFrame(message); err == nil {
		conn.Send(f)
	}
}

// answerLocked is the single-writer-context body shared by the `answer`
// client frame and the exported Answer helper.
func (a *Agent) answerLocked(questionID, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pending, err := a.deps.Store.PendingQuestions(ctx)
	if err != nil {
		return
	}
	for _, q := range pending {
		if q.ID != questionID {
			continue
		}
		if q.IsResolved() {
			return
		}
		q.Status = model.QuestionAnswered
		q.Answer = answer
		a.deps.Store.PutQuestion(ctx, q)
		a.sendRunner("answer", model.ClientAnswerPayload{QuestionID: questionID, Answer: answer})
		a.markActivity()
		a.rearmAlarm()
		return
	}
}

// revertLocked is the single-writer-context body shared by the `revert`
// client frame and the exported Revert helper.
func (a *Agent) revertLocked(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	removed, err := a.deps.Store.DeleteMessagesFrom(ctx, messageID)
	if err != nil || len(removed) == 0 {
		return
	}
	a.broadcastClients("messages.removed", model.MessagesRemovedPayload{IDs: removed})
	a.sendRunner("revert", model.ClientRevertPayload{MessageID: messageID})
	a.markActivity()
}
