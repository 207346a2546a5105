package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/provisioner"
)

// mergeSpawnEnv folds env into the "env" object of the spawn-request
// JSON blob the provisioner receives (spec.md §4.5 spawn-child), leaving
// the blob untouched when there is nothing to inject.
func mergeSpawnEnv(spawnRequestJSON string, env map[string]string) string {
	if len(env) == 0 {
		return spawnRequestJSON
	}
	body := map[string]any{}
	if spawnRequestJSON != "" {
		if err := json.Unmarshal([]byte(spawnRequestJSON), &body); err != nil {
			body = map[string]any{}
		}
	}
	merged, _ := body["env"].(map[string]any)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range env {
		merged[k] = v
	}
	body["env"] = merged
	out, err := json.Marshal(body)
	if err != nil {
		return spawnRequestJSON
	}
	return string(out)
}

// Start drives — initializing → running (spec.md §4.2). If the request
// already carries a sandbox id and tunnels, no provisioner call is made
// and the session jumps directly to running.
func (a *Agent) Start(req StartRequest) error {
	var outErr error
	a.Submit(func() {
		a.state.SessionID = req.SessionID
		a.state.OwnerUserID = req.OwnerUserID
		a.state.Workspace = req.Workspace
		a.state.RunnerSecret = req.RunnerSecret
		a.state.SpawnURL = req.SpawnURL
		a.state.TerminateURL = req.TerminateURL
		a.state.HibernateURL = req.HibernateURL
		a.state.RestoreURL = req.RestoreURL
		a.state.SpawnRequestJSON = mergeSpawnEnv(req.SpawnRequestJSON, req.Env)
		a.state.InitialPrompt = req.InitialPrompt
		a.state.InitialModel = req.InitialModel
		a.state.ParentSessionID = req.ParentSessionID
		if req.IdleTimeoutMS > 0 {
			a.state.IdleTimeout = time.Duration(req.IdleTimeoutMS) * time.Millisecond
		} else {
			a.state.IdleTimeout = a.deps.DefaultIdle
		}
		a.state.Status = model.StatusInitializing
		a.persistState()
		a.appendAudit("session.started", "session started", req.OwnerUserID, nil)

		if req.SandboxID != "" {
			a.state.SandboxID = req.SandboxID
			a.state.TunnelURLs = req.TunnelURLs
			a.enterRunning()
			a.persistState()
			a.seedInitialPromptLocked()
			a.rearmAlarm()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		res, err := a.deps.Provisioner.Spawn(ctx, a.state.SpawnURL, a.state.SpawnRequestJSON)
		if err != nil {
			a.transitionToError(fmt.Sprintf("spawn failed: %v", err))
			outErr = err
			return
		}
		a.state.SandboxID = res.SandboxID
		a.state.TunnelURLs = res.TunnelURLs
		a.enterRunning()
		a.persistState()
		a.seedInitialPromptLocked()
		a.rearmAlarm()
	})
	return outErr
}

// enterRunning stamps running-started-at and schedules the idle alarm.
// Caller must hold the single-writer context (i.e. run from inside Submit).
func (a *Agent) enterRunning() {
	a.state.Status = model.StatusRunning
	a.state.RunningStartedAt = time.Now()
	a.state.NextActivity(time.Now())
	a.syncDirectoryStatus()
}

// leaveRunning flushes elapsed active seconds and re-anchors the timer so
// no interval is double-counted (spec.md §4.2).
func (a *Agent) leaveRunning() {
	if a.state.RunningStartedAt.IsZero() {
		return
	}
	delta := time.Since(a.state.RunningStartedAt)
	a.flushActiveSeconds(delta)
	a.state.RunningStartedAt = time.Time{}
}

func (a *Agent) flushActiveSeconds(delta time.Duration) {
	if delta <= 0 {
		return
	}
	a.state.ActiveSecondsSent += int64(delta.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Directory.FlushActiveSeconds(ctx, a.state.SessionID, int64(delta.Seconds())); err != nil {
		log.Printf("session %s: flush active seconds: %v", a.state.SessionID, err)
	}
}

func (a *Agent) syncDirectoryStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Directory.UpdateSessionStatus(ctx, a.state.SessionID, string(a.state.Status)); err != nil {
		log.Printf("session %s: sync directory status: %v", a.state.SessionID, err)
	}
}

// transitionToError persists a system message and broadcasts an error
// frame, per the Fatal row of spec.md §7's taxonomy.
func (a *Agent) transitionToError(reason string) {
	if a.state.Status == model.StatusRunning {
		a.leaveRunning()
	}
	a.state.Status = model.StatusError
	a.persistState()
	a.syncDirectoryStatus()
	a.appendMessage(model.Message{
		ID:        newID(),
		Role:      model.RoleSystem,
		Content:   "Error: " + reason,
		CreatedAt: time.Now(),
	})
	a.broadcastClients("error", model.RunnerErrorPayload{Message: reason})
	a.appendAudit("session.errored", reason, "", nil)
}

// Stop drives running → terminated, cascading a best-effort stop to
// every non-terminated child (spec.md §4.2).
func (a *Agent) Stop() error {
	var outErr error
	a.Submit(func() {
		outErr = a.stopLocked("user_stopped")
	})
	return outErr
}

func (a *Agent) stopLocked(reason string) error {
	if a.state.Status.Terminal() {
		return nil
	}
	if a.state.Status == model.StatusRunning {
		a.leaveRunning()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if a.state.TerminateURL != "" && a.state.SandboxID != "" {
		if err := a.deps.Provisioner.Terminate(ctx, a.state.TerminateURL); err != nil {
			log.Printf("session %s: terminate: %v", a.state.SessionID, err)
		}
	}
	a.state.Status = model.StatusTerminated
	a.persistState()
	a.syncDirectoryStatus()
	a.broadcastClients("status", model.StatusPayload{Status: a.state.Status, RunnerConnected: a.runner != nil})
	a.appendAudit("session.stopped", reason, "", nil)
	if a.runner != nil {
		a.runner.Close(1000, "session stopped")
		a.runner = nil
	}
	a.alarm.Stop()
	a.cascadeStopChildren(ctx)
	return nil
}

func (a *Agent) cascadeStopChildren(ctx context.Context) {
	children, err := a.deps.Directory.ChildSessions(ctx, a.state.SessionID)
	if err != nil {
		log.Printf("session %s: list children for cascade stop: %v", a.state.SessionID, err)
		return
	}
	for _, child := range children {
		if child.Status == string(model.StatusTerminated) {
			continue
		}
		if agent, ok := a.deps.Locator.Lookup(child.SessionID); ok {
			go agent.Stop()
			continue
		}
		log.Printf("session %s: child %s not resolvable locally, skipping cascade stop", a.state.SessionID, child.SessionID)
	}
}

// Hibernate drives running → hibernating → {hibernated, terminated,
// error}. Snapshot-before-close ordering is mandatory (spec.md §4.2).
func (a *Agent) Hibernate() error {
	var outErr error
	a.Submit(func() {
		outErr = a.hibernateLocked()
	})
	return outErr
}

func (a *Agent) hibernateLocked() error {
	switch a.state.Status {
	case model.StatusHibernated, model.StatusHibernating:
		return nil
	case model.StatusRunning:
	default:
		return fmt.Errorf("cannot hibernate from status %s", a.state.Status)
	}

	a.state.Status = model.StatusHibernating
	a.persistState()
	a.syncDirectoryStatus()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	snap, err := a.deps.Provisioner.Hibernate(ctx, a.state.HibernateURL)
	if err == provisioner.ErrHibernationRace {
		a.leaveRunning()
		a.state.Status = model.StatusTerminated
		a.persistState()
		a.syncDirectoryStatus()
		a.closeRunnerLocked(1000, "sandbox already gone")
		a.appendAudit("session.hibernation_race", "sandbox already exited before snapshot", "", nil)
		return nil
	}
	if err != nil {
		a.transitionToError(fmt.Sprintf("hibernate failed: %v", err))
		return err
	}

	a.leaveRunning()
	a.state.SnapshotID = snap.SnapshotID
	a.state.Status = model.StatusHibernated
	a.persistState()
	a.syncDirectoryStatus()
	a.closeRunnerLocked(1000, "session hibernated")
	a.broadcastClients("status", model.StatusPayload{Status: a.state.Status, RunnerConnected: false})
	a.appendAudit("session.hibernated", "session hibernated", "", nil)
	a.alarm.Stop()
	return nil
}

func (a *Agent) closeRunnerLocked(code int, reason string) {
	if a.runner == nil {
		return
	}
	a.runner.Close(code, reason)
	a.runner = nil
	a.state.RunnerBusy = false
}

// Wake drives hibernated → restoring → running.
func (a *Agent) Wake() error {
	var outErr error
	a.Submit(func() {
		outErr = a.wakeLocked()
	})
	return outErr
}

func (a *Agent) wakeLocked() error {
	switch a.state.Status {
	case model.StatusRunning, model.StatusRestoring:
		return nil
	case model.StatusHibernated:
	default:
		return fmt.Errorf("cannot wake from status %s", a.state.Status)
	}

	a.state.Status = model.StatusRestoring
	a.persistState()
	a.syncDirectoryStatus()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := a.deps.Provisioner.Restore(ctx, a.state.RestoreURL, a.state.SnapshotID)
	if err != nil {
		a.transitionToError(fmt.Sprintf("restore failed: %v", err))
		return err
	}

	a.state.SandboxID = res.SandboxID
	a.state.TunnelURLs = res.TunnelURLs
	a.enterRunning()
	a.persistState()
	a.rearmAlarm()
	a.broadcastClients("status", model.StatusPayload{Status: a.state.Status, RunnerConnected: a.runner != nil})
	a.appendAudit("session.restored", "session restored from snapshot", "", nil)
	return nil
}

// wakeAsync fires Wake on a separate goroutine, used when an inbound
// client prompt lands on a hibernated session (spec.md §4.3).
func (a *Agent) wakeAsync() {
	go func() {
		if err := a.Wake(); err != nil {
			log.Printf("session %s: async wake: %v", a.state.SessionID, err)
		}
	}()
}

// ClearQueue removes every queued prompt without touching the runner;
// an entry already being processed stays in the queue.
func (a *Agent) ClearQueue() error {
	var outErr error
	a.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		queue, err := a.deps.Store.PromptQueue(ctx)
		if err != nil {
			outErr = err
			return
		}
		for _, p := range queue {
			if p.Status == model.PromptQueued {
				a.deps.Store.DequeuePrompt(ctx, p.ID)
			}
		}
	})
	return outErr
}

// FlushMetrics re-anchors the running timer and flushes elapsed seconds
// without leaving the running state.
func (a *Agent) FlushMetrics() error {
	a.Submit(func() {
		if a.state.Status != model.StatusRunning || a.state.RunningStartedAt.IsZero() {
			return
		}
		now := time.Now()
		delta := now.Sub(a.state.RunningStartedAt)
		a.flushActiveSeconds(delta)
		a.state.RunningStartedAt = now
		a.persistState()
	})
	return nil
}

// GC records a session.gc audit entry, stops the command loop and closes
// the store. Only valid once terminated. The session's SQLite file is
// left on disk; dbPath is not used.
func (a *Agent) GC(dbPath string) error {
	var outErr error
	a.Submit(func() {
		if !a.state.Status.Terminal() {
			outErr = fmt.Errorf("cannot gc a non-terminated session")
			return
		}
		a.appendAudit("session.gc", "session garbage collected", "", nil)
	})
	if outErr != nil {
		return outErr
	}
	a.Shutdown()
	return a.deps.Store.Close()
}

// Status returns a point-in-time snapshot for GET /status.
func (a *Agent) Status() StatusSnapshot {
	var out StatusSnapshot
	a.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		users, _ := a.deps.Store.ConnectedUsers(ctx)
		out = StatusSnapshot{
			SessionID:       a.state.SessionID,
			Status:          a.state.Status,
			SandboxID:       a.state.SandboxID,
			TunnelURLs:      a.state.TunnelURLs,
			RunnerBusy:      a.state.RunnerBusy,
			RunnerConnected: a.runner != nil,
			Title:           a.state.Title,
			ModelCatalogue:  a.state.ModelCatalogue,
			ConnectedUsers:  users,
		}
	})
	return out
}

// WebhookUpdate broadcasts external git events as a git-state frame
// without driving any lifecycle transition (spec.md §9 decision (a)).
func (a *Agent) WebhookUpdate(fields WebhookFields) {
	a.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gs, err := a.deps.Directory.GetGitState(ctx, a.state.SessionID)
		if err != nil && err != directory.ErrNotFound {
			log.Printf("session %s: load git state for webhook: %v", a.state.SessionID, err)
		}
		gs.SessionID = a.state.SessionID
		if fields.Branch != "" {
			gs.Branch = fields.Branch
		}
		if fields.CommitCount != 0 {
			gs.CommitCount = fields.CommitCount
		}
		if fields.PRState != "" {
			gs.PRState = fields.PRState
		}
		if fields.PRTitle != "" {
			gs.PRTitle = fields.PRTitle
		}
		if err := a.deps.Directory.PutGitState(ctx, gs); err != nil {
			log.Printf("session %s: persist webhook git state: %v", a.state.SessionID, err)
		}
		a.broadcastClients("git-state", model.RunnerGitStatePayload{
			Branch:      gs.Branch,
			BaseBranch:  gs.BaseBranch,
			CommitCount: gs.CommitCount,
		})
	})
}

// Messages serves GET /messages?limit&after (spec.md §6).
func (a *Agent) Messages(limit int, after string) ([]model.Message, error) {
	var out []model.Message
	var outErr error
	a.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		all, err := a.deps.Store.Transcript(ctx)
		if err != nil {
			outErr = err
			return
		}
		out = filterMessages(all, limit, after)
	})
	return out, outErr
}

func filterMessages(all []model.Message, limit int, after string) []model.Message {
	if after != "" {
		afterTime, err := time.Parse(time.RFC3339Nano, after)
		if err == nil {
			var filtered []model.Message
			for _, m := range all {
				if m.CreatedAt.After(afterTime) {
					filtered = append(filtered, m)
				}
			}
			all = filtered
		}
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all
	}
	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:]
	}
	return all
}

// onAlarm implements the scheduler's fire handler (spec.md §4.7).
func (a *Agent) onAlarm(at time.Time) {
	a.Submit(func() {
		if a.state.Status == model.StatusRunning && !a.state.IdleDeadline().After(at) {
			go func() {
				if err := a.Hibernate(); err != nil {
					log.Printf("session %s: alarm-triggered hibernate: %v", a.state.SessionID, err)
				}
			}()
		}

		if a.state.Status == model.StatusRunning && a.state.RunningStartedAt.After(time.Time{}) {
			now := time.Now()
			delta := now.Sub(a.state.RunningStartedAt)
			a.flushActiveSeconds(delta)
			a.state.RunningStartedAt = now
			a.persistState()
		}

		a.expirePendingQuestions(at)
		a.flushAuditLog()
		a.rearmAlarm()
	})
}

// flushAuditLog drains not-yet-acknowledged audit rows into the
// external directory (spec.md §3), mirroring flushActiveSeconds'
// read-push-acknowledge shape.
func (a *Agent) flushAuditLog() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := a.deps.Store.UnflushedAudit(ctx)
	if err != nil {
		log.Printf("session %s: load unflushed audit: %v", a.state.SessionID, err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if err := a.deps.Directory.AppendAudit(ctx, a.state.SessionID, entries); err != nil {
		log.Printf("session %s: append audit to directory: %v", a.state.SessionID, err)
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := a.deps.Store.MarkAuditFlushed(ctx, ids); err != nil {
		log.Printf("session %s: mark audit flushed: %v", a.state.SessionID, err)
	}
}

func (a *Agent) expirePendingQuestions(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pending, err := a.deps.Store.PendingQuestions(ctx)
	if err != nil {
		log.Printf("session %s: load pending questions: %v", a.state.SessionID, err)
		return
	}
	for _, q := range pending {
		if q.ExpiresAt.After(at) {
			continue
		}
		q.Status = model.QuestionExpired
		q.Answer = model.ExpiredAnswer
		if err := a.deps.Store.PutQuestion(ctx, q); err != nil {
			log.Printf("session %s: expire question %s: %v", a.state.SessionID, q.ID, err)
			continue
		}
		a.broadcastClients("status", map[string]string{"questionExpired": q.ID})
		a.sendRunner("answer", model.ClientAnswerPayload{QuestionID: q.ID, Answer: model.ExpiredAnswer})
	}
}
