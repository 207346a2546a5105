// Package session implements the Session Agent: the per-session,
// single-threaded state machine that owns a transcript, arbitrates a
// prompt queue between clients and a runner, drives the sandbox
// lifecycle, and fans out every change to all participants in real
// time (spec.md §1-§5).
//
// Every Agent is a single-writer actor: inbound frames, control
// endpoints, and alarm fires are all submitted as closures onto one
// command channel and executed serially by run(), generalizing the
// teacher's register/unregister/broadcast channel triad
// (websocket_messaging.go) to arbitrary commands instead of only
// connection events.
package session

import (
	"context"
	"log"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/scheduler"
	"github.com/relaysession/sessiond/internal/store"

	"github.com/google/uuid"
)

// ClientConn is the write side of one client WebSocket connection, as
// seen by the Agent.
type ClientConn interface {
	Send(model.Frame) error
	UserID() string
	UserName() string
	UserEmail() string
	UserAvatar() string
}

// RunnerConn is the write side of the single runner WebSocket
// connection, as seen by the Agent.
type RunnerConn interface {
	Send(model.Frame) error
	Close(code int, reason string) error
}

// Locator resolves a sibling Session Agent for cross-session RPCs
// (spec.md §4.5). The registry package implements this over its
// in-process map, lazily hydrating from the session's local SQLite file
// when needed.
type Locator interface {
	Lookup(sessionID string) (*Agent, bool)
	// Spawn creates a brand new, not-yet-started Agent for sessionID,
	// registers it, and returns it so the caller can call Start on it.
	Spawn(sessionID string) (*Agent, error)
}

// Deps bundles every external collaborator an Agent needs. All fields
// are required except GitHubApp, which is nil when no GitHub App is
// configured.
type Deps struct {
	Store        *store.Store
	Directory    directory.Client
	Provisioner  *provisioner.Client
	GitHub       gitprovider.Provider
	GitLab       gitprovider.Provider
	GitHubApp    *gitprovider.GitHubApp // nil when no bot-account installation is configured
	GitHubAppInstallationID int64
	TokenCipher  *directory.TokenCipher
	Locator      Locator
	QuestionTTL  time.Duration
	DefaultIdle  time.Duration
	BackendBase  string // this process's own base URL, for cross-host cross-session calls
}

// Agent is one running Session Agent instance.
type Agent struct {
	deps Deps

	state model.State

	cmd  chan func()
	done chan struct{}

	clients      map[ClientConn]struct{}
	clientsByUsr map[string]int

	runner RunnerConn

	alarm *scheduler.Alarm
}

// New constructs an Agent from already-loaded state (or a zero State
// for a brand new session) and starts its command loop.
func New(deps Deps, initial model.State) *Agent {
	a := &Agent{
		deps:         deps,
		state:        initial,
		cmd:          make(chan func(), 64),
		done:         make(chan struct{}),
		clients:      map[ClientConn]struct{}{},
		clientsByUsr: map[string]int{},
	}
	a.alarm = scheduler.New(initial.SessionID, a.onAlarm)
	go a.run()
	return a
}

// run is the single-writer loop: every mutation of Agent state happens
// here, serialized.
func (a *Agent) run() {
	for {
		select {
		case fn := <-a.cmd:
			fn()
		case <-a.done:
			return
		}
	}
}

// Submit enqueues fn to run on the Agent's single-writer loop and
// blocks until it has executed. Use this from transport/registry code
// that must not race with the Agent's own goroutine.
func (a *Agent) Submit(fn func()) {
	result := make(chan struct{})
	select {
	case a.cmd <- func() { fn(); close(result) }:
		<-result
	case <-a.done:
	}
}

// Shutdown stops the command loop and disarms the alarm. Durable state
// already committed to the store survives; callers that want a session
// gone forever should also call store.Remove on its database file.
func (a *Agent) Shutdown() {
	a.alarm.Stop()
	close(a.done)
}

// SessionID returns the agent's session id without going through the
// command loop, since it never changes after construction.
func (a *Agent) SessionID() string {
	return a.state.SessionID
}

// VerifyRunnerSecret reports whether secret matches the per-session
// secret minted at Start, authenticating the runner's WebSocket upgrade
// (spec.md §4.1, §4.4).
func (a *Agent) VerifyRunnerSecret(secret string) bool {
	if secret == "" {
		return false
	}
	var ok bool
	a.Submit(func() {
		ok = a.state.RunnerSecret != "" && a.state.RunnerSecret == secret
	})
	return ok
}

// snapshot returns a copy of the current state for read-only callers
// (e.g. GET /status). Must be called via Submit from outside the loop.
func (a *Agent) snapshot() model.State {
	return a.state
}

func (a *Agent) persistState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Store.PutState(ctx, &a.state); err != nil {
		log.Printf("session %s: persist state: %v", a.state.SessionID, err)
	}
}

func newID() string {
	return uuid.NewString()
}

// --- broadcast helpers --------------------------------------------------------

func (a *Agent) broadcastClients(frameType string, payload any) {
	frame, err := model.Encode(frameType, payload)
	if err != nil {
		log.Printf("session %s: encode %s frame: %v", a.state.SessionID, frameType, err)
		return
	}
	for c := range a.clients {
		if err := c.Send(frame); err != nil {
			log.Printf("session %s: send %s to client %s: %v", a.state.SessionID, frameType, c.UserID(), err)
		}
	}
}

func (a *Agent) sendRunner(frameType string, payload any) bool {
	if a.runner == nil {
		return false
	}
	frame, err := model.Encode(frameType, payload)
	if err != nil {
		log.Printf("session %s: encode runner %s frame: %v", a.state.SessionID, frameType, err)
		return false
	}
	if err := a.runner.Send(frame); err != nil {
		log.Printf("session %s: send runner %s: %v", a.state.SessionID, frameType, err)
		return false
	}
	return true
}

func (a *Agent) appendAudit(eventType, summary, actor string, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry := model.AuditEntry{
		EventType: eventType,
		Summary:   summary,
		Actor:     actor,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := a.deps.Store.AppendAudit(ctx, entry); err != nil {
		log.Printf("session %s: append audit %s: %v", a.state.SessionID, eventType, err)
	}
}

func (a *Agent) appendMessage(m model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.deps.Store.AppendMessage(ctx, m); err != nil {
		log.Printf("session %s: append message: %v", a.state.SessionID, err)
	}
}

func (a *Agent) markActivity() {
	a.state.NextActivity(time.Now())
}

func (a *Agent) rearmAlarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := a.deps.Store.PendingQuestions(ctx)
	if err != nil {
		log.Printf("session %s: load pending questions for alarm: %v", a.state.SessionID, err)
	}
	var soonestQuestion time.Time
	for _, q := range pending {
		if soonestQuestion.IsZero() || q.ExpiresAt.Before(soonestQuestion) {
			soonestQuestion = q.ExpiresAt
		}
	}

	var idleDeadline time.Time
	if a.state.Status == model.StatusRunning {
		idleDeadline = a.state.IdleDeadline()
	}

	a.alarm.Set(scheduler.Earliest(idleDeadline, soonestQuestion))
}

func errorFrame(message string) (model.Frame, error) {
	return model.Encode("error", model.RunnerErrorPayload{Message: message})
}
