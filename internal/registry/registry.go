// Package registry maps session ids to running session.Agent instances
// within this process, lazily hydrating an Agent's durable state from
// its local SQLite file (and registering a brand new one on first
// contact) the way the teacher's websocket.Hub looks up a connection
// set by session id before deciding to create one.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/session"
	"github.com/relaysession/sessiond/internal/store"
)

// Template bundles the collaborators shared by every Agent this process
// hosts; only the per-session Store differs between Agents.
type Template struct {
	StateBaseDir string
	Directory    directory.Client
	Provisioner  *provisioner.Client
	GitHub       gitprovider.Provider
	GitLab       gitprovider.Provider
	GitHubApp    *gitprovider.GitHubApp
	GitHubAppInstallationID int64
	TokenCipher  *directory.TokenCipher
	DefaultIdle  time.Duration
	QuestionTTL  time.Duration
	BackendBase  string
}

// Registry is the in-process session.Locator implementation.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*session.Agent
	template Template
}

// New returns an empty Registry bound to template.
func New(template Template) *Registry {
	return &Registry{agents: map[string]*session.Agent{}, template: template}
}

// Lookup implements session.Locator.
func (r *Registry) Lookup(sessionID string) (*session.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sessionID]
	return a, ok
}

// Spawn implements session.Locator: creates and registers a brand new,
// not-yet-started Agent for sessionID.
func (r *Registry) Spawn(sessionID string) (*session.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[sessionID]; ok {
		return existing, nil
	}
	return r.createLocked(sessionID)
}

// Get returns the Agent for sessionID, hydrating it from its local
// SQLite file if this process has not seen it since restart.
func (r *Registry) Get(sessionID string) (*session.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[sessionID]; ok {
		return a, nil
	}
	return r.createLocked(sessionID)
}

func (r *Registry) createLocked(sessionID string) (*session.Agent, error) {
	dbPath := filepath.Join(r.template.StateBaseDir, sessionID+".db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store for session %s: %w", sessionID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	existing, err := st.GetState(ctx)
	cancel()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load state for session %s: %w", sessionID, err)
	}
	var initial model.State
	if existing != nil {
		initial = *existing
	} else {
		initial = model.State{SessionID: sessionID}
	}

	a := session.New(session.Deps{
		Store:       st,
		Directory:   r.template.Directory,
		Provisioner: r.template.Provisioner,
		GitHub:      r.template.GitHub,
		GitLab:      r.template.GitLab,
		GitHubApp:   r.template.GitHubApp,
		GitHubAppInstallationID: r.template.GitHubAppInstallationID,
		TokenCipher: r.template.TokenCipher,
		Locator:     r,
		DefaultIdle: r.template.DefaultIdle,
		QuestionTTL: r.template.QuestionTTL,
		BackendBase: r.template.BackendBase,
	}, initial)

	r.agents[sessionID] = a
	return a, nil
}

// Remove evicts sessionID from the in-process map, used once GC has
// destroyed its durable state.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, sessionID)
}

// Count returns the number of agents currently hosted in this process.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
