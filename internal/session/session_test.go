package session_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/session"
	"github.com/relaysession/sessiond/internal/store"

	"github.com/stretchr/testify/require"
)

// fakeConn records every frame sent to it, standing in for both
// session.ClientConn and session.RunnerConn in these tests the way the
// teacher's websocket tests stub SessionConnection.
type fakeConn struct {
	mu     sync.Mutex
	id     string
	name   string
	email  string
	avatar string
	sent   []model.Frame
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, name: id, email: id + "@example.com"}
}

func (c *fakeConn) Send(f model.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) UserID() string     { return c.id }
func (c *fakeConn) UserName() string   { return c.name }
func (c *fakeConn) UserEmail() string  { return c.email }
func (c *fakeConn) UserAvatar() string { return c.avatar }

func (c *fakeConn) framesOf(frameType string) []model.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Frame
	for _, f := range c.sent {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastOf(frameType string) (model.Frame, bool) {
	frames := c.framesOf(frameType)
	if len(frames) == 0 {
		return model.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// provisionerServers stands up one httptest.Server per lifecycle verb so
// Deps.Provisioner (a concrete *provisioner.Client, not an interface)
// can be pointed at them directly, mirroring provisioner_test.go's own
// pattern of driving the real client against a test server.
type provisionerServers struct {
	spawn, terminate, hibernate, restore *httptest.Server

	mu             sync.Mutex
	spawnCalls     int
	terminateCalls int
	hibernateCalls int
	restoreCalls   int
	hibernateConflict bool
}

func newProvisionerServers(t *testing.T) *provisionerServers {
	t.Helper()
	ps := &provisionerServers{}

	ps.spawn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.spawnCalls++
		ps.mu.Unlock()
		json.NewEncoder(w).Encode(provisioner.SpawnResult{SandboxID: "sandbox-1", TunnelURLs: []string{"https://tunnel.example/sandbox-1"}})
	}))
	ps.terminate = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.terminateCalls++
		ps.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	ps.hibernate = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.hibernateCalls++
		conflict := ps.hibernateConflict
		ps.mu.Unlock()
		if conflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(provisioner.SnapshotResult{SnapshotID: "snap-1"})
	}))
	ps.restore = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.restoreCalls++
		ps.mu.Unlock()
		json.NewEncoder(w).Encode(provisioner.SpawnResult{SandboxID: "sandbox-2", TunnelURLs: []string{"https://tunnel.example/sandbox-2"}})
	}))

	t.Cleanup(func() {
		ps.spawn.Close()
		ps.terminate.Close()
		ps.hibernate.Close()
		ps.restore.Close()
	})
	return ps
}

// testHarness bundles one Agent plus every collaborator needed to drive
// and assert on it.
type testHarness struct {
	agent       *session.Agent
	dir         *directory.Fake
	github      *gitprovider.Fake
	gitlab      *gitprovider.Fake
	provisioner *provisionerServers
	locator     *fakeLocator
}

// fakeLocator is a minimal session.Locator over an in-memory map, used
// for cross-session RPC tests. Every session.Spawn call shares the same
// directory fake as the harness so ownership checks resolve correctly.
type fakeLocator struct {
	mu      sync.Mutex
	agents  map[string]*session.Agent
	dbDir   string
	dir     *directory.Fake
}

func newFakeLocator(t *testing.T, dir *directory.Fake) *fakeLocator {
	t.Helper()
	return &fakeLocator{agents: map[string]*session.Agent{}, dbDir: t.TempDir(), dir: dir}
}

func (l *fakeLocator) Lookup(sessionID string) (*session.Agent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[sessionID]
	return a, ok
}

func (l *fakeLocator) Spawn(sessionID string) (*session.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.agents[sessionID]; ok {
		return a, nil
	}
	st, err := store.Open(filepath.Join(l.dbDir, sessionID+".db"))
	if err != nil {
		return nil, err
	}
	a := session.New(session.Deps{
		Store:       st,
		Directory:   l.dir,
		Provisioner: provisioner.New(5 * time.Second),
		GitHub:      gitprovider.NewFake(),
		GitLab:      gitprovider.NewFake(),
		Locator:     l,
		DefaultIdle: time.Hour,
	}, model.State{SessionID: sessionID})
	l.agents[sessionID] = a
	return a, nil
}

func (l *fakeLocator) register(sessionID string, a *session.Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[sessionID] = a
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "session.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := directory.NewFake()
	gh := gitprovider.NewFake()
	gl := gitprovider.NewFake()
	ps := newProvisionerServers(t)
	loc := newFakeLocator(t, dir)

	a := session.New(session.Deps{
		Store:       st,
		Directory:   dir,
		Provisioner: provisioner.New(5 * time.Second),
		GitHub:      gh,
		GitLab:      gl,
		Locator:     loc,
		DefaultIdle: time.Hour,
	}, model.State{})

	return &testHarness{agent: a, dir: dir, github: gh, gitlab: gl, provisioner: ps, locator: loc}
}

// registerSelf makes the harness's own agent reachable via the locator
// under sessionID, as the registry package would after Start.
func (h *testHarness) registerSelf(sessionID string) {
	h.locator.register(sessionID, h.agent)
}

func (h *testHarness) startRequest(sessionID string) session.StartRequest {
	return session.StartRequest{
		SessionID:    sessionID,
		OwnerUserID:  "owner-1",
		Workspace:    "/workspace",
		RunnerSecret: "topsecret",
		SpawnURL:     h.provisioner.spawn.URL,
		TerminateURL: h.provisioner.terminate.URL,
		HibernateURL: h.provisioner.hibernate.URL,
		RestoreURL:   h.provisioner.restore.URL,
	}
}
