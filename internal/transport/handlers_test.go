package transport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/registry"
	"github.com/relaysession/sessiond/internal/session"
	"github.com/relaysession/sessiond/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer wires a Server backed by a fresh registry.Registry whose
// Provisioner points at a spawn/terminate/hibernate/restore httptest
// server, mirroring the teacher's own handler-test style of driving gin
// routes with httptest.NewRecorder rather than a live listener.
func newTestServer(t *testing.T) (*gin.Engine, *httptest.Server) {
	t.Helper()

	lifecycle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/terminate"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/hibernate"):
			json.NewEncoder(w).Encode(provisioner.SnapshotResult{SnapshotID: "snap-1"})
		case strings.HasSuffix(r.URL.Path, "/restore"):
			json.NewEncoder(w).Encode(provisioner.SpawnResult{SandboxID: "sandbox-2", TunnelURLs: []string{"https://tunnel.example/2"}})
		default:
			json.NewEncoder(w).Encode(provisioner.SpawnResult{SandboxID: "sandbox-1", TunnelURLs: []string{"https://tunnel.example/1"}})
		}
	}))
	t.Cleanup(lifecycle.Close)

	reg := registry.New(registry.Template{
		StateBaseDir: t.TempDir(),
		Directory:    directory.NewFake(),
		Provisioner:  provisioner.New(5 * time.Second),
		GitHub:       gitprovider.NewFake(),
		GitLab:       gitprovider.NewFake(),
		DefaultIdle:  time.Hour,
	})

	srv := transport.NewServer(reg)
	r := gin.New()
	srv.Register(r)
	return r, lifecycle
}

func startBody(lifecycle *httptest.Server) string {
	body, _ := json.Marshal(map[string]any{
		"ownerUserId":  "owner-1",
		"workspace":    "/workspace",
		"runnerSecret": "topsecret",
		"spawnUrl":     lifecycle.URL + "/spawn",
		"terminateUrl": lifecycle.URL + "/terminate",
		"hibernateUrl": lifecycle.URL + "/hibernate",
		"restoreUrl":   lifecycle.URL + "/restore",
	})
	return string(body)
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleStart_SpawnsAndReturnsStatus(t *testing.T) {
	r, lifecycle := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/sessions/sess-1/start", startBody(lifecycle))
	require.Equal(t, http.StatusOK, w.Code)

	var status session.StatusSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", string(status.Status))
}

func TestHandleStatus_UnknownSessionReturns404(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodGet, "/sessions/nope/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus_AfterStartReturnsStatus(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-2/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodGet, "/sessions/sess-2/status", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePrompt_QueuesAndReturnsAccepted(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-3/start", startBody(lifecycle)).Code)

	body := `{"authorId":"user-1","authorName":"Ada","content":"hello there"}`
	w := doJSON(r, http.MethodPost, "/sessions/sess-3/prompt", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandlePrompt_MissingContentIsBadRequest(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-4/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodPost, "/sessions/sess-4/prompt", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMessages_ReturnsTranscript(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-5/start", startBody(lifecycle)).Code)
	require.Equal(t, http.StatusAccepted, doJSON(r, http.MethodPost, "/sessions/sess-5/prompt", `{"authorId":"u1","content":"hi"}`).Code)

	w := doJSON(r, http.MethodGet, "/sessions/sess-5/messages", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0]["content"])
}

func TestHandleHibernateAndWake_RoundTrip(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-6/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodPost, "/sessions/sess-6/hibernate", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/sessions/sess-6/wake", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleStop_TerminatesSession(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-7/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodPost, "/sessions/sess-7/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status session.StatusSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "terminated", string(status.Status))
}

func TestHandleGC_RemovesFromRegistryOnlyAfterTerminated(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-8/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodPost, "/sessions/sess-8/gc", "")
	assert.Equal(t, http.StatusConflict, w.Code, "GC before termination must be rejected")

	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-8/stop", "").Code)
	w = doJSON(r, http.MethodPost, "/sessions/sess-8/gc", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/sessions/sess-8/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "GC should evict the session from the registry")
}

func TestHandleClientWebSocket_RejectsMissingIdentity(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-9/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodGet, "/sessions/sess-9/ws/client", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleRunnerWebSocket_RejectsWrongSecret(t *testing.T) {
	r, lifecycle := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(r, http.MethodPost, "/sessions/sess-10/start", startBody(lifecycle)).Code)

	w := doJSON(r, http.MethodGet, "/sessions/sess-10/ws/runner?secret=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
