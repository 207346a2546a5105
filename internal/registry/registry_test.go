package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysession/sessiond/internal/directory"
	"github.com/relaysession/sessiond/internal/gitprovider"
	"github.com/relaysession/sessiond/internal/model"
	"github.com/relaysession/sessiond/internal/provisioner"
	"github.com/relaysession/sessiond/internal/registry"
	"github.com/relaysession/sessiond/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTemplate(t *testing.T) registry.Template {
	t.Helper()
	return registry.Template{
		StateBaseDir: t.TempDir(),
		Directory:    directory.NewFake(),
		Provisioner:  provisioner.New(5 * time.Second),
		GitHub:       gitprovider.NewFake(),
		GitLab:       gitprovider.NewFake(),
		DefaultIdle:  time.Hour,
	}
}

func TestSpawn_CreatesAndRegistersOnce(t *testing.T) {
	r := registry.New(newTemplate(t))

	a1, err := r.Spawn("sess-1")
	require.NoError(t, err)
	require.NotNil(t, a1)
	assert.Equal(t, 1, r.Count())

	a2, err := r.Spawn("sess-1")
	require.NoError(t, err)
	assert.Same(t, a1, a2, "spawning the same id twice must return the same Agent")
}

func TestLookup_FindsRegisteredAgentOnly(t *testing.T) {
	r := registry.New(newTemplate(t))

	_, ok := r.Lookup("missing")
	assert.False(t, ok)

	a, err := r.Spawn("sess-2")
	require.NoError(t, err)

	found, ok := r.Lookup("sess-2")
	assert.True(t, ok)
	assert.Same(t, a, found)
}

func TestGet_HydratesPersistedStateAcrossRestart(t *testing.T) {
	tmpl := newTemplate(t)

	// First process: persists a title to sess-3's SQLite file directly,
	// simulating an Agent that ran and exited.
	dbPath := filepath.Join(tmpl.StateBaseDir, "sess-3.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.PutState(t.Context(), &model.State{SessionID: "sess-3", Title: "recovered title"}))
	require.NoError(t, st.Close())

	// A fresh Registry sharing the same StateBaseDir should rehydrate the
	// persisted state instead of starting from a blank model.State.
	r := registry.New(tmpl)
	a, err := r.Get("sess-3")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "sess-3", a.SessionID())
	assert.Equal(t, "recovered title", a.Status().Title)
}

func TestGet_ReturnsSameAgentOnSecondCall(t *testing.T) {
	r := registry.New(newTemplate(t))

	a1, err := r.Get("sess-get")
	require.NoError(t, err)
	a2, err := r.Get("sess-get")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestRemove_EvictsFromProcessMap(t *testing.T) {
	r := registry.New(newTemplate(t))

	_, err := r.Spawn("sess-4")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())

	r.Remove("sess-4")
	assert.Equal(t, 0, r.Count())

	_, ok := r.Lookup("sess-4")
	assert.False(t, ok)
}
