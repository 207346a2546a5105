package directory

import (
	"context"
	"sync"

	"github.com/relaysession/sessiond/internal/model"
)

// Fake is an in-memory Client used by session package tests, following
// the teacher's pattern of swapping a fake collaborator behind the same
// interface used in production (spec.md SPEC_FULL §8).
type Fake struct {
	mu sync.Mutex

	Sessions  map[string]SessionRow
	GitStates map[string]GitStateRow
	Files     map[string][]FileChangeRow
	Audit     map[string][]model.AuditEntry
	Users     map[string]UserRow
	Memory    map[string][]MemoryRow
	OrgRepos  map[string][]RepoRow
	Personas  map[string][]PersonaRow
	Tokens    map[string]OAuthTokenRow
}

// NewFake returns an empty Fake directory.
func NewFake() *Fake {
	return &Fake{
		Sessions:  map[string]SessionRow{},
		GitStates: map[string]GitStateRow{},
		Files:     map[string][]FileChangeRow{},
		Audit:     map[string][]model.AuditEntry{},
		Users:     map[string]UserRow{},
		Memory:    map[string][]MemoryRow{},
		OrgRepos:  map[string][]RepoRow{},
		Personas:  map[string][]PersonaRow{},
		Tokens:    map[string]OAuthTokenRow{},
	}
}

func (f *Fake) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Sessions[sessionID]
	if !ok {
		return SessionRow{}, ErrNotFound
	}
	return row, nil
}

func (f *Fake) PutSession(ctx context.Context, row SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sessions[row.SessionID] = row
	return nil
}

func (f *Fake) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	row.Status = status
	f.Sessions[sessionID] = row
	return nil
}

func (f *Fake) FlushActiveSeconds(ctx context.Context, sessionID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	row.ActiveSeconds += delta
	f.Sessions[sessionID] = row
	return nil
}

func (f *Fake) GetGitState(ctx context.Context, sessionID string) (GitStateRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.GitStates[sessionID]
	if !ok {
		return GitStateRow{}, ErrNotFound
	}
	return row, nil
}

func (f *Fake) PutGitState(ctx context.Context, row GitStateRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GitStates[row.SessionID] = row
	return nil
}

func (f *Fake) UpsertFileChange(ctx context.Context, row FileChangeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := f.Files[row.SessionID]
	for i, existing := range files {
		if existing.Path == row.Path {
			files[i] = row
			f.Files[row.SessionID] = files
			return nil
		}
	}
	f.Files[row.SessionID] = append(files, row)
	return nil
}

func (f *Fake) AppendAudit(ctx context.Context, sessionID string, entries []model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Audit[sessionID] = append(f.Audit[sessionID], entries...)
	return nil
}

func (f *Fake) ResolveUser(ctx context.Context, userID string) (UserRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Users[userID]
	if !ok {
		return UserRow{UserID: userID}, nil
	}
	return row, nil
}

func (f *Fake) MemoryRead(ctx context.Context, userID, key, query string) ([]MemoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.Memory[userID]
	if key == "" {
		return rows, nil
	}
	for _, r := range rows {
		if r.Key == key {
			return []MemoryRow{r}, nil
		}
	}
	return nil, nil
}

func (f *Fake) MemoryWrite(ctx context.Context, userID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.Memory[userID]
	for i, r := range rows {
		if r.Key == key {
			rows[i].Value = value
			f.Memory[userID] = rows
			return nil
		}
	}
	f.Memory[userID] = append(rows, MemoryRow{Key: key, Value: value})
	return nil
}

func (f *Fake) MemoryDelete(ctx context.Context, userID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.Memory[userID]
	out := rows[:0]
	for _, r := range rows {
		if r.Key != key {
			out = append(out, r)
		}
	}
	f.Memory[userID] = out
	return nil
}

func (f *Fake) BoostRelevance(ctx context.Context, userID string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.Memory[userID]
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for i, r := range rows {
		if want[r.Key] {
			rows[i].Relevance++
		}
	}
	f.Memory[userID] = rows
	return nil
}

func (f *Fake) ListOrgRepos(ctx context.Context, userID string) ([]RepoRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OrgRepos[userID], nil
}

func (f *Fake) ListPersonas(ctx context.Context, userID string) ([]PersonaRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Personas[userID], nil
}

func (f *Fake) GetOAuthToken(ctx context.Context, userID, provider string) (OAuthTokenRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Tokens[userID+"/"+provider]
	if !ok {
		return OAuthTokenRow{}, ErrNotFound
	}
	return row, nil
}

func (f *Fake) PutOAuthToken(ctx context.Context, row OAuthTokenRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens[row.UserID+"/"+row.Provider] = row
	return nil
}

func (f *Fake) ChildSessions(ctx context.Context, parentSessionID string) ([]SessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SessionRow
	for _, row := range f.Sessions {
		if row.ParentSessionID == parentSessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

var _ Client = (*Fake)(nil)
var _ Client = (*HTTPClient)(nil)
