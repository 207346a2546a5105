package model

import "time"

// Status is the lifecycle phase of a session (spec.md §4.2).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusHibernating  Status = "hibernating"
	StatusHibernated   Status = "hibernated"
	StatusRestoring    Status = "restoring"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Terminal reports whether Status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusTerminated
}

// ModelPreference is one entry in the owner's ordered model-preferences
// list, used by the runner for provider fail-over.
type ModelPreference struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// State is the per-session key/value table described in spec.md §3. It
// is the single source of truth for everything the lifecycle controller,
// prompt arbiter, and scheduler need that isn't itself a transcript row.
type State struct {
	SessionID   string `json:"sessionId"`
	OwnerUserID string `json:"ownerUserId"`
	Workspace   string `json:"workspace"`

	RunnerSecret string `json:"-"`

	Status Status `json:"status"`

	SandboxID  string   `json:"sandboxId,omitempty"`
	TunnelURLs []string `json:"tunnelUrls,omitempty"`
	SnapshotID string   `json:"snapshotId,omitempty"`

	RunnerBusy bool `json:"runnerBusy"`

	LastActivityAt    time.Time `json:"lastActivityAt"`
	RunningStartedAt  time.Time `json:"runningStartedAt,omitempty"`
	ActiveSecondsSent int64     `json:"activeSecondsSent"`

	IdleTimeout time.Duration `json:"idleTimeoutNs"`

	SpawnURL         string `json:"spawnUrl,omitempty"`
	TerminateURL     string `json:"terminateUrl,omitempty"`
	HibernateURL     string `json:"hibernateUrl,omitempty"`
	RestoreURL       string `json:"restoreUrl,omitempty"`
	SpawnRequestJSON string `json:"spawnRequestJson,omitempty"`

	InitialPrompt string `json:"initialPrompt,omitempty"`
	InitialModel  string `json:"initialModel,omitempty"`

	ModelCatalogue []string          `json:"modelCatalogue,omitempty"`
	ModelPrefs     []ModelPreference `json:"modelPreferences,omitempty"`

	Title string `json:"title,omitempty"`

	CurrentPromptAuthorID string `json:"currentPromptAuthorId,omitempty"`

	ParentSessionID string `json:"parentSessionId,omitempty"`
}

// NextActivity re-anchors LastActivityAt to now. Called on every inbound
// frame that counts as activity for idle-timeout purposes.
func (s *State) NextActivity(now time.Time) {
	s.LastActivityAt = now
}

// IdleDeadline returns the instant at which the session should begin
// hibernating if still running and idle.
func (s *State) IdleDeadline() time.Time {
	return s.LastActivityAt.Add(s.IdleTimeout)
}
