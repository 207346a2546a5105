package session

import "github.com/relaysession/sessiond/internal/model"

// StartRequest is the body of POST /start (spec.md §6).
type StartRequest struct {
	SessionID    string
	OwnerUserID  string
	Workspace    string
	RunnerSecret string

	SandboxID  string
	TunnelURLs []string

	SpawnURL     string
	TerminateURL string
	HibernateURL string
	RestoreURL   string

	IdleTimeoutMS    int64
	SpawnRequestJSON string

	InitialPrompt string
	InitialModel  string

	ParentSessionID string

	Env map[string]string
}

// StatusSnapshot is the body of GET /status.
type StatusSnapshot struct {
	SessionID       string             `json:"sessionId"`
	Status          model.Status       `json:"status"`
	SandboxID       string             `json:"sandboxId,omitempty"`
	TunnelURLs      []string           `json:"tunnelUrls,omitempty"`
	RunnerBusy      bool               `json:"runnerBusy"`
	RunnerConnected bool               `json:"runnerConnected"`
	Title           string             `json:"title,omitempty"`
	ModelCatalogue  []string           `json:"modelCatalogue,omitempty"`
	ConnectedUsers  []model.ConnectedUser `json:"connectedUsers"`
}

// WebhookFields is the body of POST /webhook-update.
type WebhookFields struct {
	PRState     string `json:"prState,omitempty"`
	PRTitle     string `json:"prTitle,omitempty"`
	PRMergedAt  string `json:"prMergedAt,omitempty"`
	CommitCount int    `json:"commitCount,omitempty"`
	Branch      string `json:"branch,omitempty"`
}
