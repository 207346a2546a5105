package model

import "encoding/json"

// Frame is the wire envelope for every WebSocket message in both the
// client-facing and runner-facing protocols (spec.md §4.1). Unrecognised
// fields are ignored by omission — callers unmarshal Payload into the
// concrete type matching Type.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into a Frame.
func Encode(frameType string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: b}, nil
}

// Decode unmarshals the Frame's payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}

// Inbound client payloads (spec.md §4.1).

type ClientPromptPayload struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type ClientAnswerPayload struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

type ClientRevertPayload struct {
	MessageID string `json:"messageId"`
}

type ClientDiffReviewPayload struct {
	RequestID string         `json:"requestId"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Inbound runner payloads.

type RunnerStreamPayload struct {
	Content string `json:"content"`
}

type RunnerResultPayload struct {
	Content string `json:"content"`
}

type RunnerToolPayload struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Status ToolStatus     `json:"status"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

type RunnerQuestionPayload struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

type RunnerScreenshotPayload struct {
	Data        string `json:"data"`
	Description string `json:"description,omitempty"`
}

type RunnerErrorPayload struct {
	Message string `json:"message"`
}

type RunnerAgentStatusPayload struct {
	Activity string `json:"activity"`
}

type RunnerModelsPayload struct {
	Models []string `json:"models"`
}

type RunnerModelSwitchedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type RunnerGitStatePayload struct {
	Branch      string `json:"branch"`
	BaseBranch  string `json:"baseBranch"`
	CommitCount int    `json:"commitCount"`
}

type RunnerPRCreatedPayload struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
}

type RunnerFileChangedEntry struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type RunnerFilesChangedPayload struct {
	Files []RunnerFileChangedEntry `json:"files"`
}

type RunnerTitlePayload struct {
	Title string `json:"title"`
}

type RunnerRevertedPayload struct {
	MessageID string `json:"messageId"`
}

// Outbound runner prompt frame (spec.md §4.4).

type GitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type PromptAuthor struct {
	ID    string      `json:"id"`
	Email string      `json:"email,omitempty"`
	Name  string       `json:"name,omitempty"`
	Git   GitIdentity `json:"gitIdentity"`
}

type RunnerPromptFrame struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Model         string            `json:"model,omitempty"`
	Author        PromptAuthor      `json:"author"`
	ModelPrefs    []ModelPreference `json:"modelPreferences,omitempty"`
}

// Outbound client frames.

type InitFrame struct {
	Transcript      []Message       `json:"transcript"`
	Status          Status          `json:"status"`
	SandboxPresent  bool            `json:"sandboxPresent"`
	Models          []string        `json:"models,omitempty"`
	ConnectedUsers  []ConnectedUser `json:"connectedUsers"`
	AuditLog        []AuditEntry    `json:"auditLog"`
}

type MessagesRemovedPayload struct {
	IDs []string `json:"ids"`
}

type StatusPayload struct {
	Status         Status `json:"status"`
	RunnerConnected bool   `json:"runnerConnected"`
}

type UserJoinedLeftPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// Cross-session RPC payloads (spec.md §4.5).

type SpawnChildPayload struct {
	RequestID string            `json:"requestId"`
	Task      string            `json:"task"`
	Workspace string            `json:"workspace,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

type SpawnChildResult struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SessionMessagePayload struct {
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetSessionId"`
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

type SessionMessagesPayload struct {
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetSessionId"`
	Limit     int    `json:"limit,omitempty"`
	After     string `json:"after,omitempty"`
}

type SessionMessagesResult struct {
	RequestID string    `json:"requestId"`
	Messages  []Message `json:"messages,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type ForwardMessagesPayload struct {
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetSessionId"`
	Limit     int    `json:"limit,omitempty"`
	After     string `json:"after,omitempty"`
}

type TerminateChildPayload struct {
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetSessionId"`
}

type SimpleResult struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

type MemoryReadPayload struct {
	RequestID string `json:"requestId"`
	Key       string `json:"key,omitempty"`
	Query     string `json:"query,omitempty"`
}

type MemoryWritePayload struct {
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

type MemoryDeletePayload struct {
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
}

type MemoryRow struct {
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Relevance float64 `json:"relevance"`
}

type MemoryResult struct {
	RequestID string      `json:"requestId"`
	Rows      []MemoryRow `json:"rows,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type ListReposPayload struct {
	RequestID string `json:"requestId"`
	Source    string `json:"source,omitempty"`
}

type RepoEntry struct {
	Name     string `json:"name"`
	FullName string `json:"fullName"`
	URL      string `json:"url"`
}

type ListReposResult struct {
	RequestID string      `json:"requestId"`
	Repos     []RepoEntry `json:"repos,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type GetSessionStatusPayload struct {
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetSessionId"`
}

type GetSessionStatusResult struct {
	RequestID       string    `json:"requestId"`
	Status          Status    `json:"status,omitempty"`
	RecentMessages  []Message `json:"recentMessages,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type ListChildSessionsPayload struct {
	RequestID string `json:"requestId"`
}

type ChildSessionSummary struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Status    Status `json:"status"`
}

type ListChildSessionsResult struct {
	RequestID string                `json:"requestId"`
	Children  []ChildSessionSummary `json:"children,omitempty"`
	Error     string                `json:"error,omitempty"`
}

type ListPersonasPayload struct {
	RequestID string `json:"requestId"`
}

type Persona struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ListPersonasResult struct {
	RequestID string    `json:"requestId"`
	Personas  []Persona `json:"personas,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Git-provider bridge payloads (spec.md §4.6).

type CreatePRPayload struct {
	RequestID  string `json:"requestId"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	HeadBranch string `json:"headBranch"`
}

type UpdatePRPayload struct {
	RequestID string `json:"requestId"`
	Number    int    `json:"number"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	State     string `json:"state,omitempty"`
}

type PRResult struct {
	RequestID string               `json:"requestId"`
	PR        *RunnerPRCreatedPayload `json:"pr,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type ListPullRequestsPayload struct {
	RequestID string `json:"requestId"`
	State     string `json:"state,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListPullRequestsResult struct {
	RequestID string                    `json:"requestId"`
	PRs       []RunnerPRCreatedPayload  `json:"pullRequests,omitempty"`
	Truncated bool                      `json:"truncated,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

type InspectPullRequestPayload struct {
	RequestID string `json:"requestId"`
	Number    int    `json:"number"`
}

type InspectPullRequestResult struct {
	RequestID     string                  `json:"requestId"`
	PR            *RunnerPRCreatedPayload `json:"pr,omitempty"`
	Files         []RunnerFileChangedEntry `json:"files,omitempty"`
	Reviews       []PRReview              `json:"reviews,omitempty"`
	ReviewComments []PRComment            `json:"reviewComments,omitempty"`
	CombinedStatus string                 `json:"combinedStatus,omitempty"`
	CheckRuns     []PRCheckRun            `json:"checkRuns,omitempty"`
	Truncated     bool                    `json:"truncated,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

type PRReview struct {
	ID        int64  `json:"id"`
	State     string `json:"state"`
	Author    string `json:"author"`
	Dismissed bool   `json:"dismissed"`
}

type PRComment struct {
	ID       int64  `json:"id"`
	ReviewID int64  `json:"reviewId,omitempty"`
	Body     string `json:"body"`
	Author   string `json:"author"`
}

type PRCheckRun struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
}
