// Package model defines the durable entities owned by a single Session
// Agent: transcript messages, the prompt queue, questions, and the
// session's key/value state (spec.md §3).
package model

import "time"

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single row of the transcript. Ids are opaque and unique;
// order is total by CreatedAt. Tool messages are upserted keyed by
// Parts.ToolCallID; every other message is insert-only.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Parts     *Parts    `json:"parts,omitempty"`
	AuthorID  string    `json:"authorId,omitempty"`
	Author    string    `json:"authorName,omitempty"`
	Email     string    `json:"authorEmail,omitempty"`
	Avatar    string    `json:"authorAvatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PartsKind tags the variant carried by Parts. A message carries at most
// one kind of structured annotation, matching the teacher's pattern of
// one typed payload per row rather than an untyped map (spec.md §9).
type PartsKind string

const (
	PartsKindTool      PartsKind = "tool"
	PartsKindScreen    PartsKind = "screenshot"
	PartsKindForwarded PartsKind = "forwarded"
)

// Parts is the tagged variant for structured message annotations: tool
// call status, a screenshot payload, or forwarded-message provenance.
// Exactly one of the embedded pointers is populated, selected by Kind.
type Parts struct {
	Kind       PartsKind  `json:"kind"`
	Tool       *ToolParts `json:"tool,omitempty"`
	Screenshot *ScreenParts `json:"screenshot,omitempty"`
	Forwarded  *ForwardedParts `json:"forwarded,omitempty"`
}

// ToolStatus is the lifecycle of a runner tool invocation.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// ToolParts carries a single tool invocation's name, status, arguments
// and result, keyed by the runner-supplied call id.
type ToolParts struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Status ToolStatus     `json:"status"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// ScreenParts carries a base64-encoded screenshot and its description.
type ScreenParts struct {
	Data        string `json:"data"`
	Description string `json:"description,omitempty"`
}

// ForwardedParts records that a message was copied in from another
// session via the forward-messages cross-session RPC (spec.md §4.5).
type ForwardedParts struct {
	SourceSessionID string    `json:"sourceSessionId"`
	SourceTitle     string    `json:"sourceTitle,omitempty"`
	OriginalRole    Role      `json:"originalRole"`
	OriginalTime    time.Time `json:"originalCreatedAt"`
}
