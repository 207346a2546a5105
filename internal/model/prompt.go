package model

import "time"

// PromptStatus is the lifecycle of a prompt-queue entry (spec.md §3).
type PromptStatus string

const (
	PromptQueued     PromptStatus = "queued"
	PromptProcessing PromptStatus = "processing"
	PromptCompleted  PromptStatus = "completed"
)

// PromptQueueEntry mirrors the user-role message that triggered it; its
// ID equals that message's ID. At most one entry is ever `processing`.
type PromptQueueEntry struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Model     string       `json:"model,omitempty"`
	Status    PromptStatus `json:"status"`
	AuthorID  string       `json:"authorId,omitempty"`
	Author    string       `json:"authorName,omitempty"`
	Email     string       `json:"authorEmail,omitempty"`
	Avatar    string       `json:"authorAvatar,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}
