package model

import "time"

// QuestionStatus is the lifecycle of a runner-posed question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
	QuestionExpired  QuestionStatus = "expired"
)

// ExpiredAnswer is delivered to the runner when the scheduler expires a
// question instead of a human answering it (spec.md §4.7).
const ExpiredAnswer = "__expired__"

// Question is a single pending (or resolved) runner question.
type Question struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Options   []string       `json:"options,omitempty"`
	Status    QuestionStatus `json:"status"`
	Answer    string         `json:"answer,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// IsResolved reports whether the question no longer accepts an answer.
func (q *Question) IsResolved() bool {
	return q.Status == QuestionAnswered || q.Status == QuestionExpired
}
