package chat

import "time"

// Session groups the ordered messages of one conversation under a user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	ModelID   string    `json:"modelId,omitempty"`
	IsPinned  bool      `json:"isPinned"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionSummary is the list-view projection of a session. Title falls
// back to the first user message when the session was never renamed.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	IsPinned     bool      `json:"isPinned"`
	MessageCount int       `json:"messageCount"`
	ModelID      string    `json:"modelId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
