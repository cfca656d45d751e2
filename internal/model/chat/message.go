package chat

import "time"

// Message roles. The assistant message is written once, after its
// stream has concluded or been interrupted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message persists one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	ModelID   string    `json:"modelId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
