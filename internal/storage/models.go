package storage

import (
	"time"

	"nexuschat/internal/chat"
)

type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Persona   string    `json:"persona,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           chat.Role   `json:"role"`
	Content        string      `json:"content"`
	Thought        string      `json:"thought,omitempty"`
	Mode           chat.Mode   `json:"mode,omitempty"`
	Status         chat.Status `json:"status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Persona struct {
	Owner        string    `json:"-"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type OwnerSettings struct {
	Owner              string
	EncAPIKey          *string
	ActiveConversation *string
	UpdatedAt          time.Time
}

type AuditEntry struct {
	Owner    string
	Action   string
	MetaJSON string
}
