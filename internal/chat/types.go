package chat

import (
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Mode string

const (
	ModeReasoning Mode = "reasoning"
	ModeImage     Mode = "image"
)

type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one element of a multimodal turn. For image parts URL holds either a
// remote URL or a data: URL.
type Part struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// Turn is one message of a conversation. Content is the plain text form; Parts is
// set only for multimodal turns.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`
}

func (t Turn) Multimodal() bool {
	for _, p := range t.Parts {
		if p.Kind == PartImage {
			return true
		}
	}
	return false
}

// Text returns the textual content of the turn, joining text parts when Content is empty.
func (t Turn) Text() string {
	if t.Content != "" || len(t.Parts) == 0 {
		return t.Content
	}
	texts := make([]string, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.Kind == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type AttachedFile struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	MimeType string `json:"mime_type"`
}

func (f AttachedFile) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(f.MimeType), "image/") && strings.HasPrefix(f.Content, "data:")
}

// StreamUpdate is one increment produced by the orchestrator. Text and Thought are
// accumulated snapshots; consumers replace what they show rather than append.
type StreamUpdate struct {
	Text            string `json:"text,omitempty"`
	Thought         string `json:"thought,omitempty"`
	IsComplete      bool   `json:"is_complete"`
	Mode            Mode   `json:"mode"`
	Status          Status `json:"status"`
	Restarted       bool   `json:"restarted,omitempty"`
	NewHistoryEntry *Turn  `json:"new_history_entry,omitempty"`
}
