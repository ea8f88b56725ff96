package messages

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three recognized values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Attachment carries binary content alongside a chat message. It is owned
// solely by the request that carries it and is never persisted here.
type Attachment struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
}

// ChatMessage is an immutable value constructed per outgoing request.
type ChatMessage struct {
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Timestamp   strfmt.DateTime `json:"timestamp,omitempty"`
}

// User builds a user message with the current timestamp.
func User(content string, attachments ...Attachment) ChatMessage {
	return ChatMessage{
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
		Timestamp:   strfmt.DateTime(time.Now()),
	}
}

// Assistant builds an assistant message with the current timestamp.
func Assistant(content string) ChatMessage {
	return ChatMessage{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: strfmt.DateTime(time.Now()),
	}
}

// System builds a system message with the current timestamp.
func System(content string) ChatMessage {
	return ChatMessage{
		Role:      RoleSystem,
		Content:   content,
		Timestamp: strfmt.DateTime(time.Now()),
	}
}
