package domain

import (
	"time"
)

// Sender identifies which party authored a message.
type Sender string

const (
	// SenderUser marks messages typed by the human.
	SenderUser Sender = "user"
	// SenderAI marks messages produced by the persona.
	SenderAI Sender = "ai"
)

// ContentType describes how message content should be rendered.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentAudio:
		return true
	}
	return false
}

// Message is a single persisted chat entry.
type Message struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Sender          Sender      `json:"sender"`
	Content         string      `json:"content"`
	ContentType     ContentType `json:"content_type"`
	Timestamp       time.Time   `json:"timestamp"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	Proactive       bool        `json:"is_proactive,omitempty"`
	TriggerKind     string      `json:"trigger_kind,omitempty"`
	IsRead          bool        `json:"is_read"`
}

// FromUser reports whether the message was sent by the human.
func (m *Message) FromUser() bool {
	return m != nil && m.Sender == SenderUser
}
