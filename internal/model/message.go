package model

import (
	"time"
)

// SentBy identifies who authored a transcript entry.
type SentBy string

const (
	SentByUser       SentBy = "user"
	SentByAgent      SentBy = "agent"
	SentByHumanAgent SentBy = "human_agent"
	SentBySystem     SentBy = "system"
)

// MessageType is the medium of a transcript entry.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeVoice  MessageType = "voice"
	MessageTypeSystem MessageType = "system"
)

// ConversationMessage is one entry of the bounded in-process transcript.
type ConversationMessage struct {
	ID              string          `json:"id"`
	Content         string          `json:"content"`
	SentBy          SentBy          `json:"sentBy"`
	Type            MessageType     `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	ConversationKey ConversationKey `json:"conversationKey"`
}

// Summary is the latest recap stored for a conversation.
type Summary struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QueueType classifies queued messages.
type QueueType string

const (
	QueueTypeCustomer QueueType = "customer"
	QueueTypeSystem   QueueType = "system"
)

// QueuedMessage is a message captured while a human agent holds control and
// not yet acknowledged by that agent.
type QueuedMessage struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Type        QueueType  `json:"type"`
	Timestamp   time.Time  `json:"timestamp"`
	Processed   bool       `json:"processed"`
	ProcessedBy string     `json:"processedBy,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Transcript is what the AI path sees when asked for a reply.
type Transcript struct {
	Key          ConversationKey       `json:"conversationKey"`
	LeadID       string                `json:"leadId,omitempty"`
	CustomerName string                `json:"customerName,omitempty"`
	Channel      string                `json:"channel"`
	Summary      string                `json:"summary,omitempty"`
	Messages     []ConversationMessage `json:"messages"`
}
