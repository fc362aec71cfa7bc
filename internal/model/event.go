package model

import (
	"errors"
	"fmt"
	"time"
)

// EventType represents the kind of conversation event pushed to dashboards.
type EventType string

const (
	EventConnected           EventType = "connected"
	EventHeartbeat           EventType = "heartbeat"
	EventConversationHistory EventType = "conversation_history"
	EventControlStarted      EventType = "human_control_started"
	EventControlEnded        EventType = "human_control_ended"
	EventAgentMessage        EventType = "agent_message"
	EventCustomerMessage     EventType = "customer_message"
	EventMessageQueued       EventType = "message_queued"
	EventQueueProcessed      EventType = "queue_processed"
	EventAIMessage           EventType = "ai_message"
	EventMessageStatus       EventType = "message_status"
	EventCallStarted         EventType = "call_started"
	EventCallCompleted       EventType = "call_completed"
	EventOrderUpdate         EventType = "order_update"
)

// Payload is implemented only by the payload types in this package, one per
// EventType.
type Payload interface {
	kind() EventType
}

// Event is one conversation update addressed to every connection viewing
// ConversationID within OrganizationID.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	OrganizationID string    `json:"organizationId"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        Payload   `json:"data"`
}

// NewEvent builds an event whose type is taken from its payload.
func NewEvent(conversationID, organizationID, phone string, p Payload) Event {
	e := Event{
		ConversationID: conversationID,
		OrganizationID: organizationID,
		PhoneNumber:    phone,
		Payload:        p,
	}
	if p != nil {
		e.Type = p.kind()
	}
	return e
}

// Validate checks the event is addressable and that its payload matches its
// declared type.
func (e Event) Validate() error {
	if e.ConversationID == "" {
		return errors.New("event: conversation id is required")
	}
	if e.OrganizationID == "" {
		return errors.New("event: organization id is required")
	}
	if e.Payload == nil {
		return fmt.Errorf("event: %s has no payload", e.Type)
	}

	switch e.Type {
	case EventConnected, EventHeartbeat, EventConversationHistory,
		EventControlStarted, EventControlEnded, EventAgentMessage,
		EventCustomerMessage, EventMessageQueued, EventQueueProcessed,
		EventAIMessage, EventMessageStatus, EventCallStarted,
		EventCallCompleted, EventOrderUpdate:
	default:
		return fmt.Errorf("event: unknown type %q", e.Type)
	}

	if got := e.Payload.kind(); got != e.Type {
		return fmt.Errorf("event: type %s carries %s payload", e.Type, got)
	}
	return nil
}

// ConnectedPayload acknowledges a new stream subscription.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

func (ConnectedPayload) kind() EventType { return EventConnected }

// HeartbeatPayload keeps idle streams open.
type HeartbeatPayload struct{}

func (HeartbeatPayload) kind() EventType { return EventHeartbeat }

// HistoryPayload carries the bounded transcript for a freshly opened stream.
type HistoryPayload struct {
	Messages []ConversationMessage `json:"messages"`
	Summary  *Summary              `json:"summary,omitempty"`
}

func (HistoryPayload) kind() EventType { return EventConversationHistory }

// ControlStartedPayload announces a human agent taking over.
type ControlStartedPayload struct {
	Session       Session `json:"session"`
	CustomMessage string  `json:"customMessage,omitempty"`
}

func (ControlStartedPayload) kind() EventType { return EventControlStarted }

// End causes reported in ControlEndedPayload.
const (
	EndCauseAgentLeft   = "agent_left"
	EndCauseIdleTimeout = "idle_timeout"
)

// ControlEndedPayload announces control returning to the AI.
type ControlEndedPayload struct {
	Session             Session         `json:"session"`
	Cause               string          `json:"cause"`
	UnprocessedMessages []QueuedMessage `json:"unprocessedMessages"`
}

func (ControlEndedPayload) kind() EventType { return EventControlEnded }

// AgentMessagePayload is a message written by the controlling human agent.
type AgentMessagePayload struct {
	Message   ConversationMessage `json:"message"`
	SessionID string              `json:"sessionId"`
	AgentName string              `json:"agentName"`
}

func (AgentMessagePayload) kind() EventType { return EventAgentMessage }

// CustomerMessagePayload is an inbound customer message.
type CustomerMessagePayload struct {
	Message ConversationMessage `json:"message"`
	Channel string              `json:"channel"`
	Queued  bool                `json:"queued"`
}

func (CustomerMessagePayload) kind() EventType { return EventCustomerMessage }

// MessageQueuedPayload reports a message held for the controlling agent.
type MessageQueuedPayload struct {
	Message QueuedMessage `json:"message"`
	Pending int           `json:"pending"`
}

func (MessageQueuedPayload) kind() EventType { return EventMessageQueued }

// QueueProcessedPayload reports queued messages acknowledged by an agent.
type QueueProcessedPayload struct {
	Count       int    `json:"count"`
	Pending     int    `json:"pending"`
	ProcessedBy string `json:"processedBy"`
}

func (QueueProcessedPayload) kind() EventType { return EventQueueProcessed }

// AIMessagePayload is a reply produced on the AI-controlled path.
type AIMessagePayload struct {
	Message ConversationMessage `json:"message"`
}

func (AIMessagePayload) kind() EventType { return EventAIMessage }

// MessageStatusPayload reports carrier delivery progress for an outbound message.
type MessageStatusPayload struct {
	MessageSID string `json:"messageSid"`
	Status     string `json:"status"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (MessageStatusPayload) kind() EventType { return EventMessageStatus }

// CallStartedPayload reports an inbound voice call.
type CallStartedPayload struct {
	CallSID         string `json:"callSid"`
	Direction       string `json:"direction"`
	HumanControlled bool   `json:"humanControlled"`
}

func (CallStartedPayload) kind() EventType { return EventCallStarted }

// CallCompletedPayload reports a finished AI voice call.
type CallCompletedPayload struct {
	CallID          string `json:"callId"`
	Summary         string `json:"summary,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
	Turns           int    `json:"turns"`
	Successful      bool   `json:"successful"`
}

func (CallCompletedPayload) kind() EventType { return EventCallCompleted }

// OrderUpdatePayload reports a commerce order tied to the customer.
type OrderUpdatePayload struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Total       string `json:"total"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

func (OrderUpdatePayload) kind() EventType { return EventOrderUpdate }
