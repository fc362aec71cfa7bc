package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/directory"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/session"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// Channels a customer can reach us on.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

// InboundSMS is a customer text received by the carrier.
type InboundSMS struct {
	MessageSID string
	From       string
	To         string
	Body       string
}

// InboundCall is a voice call received by the carrier.
type InboundCall struct {
	CallSID   string
	From      string
	To        string
	Direction string
}

// MessageStatus is a carrier delivery update for an outbound message.
type MessageStatus struct {
	MessageSID   string
	Status       string
	ErrorCode    string
	ErrorMessage string
	From         string
	To           string
}

// Turn is one utterance of an AI voice call.
type Turn struct {
	Role    string
	Message string
}

// VoiceAIEvent is a completed AI voice call.
type VoiceAIEvent struct {
	CallID          string
	CallerNumber    string
	CalledNumber    string
	Transcript      []Turn
	Summary         string
	DurationSeconds int
	Successful      bool
}

// Order is a commerce order placed by a customer.
type Order struct {
	ID          string
	OrderNumber string
	Phone       string
	Total       string
	Currency    string
	Status      string
}

// InboundResult describes how an inbound event was routed.
type InboundResult struct {
	ConversationID  string `json:"conversationId"`
	OrganizationID  string `json:"organizationId"`
	PhoneNumber     string `json:"phoneNumber"`
	HumanControlled bool   `json:"humanControlled"`
	Queued          bool   `json:"queued"`
}

// resolveInbound finds the organization for a customer number, preferring
// the carrier number the customer contacted.
func (s *Service) resolveInbound(ctx context.Context, customer, carrier string) (model.ConversationKey, contact, error) {
	if s.directory == nil {
		return model.ConversationKey{}, contact{}, newError(ErrorInternal, "directory is not configured", nil)
	}

	var org string
	if carrier != "" {
		id, err := s.directory.ResolveNumber(ctx, carrier)
		switch {
		case err == nil:
			org = id
		case errors.Is(err, directory.ErrNotFound), errors.Is(err, model.ErrInvalidPhone):
		default:
			return model.ConversationKey{}, contact{}, newError(ErrorInternal, "directory lookup failed", err)
		}
	}

	c, err := s.directory.Resolve(ctx, customer)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNotFound):
	case errors.Is(err, model.ErrInvalidPhone):
		return model.ConversationKey{}, contact{}, newError(ErrorInvalidInput, "customer number is invalid", err)
	default:
		return model.ConversationKey{}, contact{}, newError(ErrorInternal, "directory lookup failed", err)
	}
	if org == "" {
		org = c.OrganizationID
	}
	if org == "" {
		return model.ConversationKey{}, contact{}, newError(ErrorInvalidInput, "no organization for number", directory.ErrNotFound)
	}

	key, err := model.NewConversationKey(org, customer)
	if err != nil {
		return model.ConversationKey{}, contact{}, newError(ErrorInvalidInput, "customer number is invalid", err)
	}
	if c.OrganizationID != org {
		return key, contact{}, nil
	}
	return key, contact{leadID: c.LeadID, name: c.Name}, nil
}

// convIDLocked picks the conversation id for events: the active session's
// when one exists. Callers hold the key lock.
func (s *Service) convIDLocked(key model.ConversationKey, c contact) (string, *model.Session) {
	if sess, ok := s.sessions.Get(key); ok {
		return sess.ConversationID(), &sess
	}
	return conversationID(c.leadID, key), nil
}

// enqueueLocked queues content for the controlling agent and publishes it.
// Callers hold the key lock.
func (s *Service) enqueueLocked(key model.ConversationKey, convID, content string, typ model.QueueType) {
	qm := s.queue.Enqueue(key, content, typ)
	pending := s.queue.PendingCount(key, model.QueueTypeCustomer)
	s.sessions.Touch(key, session.Activity{Pending: &pending})
	metrics.MessagesQueued.WithLabelValues(string(typ)).Inc()

	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.MessageQueuedPayload{
		Message: qm,
		Pending: s.queue.PendingCount(key, ""),
	}))
}

// HandleInboundSMS routes a customer text. Under human control the message
// is queued for the agent; otherwise it is forwarded to the AI.
func (s *Service) HandleInboundSMS(ctx context.Context, in InboundSMS) (InboundResult, error) {
	if strings.TrimSpace(in.Body) == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "message body is empty", nil)
	}
	key, c, err := s.resolveInbound(ctx, in.From, in.To)
	if err != nil {
		return InboundResult{}, err
	}

	unlock := s.lock(key)
	convID, sess := s.convIDLocked(key, c)
	human := sess != nil

	msg := s.history.Append(key, in.Body, model.SentByUser, model.MessageTypeText)
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.CustomerMessagePayload{
		Message: msg,
		Channel: ChannelSMS,
		Queued:  human,
	}))
	if human {
		s.enqueueLocked(key, convID, in.Body, model.QueueTypeCustomer)
	}
	unlock()

	s.log.WithConversation(key.OrganizationID, key.Phone).Info("inbound sms routed",
		zap.String("message_sid", in.MessageSID),
		zap.Bool("human_controlled", human))

	if !human {
		s.forward(key, c, ChannelSMS)
	}
	return InboundResult{
		ConversationID:  convID,
		OrganizationID:  key.OrganizationID,
		PhoneNumber:     key.Phone,
		HumanControlled: human,
		Queued:          human,
	}, nil
}

// HandleInboundCall records an incoming call.
func (s *Service) HandleInboundCall(ctx context.Context, in InboundCall) (InboundResult, error) {
	key, c, err := s.resolveInbound(ctx, in.From, in.To)
	if err != nil {
		return InboundResult{}, err
	}

	unlock := s.lock(key)
	convID, sess := s.convIDLocked(key, c)
	human := sess != nil

	s.history.Append(key, "Incoming call", model.SentBySystem, model.MessageTypeVoice)
	if human {
		s.enqueueLocked(key, convID, fmt.Sprintf("Customer called (call %s)", in.CallSID), model.QueueTypeSystem)
	}
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.CallStartedPayload{
		CallSID:         in.CallSID,
		Direction:       in.Direction,
		HumanControlled: human,
	}))
	unlock()

	return InboundResult{
		ConversationID:  convID,
		OrganizationID:  key.OrganizationID,
		PhoneNumber:     key.Phone,
		HumanControlled: human,
		Queued:          human,
	}, nil
}

// HandleMessageStatus publishes a delivery update for an outbound message.
func (s *Service) HandleMessageStatus(ctx context.Context, in MessageStatus) (InboundResult, error) {
	if in.MessageSID == "" || in.Status == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "message sid and status are required", nil)
	}
	key, c, err := s.resolveInbound(ctx, in.To, in.From)
	if err != nil {
		return InboundResult{}, err
	}

	unlock := s.lock(key)
	convID, sess := s.convIDLocked(key, c)
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.MessageStatusPayload{
		MessageSID: in.MessageSID,
		Status:     in.Status,
		ErrorCode:  in.ErrorCode,
		Error:      in.ErrorMessage,
	}))
	unlock()

	return InboundResult{
		ConversationID:  convID,
		OrganizationID:  key.OrganizationID,
		PhoneNumber:     key.Phone,
		HumanControlled: sess != nil,
	}, nil
}

// HandleVoiceAIEvent stores the transcript and summary of a finished AI call.
func (s *Service) HandleVoiceAIEvent(ctx context.Context, in VoiceAIEvent) (InboundResult, error) {
	if in.CallerNumber == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "caller number is required", nil)
	}
	key, c, err := s.resolveInbound(ctx, in.CallerNumber, in.CalledNumber)
	if err != nil {
		return InboundResult{}, err
	}

	unlock := s.lock(key)
	convID, sess := s.convIDLocked(key, c)
	human := sess != nil

	turns := 0
	for _, t := range in.Transcript {
		if strings.TrimSpace(t.Message) == "" {
			continue
		}
		by := model.SentByAgent
		if t.Role == "user" {
			by = model.SentByUser
		}
		s.history.Append(key, t.Message, by, model.MessageTypeVoice)
		turns++
	}
	if in.Summary != "" {
		s.history.StoreSummary(key, in.Summary)
	}
	if human {
		note := "AI call completed"
		if in.Summary != "" {
			note += ": " + in.Summary
		}
		s.enqueueLocked(key, convID, note, model.QueueTypeSystem)
	}
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.CallCompletedPayload{
		CallID:          in.CallID,
		Summary:         in.Summary,
		DurationSeconds: in.DurationSeconds,
		Turns:           turns,
		Successful:      in.Successful,
	}))
	unlock()

	return InboundResult{
		ConversationID:  convID,
		OrganizationID:  key.OrganizationID,
		PhoneNumber:     key.Phone,
		HumanControlled: human,
		Queued:          human,
	}, nil
}

// HandleOrder notes a commerce order on the customer's conversation.
func (s *Service) HandleOrder(ctx context.Context, in Order) (InboundResult, error) {
	if in.Phone == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "order has no customer phone", nil)
	}
	key, c, err := s.resolveInbound(ctx, in.Phone, "")
	if err != nil {
		return InboundResult{}, err
	}

	note := fmt.Sprintf("Order #%s placed: %s %s", in.OrderNumber, in.Total, in.Currency)

	unlock := s.lock(key)
	convID, sess := s.convIDLocked(key, c)
	human := sess != nil

	s.history.Append(key, note, model.SentBySystem, model.MessageTypeSystem)
	if human {
		s.enqueueLocked(key, convID, note, model.QueueTypeSystem)
	}
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.OrderUpdatePayload{
		OrderID:     in.ID,
		OrderNumber: in.OrderNumber,
		Total:       in.Total,
		Currency:    in.Currency,
		Status:      in.Status,
	}))
	unlock()

	return InboundResult{
		ConversationID:  convID,
		OrganizationID:  key.OrganizationID,
		PhoneNumber:     key.Phone,
		HumanControlled: human,
		Queued:          human,
	}, nil
}
