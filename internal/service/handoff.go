package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/session"
	"github.com/capitalize-ai/conversation-control/internal/sms"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// JoinRequest asks to take over a conversation.
type JoinRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	LeadID        string `json:"leadId,omitempty"`
	HandoffReason string `json:"handoffReason,omitempty"`
	CustomMessage string `json:"customMessage,omitempty"`
}

// SendRequest is a message from the controlling agent to the customer.
type SendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	LeadID      string `json:"leadId,omitempty"`
}

// SendResult reports an agent message and its delivery. The message is
// recorded even when the carrier rejects it; DeliveryError then says why.
type SendResult struct {
	Session       model.Session             `json:"session"`
	Message       model.ConversationMessage `json:"message"`
	Delivery      sms.Delivery              `json:"delivery"`
	DeliveryError string                    `json:"deliveryError,omitempty"`
}

// LeaveRequest returns a conversation to the AI.
type LeaveRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Summary        string `json:"summary,omitempty"`
	NextSteps      string `json:"nextSteps,omitempty"`
	HandoffSuccess *bool  `json:"handoffSuccess,omitempty"`
}

// LeaveResult is the terminal session and the messages handed back to the AI.
type LeaveResult struct {
	Session             model.Session         `json:"session"`
	UnprocessedMessages []model.QueuedMessage `json:"unprocessedMessages"`
}

// PendingCounts breaks down unprocessed queued messages.
type PendingCounts struct {
	Customer int `json:"customer"`
	System   int `json:"system"`
	Total    int `json:"total"`
}

// StatusResult describes who controls a conversation.
type StatusResult struct {
	PhoneNumber     string                `json:"phoneNumber"`
	HumanControlled bool                  `json:"humanControlled"`
	Session         *model.Session        `json:"session"`
	Pending         PendingCounts         `json:"pending"`
	Queue           []model.QueuedMessage `json:"queue"`
}

// QueueResult reports a mark-processed call.
type QueueResult struct {
	Processed int `json:"processed"`
	Pending   int `json:"pending"`
}

func (s *Service) agentKey(agent model.Agent, phone string) (model.ConversationKey, error) {
	if agent.ID == "" || agent.OrganizationID == "" {
		return model.ConversationKey{}, newError(ErrorAuthentication, "agent identity is incomplete", nil)
	}
	if strings.TrimSpace(phone) == "" {
		return model.ConversationKey{}, newError(ErrorInvalidInput, "phoneNumber is required", nil)
	}
	key, err := model.NewConversationKey(agent.OrganizationID, phone)
	if err != nil {
		return model.ConversationKey{}, newError(ErrorInvalidInput, "phoneNumber is invalid", err)
	}
	return key, nil
}

// Join hands the conversation to agent.
func (s *Service) Join(ctx context.Context, agent model.Agent, req JoinRequest) (model.Session, error) {
	key, err := s.agentKey(agent, req.PhoneNumber)
	if err != nil {
		return model.Session{}, err
	}
	c, err := s.authorize(ctx, agent, key.Phone, req.LeadID)
	if err != nil {
		return model.Session{}, err
	}

	unlock := s.lock(key)
	sess, err := s.sessions.Join(key, agent, c.leadID, req.HandoffReason)
	if err != nil {
		unlock()
		var conflict *session.AlreadyControlledError
		if errors.As(err, &conflict) {
			return model.Session{}, newError(ErrorAlreadyControlled, "conversation is already under human control", err).
				with("existingSession", conflict.Existing).
				with("agentName", conflict.Existing.AgentName).
				with("elapsedMs", conflict.Elapsed.Milliseconds())
		}
		return model.Session{}, newError(ErrorInternal, "join failed", err)
	}

	s.queue.Init(key)
	s.history.Append(key, fmt.Sprintf("%s joined the conversation", agent.Name), model.SentBySystem, model.MessageTypeSystem)

	custom := strings.TrimSpace(req.CustomMessage)
	var customMsg model.ConversationMessage
	if custom != "" {
		customMsg = s.history.Append(key, custom, model.SentByHumanAgent, model.MessageTypeText)
		sess, _ = s.sessions.Touch(key, session.Activity{MessagesSent: 1})
	}

	started := model.NewEvent(sess.ConversationID(), key.OrganizationID, key.Phone, model.ControlStartedPayload{
		Session:       sess,
		CustomMessage: custom,
	})
	s.publish(started)
	if custom != "" {
		s.publish(model.NewEvent(sess.ConversationID(), key.OrganizationID, key.Phone, model.AgentMessagePayload{
			Message:   customMsg,
			SessionID: sess.ID,
			AgentName: sess.AgentName,
		}))
	}
	unlock()

	s.log.WithConversation(key.OrganizationID, key.Phone).Info("human control started",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agent.ID),
		zap.String("lead_id", sess.LeadID))

	s.record(ctx, started)
	if custom != "" {
		if _, err := s.deliver(ctx, key, sess.ConversationID(), custom); err != nil {
			s.log.Warn("join message not delivered", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return sess, nil
}

// SendMessage delivers an agent message to the customer.
func (s *Service) SendMessage(ctx context.Context, agent model.Agent, req SendRequest) (SendResult, error) {
	key, err := s.agentKey(agent, req.PhoneNumber)
	if err != nil {
		return SendResult{}, err
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return SendResult{}, newError(ErrorInvalidInput, "message is required", nil)
	}
	if _, err := s.authorize(ctx, agent, key.Phone, req.LeadID); err != nil {
		return SendResult{}, err
	}

	unlock := s.lock(key)
	cur, ok := s.sessions.Get(key)
	if !ok {
		unlock()
		return SendResult{}, newError(ErrorNotUnderControl, "conversation is not under human control", session.ErrNotControlled)
	}
	if cur.AgentID != agent.ID {
		unlock()
		return SendResult{}, newError(ErrorAlreadyControlled, "conversation is controlled by another agent", nil).
			with("agentName", cur.AgentName)
	}

	sess, _ := s.sessions.Touch(key, session.Activity{MessagesSent: 1})
	msg := s.history.Append(key, text, model.SentByHumanAgent, model.MessageTypeText)
	s.publish(model.NewEvent(sess.ConversationID(), key.OrganizationID, key.Phone, model.AgentMessagePayload{
		Message:   msg,
		SessionID: sess.ID,
		AgentName: sess.AgentName,
	}))
	unlock()

	res := SendResult{Session: sess, Message: msg}
	d, err := s.deliver(ctx, key, sess.ConversationID(), text)
	if err != nil {
		s.log.WithConversation(key.OrganizationID, key.Phone).Warn("agent message not delivered",
			zap.String("session_id", sess.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		res.Delivery = sms.Delivery{Status: sms.StatusFailed}
		res.DeliveryError = err.Error()
		return res, nil
	}
	res.Delivery = d
	return res, nil
}

// Leave ends the agent's control and hands the conversation back to the AI.
func (s *Service) Leave(ctx context.Context, agent model.Agent, req LeaveRequest) (LeaveResult, error) {
	key, err := s.agentKey(agent, req.PhoneNumber)
	if err != nil {
		return LeaveResult{}, err
	}
	if _, err := s.authorize(ctx, agent, key.Phone, ""); err != nil {
		return LeaveResult{}, err
	}

	success := true
	if req.HandoffSuccess != nil {
		success = *req.HandoffSuccess
	}

	unlock := s.lock(key)
	res, ended, err := s.endLocked(key, model.EndData{
		Summary:        req.Summary,
		NextSteps:      req.NextSteps,
		HandoffSuccess: success,
		EndedBy:        agent.ID,
	}, model.EndCauseAgentLeft, fmt.Sprintf("%s left the conversation", agent.Name))
	unlock()
	if err != nil {
		return LeaveResult{}, err
	}

	s.afterEnd(ctx, key, res, ended)
	return res, nil
}

// endLocked terminates the session for key. Callers hold the key lock.
func (s *Service) endLocked(key model.ConversationKey, end model.EndData, cause, note string) (LeaveResult, model.Event, error) {
	sess, err := s.sessions.Leave(key, end)
	if err != nil {
		return LeaveResult{}, model.Event{}, newError(ErrorNotUnderControl, "conversation is not under human control", err)
	}

	drained := s.queue.Drain(key)
	s.history.Append(key, note, model.SentBySystem, model.MessageTypeSystem)
	if cause == model.EndCauseAgentLeft && strings.TrimSpace(end.Summary) != "" {
		s.history.StoreSummary(key, end.Summary)
	}

	ended := model.NewEvent(sess.ConversationID(), key.OrganizationID, key.Phone, model.ControlEndedPayload{
		Session:             sess,
		Cause:               cause,
		UnprocessedMessages: drained,
	})
	s.publish(ended)
	metrics.SessionsEnded.WithLabelValues(cause).Inc()

	return LeaveResult{Session: sess, UnprocessedMessages: drained}, ended, nil
}

// afterEnd records the termination and hands unprocessed customer messages
// back to the AI. Called without the key lock.
func (s *Service) afterEnd(ctx context.Context, key model.ConversationKey, res LeaveResult, ended model.Event) {
	s.log.WithConversation(key.OrganizationID, key.Phone).Info("human control ended",
		zap.String("session_id", res.Session.ID),
		zap.String("cause", ended.Payload.(model.ControlEndedPayload).Cause),
		zap.Int64("duration_ms", res.Session.DurationMs),
		zap.Int("unprocessed", len(res.UnprocessedMessages)))

	s.record(ctx, ended)

	for _, m := range res.UnprocessedMessages {
		if m.Type == model.QueueTypeCustomer {
			c := s.lookupContact(ctx, key.OrganizationID, key.Phone)
			c.leadID = res.Session.LeadID
			s.forward(key, c, ChannelSMS)
			return
		}
	}
}

// Status reports who controls the conversation and what is queued.
func (s *Service) Status(ctx context.Context, agent model.Agent, phone string) (StatusResult, error) {
	key, err := s.agentKey(agent, phone)
	if err != nil {
		return StatusResult{}, err
	}
	if _, err := s.authorize(ctx, agent, key.Phone, ""); err != nil {
		return StatusResult{}, err
	}

	res := StatusResult{PhoneNumber: key.Phone, Queue: []model.QueuedMessage{}}
	sess, ok := s.sessions.Get(key)
	if !ok {
		return res, nil
	}
	res.HumanControlled = true
	res.Session = &sess
	res.Pending = PendingCounts{
		Customer: s.queue.PendingCount(key, model.QueueTypeCustomer),
		System:   s.queue.PendingCount(key, model.QueueTypeSystem),
	}
	res.Pending.Total = res.Pending.Customer + res.Pending.System
	res.Queue = s.queue.List(key, false)
	return res, nil
}

// MySessions lists the agent's active sessions.
func (s *Service) MySessions(agent model.Agent) []model.Session {
	return s.sessions.ListByAgent(agent.ID)
}

// Queue lists messages queued on the conversation.
func (s *Service) Queue(ctx context.Context, agent model.Agent, phone string, includeProcessed bool) ([]model.QueuedMessage, error) {
	key, err := s.agentKey(agent, phone)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, agent, key.Phone, ""); err != nil {
		return nil, err
	}
	return s.queue.List(key, includeProcessed), nil
}

// ConversationHistory returns the stored transcript and summary for the
// agent's organization.
func (s *Service) ConversationHistory(ctx context.Context, agent model.Agent, phone string) (model.HistoryPayload, error) {
	key, err := s.agentKey(agent, phone)
	if err != nil {
		return model.HistoryPayload{}, err
	}
	if _, err := s.authorize(ctx, agent, key.Phone, ""); err != nil {
		return model.HistoryPayload{}, err
	}
	out := model.HistoryPayload{Messages: s.history.List(key)}
	if sum, ok := s.history.Summary(key); ok {
		out.Summary = &sum
	}
	return out, nil
}

// MarkProcessed acknowledges queued messages. An empty ids slice
// acknowledges everything pending.
func (s *Service) MarkProcessed(ctx context.Context, agent model.Agent, phone string, ids []string) (QueueResult, error) {
	key, err := s.agentKey(agent, phone)
	if err != nil {
		return QueueResult{}, err
	}
	if _, err := s.authorize(ctx, agent, key.Phone, ""); err != nil {
		return QueueResult{}, err
	}

	unlock := s.lock(key)
	defer unlock()

	if _, ok := s.sessions.Get(key); !ok {
		return QueueResult{}, newError(ErrorNotUnderControl, "conversation is not under human control", session.ErrNotControlled)
	}

	n := s.queue.MarkProcessed(key, ids, agent.ID)
	pending := s.queue.PendingCount(key, model.QueueTypeCustomer)
	sess, _ := s.sessions.Touch(key, session.Activity{Pending: &pending, KeepAlive: true})

	s.publish(model.NewEvent(sess.ConversationID(), key.OrganizationID, key.Phone, model.QueueProcessedPayload{
		Count:       n,
		Pending:     pending,
		ProcessedBy: agent.ID,
	}))
	return QueueResult{Processed: n, Pending: pending}, nil
}
