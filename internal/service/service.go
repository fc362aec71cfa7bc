// Package service coordinates conversation ownership between the AI agent
// and human agents.
//
// Every composite operation on a conversation key runs under that key's
// lock, so join, leave, enqueue and reaping are linearizable per key while
// unrelated conversations proceed in parallel. Calls to external providers
// (SMS, LLM, event log) happen after the lock is released.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/broadcast"
	"github.com/capitalize-ai/conversation-control/internal/directory"
	"github.com/capitalize-ai/conversation-control/internal/history"
	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/queue"
	"github.com/capitalize-ai/conversation-control/internal/session"
	"github.com/capitalize-ai/conversation-control/internal/sms"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// Responder produces AI replies.
type Responder interface {
	Respond(ctx context.Context, t model.Transcript) (string, error)
}

// EventRecorder persists handoff events for reporting.
type EventRecorder interface {
	Record(ctx context.Context, e model.Event) error
}

// Config holds service timing settings.
type Config struct {
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
	AITimeout      time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    2 * time.Hour,
		ReaperInterval: 15 * time.Minute,
		AITimeout:      30 * time.Second,
	}
}

// Deps are the collaborators of a Service. Nil stores are created empty;
// a nil SMS sender logs instead of sending; a nil Responder disables the AI
// path; a nil Recorder skips event recording.
type Deps struct {
	Sessions  *session.Registry
	Queue     *queue.Queue
	History   *history.Store
	Hub       *broadcast.Hub
	Directory directory.Directory
	SMS       sms.Sender
	Responder Responder
	Recorder  EventRecorder
}

// Service is the conversation control plane.
type Service struct {
	sessions  *session.Registry
	queue     *queue.Queue
	history   *history.Store
	hub       *broadcast.Hub
	directory directory.Directory
	sms       sms.Sender
	responder Responder
	recorder  EventRecorder

	locks *keyed.Mutex
	cfg   Config
	now   func() time.Time
	log   *logger.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, cfg Config, log *logger.Logger) *Service {
	log = logger.OrGlobal(log).Component("service")

	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = def.AITimeout
	}

	if deps.Sessions == nil {
		deps.Sessions = session.NewRegistry()
	}
	if deps.Queue == nil {
		deps.Queue = queue.New()
	}
	if deps.History == nil {
		deps.History = history.NewStore()
	}
	if deps.Hub == nil {
		deps.Hub = broadcast.NewHub(log)
	}
	if deps.SMS == nil {
		deps.SMS = sms.NewLogSender(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sessions:  deps.Sessions,
		queue:     deps.Queue,
		history:   deps.History,
		hub:       deps.Hub,
		directory: deps.Directory,
		sms:       deps.SMS,
		responder: deps.Responder,
		recorder:  deps.Recorder,
		locks:     keyed.NewMutex(),
		cfg:       cfg,
		now:       time.Now,
		log:       log,
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
}

// WithClock overrides the time source used for reaping and returns s.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hub returns the broadcast hub events are published to.
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

// History returns the conversation history store.
func (s *Service) History() *history.Store {
	return s.history
}

// Wait blocks until background AI forwards have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// Close cancels background work and waits for it to stop.
func (s *Service) Close() {
	s.bgCancel()
	s.bg.Wait()
}

func (s *Service) lock(key model.ConversationKey) func() {
	return s.locks.Lock(key.String())
}

func (s *Service) publish(e model.Event) {
	if _, err := s.hub.Publish(e); err != nil {
		s.log.Error("failed to publish event",
			zap.String("event_type", string(e.Type)),
			zap.String("conversation_id", e.ConversationID),
			zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, e model.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		s.log.Warn("failed to record handoff event",
			zap.String("event_type", string(e.Type)),
			zap.String("conversation_id", e.ConversationID),
			zap.Error(err))
	}
}

// contact is the directory view of a conversation's customer.
type contact struct {
	leadID string
	name   string
}

// lookupContact returns the directory entry for phone when it belongs to
// organizationID. Unknown numbers yield an empty contact.
func (s *Service) lookupContact(ctx context.Context, organizationID, phone string) contact {
	if s.directory == nil {
		return contact{}
	}
	c, err := s.directory.Resolve(ctx, phone)
	if err != nil || c.OrganizationID != organizationID {
		return contact{}
	}
	return contact{leadID: c.LeadID, name: c.Name}
}

// authorize checks that agent's organization owns the conversation. The
// phone is always resolved; a leadID, when given, must belong to the same
// organization and to the same phone.
func (s *Service) authorize(ctx context.Context, agent model.Agent, phone, leadID string) (contact, error) {
	out := contact{leadID: leadID}
	if s.directory == nil {
		return out, nil
	}

	byPhone, found, err := known(s.directory.Resolve(ctx, phone))
	if err != nil {
		return contact{}, err
	}
	if found {
		if err := s.sameOrganization(agent, byPhone); err != nil {
			return contact{}, err
		}
		out.name = byPhone.Name
		if out.leadID == "" {
			out.leadID = byPhone.LeadID
		}
	}
	if leadID == "" {
		return out, nil
	}

	byLead, found, err := known(s.directory.ResolveLead(ctx, leadID))
	if err != nil {
		return contact{}, err
	}
	if !found {
		return out, nil
	}
	if err := s.sameOrganization(agent, byLead); err != nil {
		return contact{}, err
	}
	if byLead.Phone != "" && !model.SamePhone(byLead.Phone, phone) {
		return contact{}, newError(ErrorInvalidInput, "leadId does not match phoneNumber", nil).
			with("leadId", leadID)
	}
	out.name = byLead.Name
	return out, nil
}

// known folds directory.ErrNotFound into found=false.
func known(c directory.Contact, err error) (directory.Contact, bool, error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return directory.Contact{}, false, nil
	case err != nil:
		return directory.Contact{}, false, newError(ErrorInternal, "directory lookup failed", err)
	}
	return c, true, nil
}

func (s *Service) sameOrganization(agent model.Agent, c directory.Contact) error {
	if c.OrganizationID == agent.OrganizationID {
		return nil
	}
	s.log.Security("agent attempted to access another organization's conversation",
		zap.String("agent_id", agent.ID),
		zap.String("agent_organization_id", agent.OrganizationID),
		zap.String("conversation_organization_id", c.OrganizationID),
		zap.String("lead_id", c.LeadID))
	metrics.IsolationViolations.WithLabelValues("api").Inc()
	return newError(ErrorIsolationViolation, "conversation belongs to another organization", nil)
}

func conversationID(leadID string, key model.ConversationKey) string {
	if leadID != "" {
		return leadID
	}
	return key.Phone
}

// fromNumber returns the organization's sending number, or "" to let the
// sender use its default.
func (s *Service) fromNumber(ctx context.Context, organizationID string) string {
	if s.directory == nil {
		return ""
	}
	n, err := s.directory.FromNumber(ctx, organizationID)
	if err != nil {
		return ""
	}
	return n
}

// deliver sends text to the customer and publishes the carrier status.
func (s *Service) deliver(ctx context.Context, key model.ConversationKey, convID, text string) (sms.Delivery, error) {
	d, err := s.sms.Send(ctx, sms.OutboundSMS{
		OrganizationID: key.OrganizationID,
		From:           s.fromNumber(ctx, key.OrganizationID),
		To:             key.Phone,
		Body:           text,
	})
	if err != nil {
		s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.MessageStatusPayload{
			Status: sms.StatusFailed,
			Error:  err.Error(),
		}))
		return sms.Delivery{}, newError(ErrorTransientProvider, "sms delivery failed", err)
	}
	s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.MessageStatusPayload{
		MessageSID: d.MessageSID,
		Status:     d.Status,
	}))
	return d, nil
}

// forward asks the AI for a reply in the background. The reply is dropped
// if a human has taken control by the time it arrives.
func (s *Service) forward(key model.ConversationKey, c contact, channel string) {
	if s.responder == nil {
		metrics.AIForwardsTotal.WithLabelValues("disabled").Inc()
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ctx, cancel := context.WithTimeout(s.bgCtx, s.cfg.AITimeout)
		defer cancel()

		log := s.log.WithConversation(key.OrganizationID, key.Phone)

		t := model.Transcript{
			Key:          key,
			LeadID:       c.leadID,
			CustomerName: c.name,
			Channel:      channel,
			Messages:     s.history.List(key),
		}
		if sum, ok := s.history.Summary(key); ok {
			t.Summary = sum.Text
		}

		reply, err := s.responder.Respond(ctx, t)
		if err != nil {
			metrics.AIForwardsTotal.WithLabelValues("error").Inc()
			log.Warn("ai reply failed", zap.Error(err))
			return
		}

		convID := conversationID(c.leadID, key)
		unlock := s.lock(key)
		if _, human := s.sessions.Get(key); human {
			unlock()
			metrics.AIForwardsTotal.WithLabelValues("suppressed").Inc()
			log.Info("ai reply discarded, conversation under human control")
			return
		}
		msg := s.history.Append(key, reply, model.SentByAgent, model.MessageTypeText)
		s.publish(model.NewEvent(convID, key.OrganizationID, key.Phone, model.AIMessagePayload{Message: msg}))
		unlock()

		if channel == ChannelSMS {
			if _, err := s.deliver(ctx, key, convID, reply); err != nil {
				metrics.AIForwardsTotal.WithLabelValues("undelivered").Inc()
				log.Warn("ai reply not delivered", zap.Error(err))
				return
			}
		}
		metrics.AIForwardsTotal.WithLabelValues("sent").Inc()
	}()
}
