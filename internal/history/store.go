// Package history keeps the bounded, organization-scoped conversation
// transcript used to rebuild context for dashboards and the AI path.
package history

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/internal/model"
)

// DefaultLimit is the number of messages retained per conversation.
const DefaultLimit = 50

type conversationLog struct {
	mu       sync.RWMutex
	messages []model.ConversationMessage
	summary  *model.Summary
}

// Store is an in-memory transcript store keyed by conversation.
type Store struct {
	logs  *keyed.Map[*conversationLog]
	limit int
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLimit overrides the per-conversation cap.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logs:  keyed.NewMap[*conversationLog](),
		limit: DefaultLimit,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) log(key model.ConversationKey) *conversationLog {
	var l *conversationLog
	s.logs.Update(key.String(), func(cur *conversationLog, ok bool) (*conversationLog, bool) {
		if !ok {
			cur = &conversationLog{}
		}
		l = cur
		return cur, true
	})
	return l
}

// Append adds a message to the conversation, evicting the oldest entries
// once the cap is exceeded.
func (s *Store) Append(key model.ConversationKey, content string, sentBy model.SentBy, typ model.MessageType) model.ConversationMessage {
	msg := model.ConversationMessage{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Content:         content,
		SentBy:          sentBy,
		Type:            typ,
		Timestamp:       s.now(),
		ConversationKey: key,
	}

	l := s.log(key)
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - s.limit; over > 0 {
		l.messages = append([]model.ConversationMessage(nil), l.messages[over:]...)
	}
	l.mu.Unlock()

	return msg
}

// List returns a chronological copy of the conversation.
func (s *Store) List(key model.ConversationKey) []model.ConversationMessage {
	l, ok := s.logs.Load(key.String())
	if !ok {
		return []model.ConversationMessage{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.ConversationMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// StoreSummary replaces the conversation's recap.
func (s *Store) StoreSummary(key model.ConversationKey, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l := s.log(key)
	l.mu.Lock()
	l.summary = &model.Summary{Text: text, UpdatedAt: s.now()}
	l.mu.Unlock()
}

// Summary returns the latest recap for the conversation.
func (s *Store) Summary(key model.ConversationKey) (model.Summary, bool) {
	l, ok := s.logs.Load(key.String())
	if !ok {
		return model.Summary{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.summary == nil {
		return model.Summary{}, false
	}
	return *l.summary, true
}

// Clear drops the transcript and summary for the conversation.
func (s *Store) Clear(key model.ConversationKey) {
	s.logs.Delete(key.String())
}
