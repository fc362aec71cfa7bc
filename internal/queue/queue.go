// Package queue buffers customer and system messages that arrive while a
// human agent controls a conversation.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/internal/model"
)

type sessionQueue struct {
	mu       sync.Mutex
	messages []model.QueuedMessage
}

// Queue holds one message buffer per conversation key.
type Queue struct {
	queues *keyed.Map[*sessionQueue]
	now    func() time.Time
}

// New creates an empty queue registry.
func New() *Queue {
	return &Queue{
		queues: keyed.NewMap[*sessionQueue](),
		now:    time.Now,
	}
}

// WithClock overrides the time source and returns q.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) get(key model.ConversationKey, create bool) *sessionQueue {
	var sq *sessionQueue
	q.queues.Update(key.String(), func(cur *sessionQueue, ok bool) (*sessionQueue, bool) {
		if !ok {
			if !create {
				return nil, false
			}
			cur = &sessionQueue{}
		}
		sq = cur
		return cur, true
	})
	return sq
}

// Init creates an empty queue for key, discarding any previous contents.
func (q *Queue) Init(key model.ConversationKey) {
	q.queues.Store(key.String(), &sessionQueue{})
}

// Enqueue appends a message to the key's queue.
func (q *Queue) Enqueue(key model.ConversationKey, content string, typ model.QueueType) model.QueuedMessage {
	msg := model.QueuedMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Content:   content,
		Type:      typ,
		Timestamp: q.now(),
	}

	sq := q.get(key, true)
	sq.mu.Lock()
	sq.messages = append(sq.messages, msg)
	sq.mu.Unlock()

	return msg
}

// List returns the queued messages in arrival order.
func (q *Queue) List(key model.ConversationKey, includeProcessed bool) []model.QueuedMessage {
	sq := q.get(key, false)
	if sq == nil {
		return []model.QueuedMessage{}
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	out := make([]model.QueuedMessage, 0, len(sq.messages))
	for _, m := range sq.messages {
		if m.Processed && !includeProcessed {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MarkProcessed marks the given messages consumed by processedBy. An empty
// ids slice marks every unprocessed message. Returns the number changed.
func (q *Queue) MarkProcessed(key model.ConversationKey, ids []string, processedBy string) int {
	sq := q.get(key, false)
	if sq == nil {
		return 0
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	now := q.now()
	sq.mu.Lock()
	defer sq.mu.Unlock()

	n := 0
	for i := range sq.messages {
		m := &sq.messages[i]
		if m.Processed {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[m.ID]; !ok {
				continue
			}
		}
		m.Processed = true
		m.ProcessedBy = processedBy
		at := now
		m.ProcessedAt = &at
		n++
	}
	return n
}

// PendingCount counts unprocessed messages, optionally of one type only.
func (q *Queue) PendingCount(key model.ConversationKey, typ model.QueueType) int {
	sq := q.get(key, false)
	if sq == nil {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	n := 0
	for _, m := range sq.messages {
		if m.Processed {
			continue
		}
		if typ != "" && m.Type != typ {
			continue
		}
		n++
	}
	return n
}

// Drain destroys the key's queue and returns its unprocessed messages in
// arrival order.
func (q *Queue) Drain(key model.ConversationKey) []model.QueuedMessage {
	sq, ok := q.queues.Delete(key.String())
	if !ok {
		return []model.QueuedMessage{}
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	out := make([]model.QueuedMessage, 0, len(sq.messages))
	for _, m := range sq.messages {
		if !m.Processed {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of live queues.
func (q *Queue) Len() int {
	return q.queues.Len()
}
