// Package broadcast fans conversation events out to live dashboard
// connections.
//
// Connections are grouped by conversation id. A conversation id is not
// unique across organizations, so every delivery is checked against the
// connection's organization (and phone number, when both sides carry one).
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// DefaultBufferSize is the per-connection event buffer.
const DefaultBufferSize = 64

// Reasons a connection was removed.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonBufferFull   = "buffer_full"
	ReasonClosed       = "hub_closed"
)

// Subscription describes who is opening a stream.
type Subscription struct {
	ConversationID string
	OrganizationID string
	PhoneNumber    string
}

// Connection is one live subscriber. Events are read from Events until the
// channel is closed by the hub.
type Connection struct {
	ID             string    `json:"connectionId"`
	ConversationID string    `json:"conversationId"`
	OrganizationID string    `json:"organizationId"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`

	events    chan model.Event
	closeOnce sync.Once
	reason    string
}

// Events returns the connection's receive channel.
func (c *Connection) Events() <-chan model.Event {
	return c.events
}

// Reason reports why the hub closed the connection. Only valid after
// Events has been observed closed.
func (c *Connection) Reason() string {
	return c.reason
}

// close must be called with the owning shard locked.
func (c *Connection) close(reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.events)
		closed = true
	})
	return closed
}

type connSet map[string]*Connection

// Hub routes events to connections keyed by conversation id.
type Hub struct {
	conns      *keyed.Map[connSet]
	bufferSize int
	now        func() time.Time
	log        *logger.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-connection buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger, opts ...Option) *Hub {
	h := &Hub{
		conns:      keyed.NewMap[connSet](),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		log:        logger.OrGlobal(log).Component("broadcast"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a connection and queues its "connected" event.
func (h *Hub) Subscribe(sub Subscription) (*Connection, error) {
	if sub.ConversationID == "" {
		return nil, errors.New("broadcast: conversation id is required")
	}
	if sub.OrganizationID == "" {
		return nil, errors.New("broadcast: organization id is required")
	}

	c := &Connection{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: sub.ConversationID,
		OrganizationID: sub.OrganizationID,
		PhoneNumber:    sub.PhoneNumber,
		ConnectedAt:    h.now(),
		events:         make(chan model.Event, h.bufferSize),
	}
	c.events <- h.stamp(model.NewEvent(c.ConversationID, c.OrganizationID, c.PhoneNumber,
		model.ConnectedPayload{ConnectionID: c.ID}))

	h.conns.Update(c.ConversationID, func(set connSet, ok bool) (connSet, bool) {
		if !ok {
			set = make(connSet)
		}
		set[c.ID] = c
		return set, true
	})

	h.log.Debug("connection added",
		zap.String("conversation_id", c.ConversationID),
		zap.String("organization_id", c.OrganizationID),
		zap.String("connection_id", c.ID))

	return c, nil
}

// Unsubscribe removes a connection and closes its channel. Safe to call
// more than once and concurrently with Publish.
func (h *Hub) Unsubscribe(conversationID, connectionID string) {
	h.conns.Update(conversationID, func(set connSet, ok bool) (connSet, bool) {
		if !ok {
			return nil, false
		}
		if c, found := set[connectionID]; found {
			delete(set, connectionID)
			c.close(ReasonUnsubscribed)
		}
		return set, len(set) > 0
	})
}

// Publish delivers e to every matching connection under e.ConversationID
// and returns how many received it. Connections whose buffer is full are
// removed.
func (h *Hub) Publish(e model.Event) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	e = h.stamp(e)

	delivered := 0
	var dropped []string
	h.conns.Update(e.ConversationID, func(set connSet, ok bool) (connSet, bool) {
		if !ok {
			return nil, false
		}
		for id, c := range set {
			if c.OrganizationID != e.OrganizationID {
				h.log.Security("cross-organization delivery blocked",
					zap.String("conversation_id", e.ConversationID),
					zap.String("event_organization_id", e.OrganizationID),
					zap.String("connection_organization_id", c.OrganizationID),
					zap.String("connection_id", id),
					zap.String("event_type", string(e.Type)))
				metrics.IsolationViolations.WithLabelValues("broadcast").Inc()
				continue
			}
			if e.PhoneNumber != "" && c.PhoneNumber != "" && !model.SamePhone(e.PhoneNumber, c.PhoneNumber) {
				continue
			}

			select {
			case c.events <- e:
				delivered++
			default:
				delete(set, id)
				c.close(ReasonBufferFull)
				dropped = append(dropped, id)
			}
		}
		return set, len(set) > 0
	})

	for _, id := range dropped {
		metrics.ConnectionsDropped.WithLabelValues(ReasonBufferFull).Inc()
		h.log.Warn("connection removed after failed push",
			zap.String("conversation_id", e.ConversationID),
			zap.String("connection_id", id))
	}
	if delivered > 0 {
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Add(float64(delivered))
	}
	return delivered, nil
}

// Heartbeat builds a keep-alive event for c. Transports write it directly.
func (h *Hub) Heartbeat(c *Connection) model.Event {
	return h.stamp(model.NewEvent(c.ConversationID, c.OrganizationID, c.PhoneNumber, model.HeartbeatPayload{}))
}

// Stamp assigns a server id and timestamp to an event built outside Publish.
func (h *Hub) Stamp(e model.Event) model.Event {
	return h.stamp(e)
}

func (h *Hub) stamp(e model.Event) model.Event {
	e.ID = uuid.Must(uuid.NewV7()).String()
	e.Timestamp = h.now()
	return e
}

// Connections returns the number of live connections for a conversation id.
func (h *Hub) Connections(conversationID string) int {
	n := 0
	h.conns.Update(conversationID, func(set connSet, ok bool) (connSet, bool) {
		n = len(set)
		return set, ok
	})
	return n
}

// Conversations returns the number of conversation ids with live connections.
func (h *Hub) Conversations() int {
	return h.conns.Len()
}

// Close removes every connection and closes its channel.
func (h *Hub) Close() {
	var ids []string
	h.conns.Range(func(id string, _ connSet) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		h.conns.Update(id, func(set connSet, ok bool) (connSet, bool) {
			for _, c := range set {
				c.close(ReasonClosed)
			}
			return nil, false
		})
	}
	h.log.Debug("hub closed", zap.Int("conversations", len(ids)))
}
