package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversation-control/internal/model"
)

const (
	// StreamName is the name of the handoff stream.
	StreamName = "HANDOFFS"

	// SubjectPrefix is the prefix for all handoff subjects.
	SubjectPrefix = "handoff"
)

// HandoffRecord is the durable form of a handoff event consumed by
// reporting.
type HandoffRecord struct {
	EventID        string          `json:"eventId"`
	Type           model.EventType `json:"type"`
	OrganizationID string          `json:"organizationId"`
	ConversationID string          `json:"conversationId"`
	PhoneNumber    string          `json:"phoneNumber,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Session        model.Session   `json:"session"`
	Cause          string          `json:"cause,omitempty"`
	Unprocessed    int             `json:"unprocessedMessages,omitempty"`
	Sequence       uint64          `json:"sequence,omitempty"`
}

// ErrNotRecordable is returned for events that carry no session.
var ErrNotRecordable = errors.New("nats: event is not a handoff")

// NewHandoffRecord flattens a handoff event.
func NewHandoffRecord(e model.Event) (HandoffRecord, error) {
	r := HandoffRecord{
		EventID:        e.ID,
		Type:           e.Type,
		OrganizationID: e.OrganizationID,
		ConversationID: e.ConversationID,
		PhoneNumber:    e.PhoneNumber,
		Timestamp:      e.Timestamp,
	}
	switch p := e.Payload.(type) {
	case model.ControlStartedPayload:
		r.Session = p.Session
	case model.ControlEndedPayload:
		r.Session = p.Session
		r.Cause = p.Cause
		r.Unprocessed = len(p.UnprocessedMessages)
	default:
		return HandoffRecord{}, ErrNotRecordable
	}
	return r, nil
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the handoff stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Human control session starts and terminations",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// token makes a value safe to use as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// HandoffSubject returns the subject for a handoff event.
func HandoffSubject(organizationID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(organizationID), token(conversationID), eventType)
}

// ConversationFilter returns the filter subject for all handoffs in a conversation.
func ConversationFilter(organizationID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(organizationID), token(conversationID))
}

// OrganizationFilter returns the filter subject for all handoffs of an organization.
func OrganizationFilter(organizationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, token(organizationID))
}

// Record publishes a handoff event. The event id is used as the JetStream
// message id so retried publishes are deduplicated by the server.
func (m *StreamManager) Record(ctx context.Context, e model.Event) error {
	rec, err := NewHandoffRecord(e)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}

	subject := HandoffSubject(rec.OrganizationID, rec.ConversationID, rec.Type)
	if _, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(rec.EventID)); err != nil {
		return fmt.Errorf("failed to publish handoff: %w", err)
	}
	return nil
}

// Handoffs reads up to limit recorded handoffs for an organization,
// optionally narrowed to one conversation.
func (m *StreamManager) Handoffs(ctx context.Context, organizationID, conversationID string, limit int) ([]HandoffRecord, error) {
	filter := OrganizationFilter(organizationID)
	if conversationID != "" {
		filter = ConversationFilter(organizationID, conversationID)
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch handoffs: %w", err)
	}

	records := make([]HandoffRecord, 0, limit)
	for msg := range batch.Messages() {
		var rec HandoffRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			rec.Sequence = meta.Sequence.Stream
		}
		records = append(records, rec)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return records, nil
}
