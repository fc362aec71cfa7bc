package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/internal/broadcast"
	"github.com/capitalize-ai/conversation-control/internal/directory"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/session"
	"github.com/capitalize-ai/conversation-control/internal/sms"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

const (
	customerA = "+15551230000"
	carrierA  = "+15550001111"
	customerB = "+15559990000"
	carrierB  = "+15550002222"
)

var (
	bob   = model.Agent{ID: "agent-bob", Name: "bob", OrganizationID: "A"}
	amy   = model.Agent{ID: "agent-amy", Name: "amy", OrganizationID: "A"}
	mallo = model.Agent{ID: "agent-mallory", Name: "mallory", OrganizationID: "B"}
)

type fakeSMS struct {
	mu   sync.Mutex
	sent []sms.OutboundSMS
	err  error
}

func (f *fakeSMS) Send(_ context.Context, msg sms.OutboundSMS) (sms.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return sms.Delivery{}, f.err
	}
	f.sent = append(f.sent, msg)
	return sms.Delivery{MessageSID: "SM" + msg.Body, Status: "queued"}, nil
}

func (f *fakeSMS) Sent() []sms.OutboundSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sms.OutboundSMS(nil), f.sent...)
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []model.Transcript
	reply string
	err   error
	gate  chan struct{}
}

func (f *fakeResponder) Respond(ctx context.Context, t model.Transcript) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeResponder) Calls() []model.Transcript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Transcript(nil), f.calls...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeRecorder) Record(_ context.Context, e model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRecorder) Types() []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc       *Service
	sms       *fakeSMS
	responder *fakeResponder
	recorder  *fakeRecorder
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir, err := directory.NewStatic([]directory.Organization{
		{
			ID:      "A",
			Numbers: []string{carrierA},
			Contacts: []directory.Contact{
				{LeadID: "L1", Name: "Jane", Phone: customerA},
			},
		},
		{
			ID:      "B",
			Numbers: []string{carrierB},
			Contacts: []directory.Contact{
				{LeadID: "L9", Name: "Sam", Phone: customerB},
			},
		},
	})
	require.NoError(t, err)

	h := &harness{
		sms:       &fakeSMS{},
		responder: &fakeResponder{reply: "Thanks, how can I help?"},
		recorder:  &fakeRecorder{},
		clock:     &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = New(Deps{
		Sessions:  session.NewRegistry().WithClock(h.clock.Now),
		Hub:       broadcast.NewHub(logger.NewNop(), broadcast.WithBufferSize(256)),
		Directory: dir,
		SMS:       h.sms,
		Responder: h.responder,
		Recorder:  h.recorder,
	}, Config{AITimeout: 5 * time.Second}, logger.NewNop()).WithClock(h.clock.Now)
	t.Cleanup(h.svc.Close)
	return h
}

// watch subscribes to a conversation and returns a function draining the
// events received so far.
func (h *harness) watch(t *testing.T, conversationID, org string) func() []model.Event {
	t.Helper()
	c, err := h.svc.Hub().Subscribe(broadcast.Subscription{ConversationID: conversationID, OrganizationID: org})
	require.NoError(t, err)
	<-c.Events()

	return func() []model.Event {
		var out []model.Event
		for {
			select {
			case e, ok := <-c.Events():
				if !ok {
					return out
				}
				out = append(out, e)
			default:
				return out
			}
		}
	}
}

func types(events []model.Event) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func codeOf(t *testing.T, err error) ErrorCode {
	t.Helper()
	var se *Error
	require.True(t, errors.As(err, &se), "expected *service.Error, got %v", err)
	return se.Code
}
