package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/sms"
)

func TestHandoffScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.watch(t, "L1", "A")

	s1, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "(555) 123-0000", HandoffReason: "asked for a person"})
	require.NoError(t, err)
	assert.Equal(t, "bob", s1.AgentName)
	assert.Equal(t, "L1", s1.LeadID)
	assert.Equal(t, customerA, s1.Key.Phone)

	h.clock.Advance(30 * time.Second)
	_, err = h.svc.Join(ctx, amy, JoinRequest{PhoneNumber: customerA})
	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrorAlreadyControlled, se.Code)
	assert.Equal(t, 409, se.Code.HTTPStatus())
	assert.Equal(t, "bob", se.Details["agentName"])

	sent, err := h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Session.MessageCount)
	assert.Equal(t, "SMhi", sent.Delivery.MessageSID)
	require.Len(t, h.sms.Sent(), 1)
	assert.Equal(t, carrierA, h.sms.Sent()[0].From)
	assert.Equal(t, customerA, h.sms.Sent()[0].To)

	h.clock.Advance(time.Minute)
	left, err := h.svc.Leave(ctx, bob, LeaveRequest{PhoneNumber: customerA, Summary: "booked cleaning"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, left.Session.Status)
	assert.GreaterOrEqual(t, left.Session.DurationMs, int64(0))
	require.NotNil(t, left.Session.HandoffSuccess)
	assert.True(t, *left.Session.HandoffSuccess)
	assert.Empty(t, left.UnprocessedMessages)

	status, err := h.svc.Status(ctx, bob, customerA)
	require.NoError(t, err)
	assert.False(t, status.HumanControlled)
	assert.Nil(t, status.Session)

	assert.Equal(t, []model.EventType{
		model.EventControlStarted,
		model.EventAgentMessage,
		model.EventMessageStatus,
		model.EventControlEnded,
	}, types(events()))
	assert.Equal(t, []model.EventType{model.EventControlStarted, model.EventControlEnded}, h.recorder.Types())

	sum, ok := h.svc.History().Summary(model.ConversationKey{OrganizationID: "A", Phone: customerA})
	require.True(t, ok)
	assert.Equal(t, "booked cleaning", sum.Text)
}

func TestJoin_RecordsSystemMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	_, err = h.svc.Leave(ctx, bob, LeaveRequest{PhoneNumber: customerA})
	require.NoError(t, err)

	msgs := h.svc.History().List(model.ConversationKey{OrganizationID: "A", Phone: customerA})
	require.Len(t, msgs, 2)
	assert.Equal(t, "bob joined the conversation", msgs[0].Content)
	assert.Equal(t, model.SentBySystem, msgs[0].SentBy)
	assert.Equal(t, "bob left the conversation", msgs[1].Content)
}

func TestJoin_CustomMessageIsDelivered(t *testing.T) {
	h := newHarness(t)

	s, err := h.svc.Join(context.Background(), bob, JoinRequest{PhoneNumber: customerA, CustomMessage: "Hi Jane, this is Bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.MessageCount)

	sent := h.sms.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Jane, this is Bob", sent[0].Body)
}

func TestJoin_OrganizationIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, mallo, JoinRequest{PhoneNumber: customerA})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))
	assert.Equal(t, 403, ErrorIsolationViolation.HTTPStatus())

	_, err = h.svc.Join(ctx, mallo, JoinRequest{PhoneNumber: customerB, LeadID: "L1"})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))

	_, err = h.svc.Status(ctx, mallo, customerA)
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))
}

func TestJoin_OwnLeadCannotUnlockForeignNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerB, LeadID: "L1", CustomMessage: "hello from org A"})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))
	assert.Empty(t, h.sms.Sent())
	assert.Empty(t, h.svc.MySessions(bob))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "+15550007777", LeadID: "L1"})
	assert.Equal(t, ErrorInvalidInput, codeOf(t, err))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "+15550007777", LeadID: "L9"})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))

	s, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "(555) 123-0000", LeadID: "L1"})
	require.NoError(t, err)
	assert.Equal(t, "L1", s.LeadID)
}

func TestSendMessage_LeadIsAuthorized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: "+15550007777", Message: "hi", LeadID: "L9"})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	_, err = h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "hi", LeadID: "L9"})
	assert.Equal(t, ErrorIsolationViolation, codeOf(t, err))

	res, err := h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "hi", LeadID: "L1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Message.Content)
}

func TestJoin_UnknownNumberUsesAgentOrganization(t *testing.T) {
	h := newHarness(t)

	s, err := h.svc.Join(context.Background(), bob, JoinRequest{PhoneNumber: "+15550007777"})
	require.NoError(t, err)
	assert.Equal(t, "A", s.Key.OrganizationID)
	assert.Equal(t, "+15550007777", s.ConversationID())
}

func TestJoin_InvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, bob, JoinRequest{})
	assert.Equal(t, ErrorInvalidInput, codeOf(t, err))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "123"})
	assert.Equal(t, ErrorInvalidInput, codeOf(t, err))

	_, err = h.svc.Join(ctx, model.Agent{ID: "x"}, JoinRequest{PhoneNumber: customerA})
	assert.Equal(t, ErrorAuthentication, codeOf(t, err))
}

func TestSendMessage_RequiresControl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "hi"})
	assert.Equal(t, ErrorNotUnderControl, codeOf(t, err))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)

	_, err = h.svc.SendMessage(ctx, amy, SendRequest{PhoneNumber: customerA, Message: "hi"})
	assert.Equal(t, ErrorAlreadyControlled, codeOf(t, err))

	_, err = h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "  "})
	assert.Equal(t, ErrorInvalidInput, codeOf(t, err))
}

func TestSendMessage_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.watch(t, "L1", "A")

	_, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)

	h.sms.err = errors.New("carrier unavailable")
	res, err := h.svc.SendMessage(ctx, bob, SendRequest{PhoneNumber: customerA, Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, sms.StatusFailed, res.Delivery.Status)
	assert.Contains(t, res.DeliveryError, "carrier unavailable")
	assert.Equal(t, 1, res.Session.MessageCount)
	assert.Equal(t, "hi", res.Message.Content)

	got := events()
	last := got[len(got)-1]
	require.Equal(t, model.EventMessageStatus, last.Type)
	assert.Equal(t, "failed", last.Payload.(model.MessageStatusPayload).Status)
}

func TestLeave_NotUnderControl(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Leave(context.Background(), bob, LeaveRequest{PhoneNumber: customerA})
	assert.Equal(t, ErrorNotUnderControl, codeOf(t, err))
	assert.Equal(t, 400, ErrorNotUnderControl.HTTPStatus())
}

func TestLeave_ReturnsQueuedMessagesInOrderAndHandsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)

	for _, body := range []string{"first", "second", "third"} {
		res, err := h.svc.HandleInboundSMS(ctx, InboundSMS{From: customerA, To: carrierA, Body: body})
		require.NoError(t, err)
		assert.True(t, res.Queued)
	}
	assert.Empty(t, h.responder.Calls(), "no AI calls while a human holds control")

	left, err := h.svc.Leave(ctx, bob, LeaveRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	require.Len(t, left.UnprocessedMessages, 3)
	assert.Equal(t, "first", left.UnprocessedMessages[0].Content)
	assert.Equal(t, "second", left.UnprocessedMessages[1].Content)
	assert.Equal(t, "third", left.UnprocessedMessages[2].Content)

	h.svc.Wait()
	calls := h.responder.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Jane", calls[0].CustomerName)
	assert.Equal(t, "L1", calls[0].LeadID)
}

func TestMarkProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.MarkProcessed(ctx, bob, customerA, nil)
	assert.Equal(t, ErrorNotUnderControl, codeOf(t, err))

	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	_, _ = h.svc.HandleInboundSMS(ctx, InboundSMS{From: customerA, To: carrierA, Body: "one"})
	_, _ = h.svc.HandleInboundSMS(ctx, InboundSMS{From: customerA, To: carrierA, Body: "two"})

	status, err := h.svc.Status(ctx, bob, customerA)
	require.NoError(t, err)
	assert.Equal(t, PendingCounts{Customer: 2, System: 0, Total: 2}, status.Pending)
	assert.Equal(t, 2, status.Session.CustomerResponsesPending)

	queued, err := h.svc.Queue(ctx, bob, customerA, false)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	res, err := h.svc.MarkProcessed(ctx, bob, customerA, []string{queued[0].ID})
	require.NoError(t, err)
	assert.Equal(t, QueueResult{Processed: 1, Pending: 1}, res)

	res, err = h.svc.MarkProcessed(ctx, bob, customerA, nil)
	require.NoError(t, err)
	assert.Equal(t, QueueResult{Processed: 1, Pending: 0}, res)

	all, err := h.svc.Queue(ctx, bob, customerA, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	left, err := h.svc.Leave(ctx, bob, LeaveRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	assert.Empty(t, left.UnprocessedMessages)
}

func TestMySessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: customerA})
	require.NoError(t, err)
	_, err = h.svc.Join(ctx, bob, JoinRequest{PhoneNumber: "+15550007777"})
	require.NoError(t, err)

	assert.Len(t, h.svc.MySessions(bob), 2)
	assert.Empty(t, h.svc.MySessions(amy))
}
