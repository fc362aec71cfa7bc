// Package sms delivers outbound text messages to customers.
package sms

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// OutboundSMS is one message to send.
type OutboundSMS struct {
	OrganizationID string
	From           string
	To             string
	Body           string
}

// Delivery is the provider's acceptance of a message.
type Delivery struct {
	MessageSID string `json:"messageSid"`
	Status     string `json:"status"`
}

// StatusFailed marks a message the carrier did not accept.
const StatusFailed = "failed"

// Sender sends SMS messages.
type Sender interface {
	Send(ctx context.Context, msg OutboundSMS) (Delivery, error)
}

// ErrMissingFrom is returned when no sending number is known.
var ErrMissingFrom = errors.New("sms: from number is required")

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender sends through the Twilio Messages API.
type TwilioSender struct {
	api            messageCreator
	defaultFrom    string
	statusCallback string
	log            *logger.Logger
}

// NewTwilioSender creates a sender. statusCallback, when set, is passed to
// Twilio so delivery updates reach the status webhook.
func NewTwilioSender(accountSID, authToken, defaultFrom, statusCallback string, log *logger.Logger) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("sms: missing Twilio credentials")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{
		api:            client.Api,
		defaultFrom:    defaultFrom,
		statusCallback: statusCallback,
		log:            logger.OrGlobal(log).Component("sms"),
	}, nil
}

// Send implements Sender.
func (t *TwilioSender) Send(ctx context.Context, msg OutboundSMS) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	from := msg.From
	if from == "" {
		from = t.defaultFrom
	}
	if from == "" {
		return Delivery{}, ErrMissingFrom
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(msg.To)
	params.SetBody(msg.Body)
	if t.statusCallback != "" {
		params.SetStatusCallback(t.statusCallback)
	}

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return Delivery{}, fmt.Errorf("sms: twilio create message: %w", err)
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		detail := ""
		if resp.ErrorMessage != nil {
			detail = *resp.ErrorMessage
		}
		return Delivery{}, fmt.Errorf("sms: twilio error %d: %s", *resp.ErrorCode, detail)
	}

	d := Delivery{Status: "queued"}
	if resp.Sid != nil {
		d.MessageSID = *resp.Sid
	}
	if resp.Status != nil {
		d.Status = *resp.Status
	}

	t.log.Info("sms sent",
		zap.String("organization_id", msg.OrganizationID),
		zap.String("message_sid", d.MessageSID),
		zap.String("status", d.Status))
	return d, nil
}

// LogSender only logs messages. Used when Twilio is not configured.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: logger.OrGlobal(log).Component("sms")}
}

// Send implements Sender.
func (l *LogSender) Send(_ context.Context, msg OutboundSMS) (Delivery, error) {
	d := Delivery{MessageSID: "log-" + uuid.NewString(), Status: "logged"}
	l.log.Info("sms not sent, no provider configured",
		zap.String("organization_id", msg.OrganizationID),
		zap.String("to", msg.To),
		zap.Int("length", len(msg.Body)),
		zap.String("message_sid", d.MessageSID))
	return d, nil
}
