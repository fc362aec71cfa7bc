package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/capitalize-ai/conversation-control/internal/service"
)

// ErrIgnored marks a well-formed payload that needs no dispatch, such as an
// ElevenLabs event type we do not consume.
var ErrIgnored = errors.New("webhook: event ignored")

// TwilioSMS is the form body of an incoming message webhook.
type TwilioSMS struct {
	MessageSID string
	AccountSID string
	From       string
	To         string
	Body       string
}

// DecodeTwilioSMS parses an incoming message webhook.
func DecodeTwilioSMS(body []byte) (TwilioSMS, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return TwilioSMS{}, err
	}
	m := TwilioSMS{
		MessageSID: firstOf(form, "MessageSid", "SmsSid"),
		AccountSID: form.Get("AccountSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
	if m.From == "" {
		return TwilioSMS{}, errors.New("missing From")
	}
	return m, nil
}

// Inbound converts the webhook into a service input.
func (m TwilioSMS) Inbound() service.InboundSMS {
	return service.InboundSMS{MessageSID: m.MessageSID, From: m.From, To: m.To, Body: m.Body}
}

// TwilioVoice is the form body of an incoming call webhook.
type TwilioVoice struct {
	CallSID    string
	From       string
	To         string
	Direction  string
	CallStatus string
}

// DecodeTwilioVoice parses an incoming call webhook.
func DecodeTwilioVoice(body []byte) (TwilioVoice, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return TwilioVoice{}, err
	}
	v := TwilioVoice{
		CallSID:    form.Get("CallSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Direction:  form.Get("Direction"),
		CallStatus: form.Get("CallStatus"),
	}
	if v.From == "" {
		return TwilioVoice{}, errors.New("missing From")
	}
	return v, nil
}

// Inbound converts the webhook into a service input.
func (v TwilioVoice) Inbound() service.InboundCall {
	return service.InboundCall{CallSID: v.CallSID, From: v.From, To: v.To, Direction: v.Direction}
}

// TwilioStatus is the form body of a message status callback.
type TwilioStatus struct {
	MessageSID   string
	Status       string
	ErrorCode    string
	ErrorMessage string
	From         string
	To           string
}

// DecodeTwilioStatus parses a message status callback.
func DecodeTwilioStatus(body []byte) (TwilioStatus, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return TwilioStatus{}, err
	}
	s := TwilioStatus{
		MessageSID:   firstOf(form, "MessageSid", "SmsSid"),
		Status:       firstOf(form, "MessageStatus", "SmsStatus"),
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
		From:         form.Get("From"),
		To:           form.Get("To"),
	}
	if s.MessageSID == "" || s.Status == "" {
		return TwilioStatus{}, errors.New("missing MessageSid or MessageStatus")
	}
	return s, nil
}

// Inbound converts the callback into a service input.
func (s TwilioStatus) Inbound() service.MessageStatus {
	return service.MessageStatus{
		MessageSID:   s.MessageSID,
		Status:       s.Status,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		From:         s.From,
		To:           s.To,
	}
}

func firstOf(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// ElevenLabsEventPostCall is the only ElevenLabs event type we consume.
const ElevenLabsEventPostCall = "post_call_transcription"

// ElevenLabsEvent is a conversational AI webhook.
type ElevenLabsEvent struct {
	Type           string         `json:"type"`
	EventTimestamp int64          `json:"event_timestamp"`
	Data           ElevenLabsCall `json:"data"`
}

// ElevenLabsCall is the data of a post-call webhook.
type ElevenLabsCall struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Transcript     []struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	} `json:"transcript"`
	Metadata struct {
		CallDurationSecs int `json:"call_duration_secs"`
		PhoneCall        struct {
			ExternalNumber string `json:"external_number"`
			AgentNumber    string `json:"agent_number"`
		} `json:"phone_call"`
	} `json:"metadata"`
	Analysis struct {
		CallSuccessful    string `json:"call_successful"`
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
	InitiationData struct {
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"conversation_initiation_client_data"`
}

// DecodeElevenLabs parses a conversational AI webhook. Event types other
// than post-call transcriptions return ErrIgnored.
func DecodeElevenLabs(body []byte) (ElevenLabsEvent, error) {
	var e ElevenLabsEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return ElevenLabsEvent{}, err
	}
	if e.Type != ElevenLabsEventPostCall {
		return e, fmt.Errorf("%w: type %q", ErrIgnored, e.Type)
	}
	if e.Data.ConversationID == "" {
		return ElevenLabsEvent{}, errors.New("missing conversation_id")
	}
	return e, nil
}

// CallerNumber is the customer's number.
func (e ElevenLabsEvent) CallerNumber() string {
	if n := e.Data.Metadata.PhoneCall.ExternalNumber; n != "" {
		return n
	}
	return e.dynamic("system__caller_id")
}

// CalledNumber is the organization's number the customer called.
func (e ElevenLabsEvent) CalledNumber() string {
	if n := e.Data.Metadata.PhoneCall.AgentNumber; n != "" {
		return n
	}
	return e.dynamic("system__called_number")
}

func (e ElevenLabsEvent) dynamic(name string) string {
	if v, ok := e.Data.InitiationData.DynamicVariables[name].(string); ok {
		return v
	}
	return ""
}

// Inbound converts the webhook into a service input.
func (e ElevenLabsEvent) Inbound() service.VoiceAIEvent {
	turns := make([]service.Turn, 0, len(e.Data.Transcript))
	for _, t := range e.Data.Transcript {
		turns = append(turns, service.Turn{Role: t.Role, Message: t.Message})
	}
	return service.VoiceAIEvent{
		CallID:          e.Data.ConversationID,
		CallerNumber:    e.CallerNumber(),
		CalledNumber:    e.CalledNumber(),
		Transcript:      turns,
		Summary:         e.Data.Analysis.TranscriptSummary,
		DurationSeconds: e.Data.Metadata.CallDurationSecs,
		Successful:      e.Data.Analysis.CallSuccessful == "success",
	}
}

type shopifyAddress struct {
	Phone string `json:"phone"`
}

// ShopifyOrder is an orders/create webhook.
type ShopifyOrder struct {
	ID              int64           `json:"id"`
	OrderNumber     int             `json:"order_number"`
	Name            string          `json:"name"`
	Phone           string          `json:"phone"`
	TotalPrice      string          `json:"total_price"`
	Currency        string          `json:"currency"`
	FinancialStatus string          `json:"financial_status"`
	Customer        *shopifyAddress `json:"customer"`
	BillingAddress  *shopifyAddress `json:"billing_address"`
	ShippingAddress *shopifyAddress `json:"shipping_address"`
}

// DecodeShopifyOrder parses an order webhook.
func DecodeShopifyOrder(body []byte) (ShopifyOrder, error) {
	var o ShopifyOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return ShopifyOrder{}, err
	}
	if o.ID == 0 {
		return ShopifyOrder{}, errors.New("missing order id")
	}
	return o, nil
}

// CustomerPhone returns the first phone number found on the order.
func (o ShopifyOrder) CustomerPhone() string {
	if o.Phone != "" {
		return o.Phone
	}
	for _, a := range []*shopifyAddress{o.Customer, o.BillingAddress, o.ShippingAddress} {
		if a != nil && a.Phone != "" {
			return a.Phone
		}
	}
	return ""
}

// Inbound converts the webhook into a service input.
func (o ShopifyOrder) Inbound() service.Order {
	number := strings.TrimPrefix(o.Name, "#")
	if o.OrderNumber != 0 {
		number = strconv.Itoa(o.OrderNumber)
	}
	return service.Order{
		ID:          strconv.FormatInt(o.ID, 10),
		OrderNumber: number,
		Phone:       o.CustomerPhone(),
		Total:       o.TotalPrice,
		Currency:    o.Currency,
		Status:      o.FinancialStatus,
	}
}
