package webhook

import (
	"context"
	"net/http"

	"github.com/capitalize-ai/conversation-control/internal/service"
)

// HeaderShopifyShop and HeaderShopifyWebhookID identify a Shopify delivery.
const (
	HeaderShopifyShop      = "X-Shopify-Shop-Domain"
	HeaderShopifyWebhookID = "X-Shopify-Webhook-Id"
)

// Dispatcher receives normalized inbound events.
type Dispatcher interface {
	HandleInboundSMS(ctx context.Context, in service.InboundSMS) (service.InboundResult, error)
	HandleInboundCall(ctx context.Context, in service.InboundCall) (service.InboundResult, error)
	HandleMessageStatus(ctx context.Context, in service.MessageStatus) (service.InboundResult, error)
	HandleVoiceAIEvent(ctx context.Context, in service.VoiceAIEvent) (service.InboundResult, error)
	HandleOrder(ctx context.Context, in service.Order) (service.InboundResult, error)
}

// SMSStage handles incoming customer texts.
func SMSStage(v Verifier, limit Limit, d Dispatcher) Stage[TwilioSMS] {
	return Stage[TwilioSMS]{
		Provider: ProviderTwilioSMS,
		Verifier: v,
		Decode:   DecodeTwilioSMS,
		RateKey: func(_ *http.Request, m TwilioSMS) string {
			return PhoneKey("sms_incoming_", m.From)
		},
		Limit:     limit,
		DedupeKey: func(_ *http.Request, m TwilioSMS) string { return m.MessageSID },
		Dispatch: func(ctx context.Context, m TwilioSMS) error {
			_, err := d.HandleInboundSMS(ctx, m.Inbound())
			return err
		},
	}
}

// VoiceStage handles incoming calls. onResult, when set, observes how the
// call was routed so the caller can shape its TwiML reply.
func VoiceStage(v Verifier, limit Limit, d Dispatcher, onResult func(service.InboundResult)) Stage[TwilioVoice] {
	return Stage[TwilioVoice]{
		Provider: ProviderTwilioVoice,
		Verifier: v,
		Decode:   DecodeTwilioVoice,
		RateKey: func(_ *http.Request, c TwilioVoice) string {
			return PhoneKey("voice_incoming_", c.From)
		},
		Limit:     limit,
		DedupeKey: func(_ *http.Request, c TwilioVoice) string { return c.CallSID },
		Dispatch: func(ctx context.Context, c TwilioVoice) error {
			res, err := d.HandleInboundCall(ctx, c.Inbound())
			if err == nil && onResult != nil {
				onResult(res)
			}
			return err
		},
	}
}

// StatusStage handles delivery callbacks for outbound messages. Status
// callbacks repeat the MessageSid for every transition, so the delivery id
// includes the status.
func StatusStage(v Verifier, d Dispatcher) Stage[TwilioStatus] {
	return Stage[TwilioStatus]{
		Provider: ProviderTwilioStatus,
		Verifier: v,
		Decode:   DecodeTwilioStatus,
		DedupeKey: func(_ *http.Request, s TwilioStatus) string {
			return s.MessageSID + ":" + s.Status
		},
		Dispatch: func(ctx context.Context, s TwilioStatus) error {
			_, err := d.HandleMessageStatus(ctx, s.Inbound())
			return err
		},
	}
}

// VoiceAIStage handles completed AI voice calls.
func VoiceAIStage(v Verifier, limit Limit, d Dispatcher) Stage[ElevenLabsEvent] {
	return Stage[ElevenLabsEvent]{
		Provider: ProviderElevenLabs,
		Verifier: v,
		Decode:   DecodeElevenLabs,
		RateKey: func(_ *http.Request, e ElevenLabsEvent) string {
			return "voice_ai_" + e.Data.ConversationID
		},
		Limit:     limit,
		DedupeKey: func(_ *http.Request, e ElevenLabsEvent) string { return e.Data.ConversationID },
		Dispatch: func(ctx context.Context, e ElevenLabsEvent) error {
			_, err := d.HandleVoiceAIEvent(ctx, e.Inbound())
			return err
		},
	}
}

// OrderStage handles commerce order webhooks.
func OrderStage(v Verifier, limit Limit, d Dispatcher) Stage[ShopifyOrder] {
	return Stage[ShopifyOrder]{
		Provider: ProviderShopify,
		Verifier: v,
		Decode:   DecodeShopifyOrder,
		RateKey: func(r *http.Request, _ ShopifyOrder) string {
			shop := r.Header.Get(HeaderShopifyShop)
			if shop == "" {
				shop = "unknown"
			}
			return "shopify_" + shop
		},
		Limit: limit,
		DedupeKey: func(r *http.Request, _ ShopifyOrder) string {
			return r.Header.Get(HeaderShopifyWebhookID)
		},
		Dispatch: func(ctx context.Context, o ShopifyOrder) error {
			_, err := d.HandleOrder(ctx, o.Inbound())
			return err
		},
	}
}
