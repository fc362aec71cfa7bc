package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/conversation-control/internal/service"
	"github.com/capitalize-ai/conversation-control/internal/webhook"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

const (
	twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	twimlHold  = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Please hold while we connect you with a team member.</Say></Response>`
)

// WebhookVerifiers groups the provider signature checks.
type WebhookVerifiers struct {
	Twilio     webhook.Verifier
	ElevenLabs webhook.Verifier
	Shopify    webhook.Verifier
}

// WebhookHandler serves provider callbacks.
type WebhookHandler struct {
	pipeline   *webhook.Pipeline
	dispatcher webhook.Dispatcher
	verifiers  WebhookVerifiers
	limits     webhook.Limits
	logger     *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(p *webhook.Pipeline, d webhook.Dispatcher, v WebhookVerifiers, limits webhook.Limits, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline:   p,
		dispatcher: d,
		verifiers:  v,
		limits:     limits,
		logger:     logger.OrGlobal(log).Component("webhook_handler"),
	}
}

// TwilioSMS handles POST /webhooks/twilio/sms
func (h *WebhookHandler) TwilioSMS(w http.ResponseWriter, r *http.Request) {
	err := webhook.Run(r.Context(), h.pipeline, webhook.SMSStage(h.verifiers.Twilio, h.limits.SMS, h.dispatcher), r)
	if h.rejected(w, err) {
		return
	}
	writeTwiML(w, twimlEmpty)
}

// TwilioVoice handles POST /webhooks/twilio/voice
func (h *WebhookHandler) TwilioVoice(w http.ResponseWriter, r *http.Request) {
	var routed service.InboundResult
	stage := webhook.VoiceStage(h.verifiers.Twilio, h.limits.Voice, h.dispatcher, func(res service.InboundResult) {
		routed = res
	})
	err := webhook.Run(r.Context(), h.pipeline, stage, r)
	if h.rejected(w, err) {
		return
	}
	if routed.HumanControlled {
		writeTwiML(w, twimlHold)
		return
	}
	writeTwiML(w, twimlEmpty)
}

// TwilioStatus handles POST /webhooks/twilio/status
func (h *WebhookHandler) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	err := webhook.Run(r.Context(), h.pipeline, webhook.StatusStage(h.verifiers.Twilio, h.dispatcher), r)
	if h.rejected(w, err) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ElevenLabs handles POST /webhooks/elevenlabs
func (h *WebhookHandler) ElevenLabs(w http.ResponseWriter, r *http.Request) {
	err := webhook.Run(r.Context(), h.pipeline, webhook.VoiceAIStage(h.verifiers.ElevenLabs, h.limits.VoiceAI, h.dispatcher), r)
	if h.rejected(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ShopifyOrder handles POST /webhooks/shopify/orders
func (h *WebhookHandler) ShopifyOrder(w http.ResponseWriter, r *http.Request) {
	err := webhook.Run(r.Context(), h.pipeline, webhook.OrderStage(h.verifiers.Shopify, h.limits.Shopify, h.dispatcher), r)
	if h.rejected(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// rejected writes the error response for a pipeline failure.
func (h *WebhookHandler) rejected(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	status := webhook.StatusCode(err)

	var rl *webhook.RateLimitError
	code := service.ErrorInternal
	switch {
	case errors.As(err, &rl):
		code = service.ErrorRateLimited
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	case status == http.StatusUnauthorized:
		code = service.ErrorAuthentication
	case status == http.StatusBadRequest:
		code = service.ErrorInvalidInput
	}
	writeError(w, status, code, http.StatusText(status))
	return true
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
