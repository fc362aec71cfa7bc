package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("llm: empty reply")

const defaultSystemPrompt = "You are a helpful customer assistant replying over %s. " +
	"Keep replies short, friendly and accurate. If the customer asks for a person, say a team member will follow up."

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Responder produces the AI reply for a conversation transcript.
type Responder struct {
	client Client
	cfg    ResponderConfig
	log    *logger.Logger
}

// NewResponder wraps client.
func NewResponder(client Client, cfg ResponderConfig, log *logger.Logger) *Responder {
	return &Responder{
		client: client,
		cfg:    cfg,
		log:    logger.OrGlobal(log).Component("llm"),
	}
}

// Respond returns the next assistant message for t.
func (r *Responder) Respond(ctx context.Context, t model.Transcript) (string, error) {
	req := &CompletionRequest{
		Model:       r.cfg.Model,
		System:      r.systemPrompt(t),
		Messages:    ChatMessages(t.Messages),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}
	if len(req.Messages) == 0 {
		return "", errors.New("llm: transcript has no customer messages")
	}

	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	r.log.Debug("reply generated",
		zap.String("provider", r.client.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs))
	return reply, nil
}

func (r *Responder) systemPrompt(t model.Transcript) string {
	channel := t.Channel
	if channel == "" {
		channel = "sms"
	}

	var b strings.Builder
	if r.cfg.SystemPrompt != "" {
		b.WriteString(r.cfg.SystemPrompt)
	} else {
		fmt.Fprintf(&b, defaultSystemPrompt, channel)
	}
	if t.CustomerName != "" {
		fmt.Fprintf(&b, "\nThe customer's name is %s.", t.CustomerName)
	}
	if t.Summary != "" {
		fmt.Fprintf(&b, "\nSummary of earlier conversation: %s", t.Summary)
	}
	for _, m := range t.Messages {
		if m.SentBy == model.SentBySystem {
			fmt.Fprintf(&b, "\nNote: %s", m.Content)
		}
	}
	return b.String()
}

// ChatMessages converts a transcript into alternating user/assistant turns.
// System entries are dropped, consecutive turns from the same role are
// merged, and leading assistant turns are skipped so the exchange opens
// with the customer.
func ChatMessages(msgs []model.ConversationMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		var role string
		switch m.SentBy {
		case model.SentByUser:
			role = RoleUser
		case model.SentByAgent, model.SentByHumanAgent:
			role = RoleAssistant
		default:
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if len(out) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: m.Content})
	}
	for len(out) > 0 && out[len(out)-1].Role == RoleAssistant {
		out = out[:len(out)-1]
	}
	return out
}
