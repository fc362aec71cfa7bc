// Package webhook authenticates, throttles and decodes provider callbacks
// before handing them to the service layer.
//
// Every request runs the same stages in order: read the body, verify the
// signature, decode the provider payload, apply the sliding-window rate
// limit, drop duplicate deliveries, then dispatch. Each stage reports a
// typed error which StatusCode maps to the HTTP response.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/dedupe"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/internal/ratelimit"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// ErrBodyTooLarge is wrapped in a DecodeError when a payload exceeds 1 MiB.
var ErrBodyTooLarge = errors.New("webhook: body exceeds 1 MiB")

// Provider names, used for metrics, logs and rate limit identifiers.
const (
	ProviderTwilioSMS    = "twilio_sms"
	ProviderTwilioVoice  = "twilio_voice"
	ProviderTwilioStatus = "twilio_status"
	ProviderElevenLabs   = "elevenlabs"
	ProviderShopify      = "shopify"
)

// Outcomes recorded on the webhooks_total metric.
const (
	OutcomeAccepted       = "accepted"
	OutcomeDuplicate      = "duplicate"
	OutcomeIgnored        = "ignored"
	OutcomeInvalid        = "invalid_signature"
	OutcomeRateLimited    = "rate_limited"
	OutcomeBadRequest     = "bad_request"
	OutcomeDispatchFailed = "dispatch_failed"
)

// ErrInvalidSignature is returned when a request fails authentication.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// RateLimitError is returned when an identifier exceeded its window.
type RateLimitError struct {
	Identifier string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("webhook: rate limit exceeded for %s, retry after %s", e.Identifier, e.RetryAfter)
}

// DecodeError is returned when the body cannot be read or parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "webhook: decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusCode maps a pipeline error to the response status. Dispatch failures
// never reach here; they are acknowledged with 200.
func StatusCode(err error) int {
	var rl *RateLimitError
	var de *DecodeError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &de):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Limit is a sliding-window allowance.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Limits holds the per-provider allowances.
type Limits struct {
	SMS     Limit
	Voice   Limit
	VoiceAI Limit
	Shopify Limit
}

// DefaultLimits returns the production allowances.
func DefaultLimits() Limits {
	return Limits{
		SMS:     Limit{Requests: 30, Window: 5 * time.Minute},
		Voice:   Limit{Requests: 20, Window: 5 * time.Minute},
		VoiceAI: Limit{Requests: 60, Window: 5 * time.Minute},
		Shopify: Limit{Requests: 120, Window: 5 * time.Minute},
	}
}

// Stage describes how one provider's callback moves through the pipeline.
type Stage[T any] struct {
	Provider string
	Verifier Verifier
	Decode   func(body []byte) (T, error)
	// RateKey returns the limiter identifier; empty skips rate limiting.
	RateKey func(r *http.Request, v T) string
	Limit   Limit
	// DedupeKey returns the provider delivery id; empty skips deduplication.
	DedupeKey func(r *http.Request, v T) string
	Dispatch  func(ctx context.Context, v T) error
}

// Pipeline holds the collaborators shared by every stage.
type Pipeline struct {
	limiter *ratelimit.Limiter
	seen    dedupe.Checker
	tracer  trace.Tracer
	now     func() time.Time
	log     *logger.Logger
}

// NewPipeline creates a pipeline. seen may be nil to disable deduplication.
func NewPipeline(limiter *ratelimit.Limiter, seen dedupe.Checker, log *logger.Logger) *Pipeline {
	return &Pipeline{
		limiter: limiter,
		seen:    seen,
		tracer:  otel.Tracer("conversation-control/webhook"),
		now:     time.Now,
		log:     logger.OrGlobal(log).Component("webhook"),
	}
}

// WithClock overrides the time source used for Retry-After.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes the stage for r. A nil error means the request should be
// acknowledged with 200, including when dispatch failed or the delivery was
// a duplicate.
func Run[T any](ctx context.Context, p *Pipeline, s Stage[T], r *http.Request) error {
	ctx, span := p.tracer.Start(ctx, "webhook."+s.Provider,
		trace.WithAttributes(attribute.String("webhook.provider", s.Provider)))
	defer span.End()

	outcome, err := run(ctx, p, s, r)
	span.SetAttributes(attribute.String("webhook.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.RecordWebhook(s.Provider, outcome)
	return err
}

func run[T any](ctx context.Context, p *Pipeline, s Stage[T], r *http.Request) (string, error) {
	log := p.log.With(zap.String("provider", s.Provider))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return OutcomeBadRequest, &DecodeError{Err: err}
	}
	if len(body) > maxBodyBytes {
		return OutcomeBadRequest, &DecodeError{Err: ErrBodyTooLarge}
	}

	if s.Verifier != nil {
		if err := s.Verifier.Verify(r, body); err != nil {
			log.Security("webhook signature rejected",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			return OutcomeInvalid, err
		}
	}

	v, err := s.Decode(body)
	switch {
	case errors.Is(err, ErrIgnored):
		log.Debug("webhook ignored", zap.Error(err))
		return OutcomeIgnored, nil
	case err != nil:
		log.Warn("webhook body rejected", zap.Error(err))
		return OutcomeBadRequest, &DecodeError{Err: err}
	}

	if s.RateKey != nil && p.limiter != nil {
		if id := s.RateKey(r, v); id != "" {
			d := p.limiter.Allow(id, s.Limit.Requests, s.Limit.Window)
			if !d.Allowed {
				metrics.RateLimitRejections.WithLabelValues(s.Provider).Inc()
				retry := d.RetryAfter(p.now())
				log.Warn("webhook rate limited",
					zap.String("identifier", id),
					zap.Duration("retry_after", retry))
				return OutcomeRateLimited, &RateLimitError{Identifier: id, RetryAfter: retry}
			}
		}
	}

	if s.DedupeKey != nil && p.seen != nil {
		if key := s.DedupeKey(r, v); key != "" {
			dup, err := p.seen.CheckAndMark(ctx, s.Provider+":"+key)
			if err != nil {
				log.Warn("dedupe check failed, dispatching anyway", zap.Error(err))
			} else if dup {
				log.Info("duplicate webhook acknowledged", zap.String("delivery_id", key))
				return OutcomeDuplicate, nil
			}
		}
	}

	if err := s.Dispatch(ctx, v); err != nil {
		log.Error("webhook dispatch failed", zap.Error(err))
		return OutcomeDispatchFailed, nil
	}
	return OutcomeAccepted, nil
}

// PhoneKey builds a limiter identifier from a phone number, normalizing it
// when possible so formatting variants share one window.
func PhoneKey(prefix, phone string) string {
	if phone == "" {
		return ""
	}
	if n, err := model.NormalizePhone(phone); err == nil {
		phone = n
	}
	return prefix + phone
}
