package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-control/internal/middleware"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// Routes carries the handlers and settings mounted by NewRouter.
type Routes struct {
	Health       *HealthHandler
	HumanControl *HumanControlHandler
	Stream       *StreamHandler
	Webhooks     *WebhookHandler

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(rt Routes) http.Handler {
	log := logger.OrGlobal(rt.Logger)
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", rt.Health.Health)
	r.Get("/ready", rt.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks authenticate by signature.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/twilio/sms", rt.Webhooks.TwilioSMS)
		r.Post("/twilio/voice", rt.Webhooks.TwilioVoice)
		r.Post("/twilio/status", rt.Webhooks.TwilioStatus)
		r.Post("/elevenlabs", rt.Webhooks.ElevenLabs)
		r.Post("/shopify/orders", rt.Webhooks.ShopifyOrder)
	})

	// Agent routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(rt.JWTSecret, log))

		r.Get("/stream/conversation/{conversationId}", rt.Stream.Stream)
		r.Get("/ws/conversation/{conversationId}", rt.Stream.WebSocket)

		r.Route("/human-control", func(r chi.Router) {
			if rt.RateLimitRequests > 0 {
				r.Use(middleware.AgentRateLimit(rt.RateLimitRequests, rt.RateLimitWindow))
			}
			r.Post("/join", rt.HumanControl.Join)
			r.Post("/send-message", rt.HumanControl.SendMessage)
			r.Post("/leave", rt.HumanControl.Leave)
			r.Get("/status", rt.HumanControl.Status)
			r.Get("/sessions", rt.HumanControl.Sessions)
			r.Get("/queue", rt.HumanControl.Queue)
			r.Post("/queue/processed", rt.HumanControl.MarkProcessed)
			r.Get("/handoffs", rt.HumanControl.Handoffs)
		})
	})

	return r
}
