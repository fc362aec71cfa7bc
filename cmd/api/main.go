// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/broadcast"
	"github.com/capitalize-ai/conversation-control/internal/config"
	"github.com/capitalize-ai/conversation-control/internal/dedupe"
	"github.com/capitalize-ai/conversation-control/internal/directory"
	"github.com/capitalize-ai/conversation-control/internal/handler"
	"github.com/capitalize-ai/conversation-control/internal/llm"
	natsclient "github.com/capitalize-ai/conversation-control/internal/nats"
	"github.com/capitalize-ai/conversation-control/internal/ratelimit"
	"github.com/capitalize-ai/conversation-control/internal/service"
	"github.com/capitalize-ai/conversation-control/internal/sms"
	"github.com/capitalize-ai/conversation-control/internal/webhook"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
	"github.com/capitalize-ai/conversation-control/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var log *logger.Logger
	var err error
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting conversation control plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-control", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Organization directory
	dir, err := directory.LoadFile(cfg.DirectoryFile)
	if err != nil {
		log.Fatal("failed to load directory", zap.String("path", cfg.DirectoryFile), zap.Error(err))
	}

	// Outbound SMS
	var sender sms.Sender = sms.NewLogSender(log)
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		ts, err := sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioStatusCallback, log)
		if err != nil {
			log.Fatal("failed to create Twilio sender", zap.Error(err))
		}
		sender = ts
	} else {
		log.Warn("Twilio credentials missing, outbound SMS will only be logged")
	}

	deps := service.Deps{
		Hub:       broadcast.NewHub(log, broadcast.WithBufferSize(cfg.StreamBufferSize)),
		Directory: dir,
		SMS:       sender,
	}

	// AI responder
	if cfg.AIEnabled {
		if responder := newResponder(cfg, log); responder != nil {
			deps.Responder = responder
		}
	}

	// Handoff event log
	var natsClient *natsclient.Client
	var handoffs handler.HandoffLister
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		deps.Recorder = streamManager
		handoffs = streamManager
	}

	// Webhook dedupe, shared through Redis when configured
	memSeen := dedupe.New(cfg.DedupeTTL, 100_000)
	go memSeen.Run(ctx, time.Minute)
	var seen dedupe.Checker = memSeen
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		seen = dedupe.Fallback{
			Primary:   dedupe.NewRedisCache(redisClient, "", cfg.DedupeTTL),
			Secondary: memSeen,
		}
	}

	// Services
	svc := service.New(deps, service.Config{
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReaperInterval: cfg.ReaperInterval,
	}, log)
	go svc.RunReaper(ctx)

	limiter := ratelimit.New(log)
	go limiter.Run(ctx)

	pipeline := webhook.NewPipeline(limiter, seen, log)
	limits := webhook.Limits{
		SMS:     webhook.Limit{Requests: cfg.SMSRateLimit, Window: cfg.WebhookWindow},
		Voice:   webhook.Limit{Requests: cfg.VoiceRateLimit, Window: cfg.WebhookWindow},
		VoiceAI: webhook.Limit{Requests: cfg.VoiceAIRateLimit, Window: cfg.WebhookWindow},
		Shopify: webhook.Limit{Requests: cfg.ShopifyRateLimit, Window: cfg.WebhookWindow},
	}
	verifiers := handler.WebhookVerifiers{
		Twilio:     webhook.NewTwilioVerifier(cfg.TwilioAuthToken, cfg.PublicBaseURL, log),
		ElevenLabs: webhook.NewElevenLabsVerifier(cfg.ElevenLabsWebhookSecret, log),
		Shopify:    webhook.NewShopifyVerifier(cfg.ShopifyWebhookSecret, log),
	}

	// Router
	router := handler.NewRouter(handler.Routes{
		Health:            handler.NewHealthHandler(natsClient, redisClient),
		HumanControl:      handler.NewHumanControlHandler(svc, handoffs, log),
		Stream:            handler.NewStreamHandler(svc, cfg.HeartbeatInterval, cfg.AllowedOrigins, log),
		Webhooks:          handler.NewWebhookHandler(pipeline, svc, verifiers, limits, log),
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Streams never finish on their own; closing the hub ends them so
	// Shutdown can drain the remaining requests.
	svc.Hub().Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	svc.Close()

	log.Info("server stopped")
}

// newResponder builds the AI path from whichever provider has a key.
func newResponder(cfg *config.Config, log *logger.Logger) *llm.Responder {
	provider, key := llm.Provider(cfg.DefaultLLM), cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	if key == "" {
		switch {
		case cfg.AnthropicAPIKey != "":
			provider, key = llm.ProviderAnthropic, cfg.AnthropicAPIKey
		case cfg.OpenAIAPIKey != "":
			provider, key = llm.ProviderOpenAI, cfg.OpenAIAPIKey
		default:
			log.Warn("no LLM API key configured, AI replies disabled")
			return nil
		}
	}

	client, err := llm.NewClient(provider, key)
	if err != nil {
		log.Warn("failed to create LLM client, AI replies disabled", zap.Error(err))
		return nil
	}
	log.Info("AI responder enabled", zap.String("provider", client.Name()))
	return llm.NewResponder(client, llm.ResponderConfig{
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.LLMSystemPrompt,
	}, log)
}
