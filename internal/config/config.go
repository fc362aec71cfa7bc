// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	PublicBaseURL      string
	AllowedOrigins     []string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Redis settings
	RedisURL string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMSystemPrompt string
	AIEnabled       bool

	// Twilio settings
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioStatusCallback string

	// Webhook secrets
	ElevenLabsWebhookSecret string
	ShopifyWebhookSecret    string

	// Webhook limits, requests per window
	SMSRateLimit     int
	VoiceRateLimit   int
	VoiceAIRateLimit int
	ShopifyRateLimit int
	WebhookWindow    time.Duration
	DedupeTTL        time.Duration

	// Agent API limits
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Sessions and streams
	SessionIdleTimeout time.Duration
	ReaperInterval     time.Duration
	HeartbeatInterval  time.Duration
	StreamBufferSize   int

	// Directory
	DirectoryFile string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables
// take precedence.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS"),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMSystemPrompt: getEnv("LLM_SYSTEM_PROMPT", ""),
		AIEnabled:       getBoolEnv("AI_ENABLED", true),

		// Twilio
		TwilioAccountSID:     getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:     getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioStatusCallback: getEnv("TWILIO_STATUS_CALLBACK_URL", ""),

		// Webhook secrets
		ElevenLabsWebhookSecret: getEnv("ELEVENLABS_WEBHOOK_SECRET", ""),
		ShopifyWebhookSecret:    getEnv("SHOPIFY_WEBHOOK_SECRET", ""),

		// Webhook limits
		SMSRateLimit:     getIntEnv("WEBHOOK_SMS_LIMIT", 30),
		VoiceRateLimit:   getIntEnv("WEBHOOK_VOICE_LIMIT", 20),
		VoiceAIRateLimit: getIntEnv("WEBHOOK_VOICE_AI_LIMIT", 60),
		ShopifyRateLimit: getIntEnv("WEBHOOK_SHOPIFY_LIMIT", 120),
		WebhookWindow:    getDurationEnv("WEBHOOK_RATE_WINDOW", 5*time.Minute),
		DedupeTTL:        getDurationEnv("WEBHOOK_DEDUPE_TTL", 24*time.Hour),

		// Agent API
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Sessions and streams
		SessionIdleTimeout: getDurationEnv("SESSION_IDLE_TIMEOUT", 2*time.Hour),
		ReaperInterval:     getDurationEnv("REAPER_INTERVAL", 15*time.Minute),
		HeartbeatInterval:  getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		StreamBufferSize:   getIntEnv("STREAM_BUFFER_SIZE", 64),

		// Directory
		DirectoryFile: getEnv("DIRECTORY_FILE", "directory.yaml"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
