package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the interpreter gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Upstream speech recognition
	RecognitionProvider string `envconfig:"RECOGNITION_PROVIDER" default:"openai" validate:"oneof=openai deepgram"`

	// OpenAI realtime transcription and chat (language detection, translation)
	OpenAIAPIKey          string  `envconfig:"OPENAI_API_KEY" validate:"required"`
	OpenAIBaseURL         string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1" validate:"url"`
	OpenAIRealtimeURL     string  `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime?intent=transcription" validate:"url"`
	OpenAITranscribeModel string  `envconfig:"OPENAI_TRANSCRIBE_MODEL" default:"gpt-4o-transcribe"`
	OpenAIChatModel       string  `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini"`
	VADThreshold          float64 `envconfig:"VAD_THRESHOLD" default:"0.5" validate:"gte=0,lte=1"`
	VADPrefixPaddingMs    int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"300" validate:"gte=0"`
	VADSilenceDurationMs  int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"500" validate:"gte=0"`

	// Deepgram STT API configuration (only when RECOGNITION_PROVIDER=deepgram)
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" validate:"required_if=RecognitionProvider deepgram"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" validate:"required"`
	CartesiaAPIURL  string `envconfig:"CARTESIA_API_URL" default:"https://api.cartesia.ai/tts/bytes" validate:"url"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`

	// Transcoder subprocess
	FFmpegPath            string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	TranscoderInputFormat string `envconfig:"TRANSCODER_INPUT_FORMAT" default:"webm"`
	PCMSampleRate         int    `envconfig:"PCM_SAMPLE_RATE" default:"24000" validate:"gt=0"`

	// Clinical command orchestrator gRPC endpoint
	OrchestratorURL     string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTimeout int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30" validate:"min=1"` // seconds

	// Persistence
	DatabaseDSN          string `envconfig:"DATABASE_DSN" default:"interpreter.db"`
	RedisAddr            string `envconfig:"REDIS_ADDR" default:""` // empty disables the conversation cache
	ConversationCacheTTL int    `envconfig:"CONVERSATION_CACHE_TTL" default:"300"` // seconds

	// Clinician baseline language (ISO 639-1)
	ClinicianLanguage string `envconfig:"CLINICIAN_LANGUAGE" default:"en" validate:"len=2"`

	// Client authentication; empty disables token checks
	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`  // milliseconds
	ReconnectBaseDelay         int `envconfig:"RECONNECT_BASE_DELAY" default:"1000"`  // milliseconds
	ReconnectMaxDelay          int `envconfig:"RECONNECT_MAX_DELAY" default:"30000"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints declared in the struct tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OrchestratorDeadline returns the per-call deadline for orchestrator requests
func (c *Config) OrchestratorDeadline() time.Duration {
	return time.Duration(c.OrchestratorTimeout) * time.Second
}

// CacheTTL returns how long conversation attributes stay cached
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.ConversationCacheTTL) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
