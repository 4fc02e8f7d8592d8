package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/config"
	"github.com/bperin/intrepreter-gateway/internal/conversation"
	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/orchestrator"
	"github.com/bperin/intrepreter-gateway/internal/store"
	"github.com/bperin/intrepreter-gateway/internal/stt"
	"github.com/bperin/intrepreter-gateway/internal/transcoder"
	"github.com/bperin/intrepreter-gateway/internal/translation"
	"github.com/bperin/intrepreter-gateway/internal/tts"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	version = config.GetEnv("SERVICE_VERSION", version)

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("recognition_provider", cfg.RecognitionProvider).
		Str("orchestrator_url", cfg.OrchestratorURL).
		Str("clinician_language", cfg.ClinicianLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("auth_enabled", cfg.AuthJWTSecret != "").
		Msg("Interpreter Gateway starting")

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Persistence
	db, err := store.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", cfg.DatabaseDSN).Msg("Failed to open database")
	}
	defer db.Close()

	var conversations store.ConversationStore = db
	checks := map[string]observability.HealthCheckFunc{
		"database": pingCheck(db.Ping),
	}
	if cfg.RedisAddr != "" {
		rdb := store.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		cache := store.NewCachedConversations(db, rdb, cfg.CacheTTL(), logger)
		conversations = cache
		checks["redis"] = pingCheck(cache.Ping)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Conversation cache enabled")
	}

	// Downstream capabilities
	chat := translation.NewChatClient(cfg, logger)
	synthesizer := tts.NewCartesiaClient(cfg, logger)
	checks["openai"] = chat.HealthCheck
	checks["cartesia"] = synthesizer.HealthCheck
	languages := translation.NewService(chat)

	deps := conversation.Dependencies{
		Messages:      db,
		Conversations: conversations,
		Detector:      languages,
		Translator:    languages,
		Synthesizer:   synthesizer,
	}

	commands, err := orchestrator.NewClient(cfg, logger)
	if err != nil {
		// Continue without command handling; transcription and translation still work
		logger.Warn().Err(err).Msg("Orchestrator unavailable; clinical commands disabled")
	} else {
		defer commands.Close()
		deps.Commands = commands
		checks["orchestrator"] = commands.HealthCheck
	}

	coordinator := conversation.NewCoordinator(
		deps,
		newRecognitionFactory(cfg, logger),
		newTranscoderFactory(cfg, logger),
		conversation.Options{
			ClinicianLanguage: cfg.ClinicianLanguage,
			ReconnectBase:     time.Duration(cfg.ReconnectBaseDelay) * time.Millisecond,
			ReconnectMax:      time.Duration(cfg.ReconnectMaxDelay) * time.Millisecond,
			CommandTimeout:    cfg.OrchestratorDeadline(),
		},
		logger,
	)

	// Create HTTP server
	mux := http.NewServeMux()

	conversation.NewHandler(coordinator, db, conversation.NewAuthenticator(cfg.AuthJWTSecret), logger).Register(mux)

	mux.HandleFunc("/health", observability.HealthCheckHandler(version))
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are long-lived, so no read/write timeouts
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/conversations/{id}", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_conversations", coordinator.ActiveConversations()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("In-flight utterances did not finish before shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newRecognitionFactory selects the upstream recognition backend
func newRecognitionFactory(cfg *config.Config, logger zerolog.Logger) stt.Factory {
	if cfg.RecognitionProvider == "deepgram" {
		stt.InitDeepgram()
		dgCfg := stt.DeepgramConfig{
			APIKey:     cfg.DeepgramAPIKey,
			Model:      cfg.DeepgramModel,
			SampleRate: cfg.PCMSampleRate,
		}
		return func(listener stt.Listener) stt.Session {
			return stt.NewDeepgramSession(dgCfg, listener, logger)
		}
	}

	rtCfg := stt.RealtimeConfig{
		URL:               cfg.OpenAIRealtimeURL,
		APIKey:            cfg.OpenAIAPIKey,
		Model:             cfg.OpenAITranscribeModel,
		VADThreshold:      cfg.VADThreshold,
		PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		SilenceDurationMs: cfg.VADSilenceDurationMs,
	}
	return func(listener stt.Listener) stt.Session {
		return stt.NewRealtimeSession(rtCfg, listener, logger)
	}
}

func newTranscoderFactory(cfg *config.Config, logger zerolog.Logger) conversation.TranscoderFactory {
	tcCfg := transcoder.Config{
		Binary: cfg.FFmpegPath,
		Args:   transcoder.FFmpegArgs(cfg.TranscoderInputFormat, cfg.PCMSampleRate),
	}
	return func(listener transcoder.Listener) conversation.Transcoder {
		return transcoder.New(tcCfg, listener, logger)
	}
}

func pingCheck(ping func(context.Context) error) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}
