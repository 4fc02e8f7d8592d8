package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/audio"
	"github.com/bperin/intrepreter-gateway/internal/config"
	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/resilience"
)

const (
	cartesiaVersion = "2024-06-10"
	serviceName     = "cartesia"
)

// CartesiaClient synthesizes speech with Cartesia's bytes endpoint and wraps
// the raw PCM in a WAV container
type CartesiaClient struct {
	config         *config.Config
	apiKey         string
	apiURL         string
	voiceID        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config, logger zerolog.Logger) *CartesiaClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.RetryMaxAttempts
	retryConfig.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &CartesiaClient{
		config:         cfg,
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         cfg.CartesiaAPIURL,
		voiceID:        cfg.CartesiaVoiceID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: circuitBreaker,
		retryConfig:    retryConfig,
		logger:         logger.With().Str("component", "tts").Logger(),
	}
}

// Synthesize converts text to a WAV clip in the given language
func (c *CartesiaClient) Synthesize(ctx context.Context, text, language string) (*Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("cannot synthesize empty text")
	}

	reqBody := CartesiaRequest{
		ModelID:    c.config.CartesiaModelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: CartesiaOutput{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.config.PCMSampleRate,
		},
	}
	if supportedLanguages[language] {
		reqBody.Language = language
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	err = c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			data, err := c.post(ctx, jsonData)
			if err != nil {
				return err
			}
			pcm = data
			return nil
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(serviceName)
		return nil, err
	}

	// proxies configured for a wav container return a ready clip
	if audio.IsWAV(pcm) {
		observability.RecordAudioBytes("tts", len(pcm))
		return &Audio{Data: pcm, Format: "wav", SampleRate: c.config.PCMSampleRate}, nil
	}

	if len(pcm)%audio.BytesPerSample != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	wav, err := audio.WrapPCM16(pcm, c.config.PCMSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesized audio: %w", err)
	}

	observability.RecordAudioBytes("tts", len(wav))
	c.logger.Debug().
		Int("pcm_bytes", len(pcm)).
		Int("duration_ms", audio.DurationMs(len(pcm), c.config.PCMSampleRate)).
		Str("language", language).
		Msg("Synthesized speech")

	return &Audio{Data: wav, Format: "wav", SampleRate: c.config.PCMSampleRate}, nil
}

func (c *CartesiaClient) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio data")
	}
	return data, nil
}

// HealthCheck reports whether synthesis is configured and the breaker is not open
func (c *CartesiaClient) HealthCheck(context.Context) (bool, error) {
	if c.apiKey == "" {
		return false, fmt.Errorf("cartesia API key not configured")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
