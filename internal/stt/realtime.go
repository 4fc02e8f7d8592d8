package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/observability"
)

const (
	eventSessionUpdate       = "transcription_session.update"
	eventAppend              = "input_audio_buffer.append"
	eventCommit              = "input_audio_buffer.commit"
	eventTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	eventError               = "error"
	defaultHandshakeTimeout  = 30 * time.Second
	closeWriteTimeout        = time.Second
)

// RealtimeConfig configures the OpenAI realtime transcription session
type RealtimeConfig struct {
	URL               string
	APIKey            string
	Model             string
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	HandshakeTimeout  time.Duration
}

// sessionUpdate is the configuration handshake sent once per open
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioFormat         string               `json:"input_audio_format"`
	InputAudioTranscription  transcriptionConfig  `json:"input_audio_transcription"`
	TurnDetection            turnDetection        `json:"turn_detection"`
	InputAudioNoiseReduction noiseReductionConfig `json:"input_audio_noise_reduction"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type noiseReductionConfig struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type controlEvent struct {
	Type string `json:"type"`
}

// serverEvent is the subset of upstream events the session reads
type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Handshake returns the configuration event sent on open
func (c RealtimeConfig) Handshake() any {
	return sessionUpdate{
		Type: eventSessionUpdate,
		Session: sessionConfig{
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: transcriptionConfig{Model: c.Model},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         c.VADThreshold,
				PrefixPaddingMs:   c.PrefixPaddingMs,
				SilenceDurationMs: c.SilenceDurationMs,
			},
			InputAudioNoiseReduction: noiseReductionConfig{Type: "near_field"},
		},
	}
}

// RealtimeSession streams PCM16 to the OpenAI realtime transcription endpoint
type RealtimeSession struct {
	cfg      RealtimeConfig
	listener Listener
	logger   zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex

	closed atomic.Bool
}

// NewRealtimeSession creates an unconnected session
func NewRealtimeSession(cfg RealtimeConfig, listener Listener, logger zerolog.Logger) *RealtimeSession {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &RealtimeSession{
		cfg:      cfg,
		listener: listener,
		logger:   logger.With().Str("component", "realtime_stt").Logger(),
	}
}

// Connect dials the endpoint and sends the handshake before any audio
func (s *RealtimeSession) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("realtime session closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := conn.WriteJSON(s.cfg.Handshake()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send session handshake: %w", err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("realtime session closed")
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.logger.Info().Str("model", s.cfg.Model).Msg("Realtime transcription session opened")
	s.listener.OnOpen()

	go s.readLoop(conn)
	return nil
}

func (s *RealtimeSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if s.closed.Load() {
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to decode upstream event")
			continue
		}

		switch ev.Type {
		case eventTranscriptCompleted:
			s.listener.OnTranscription(Transcription{
				Text:   ev.Transcript,
				ItemID: ev.ItemID,
				Raw:    json.RawMessage(data),
			})
		case eventError:
			evt := s.logger.Error()
			if ev.Error != nil {
				evt = evt.Str("error_type", ev.Error.Type).Str("code", ev.Error.Code).Str("message", ev.Error.Message)
			}
			evt.Msg("Upstream recognition error event")
		default:
			s.logger.Debug().Str("type", ev.Type).Msg("Upstream event")
		}
	}
}

func (s *RealtimeSession) handleReadError(err error) {
	s.mu.Lock()
	s.connected = false
	s.conn = nil
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		s.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("Realtime transcription session closed")
		s.listener.OnClose(closeErr.Code, closeErr.Text)
		return
	}

	s.logger.Error().Err(err).Msg("Realtime transcription transport error")
	s.listener.OnTransportError(err)
}

// Send forwards one PCM16 chunk
func (s *RealtimeSession) Send(pcm []byte) error {
	if err := s.write(audioAppend{
		Type:  eventAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}); err != nil {
		return err
	}
	observability.RecordAudioBytes("upstream", len(pcm))
	return nil
}

// Commit asks the upstream to close the current input buffer
func (s *RealtimeSession) Commit() error {
	return s.write(controlEvent{Type: eventCommit})
}

func (s *RealtimeSession) write(v any) error {
	s.mu.Lock()
	conn := s.conn
	ok := s.connected && !s.closed.Load()
	s.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

// Connected reports whether the transport is open
func (s *RealtimeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed.Load()
}

// Close sends a normal close frame and releases the connection
func (s *RealtimeSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	s.writeMu.Unlock()

	return conn.Close()
}
