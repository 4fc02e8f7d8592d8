package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/observability"
)

// DeepgramConfig configures the Deepgram live session
type DeepgramConfig struct {
	APIKey     string
	Model      string
	SampleRate int
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	session                                *DeepgramSession
}

// Message forwards results to the utterance accumulator
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.session.handleMessage(message)
	return nil
}

// UtteranceEnd flushes any final segments not yet closed by speech_final
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.session.flush(nil)
	return nil
}

// Error reports a transport failure
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.session.handleError(fmt.Errorf("deepgram error: %+v", errorResponse))
	return nil
}

// Close reports a remote close
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.session.handleClose()
	return nil
}

// DeepgramSession implements Session over Deepgram's streaming API.
// Final segments are joined until speech_final or UtteranceEnd closes the utterance.
type DeepgramSession struct {
	cfg      DeepgramConfig
	listener Listener
	logger   zerolog.Logger

	mu        sync.Mutex
	client    *listenClient.WSCallback
	connected bool
	segments  []string

	closed atomic.Bool
}

// NewDeepgramSession creates an unconnected Deepgram session
func NewDeepgramSession(cfg DeepgramConfig, listener Listener, logger zerolog.Logger) *DeepgramSession {
	return &DeepgramSession{
		cfg:      cfg,
		listener: listener,
		logger:   logger.With().Str("component", "deepgram_stt").Logger(),
	}
}

// Connect opens the live transcription socket
func (d *DeepgramSession) Connect(ctx context.Context) error {
	if d.closed.Load() {
		return fmt.Errorf("deepgram session closed")
	}

	// Create Deepgram transcription options (v3 API)
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       "multi",
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000", // End utterance after 1 second of silence (string in v3)
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.cfg.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                d,
	}

	client, err := listenClient.NewWSUsingCallback(
		ctx,
		d.cfg.APIKey,
		nil, // ClientOptions - nil uses defaults
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	if !client.Connect() {
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		client.Finish()
		return fmt.Errorf("deepgram session closed")
	}
	d.client = client
	d.connected = true
	d.mu.Unlock()

	d.logger.Info().Str("model", d.cfg.Model).Msg("Deepgram streaming session opened")
	d.listener.OnOpen()
	return nil
}

// handleMessage accumulates final segments of one utterance
func (d *DeepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || d.closed.Load() {
		return
	}
	if len(msg.Channel.Alternatives) == 0 {
		return
	}

	if !d.addSegment(msg.Channel.Alternatives[0].Transcript, msg.IsFinal, msg.SpeechFinal) {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to encode Deepgram result; emitting without raw metadata")
	}
	d.flush(raw)
}

// addSegment buffers a final segment and reports whether it ends the utterance
func (d *DeepgramSession) addSegment(transcript string, isFinal, speechFinal bool) bool {
	if !isFinal {
		return false
	}

	d.mu.Lock()
	if text := strings.TrimSpace(transcript); text != "" {
		d.segments = append(d.segments, text)
	}
	d.mu.Unlock()

	return speechFinal
}

// flush emits the accumulated utterance, if any
func (d *DeepgramSession) flush(raw json.RawMessage) {
	d.mu.Lock()
	text := strings.Join(d.segments, " ")
	d.segments = nil
	d.mu.Unlock()

	if text == "" || d.closed.Load() {
		return
	}
	d.listener.OnTranscription(Transcription{Text: text, Raw: raw})
}

func (d *DeepgramSession) markDisconnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.connected
	d.connected = false
	d.client = nil
	return was
}

func (d *DeepgramSession) handleError(err error) {
	if d.closed.Load() || !d.markDisconnected() {
		return
	}
	d.logger.Error().Err(err).Msg("Deepgram transport error")
	d.listener.OnTransportError(err)
}

func (d *DeepgramSession) handleClose() {
	if d.closed.Load() || !d.markDisconnected() {
		return
	}
	// An unsolicited close from the provider is not an intentional shutdown
	d.logger.Warn().Msg("Deepgram closed the session")
	d.listener.OnClose(websocket.CloseAbnormalClosure, "closed by provider")
}

// Send forwards one PCM16 chunk
func (d *DeepgramSession) Send(pcm []byte) error {
	d.mu.Lock()
	client := d.client
	ok := d.connected && !d.closed.Load()
	d.mu.Unlock()
	if !ok || client == nil {
		return ErrNotConnected
	}

	if _, err := client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	observability.RecordAudioBytes("upstream", len(pcm))
	return nil
}

// Commit flushes any pending final segments. Deepgram endpoints utterances itself.
func (d *DeepgramSession) Commit() error {
	if !d.Connected() {
		return ErrNotConnected
	}
	d.flush(nil)
	return nil
}

// Connected reports whether the socket is open
func (d *DeepgramSession) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && !d.closed.Load()
}

// Close finishes the stream; no events fire afterwards
func (d *DeepgramSession) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	client := d.client
	d.client = nil
	d.connected = false
	d.segments = nil
	d.mu.Unlock()

	if client != nil {
		// WSCallback Finish() doesn't return an error
		client.Finish()
	}
	d.logger.Info().Msg("Deepgram streaming session closed")
	return nil
}

// InitDeepgram configures the SDK once per process, before any session connects
func InitDeepgram() {
	listenClient.InitWithDefault()
}
