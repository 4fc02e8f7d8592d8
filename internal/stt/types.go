package stt

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by Send and Commit when the transport is not open.
// Callers are expected to check Connected first.
var ErrNotConnected = errors.New("recognition session is not connected")

// NormalClosure is the close code of an intentional shutdown
const NormalClosure = 1000

// Transcription is one completed utterance
type Transcription struct {
	// Text is the final recognized text
	Text string

	// ItemID identifies the utterance upstream, if the provider assigns one
	ItemID string

	// Raw is the provider event the transcription was taken from
	Raw json.RawMessage
}

// Listener receives session events. Events for one session are delivered from
// a single goroutine, transcriptions in recognition order. Nothing is
// delivered after Close.
type Listener interface {
	// OnOpen fires once the transport is open and configured
	OnOpen()

	// OnTranscription fires for every completed utterance
	OnTranscription(t Transcription)

	// OnTransportError fires when the transport fails without a close frame
	OnTransportError(err error)

	// OnClose fires when the remote end closes the transport
	OnClose(code int, reason string)
}

// Session is one upstream recognition connection
type Session interface {
	// Connect opens the transport and sends the configuration handshake.
	// OnOpen is delivered before Connect returns nil.
	Connect(ctx context.Context) error

	// Send forwards PCM16 audio; ErrNotConnected unless connected
	Send(pcm []byte) error

	// Commit marks the end of the buffered input
	Commit() error

	// Close detaches the listener and closes the transport. Idempotent.
	Close() error

	// Connected reports whether Send may be called
	Connected() bool
}

// Factory creates an unconnected session reporting to listener
type Factory func(listener Listener) Session
