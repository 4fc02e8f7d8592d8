package conversation

// Outbound event types
const (
	EventBackendConnected     = "backend_connected"
	EventUpstreamConnected    = "openai_connected"
	EventUpstreamDisconnected = "openai_disconnected"
	EventNewMessage           = "new_message"
	EventTTSAudio             = "tts_audio"
	EventCommandExecuted      = "command_executed"
	EventProcessingCompleted  = "processing_completed"
	EventError                = "error"
)

// Inbound control frame types
const (
	FrameAppend   = "input_audio_buffer.append"
	FrameFinalize = "input_audio_buffer.finalize"
	FramePause    = "input_audio_buffer.pause"
	FrameResume   = "input_audio_buffer.resume"
)

// Event is a frame sent to clients
type Event struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// TTSAudioPayload is the payload of a tts_audio event
type TTSAudioPayload struct {
	AudioBase64       string `json:"audioBase64"`
	Format            string `json:"format"`
	OriginalMessageID string `json:"originalMessageId"`
}

// ClientFrame is an inbound control frame
type ClientFrame struct {
	Type  string `json:"type" validate:"required,oneof=input_audio_buffer.append input_audio_buffer.finalize input_audio_buffer.pause input_audio_buffer.resume"`
	Audio string `json:"audio,omitempty" validate:"omitempty,base64"`
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}
