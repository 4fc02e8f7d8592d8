package conversation

import (
	"context"

	"github.com/bperin/intrepreter-gateway/internal/orchestrator"
	"github.com/bperin/intrepreter-gateway/internal/store"
	"github.com/bperin/intrepreter-gateway/internal/transcoder"
	"github.com/bperin/intrepreter-gateway/internal/tts"
)

// MessageService persists utterances and translations
type MessageService interface {
	CreateMessage(ctx context.Context, in store.MessageInput) (*store.Message, error)
}

// LanguageDetector classifies the language of an utterance
type LanguageDetector interface {
	DetectLanguage(ctx context.Context, text string) (string, error)
}

// Translator translates text; an empty result means no translation was produced
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Synthesizer turns text into a finite audio clip
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) (*tts.Audio, error)
}

// CommandHandler detects and executes clinical commands
type CommandHandler interface {
	DetectCommand(ctx context.Context, conversationID, text string) (*orchestrator.Command, error)
	ExecuteCommand(ctx context.Context, conversationID string, cmd *orchestrator.Command) (*orchestrator.ExecutionResult, error)
}

// Transcoder is the per-conversation audio decoder
type Transcoder interface {
	Start(ctx context.Context) error
	Write(chunk []byte) error
	Finalize() error
	Stop()
}

// TranscoderFactory creates an unstarted transcoder reporting to listener
type TranscoderFactory func(listener transcoder.Listener) Transcoder

// Dependencies are the external collaborators of the pipeline
type Dependencies struct {
	Messages      MessageService
	Conversations store.ConversationStore
	Detector      LanguageDetector
	Translator    Translator
	Synthesizer   Synthesizer
	Commands      CommandHandler // optional
}
