package translation

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Unknown is reported when no language can be determined
const Unknown = "unknown"

const detectPrompt = "Identify the language of the user's text. " +
	"Reply with only its ISO 639-1 code in lowercase (for example en, es, fr). " +
	"If the language cannot be determined, reply with unknown."

const translatePrompt = "You are a medical interpreter. Translate the user's text from %s to %s. " +
	"Preserve clinical meaning, dosages and units exactly. Reply with the translation only."

// Completer is the chat capability the service runs on
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Service detects languages and translates utterances
type Service struct {
	chat Completer
}

// NewService creates a translation service
func NewService(chat Completer) *Service {
	return &Service{chat: chat}
}

// DetectLanguage returns an ISO 639-1 code or Unknown
func (s *Service) DetectLanguage(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return Unknown, nil
	}

	reply, err := s.chat.Complete(ctx, detectPrompt, text, 5)
	if err != nil {
		return Unknown, fmt.Errorf("language detection failed: %w", err)
	}
	return NormalizeLanguage(reply), nil
}

// Translate returns the translation, or "" when the model produced nothing
func (s *Service) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	reply, err := s.chat.Complete(ctx, fmt.Sprintf(translatePrompt, sourceLang, targetLang), text, 0)
	if err != nil {
		return "", fmt.Errorf("translation %s->%s failed: %w", sourceLang, targetLang, err)
	}
	return strings.TrimSpace(reply), nil
}

// NormalizeLanguage reduces a model reply such as "ES." or "en-US" to a
// two-letter lowercase code, or Unknown
func NormalizeLanguage(reply string) string {
	code := strings.ToLower(strings.TrimSpace(reply))
	code = strings.TrimFunc(code, func(r rune) bool { return !unicode.IsLetter(r) })
	if i := strings.IndexAny(code, "-_ "); i >= 0 {
		code = code[:i]
	}
	if len(code) != 2 {
		return Unknown
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return Unknown
		}
	}
	return code
}
