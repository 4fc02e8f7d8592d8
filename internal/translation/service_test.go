package translation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/config"
)

type stubCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (s *stubCompleter) Complete(_ context.Context, system, user string, _ int) (string, error) {
	s.system = system
	s.user = user
	return s.reply, s.err
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		reply    string
		expected string
	}{
		{"en", "en"},
		{"ES.", "es"},
		{" fr\n", "fr"},
		{"en-US", "en"},
		{"pt_BR", "pt"},
		{"unknown", Unknown},
		{"", Unknown},
		{"english", Unknown},
		{"12", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			if got := NormalizeLanguage(tt.reply); got != tt.expected {
				t.Errorf("NormalizeLanguage(%q) = %q, want %q", tt.reply, got, tt.expected)
			}
		})
	}
}

func TestService_DetectLanguage(t *testing.T) {
	stub := &stubCompleter{reply: "Es"}
	svc := NewService(stub)

	lang, err := svc.DetectLanguage(context.Background(), "me duele la cabeza")
	if err != nil {
		t.Fatalf("DetectLanguage failed: %v", err)
	}
	if lang != "es" {
		t.Errorf("Expected es, got %s", lang)
	}
	if stub.user != "me duele la cabeza" {
		t.Errorf("Expected utterance as user message, got %q", stub.user)
	}
}

func TestService_DetectLanguageEmpty(t *testing.T) {
	stub := &stubCompleter{reply: "en"}
	lang, err := NewService(stub).DetectLanguage(context.Background(), "   ")
	if err != nil || lang != Unknown {
		t.Errorf("Expected unknown without error, got %s %v", lang, err)
	}
	if stub.user != "" {
		t.Error("Expected no chat call for empty text")
	}
}

func TestService_DetectLanguageError(t *testing.T) {
	svc := NewService(&stubCompleter{err: errors.New("boom")})
	lang, err := svc.DetectLanguage(context.Background(), "hello")
	if err == nil {
		t.Error("Expected error")
	}
	if lang != Unknown {
		t.Errorf("Expected unknown on error, got %s", lang)
	}
}

func TestService_Translate(t *testing.T) {
	stub := &stubCompleter{reply: " Tome dos tabletas. "}
	got, err := NewService(stub).Translate(context.Background(), "Take two tablets.", "en", "es")
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if got != "Tome dos tabletas." {
		t.Errorf("Unexpected translation %q", got)
	}
	if !strings.Contains(stub.system, "from en to es") {
		t.Errorf("Expected direction in prompt, got %q", stub.system)
	}
}

func TestService_TranslateEmptyReply(t *testing.T) {
	got, err := NewService(&stubCompleter{reply: "  "}).Translate(context.Background(), "hello", "en", "es")
	if err != nil || got != "" {
		t.Errorf("Expected empty translation without error, got %q %v", got, err)
	}
}

func testConfig(url string) *config.Config {
	return &config.Config{
		OpenAIAPIKey:               "sk-test",
		OpenAIBaseURL:              url,
		OpenAIChatModel:            "gpt-4o-mini",
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           2,
		RetryInitialBackoff:        1,
	}
}

func TestChatClient_Complete(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Unexpected auth header %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" fr "}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(testConfig(srv.URL+"/"), zerolog.Nop())
	reply, err := c.Complete(context.Background(), "sys", "bonjour", 5)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "fr" {
		t.Errorf("Expected fr, got %q", reply)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 || got.Messages[1].Content != "bonjour" || got.MaxTokens != 5 {
		t.Errorf("Unexpected request %+v", got)
	}
}

func TestChatClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(testConfig(srv.URL), zerolog.Nop())
	if _, err := c.Complete(context.Background(), "sys", "hi", 0); err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestChatClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	reply, err := NewChatClient(testConfig(srv.URL), zerolog.Nop()).Complete(context.Background(), "sys", "hi", 0)
	if err != nil || reply != "" {
		t.Errorf("Expected empty reply, got %q %v", reply, err)
	}
}
