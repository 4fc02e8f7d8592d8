package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/audio"
	"github.com/bperin/intrepreter-gateway/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "cartesia-key",
		CartesiaAPIURL:             url,
		CartesiaVoiceID:            "voice-1",
		CartesiaModelID:            "sonic-2",
		PCMSampleRate:              24000,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        1,
	}
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	var got CartesiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "cartesia-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Cartesia-Version") == "" {
			t.Error("Expected Cartesia-Version header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte{1, 0, 2, 0, 3})
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(srv.URL), zerolog.Nop())
	clip, err := c.Synthesize(context.Background(), "  hola  ", "es")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if got.Transcript != "hola" || got.Language != "es" || got.ModelID != "sonic-2" {
		t.Errorf("Unexpected request: %+v", got)
	}
	if got.Voice.Mode != "id" || got.Voice.ID != "voice-1" {
		t.Errorf("Unexpected voice: %+v", got.Voice)
	}
	if got.OutputFormat.Container != "raw" || got.OutputFormat.Encoding != "pcm_s16le" || got.OutputFormat.SampleRate != 24000 {
		t.Errorf("Unexpected output format: %+v", got.OutputFormat)
	}

	if clip.Format != "wav" || !audio.IsWAV(clip.Data) {
		t.Errorf("Expected WAV clip, got format %s", clip.Format)
	}
	// odd trailing byte trimmed
	if len(clip.Data) != audio.WAVHeaderSize+4 {
		t.Errorf("Expected %d bytes, got %d", audio.WAVHeaderSize+4, len(clip.Data))
	}
}

func TestCartesiaClient_UnsupportedLanguageOmitted(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte{0, 0})
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(srv.URL), zerolog.Nop())
	if _, err := c.Synthesize(context.Background(), "hello", "unknown"); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if _, ok := got["language"]; ok {
		t.Errorf("Expected language to be omitted, got %v", got["language"])
	}
}

func TestCartesiaClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte{0, 0})
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(srv.URL), zerolog.Nop())
	if _, err := c.Synthesize(context.Background(), "hello", "en"); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestCartesiaClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(srv.URL), zerolog.Nop())
	if _, err := c.Synthesize(context.Background(), "hello", "en"); err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestCartesiaClient_EmptyText(t *testing.T) {
	c := NewCartesiaClient(testConfig("http://127.0.0.1:1"), zerolog.Nop())
	if _, err := c.Synthesize(context.Background(), "   ", "en"); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestCartesiaClient_HealthCheck(t *testing.T) {
	c := NewCartesiaClient(testConfig("http://127.0.0.1:1"), zerolog.Nop())
	if ok, err := c.HealthCheck(context.Background()); !ok || err != nil {
		t.Errorf("Expected healthy, got %v %v", ok, err)
	}
}

func TestCartesiaClient_WAVPassThrough(t *testing.T) {
	clip, _ := audio.WrapPCM16([]byte{1, 0, 2, 0}, 24000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(clip)
	}))
	defer srv.Close()

	c := NewCartesiaClient(testConfig(srv.URL), zerolog.Nop())
	got, err := c.Synthesize(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(got.Data) != len(clip) {
		t.Errorf("Expected WAV passed through unchanged (%d bytes), got %d", len(clip), len(got.Data))
	}
}
