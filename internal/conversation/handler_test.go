package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bperin/intrepreter-gateway/internal/store"
)

type fakeDirectory struct {
	mu       sync.Mutex
	ensured  []string
	messages map[string][]*store.Message
	err      error
}

func (d *fakeDirectory) EnsureConversation(_ context.Context, id string) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.ensured = append(d.ensured, id)
	return &store.Conversation{ID: id}, nil
}

func (d *fakeDirectory) ListMessages(_ context.Context, id string) ([]*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.messages[id], nil
}

func startHandler(t *testing.T, secret string, dir *fakeDirectory) (*httptest.Server, *coordinatorHarness) {
	t.Helper()
	h := newHarness(t, Options{})
	mux := http.NewServeMux()
	NewHandler(h.c, dir, NewAuthenticator(secret), testLogger()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestHandler_ConnectAndStream(t *testing.T) {
	dir := &fakeDirectory{}
	srv, h := startHandler(t, "", dir)

	conn := dial(t, srv, "/ws/conversations/"+convID)

	ev := readUntil(t, conn, EventBackendConnected)
	if ev.Status != "connected" {
		t.Errorf("Expected status connected, got %q", ev.Status)
	}
	readUntil(t, conn, EventUpstreamConnected)

	tc := h.transcoders.Last()
	if err := conn.WriteJSON(appendFrame([]byte("opus-frame"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, "chunk written", func() bool {
		writes, _, _ := tc.stats()
		return writes == 1
	})

	dir.mu.Lock()
	ensured := append([]string(nil), dir.ensured...)
	dir.mu.Unlock()
	if len(ensured) != 1 || ensured[0] != convID {
		t.Errorf("Expected conversation ensured, got %v", ensured)
	}

	conn.Close()
	waitFor(t, "teardown", func() bool { return h.c.ActiveConversations() == 0 })
}

func TestHandler_RejectsInvalidFrames(t *testing.T) {
	srv, _ := startHandler(t, "", &fakeDirectory{})
	conn := dial(t, srv, "/ws/conversations/"+convID)
	readUntil(t, conn, EventBackendConnected)

	tests := []struct {
		frame   string
		message string
	}{
		{`{not json`, "Invalid JSON"},
		{`{"type":"session.update"}`, "Unknown message type"},
		{`{"type":"input_audio_buffer.append","audio":"***"}`, "Invalid message"},
	}

	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		ev := readUntil(t, conn, EventError)
		if !strings.Contains(ev.Message, tt.message) {
			t.Errorf("Frame %s: expected %q in error, got %q", tt.frame, tt.message, ev.Message)
		}
	}
}

func TestHandler_RequiresToken(t *testing.T) {
	srv, _ := startHandler(t, "s3cret", &fakeDirectory{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversations/" + convID

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}

	token := signedToken(t, "s3cret", time.Now().Add(time.Hour))
	conn := dial(t, srv, "/ws/conversations/"+convID+"?token="+token)
	readUntil(t, conn, EventBackendConnected)
}

func TestHandler_DirectoryFailure(t *testing.T) {
	srv, _ := startHandler(t, "", &fakeDirectory{err: errors.New("database is locked")})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversations/" + convID

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %v", resp)
	}
}

func TestHandler_ListMessages(t *testing.T) {
	dir := &fakeDirectory{messages: map[string][]*store.Message{
		convID: {
			{ID: "m1", ConversationID: convID, Text: "Hola", SenderType: store.SenderPatient, Language: "es"},
			{ID: "m2", ConversationID: convID, Text: "Hello", SenderType: store.SenderTranslation, Language: "en", OriginalMessageID: "m1"},
		},
	}}
	srv, _ := startHandler(t, "", dir)

	resp, err := http.Get(srv.URL + "/conversations/" + convID + "/messages")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var got []store.Message
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 2 || got[1].OriginalMessageID != "m1" {
		t.Errorf("Unexpected transcript: %+v", got)
	}

	empty, err := http.Get(srv.URL + "/conversations/none/messages")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer empty.Body.Close()
	var none []store.Message
	if err := json.NewDecoder(empty.Body).Decode(&none); err != nil || none == nil || len(none) != 0 {
		t.Errorf("Expected empty JSON array, got %v (err %v)", none, err)
	}
}
