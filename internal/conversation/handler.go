package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	// Browser clients connect from the web app origin; tokens gate access
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ConversationDirectory creates conversations on first use and lists their messages
type ConversationDirectory interface {
	EnsureConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Handler serves client connections for the coordinator
type Handler struct {
	coordinator *Coordinator
	directory   ConversationDirectory
	auth        *Authenticator
	validate    *validator.Validate
	logger      zerolog.Logger
}

// NewHandler creates the HTTP handlers
func NewHandler(coordinator *Coordinator, directory ConversationDirectory, auth *Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		directory:   directory,
		auth:        auth,
		validate:    validator.New(),
		logger:      logger.With().Str("component", "ws_handler").Logger(),
	}
}

// Register mounts the routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/conversations/{id}", h.ServeWS)
	mux.HandleFunc("GET /conversations/{id}/messages", h.ListMessages)
}

// ServeWS upgrades the request and runs the client read loop until the
// connection closes
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}

	claims, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Rejected unauthenticated client")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.directory.EnsureConversation(r.Context(), conversationID); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to load conversation")
		http.Error(w, "conversation unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	client := newWSClient(conn)
	logger := observability.WithCorrelationID(
		observability.ForConversation(h.logger, conversationID), "").
		With().Str("client_id", client.ID()).Str("subject", claims.Subject).Logger()

	logger.Info().Msg("Client connection established")
	h.coordinator.Subscribe(conversationID, client)

	stop := make(chan struct{})
	go client.keepAlive(stop)
	defer func() {
		close(stop)
		client.close()
		h.coordinator.Unsubscribe(conversationID, client)
		logger.Info().Msg("Client connection closed")
	}()

	h.readLoop(conversationID, client, logger)
}

func (h *Handler) readLoop(conversationID string, client *wsClient, logger zerolog.Logger) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Client read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = client.Send(errorEvent("Invalid JSON message"))
			continue
		}
		if err := h.validate.Struct(frame); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Type" {
				_ = client.Send(errorEvent("Unknown message type: " + frame.Type))
			} else {
				_ = client.Send(errorEvent("Invalid message: " + err.Error()))
			}
			continue
		}

		h.coordinator.HandleFrame(conversationID, client, frame)
	}
}

// ListMessages returns the transcript of a conversation
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.PathValue("id")
	messages, err := h.directory.ListMessages(r.Context(), conversationID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to list messages")
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}

// wsClient is one WebSocket subscriber
type wsClient struct {
	id   string
	conn *websocket.Conn

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
	open    atomic.Bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{id: uuid.NewString(), conn: conn}
	c.open.Store(true)
	return c
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) IsOpen() bool { return c.open.Load() }

func (c *wsClient) Send(ev Event) error {
	if !c.IsOpen() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

func (c *wsClient) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) close() {
	if !c.open.CompareAndSwap(true, false) {
		return
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}
