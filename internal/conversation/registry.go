package conversation

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/observability"
)

// Client is a subscribed client connection
type Client interface {
	ID() string
	IsOpen() bool
	Send(ev Event) error
}

// Registry maps conversation ids to their subscribed clients
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[string]Client
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]map[string]Client),
		logger:  logger,
	}
}

// Add subscribes c and returns the new subscriber count
func (r *Registry) Add(conversationID string, c Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[conversationID]
	if !ok {
		set = make(map[string]Client)
		r.clients[conversationID] = set
	}
	set[c.ID()] = c
	return len(set)
}

// Remove unsubscribes c. It returns the remaining subscriber count and
// whether c was subscribed.
func (r *Registry) Remove(conversationID string, c Client) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[conversationID]
	if !ok {
		return 0, false
	}
	if _, ok := set[c.ID()]; !ok {
		return len(set), false
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.clients, conversationID)
		return 0, true
	}
	return len(set), true
}

// Count returns the number of subscribers of a conversation
func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[conversationID])
}

// Conversations returns the ids with at least one subscriber
func (r *Registry) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends ev to every open subscriber. Closed clients are skipped and
// a failed send does not stop delivery to the rest.
func (r *Registry) Broadcast(conversationID string, ev Event) int {
	r.mu.RLock()
	targets := make([]Client, 0, len(r.clients[conversationID]))
	for _, c := range r.clients[conversationID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if !c.IsOpen() {
			continue
		}
		if err := c.Send(ev); err != nil {
			r.logger.Warn().Err(err).
				Str("conversation_id", conversationID).
				Str("client_id", c.ID()).
				Str("event", ev.Type).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}

	observability.RecordBroadcast(ev.Type)
	return delivered
}
