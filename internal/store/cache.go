package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const conversationKeyPrefix = "interpreter:conversation:"

// ConversationStore reads and updates conversation attributes
type ConversationStore interface {
	FindByID(ctx context.Context, id string) (*Conversation, error)
	UpdatePatientLanguage(ctx context.Context, id, language string) error
}

// CachedConversations is a redis read-through cache in front of a ConversationStore.
// Redis failures degrade to the backing store.
type CachedConversations struct {
	next   ConversationStore
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisClient creates a redis client for addr
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// NewCachedConversations wraps next with a cache entry per conversation
func NewCachedConversations(next ConversationStore, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedConversations {
	return &CachedConversations{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "conversation_cache").Logger(),
	}
}

func conversationKey(id string) string {
	return conversationKeyPrefix + id
}

// FindByID returns the cached conversation or loads and caches it
func (c *CachedConversations) FindByID(ctx context.Context, id string) (*Conversation, error) {
	data, err := c.rdb.Get(ctx, conversationKey(id)).Bytes()
	switch {
	case err == nil:
		var conv Conversation
		if jsonErr := json.Unmarshal(data, &conv); jsonErr == nil {
			return &conv, nil
		}
		c.logger.Warn().Str("conversation_id", id).Msg("Discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("conversation_id", id).Msg("Cache read failed")
	}

	conv, err := c.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(conv); err == nil {
		if err := c.rdb.Set(ctx, conversationKey(id), data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", id).Msg("Cache write failed")
		}
	}
	return conv, nil
}

// UpdatePatientLanguage updates the backing store and invalidates the entry
func (c *CachedConversations) UpdatePatientLanguage(ctx context.Context, id, language string) error {
	if err := c.next.UpdatePatientLanguage(ctx, id, language); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, conversationKey(id)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", id).Msg("Cache invalidation failed")
	}
	return nil
}

// Ping verifies the redis connection is alive
func (c *CachedConversations) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
