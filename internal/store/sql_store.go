package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLStore persists conversations and messages with gorm
type SQLStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects to the sqlite database at dsn and migrates the schema
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}

	logger.Info().Str("dsn", dsn).Msg("Database connection established")
	return &SQLStore{db: db, logger: logger}, nil
}

// CreateMessage persists a message and returns it with its generated id
func (s *SQLStore) CreateMessage(ctx context.Context, in MessageInput) (*Message, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("message text is empty")
	}
	if in.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	rec := messageRecord{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		Text:           in.Text,
		SenderType:     in.SenderType,
		Language:       in.Language,
	}
	if in.OriginalMessageID != "" {
		original := in.OriginalMessageID
		rec.OriginalMessageID = &original
	}

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return rec.toDomain(), nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("rowid ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]*Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// EnsureConversation creates the conversation if it does not exist yet
func (s *SQLStore) EnsureConversation(ctx context.Context, id string) (*Conversation, error) {
	rec := conversationRecord{ID: id}
	if err := s.db.WithContext(ctx).Where(conversationRecord{ID: id}).FirstOrCreate(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to ensure conversation %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// FindByID loads a conversation
func (s *SQLStore) FindByID(ctx context.Context, id string) (*Conversation, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// UpdatePatientLanguage sets the stored patient language
func (s *SQLStore) UpdatePatientLanguage(ctx context.Context, id, language string) error {
	res := s.db.WithContext(ctx).
		Model(&conversationRecord{}).
		Where("id = ?", id).
		Update("patient_language", language)
	if res.Error != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
