package store

import (
	"errors"
	"time"
)

// ErrConversationNotFound is returned when no conversation has the requested id
var ErrConversationNotFound = errors.New("conversation not found")

// Sender types persisted with every message
const (
	SenderClinician   = "clinician"
	SenderPatient     = "patient"
	SenderTranslation = "translation"
)

// Conversation carries the attributes the interpretation pipeline reads
type Conversation struct {
	ID              string    `json:"id"`
	PatientLanguage string    `json:"patientLanguage"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is a persisted utterance or translation
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	Text              string    `json:"text"`
	SenderType        string    `json:"senderType"`
	Language          string    `json:"language"`
	OriginalMessageID string    `json:"originalMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// MessageInput describes a message to persist. OriginalMessageID links a
// translation to the message it was derived from.
type MessageInput struct {
	ConversationID    string
	Text              string
	SenderType        string
	Language          string
	OriginalMessageID string
}

// conversationRecord is the gorm model for conversations
type conversationRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	PatientLanguage string `gorm:"size:16"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

func (r conversationRecord) toDomain() *Conversation {
	return &Conversation{ID: r.ID, PatientLanguage: r.PatientLanguage, UpdatedAt: r.UpdatedAt}
}

// messageRecord is the gorm model for messages
type messageRecord struct {
	ID                string  `gorm:"primaryKey;size:36"`
	ConversationID    string  `gorm:"index;size:64;not null"`
	Text              string  `gorm:"not null"`
	SenderType        string  `gorm:"size:16;not null"`
	Language          string  `gorm:"size:16"`
	OriginalMessageID *string `gorm:"index;size:36"`
	CreatedAt         time.Time
}

func (messageRecord) TableName() string { return "messages" }

func (r messageRecord) toDomain() *Message {
	m := &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Text:           r.Text,
		SenderType:     r.SenderType,
		Language:       r.Language,
		CreatedAt:      r.CreatedAt,
	}
	if r.OriginalMessageID != nil {
		m.OriginalMessageID = *r.OriginalMessageID
	}
	return m
}
