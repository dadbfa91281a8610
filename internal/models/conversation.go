package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ConversationStatus is the lifecycle of a conversation row.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the in-memory working copy of a user's message log.
type Conversation struct {
	ID           string             `json:"id"`
	Phone        string             `json:"phone"`
	Messages     []Message          `json:"messages"`
	StartedAt    time.Time          `json:"started_at"`
	LastActivity time.Time          `json:"last_activity"`
	Status       ConversationStatus `json:"status"`
	UnreadCount  int                `json:"unread_count"`
	WithAdvisor  bool               `json:"with_advisor"`
}

// Clone returns a copy whose message slice can be read without holding the
// store lock.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// LastMessage returns the most recent message, if any.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// MediaRefs lists every media-store reference carried by the conversation.
// External URLs are skipped.
func (c *Conversation) MediaRefs() []string {
	var refs []string
	for _, m := range c.Messages {
		if ref := m.MediaRef(); ref != "" && !IsExternalRef(ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ConversationRecord is the durable row of a conversation. One row exists per
// conversation id; the active copy is upserted on every append.
type ConversationRecord struct {
	ID             uint               `gorm:"primaryKey" json:"id"`
	ConversationID string             `gorm:"uniqueIndex;size:36;not null" json:"conversation_id"`
	Phone          string             `gorm:"index;not null" json:"phone"`
	Status         ConversationStatus `gorm:"index;default:'active'" json:"status"`
	Messages       datatypes.JSON     `json:"messages"`
	MessageCount   int                `json:"message_count"`
	UnreadCount    int                `json:"unread_count"`
	StartedAt      time.Time          `gorm:"index" json:"started_at"`
	LastActivity   time.Time          `json:"last_activity"`
	ArchivedAt     *time.Time         `json:"archived_at,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// TableName implements the gorm tabler interface.
func (ConversationRecord) TableName() string { return "conversations" }

// ToRecord snapshots the conversation into its durable form.
func (c *Conversation) ToRecord() (*ConversationRecord, error) {
	raw, err := json.Marshal(c.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages of %s: %w", c.ID, err)
	}
	return &ConversationRecord{
		ConversationID: c.ID,
		Phone:          c.Phone,
		Status:         c.Status,
		Messages:       datatypes.JSON(raw),
		MessageCount:   len(c.Messages),
		UnreadCount:    c.UnreadCount,
		StartedAt:      c.StartedAt,
		LastActivity:   c.LastActivity,
	}, nil
}

// ToConversation rebuilds the working copy. WithAdvisor is inferred from the
// presence of any advisor-authored message, which only approximates the
// escalation state at the time the row was written.
func (r *ConversationRecord) ToConversation() (*Conversation, error) {
	var msgs []Message
	if len(r.Messages) > 0 {
		if err := json.Unmarshal(r.Messages, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages of %s: %w", r.ConversationID, err)
		}
	}
	conv := &Conversation{
		ID:           r.ConversationID,
		Phone:        r.Phone,
		Messages:     msgs,
		StartedAt:    r.StartedAt,
		LastActivity: r.LastActivity,
		Status:       r.Status,
		UnreadCount:  r.UnreadCount,
	}
	for _, m := range msgs {
		if m.Sender == SenderAdvisor {
			conv.WithAdvisor = true
			break
		}
	}
	return conv, nil
}

// MediaRefs decodes the stored messages and returns their media references.
func (r *ConversationRecord) MediaRefs() ([]string, error) {
	conv, err := r.ToConversation()
	if err != nil {
		return nil, err
	}
	return conv.MediaRefs(), nil
}
