package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single turn in a session's conversation. Messages are
// immutable once created and ordered by creation timestamp.
type Message struct {
	ID        string         `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID string         `json:"session_id" gorm:"type:uuid;not null;index"`
	Role      string         `json:"role" gorm:"type:varchar(50);not null;check:role IN ('user', 'assistant')"`
	Content   string         `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	Session *ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string {
	return "messages"
}

// SessionStats represents aggregated statistics for a session
type SessionStats struct {
	TotalMessages  int64      `json:"total_messages"`
	UserMessages   int64      `json:"user_messages"`
	TotalInsights  int64      `json:"total_insights"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}
