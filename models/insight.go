package models

import (
	"time"

	"gorm.io/gorm"
)

// PersonaInsight is one AI-extracted observation about the user, tied to the
// category that was being discussed when it surfaced. Confidence is in [0,1].
type PersonaInsight struct {
	ID         string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  string         `gorm:"type:uuid;not null;index" json:"session_id"`
	CategoryID *string        `gorm:"type:uuid;index" json:"category_id,omitempty"`
	KeyPhrase  string         `gorm:"size:255;not null" json:"key_phrase"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	Confidence float64        `gorm:"type:decimal(3,2);not null;default:0.50" json:"confidence"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Session  ChatSession     `gorm:"foreignKey:SessionID" json:"-"`
	Category *CategoryBucket `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}

func (PersonaInsight) TableName() string {
	return "persona_insights"
}
