package models

import (
	"time"

	"gorm.io/gorm"
)

// CategoryBucket is an ordered interview topic area. Buckets are reference
// data: they are seeded at startup and never mutated by the conversation flow.
type CategoryBucket struct {
	ID              string         `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string         `gorm:"not null" json:"name"`
	Description     string         `gorm:"type:text" json:"description"`
	TargetQuestions int            `gorm:"not null;default:15" json:"target_questions"`
	OrderIndex      int            `gorm:"not null;uniqueIndex" json:"order_index"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (CategoryBucket) TableName() string {
	return "category_buckets"
}

// CategoryProgress tracks how many questions have been answered for one
// category within one session. At most one row may exist per
// (session, category) pair.
type CategoryProgress struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID      string         `gorm:"type:uuid;not null;index:idx_session_category,unique" json:"session_id"`
	CategoryID     string         `gorm:"type:uuid;not null;index:idx_session_category,unique" json:"category_id"`
	CategoryName   string         `gorm:"size:255" json:"category_name"`
	QuestionsAsked int            `gorm:"not null;default:0" json:"questions_asked"`
	TotalQuestions int            `gorm:"not null;default:15" json:"total_questions"`
	IsCompleted    bool           `gorm:"not null;default:false" json:"is_completed"`
	LastQuestionAt *time.Time     `json:"last_question_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Session  ChatSession    `gorm:"foreignKey:SessionID" json:"-"`
	Category CategoryBucket `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}

func (CategoryProgress) TableName() string {
	return "category_progress"
}
