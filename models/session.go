package models

import (
	"time"

	"gorm.io/gorm"
)

// ChatSession is one user's end-to-end interview run. The overall progress
// percentage is derived from answered questions over the fixed target and is
// only ever written by the progression controller.
type ChatSession struct {
	ID                 string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID             string         `gorm:"type:uuid;not null;index" json:"user_id"`
	ProgressPercentage int            `gorm:"not null;default:0" json:"progress_percentage"`
	QuestionsAnswered  int            `gorm:"not null;default:0" json:"questions_answered"`
	MilestoneStage     string         `gorm:"size:100;default:'foundation'" json:"milestone_stage"`
	TargetQuestions    int            `gorm:"not null;default:135" json:"target_questions"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	User             User               `gorm:"foreignKey:UserID" json:"-"`
	State            *ConversationState `gorm:"foreignKey:SessionID" json:"state,omitempty"`
	CategoryProgress []CategoryProgress `gorm:"foreignKey:SessionID" json:"category_progress,omitempty"`
	Messages         []Message          `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
	Insights         []PersonaInsight   `gorm:"foreignKey:SessionID" json:"insights,omitempty"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ConversationState is the per-session cursor. Exactly one row exists per
// session once the interview has been bootstrapped; CurrentCategoryID is nil
// only in the terminal state after every category has been completed.
type ConversationState struct {
	ID                string         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID         string         `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`
	CurrentCategoryID *string        `gorm:"type:uuid" json:"current_category_id,omitempty"`
	Depth             int            `gorm:"not null;default:0" json:"depth"`
	ExploredTopics    []string       `gorm:"serializer:json" json:"explored_topics"`
	AskedQuestions    []string       `gorm:"serializer:json" json:"asked_questions"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Session         ChatSession     `gorm:"foreignKey:SessionID" json:"-"`
	CurrentCategory *CategoryBucket `gorm:"foreignKey:CurrentCategoryID" json:"current_category,omitempty"`
}

func (ConversationState) TableName() string {
	return "conversation_states"
}
