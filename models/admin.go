package models

import (
	"time"

	"gorm.io/gorm"
)

// UserSuspension records an account suspension. A user with an active
// suspension cannot log in; unsuspending flips IsActive instead of deleting
// the row so the history is preserved.
type UserSuspension struct {
	ID            string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string         `gorm:"type:uuid;not null;index" json:"user_id"`
	SuspendedBy   string         `gorm:"type:uuid;not null" json:"suspended_by"`
	Reason        string         `gorm:"type:text" json:"reason"`
	IsActive      bool           `gorm:"not null;default:true;index" json:"is_active"`
	UnsuspendedAt *time.Time     `json:"unsuspended_at,omitempty"`
	UnsuspendedBy *string        `gorm:"type:uuid" json:"unsuspended_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (UserSuspension) TableName() string {
	return "user_suspensions"
}

// AdminAuditLog is the append-only trail of admin actions. Rows are written
// by the admin endpoints and never updated or deleted.
type AdminAuditLog struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Action       string    `gorm:"size:100;not null" json:"action"` // e.g. SUSPEND_USER, DELETE_USER
	AdminID      string    `gorm:"type:uuid;not null;index" json:"admin_id"`
	TargetUserID *string   `gorm:"type:uuid;index" json:"target_user_id,omitempty"`
	Detail       string    `gorm:"type:text" json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

func (AdminAuditLog) TableName() string {
	return "admin_audit_log"
}
