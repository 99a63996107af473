package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carryon/backend/models"
	"gorm.io/gorm"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// SaveMessage saves a message to the database using GORM
func (r *ConversationRepository) SaveMessage(ctx context.Context, message *models.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		slog.Error("Failed to save message", "error", err, "session_id", message.SessionID)
		return fmt.Errorf("failed to save message: %w", err)
	}

	slog.Info("Message saved", "message_id", message.ID, "session_id", message.SessionID, "role", message.Role)
	return nil
}

// GetMessagesBySession retrieves all messages for a session in creation order
func (r *ConversationRepository) GetMessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message

	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&messages).Error; err != nil {
		slog.Error("Failed to get messages by session", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get messages by session: %w", err)
	}

	return messages, nil
}

// GetRecentMessages retrieves the most recent messages for a session
func (r *ConversationRepository) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	var messages []models.Message

	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		slog.Error("Failed to get recent messages", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}

	return messages, nil
}

// SaveInsight saves a persona insight extracted from the conversation
func (r *ConversationRepository) SaveInsight(ctx context.Context, insight *models.PersonaInsight) error {
	if err := r.db.WithContext(ctx).Create(insight).Error; err != nil {
		slog.Error("Failed to save insight", "error", err, "session_id", insight.SessionID)
		return fmt.Errorf("failed to save insight: %w", err)
	}

	slog.Info("Insight saved", "insight_id", insight.ID, "session_id", insight.SessionID, "key_phrase", insight.KeyPhrase)
	return nil
}

// GetInsightsBySession retrieves insights for a session, newest first
func (r *ConversationRepository) GetInsightsBySession(ctx context.Context, sessionID string) ([]models.PersonaInsight, error) {
	var insights []models.PersonaInsight

	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Preload("Category").
		Order("created_at DESC").
		Find(&insights).Error; err != nil {
		slog.Error("Failed to get insights by session", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get insights by session: %w", err)
	}

	return insights, nil
}

// GetSessionStats returns conversation statistics for a session
func (r *ConversationRepository) GetSessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error) {
	var stats models.SessionStats

	if err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("session_id = ?", sessionID).
		Count(&stats.TotalMessages).Error; err != nil {
		slog.Error("Failed to get total messages count", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get total messages count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("session_id = ? AND role = ?", sessionID, models.RoleUser).
		Count(&stats.UserMessages).Error; err != nil {
		slog.Error("Failed to get user messages count", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get user messages count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Model(&models.PersonaInsight{}).
		Where("session_id = ?", sessionID).
		Count(&stats.TotalInsights).Error; err != nil {
		slog.Error("Failed to get insights count", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to get insights count: %w", err)
	}

	var lastMessage models.Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&lastMessage).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			slog.Error("Failed to get last activity", "error", err, "session_id", sessionID)
			return nil, fmt.Errorf("failed to get last activity: %w", err)
		}
		// No messages yet, last activity stays nil
	} else {
		stats.LastActivityAt = &lastMessage.CreatedAt
	}

	return &stats, nil
}
