package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/carryon/backend/models"
	"gorm.io/gorm"
)

type GORMRepository struct {
	db *gorm.DB
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{db: db}
}

// DB exposes the underlying GORM handle for services that need raw access
func (r *GORMRepository) DB() *gorm.DB {
	return r.db
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.PermanentToken{},
		&models.CategoryBucket{},
		&models.ChatSession{},
		&models.ConversationState{},
		&models.CategoryProgress{},
		&models.Message{},
		&models.PersonaInsight{},
		&models.UserSuspension{},
		&models.AdminAuditLog{},
	)
}

// User operations

func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Order("created_at").Find(&users).Error; err != nil {
		slog.Error("Failed to list users", "error", err)
		return nil, err
	}
	return users, nil
}

func (r *GORMRepository) UpdateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Save(user).Error; err != nil {
		slog.Error("Failed to update user", "error", err, "user_id", user.ID)
		return err
	}
	return nil
}

func (r *GORMRepository) TouchLastSignIn(ctx context.Context, userID string) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_sign_in_at", now).Error; err != nil {
		slog.Error("Failed to update last sign-in", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// DeleteUser removes a user and everything owned by them: sessions with all
// session rows, tokens and suspensions. Used by the admin portal.
func (r *GORMRepository) DeleteUser(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessions []models.ChatSession
		if err := tx.Where("user_id = ?", userID).Find(&sessions).Error; err != nil {
			return err
		}
		for _, session := range sessions {
			if err := deleteSessionRows(tx, session.ID); err != nil {
				return err
			}
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.PermanentToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.UserSuspension{}).Error; err != nil {
			return err
		}
		// Hard delete: a soft-deleted row would keep the email occupied in
		// the unique index and block the address from ever signing up again.
		return tx.Unscoped().Where("id = ?", userID).Delete(&models.User{}).Error
	})
	if err != nil {
		slog.Error("Failed to delete user", "error", err, "user_id", userID)
		return err
	}
	slog.Info("User deleted", "user_id", userID)
	return nil
}

// Token operations

func (r *GORMRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create refresh token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var refreshToken models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ? AND expires_at > ?", token, time.Now()).First(&refreshToken).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get refresh token", "error", err)
		return nil, err
	}
	return &refreshToken, nil
}

func (r *GORMRepository) CreatePermanentToken(ctx context.Context, token *models.PermanentToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		slog.Error("Failed to create permanent token", "error", err)
		return err
	}
	return nil
}

func (r *GORMRepository) GetPermanentToken(ctx context.Context, token string) (*models.PermanentToken, error) {
	var permanentToken models.PermanentToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&permanentToken).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get permanent token", "error", err)
		return nil, err
	}
	return &permanentToken, nil
}

func (r *GORMRepository) DeleteAllUserTokens(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error; err != nil {
		slog.Error("Failed to delete user refresh tokens", "error", err, "user_id", userID)
		return err
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.PermanentToken{}).Error; err != nil {
		slog.Error("Failed to delete user permanent tokens", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// Category operations

func (r *GORMRepository) CreateCategory(ctx context.Context, category *models.CategoryBucket) error {
	if err := r.db.WithContext(ctx).Create(category).Error; err != nil {
		slog.Error("Failed to create category", "error", err, "name", category.Name)
		return err
	}
	return nil
}

func (r *GORMRepository) ListCategories(ctx context.Context) ([]models.CategoryBucket, error) {
	var categories []models.CategoryBucket
	if err := r.db.WithContext(ctx).Order("order_index").Find(&categories).Error; err != nil {
		slog.Error("Failed to list categories", "error", err)
		return nil, err
	}
	return categories, nil
}

func (r *GORMRepository) GetCategory(ctx context.Context, id string) (*models.CategoryBucket, error) {
	var category models.CategoryBucket
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&category).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get category", "error", err, "category_id", id)
		return nil, err
	}
	return &category, nil
}

// FirstCategory returns the category with the smallest order index.
func (r *GORMRepository) FirstCategory(ctx context.Context) (*models.CategoryBucket, error) {
	var category models.CategoryBucket
	if err := r.db.WithContext(ctx).Order("order_index").First(&category).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get first category", "error", err)
		return nil, err
	}
	return &category, nil
}

// NextCategory returns the category with the smallest order index strictly
// greater than the given one, or nil when no successor exists.
func (r *GORMRepository) NextCategory(ctx context.Context, orderIndex int) (*models.CategoryBucket, error) {
	var category models.CategoryBucket
	if err := r.db.WithContext(ctx).
		Where("order_index > ?", orderIndex).
		Order("order_index").
		First(&category).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get next category", "error", err, "after_order_index", orderIndex)
		return nil, err
	}
	return &category, nil
}

// Session operations

func (r *GORMRepository) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		slog.Error("Failed to create chat session", "error", err)
		return err
	}
	slog.Info("Chat session created", "session_id", session.ID, "user_id", session.UserID)
	return nil
}

func (r *GORMRepository) GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get chat session", "error", err, "session_id", sessionID)
		return nil, err
	}
	return &session, nil
}

// GetChatSessionForUser scopes the lookup to the owning user.
func (r *GORMRepository) GetChatSessionForUser(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get chat session for user", "error", err, "session_id", sessionID, "user_id", userID)
		return nil, err
	}
	return &session, nil
}

// GetActiveSessionForUser returns the user's most recent session, if any.
func (r *GORMRepository) GetActiveSessionForUser(ctx context.Context, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get active session", "error", err, "user_id", userID)
		return nil, err
	}
	return &session, nil
}

func (r *GORMRepository) UpdateChatSession(ctx context.Context, session *models.ChatSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		slog.Error("Failed to update chat session", "error", err, "session_id", session.ID)
		return err
	}
	return nil
}

// DeleteSessionData performs a full session reset: the session row and every
// row referencing it go in one transaction, returning the session to the
// uninitialized state.
func (r *GORMRepository) DeleteSessionData(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSessionRows(tx, sessionID)
	})
	if err != nil {
		slog.Error("Failed to delete session data", "error", err, "session_id", sessionID)
		return err
	}
	slog.Info("Session data deleted", "session_id", sessionID)
	return nil
}

func deleteSessionRows(tx *gorm.DB, sessionID string) error {
	if err := tx.Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&models.CategoryProgress{}).Error; err != nil {
		return err
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&models.ConversationState{}).Error; err != nil {
		return err
	}
	if err := tx.Where("session_id = ?", sessionID).Delete(&models.PersonaInsight{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", sessionID).Delete(&models.ChatSession{}).Error
}

// Conversation state operations

func (r *GORMRepository) CreateConversationState(ctx context.Context, state *models.ConversationState) error {
	if err := r.db.WithContext(ctx).Create(state).Error; err != nil {
		slog.Error("Failed to create conversation state", "error", err, "session_id", state.SessionID)
		return err
	}
	return nil
}

func (r *GORMRepository) GetConversationState(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&state).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get conversation state", "error", err, "session_id", sessionID)
		return nil, err
	}
	return &state, nil
}

func (r *GORMRepository) UpdateConversationState(ctx context.Context, state *models.ConversationState) error {
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		slog.Error("Failed to update conversation state", "error", err, "session_id", state.SessionID)
		return err
	}
	return nil
}

// Category progress operations

func (r *GORMRepository) CreateCategoryProgress(ctx context.Context, progress *models.CategoryProgress) error {
	if err := r.db.WithContext(ctx).Create(progress).Error; err != nil {
		slog.Error("Failed to create category progress", "error", err, "session_id", progress.SessionID, "category_id", progress.CategoryID)
		return err
	}
	return nil
}

// GetCategoryProgress returns the progress row for a (session, category)
// pair. Duplicate rows should never exist given serialized turns; if they do,
// the most recently updated row wins and the anomaly is logged.
func (r *GORMRepository) GetCategoryProgress(ctx context.Context, sessionID, categoryID string) (*models.CategoryProgress, error) {
	var rows []models.CategoryProgress
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND category_id = ?", sessionID, categoryID).
		Order("updated_at DESC").
		Find(&rows).Error; err != nil {
		slog.Error("Failed to get category progress", "error", err, "session_id", sessionID, "category_id", categoryID)
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		slog.Warn("Duplicate category progress rows detected, using most recent",
			"session_id", sessionID, "category_id", categoryID, "count", len(rows))
	}
	return &rows[0], nil
}

func (r *GORMRepository) ListCategoryProgress(ctx context.Context, sessionID string) ([]models.CategoryProgress, error) {
	var rows []models.CategoryProgress
	if err := r.db.WithContext(ctx).
		Joins("JOIN category_buckets ON category_buckets.id = category_progress.category_id").
		Where("category_progress.session_id = ?", sessionID).
		Order("category_buckets.order_index").
		Find(&rows).Error; err != nil {
		slog.Error("Failed to list category progress", "error", err, "session_id", sessionID)
		return nil, err
	}
	return rows, nil
}

func (r *GORMRepository) UpdateCategoryProgress(ctx context.Context, progress *models.CategoryProgress) error {
	if err := r.db.WithContext(ctx).Save(progress).Error; err != nil {
		slog.Error("Failed to update category progress", "error", err, "session_id", progress.SessionID, "category_id", progress.CategoryID)
		return err
	}
	return nil
}

// SumQuestionsAsked recomputes the session's total answered questions from
// the per-category rows. The sum is the authoritative count; the session row
// only caches it.
func (r *GORMRepository) SumQuestionsAsked(ctx context.Context, sessionID string) (int, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.CategoryProgress{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(questions_asked), 0)").
		Scan(&total).Error; err != nil {
		slog.Error("Failed to sum questions asked", "error", err, "session_id", sessionID)
		return 0, err
	}
	return int(total), nil
}

// Suspension operations

func (r *GORMRepository) CreateSuspension(ctx context.Context, suspension *models.UserSuspension) error {
	if err := r.db.WithContext(ctx).Create(suspension).Error; err != nil {
		slog.Error("Failed to create suspension", "error", err, "user_id", suspension.UserID)
		return err
	}
	slog.Info("User suspended", "user_id", suspension.UserID, "suspended_by", suspension.SuspendedBy)
	return nil
}

func (r *GORMRepository) GetActiveSuspension(ctx context.Context, userID string) (*models.UserSuspension, error) {
	var suspension models.UserSuspension
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		First(&suspension).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get active suspension", "error", err, "user_id", userID)
		return nil, err
	}
	return &suspension, nil
}

func (r *GORMRepository) ListActiveSuspensions(ctx context.Context) ([]models.UserSuspension, error) {
	var suspensions []models.UserSuspension
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&suspensions).Error; err != nil {
		slog.Error("Failed to list active suspensions", "error", err)
		return nil, err
	}
	return suspensions, nil
}

func (r *GORMRepository) DeactivateSuspension(ctx context.Context, userID, unsuspendedBy string) error {
	now := time.Now()
	if err := r.db.WithContext(ctx).
		Model(&models.UserSuspension{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"unsuspended_at": now,
			"unsuspended_by": unsuspendedBy,
		}).Error; err != nil {
		slog.Error("Failed to deactivate suspension", "error", err, "user_id", userID)
		return err
	}
	slog.Info("User unsuspended", "user_id", userID, "unsuspended_by", unsuspendedBy)
	return nil
}

// Audit log operations

func (r *GORMRepository) AppendAuditLog(ctx context.Context, entry *models.AdminAuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		slog.Error("Failed to append audit log", "error", err, "action", entry.Action)
		return err
	}
	return nil
}

func (r *GORMRepository) ListAuditLog(ctx context.Context, limit int) ([]models.AdminAuditLog, error) {
	var entries []models.AdminAuditLog
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		slog.Error("Failed to list audit log", "error", err)
		return nil, err
	}
	return entries, nil
}
