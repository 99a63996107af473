package services

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

// Audit log action names
const (
	AuditSuspendUser   = "SUSPEND_USER"
	AuditUnsuspendUser = "UNSUSPEND_USER"
	AuditDeleteUser    = "DELETE_USER"
	AuditResetPassword = "RESET_PASSWORD"
)

// AdminEndpoints is the moderation surface: user listing, suspensions,
// deletion, password resets, and the audit trail. Every mutating action
// writes an audit log entry.
type AdminEndpoints struct {
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
	authService   *AuthService
}

type SuspendUserRequest struct {
	Reason string `json:"reason"`
}

type ResetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type AdminUserView struct {
	User       models.User            `json:"user"`
	Suspension *models.UserSuspension `json:"suspension,omitempty"`
	Stats      *models.SessionStats   `json:"stats,omitempty"`
}

func NewAdminEndpoints(repo *repository.GORMRepository, conversations *repository.ConversationRepository, authService *AuthService) *AdminEndpoints {
	return &AdminEndpoints{
		repo:          repo,
		conversations: conversations,
		authService:   authService,
	}
}

func (e *AdminEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/users", e.ListUsersHandler)
		r.Post("/users/{userID}/suspend", e.SuspendUserHandler)
		r.Post("/users/{userID}/unsuspend", e.UnsuspendUserHandler)
		r.Post("/users/{userID}/reset-password", e.ResetPasswordHandler)
		r.Delete("/users/{userID}", e.DeleteUserHandler)
		r.Get("/audit", e.AuditLogHandler)
	})
}

func adminUser(w http.ResponseWriter, r *http.Request) *models.User {
	user, ok := r.Context().Value("user").(*models.User)
	if !ok || user == nil {
		http.Error(w, "User not found in context", http.StatusInternalServerError)
		return nil
	}
	return user
}

func (e *AdminEndpoints) audit(r *http.Request, action, adminID string, targetUserID *string, detail string) {
	entry := &models.AdminAuditLog{
		Action:       action,
		AdminID:      adminID,
		TargetUserID: targetUserID,
		Detail:       detail,
	}
	if err := e.repo.AppendAuditLog(r.Context(), entry); err != nil {
		slog.Error("Failed to write audit log entry", "error", err, "action", action, "admin_id", adminID)
	}
}

func (e *AdminEndpoints) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := e.repo.ListUsers(r.Context())
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		http.Error(w, "Failed to list users", http.StatusInternalServerError)
		return
	}

	suspensions, err := e.repo.ListActiveSuspensions(r.Context())
	if err != nil {
		slog.Error("Failed to list suspensions", "error", err)
		http.Error(w, "Failed to list users", http.StatusInternalServerError)
		return
	}
	suspendedBy := make(map[string]*models.UserSuspension, len(suspensions))
	for i := range suspensions {
		suspendedBy[suspensions[i].UserID] = &suspensions[i]
	}

	views := make([]AdminUserView, 0, len(users))
	for i := range users {
		users[i].Password = ""
		view := AdminUserView{
			User:       users[i],
			Suspension: suspendedBy[users[i].ID],
		}
		session, err := e.repo.GetActiveSessionForUser(r.Context(), users[i].ID)
		if err == nil && session != nil {
			stats, err := e.conversations.GetSessionStats(r.Context(), session.ID)
			if err != nil {
				slog.Error("Failed to load session stats", "error", err, "session_id", session.ID)
			} else {
				view.Stats = stats
			}
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"users": views,
		"count": len(views),
	})
}

func (e *AdminEndpoints) SuspendUserHandler(w http.ResponseWriter, r *http.Request) {
	admin := adminUser(w, r)
	if admin == nil {
		return
	}

	targetID := chi.URLParam(r, "userID")
	if targetID == admin.ID {
		http.Error(w, "Cannot suspend yourself", http.StatusBadRequest)
		return
	}

	target, err := e.repo.GetUserByID(r.Context(), targetID)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", targetID)
		http.Error(w, "Failed to suspend user", http.StatusInternalServerError)
		return
	}
	if target == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	existing, err := e.repo.GetActiveSuspension(r.Context(), targetID)
	if err != nil {
		slog.Error("Failed to check suspension", "error", err, "user_id", targetID)
		http.Error(w, "Failed to suspend user", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "User is already suspended", http.StatusConflict)
		return
	}

	var req SuspendUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	suspension := &models.UserSuspension{
		UserID:      targetID,
		SuspendedBy: admin.ID,
		Reason:      req.Reason,
		IsActive:    true,
	}
	if err := e.repo.CreateSuspension(r.Context(), suspension); err != nil {
		slog.Error("Failed to create suspension", "error", err, "user_id", targetID)
		http.Error(w, "Failed to suspend user", http.StatusInternalServerError)
		return
	}

	// Suspension takes effect immediately: kill the user's live tokens too.
	if err := e.repo.DeleteAllUserTokens(r.Context(), targetID); err != nil {
		slog.Error("Failed to revoke tokens for suspended user", "error", err, "user_id", targetID)
	}

	e.audit(r, AuditSuspendUser, admin.ID, &targetID, req.Reason)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":    "User suspended",
		"suspension": suspension,
	})

	slog.Info("User suspended", "user_id", targetID, "admin_id", admin.ID)
}

func (e *AdminEndpoints) UnsuspendUserHandler(w http.ResponseWriter, r *http.Request) {
	admin := adminUser(w, r)
	if admin == nil {
		return
	}

	targetID := chi.URLParam(r, "userID")
	existing, err := e.repo.GetActiveSuspension(r.Context(), targetID)
	if err != nil {
		slog.Error("Failed to check suspension", "error", err, "user_id", targetID)
		http.Error(w, "Failed to unsuspend user", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "User is not suspended", http.StatusNotFound)
		return
	}

	if err := e.repo.DeactivateSuspension(r.Context(), targetID, admin.ID); err != nil {
		slog.Error("Failed to deactivate suspension", "error", err, "user_id", targetID)
		http.Error(w, "Failed to unsuspend user", http.StatusInternalServerError)
		return
	}

	e.audit(r, AuditUnsuspendUser, admin.ID, &targetID, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "User unsuspended",
	})

	slog.Info("User unsuspended", "user_id", targetID, "admin_id", admin.ID)
}

func (e *AdminEndpoints) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	admin := adminUser(w, r)
	if admin == nil {
		return
	}

	targetID := chi.URLParam(r, "userID")
	target, err := e.repo.GetUserByID(r.Context(), targetID)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", targetID)
		http.Error(w, "Failed to reset password", http.StatusInternalServerError)
		return
	}
	if target == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < 8 {
		http.Error(w, "Password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		http.Error(w, "Failed to reset password", http.StatusInternalServerError)
		return
	}

	target.Password = string(hashedPassword)
	if err := e.repo.UpdateUser(r.Context(), target); err != nil {
		slog.Error("Failed to update user password", "error", err, "user_id", targetID)
		http.Error(w, "Failed to reset password", http.StatusInternalServerError)
		return
	}

	// Force re-authentication with the new password.
	if err := e.repo.DeleteAllUserTokens(r.Context(), targetID); err != nil {
		slog.Error("Failed to revoke tokens after password reset", "error", err, "user_id", targetID)
	}

	e.audit(r, AuditResetPassword, admin.ID, &targetID, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Password reset",
	})

	slog.Info("Password reset by admin", "user_id", targetID, "admin_id", admin.ID)
}

func (e *AdminEndpoints) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	admin := adminUser(w, r)
	if admin == nil {
		return
	}

	targetID := chi.URLParam(r, "userID")
	if targetID == admin.ID {
		http.Error(w, "Cannot delete yourself", http.StatusBadRequest)
		return
	}

	target, err := e.repo.GetUserByID(r.Context(), targetID)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", targetID)
		http.Error(w, "Failed to delete user", http.StatusInternalServerError)
		return
	}
	if target == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	if err := e.repo.DeleteUser(r.Context(), targetID); err != nil {
		slog.Error("Failed to delete user", "error", err, "user_id", targetID)
		http.Error(w, "Failed to delete user", http.StatusInternalServerError)
		return
	}

	e.audit(r, AuditDeleteUser, admin.ID, &targetID, target.Email)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "User deleted",
	})

	slog.Info("User deleted by admin", "user_id", targetID, "admin_id", admin.ID)
}

func (e *AdminEndpoints) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := e.repo.ListAuditLog(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to load audit log", "error", err)
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
