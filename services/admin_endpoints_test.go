package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

func newAdminRouter(t *testing.T) (*chi.Mux, *models.User, *models.User, *repository.GORMRepository) {
	t.Helper()
	ctx := context.Background()

	repo, conv := newTestRepo(t)
	auth := NewAuthService(repo, "test-secret")

	admin := &models.User{Email: "admin@example.com", Password: "hash", Role: "admin"}
	target := &models.User{Email: "member@example.com", Password: "hash", Role: "user"}
	for _, u := range []*models.User{admin, target} {
		if err := repo.CreateUser(ctx, u); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
	}

	router := chi.NewRouter()
	router.Use(injectUser(admin))
	router.Use(auth.AdminMiddleware)
	NewAdminEndpoints(repo, conv, auth).RegisterRoutes(router)
	return router, admin, target, repo
}

func TestAdminMiddlewareRejectsNonAdmins(t *testing.T) {
	repo, conv := newTestRepo(t)
	auth := NewAuthService(repo, "test-secret")

	member := &models.User{Email: "member@example.com", Password: "hash", Role: "user"}
	if err := repo.CreateUser(context.Background(), member); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	router := chi.NewRouter()
	router.Use(injectUser(member))
	router.Use(auth.AdminMiddleware)
	NewAdminEndpoints(repo, conv, auth).RegisterRoutes(router)

	rec, _ := doJSON(t, router, "GET", "/admin/users", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-admin, got %d", rec.Code)
	}
}

func TestSuspendAndUnsuspendUser(t *testing.T) {
	router, _, target, repo := newAdminRouter(t)
	ctx := context.Background()

	rec, _ := doJSON(t, router, "POST", "/admin/users/"+target.ID+"/suspend", `{"reason":"spam"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 suspending, got %d: %s", rec.Code, rec.Body.String())
	}

	suspension, err := repo.GetActiveSuspension(ctx, target.ID)
	if err != nil || suspension == nil {
		t.Fatalf("expected an active suspension, got %v err=%v", suspension, err)
	}
	if suspension.Reason != "spam" {
		t.Errorf("expected reason to be recorded, got %q", suspension.Reason)
	}

	rec, _ = doJSON(t, router, "POST", "/admin/users/"+target.ID+"/suspend", `{"reason":"again"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("suspending twice should be a 409, got %d", rec.Code)
	}

	rec, _ = doJSON(t, router, "POST", "/admin/users/"+target.ID+"/unsuspend", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 unsuspending, got %d", rec.Code)
	}

	suspension, err = repo.GetActiveSuspension(ctx, target.ID)
	if err != nil {
		t.Fatalf("failed to check suspension: %v", err)
	}
	if suspension != nil {
		t.Error("expected no active suspension after unsuspend")
	}

	entries, err := repo.ListAuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list audit log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	// Entries are newest first.
	if entries[0].Action != AuditUnsuspendUser || entries[1].Action != AuditSuspendUser {
		t.Errorf("unexpected audit actions: %s, %s", entries[0].Action, entries[1].Action)
	}
}

func TestAdminCannotSuspendSelf(t *testing.T) {
	router, admin, _, _ := newAdminRouter(t)

	rec, _ := doJSON(t, router, "POST", "/admin/users/"+admin.ID+"/suspend", `{"reason":"oops"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self-suspension should be a 400, got %d", rec.Code)
	}
}

func TestAdminDeleteUser(t *testing.T) {
	router, _, target, repo := newAdminRouter(t)
	ctx := context.Background()

	rec, _ := doJSON(t, router, "DELETE", "/admin/users/"+target.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting, got %d", rec.Code)
	}

	user, err := repo.GetUserByID(ctx, target.ID)
	if err != nil {
		t.Fatalf("failed to check user: %v", err)
	}
	if user != nil {
		t.Error("user should be gone after deletion")
	}

	entries, err := repo.ListAuditLog(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d err=%v", len(entries), err)
	}
	if entries[0].Action != AuditDeleteUser {
		t.Errorf("expected a DELETE_USER audit entry, got %s", entries[0].Action)
	}
	if entries[0].Detail != target.Email {
		t.Errorf("deletion audit should record the email, got %q", entries[0].Detail)
	}
}

func TestAdminResetPassword(t *testing.T) {
	router, _, target, repo := newAdminRouter(t)
	ctx := context.Background()

	rec, _ := doJSON(t, router, "POST", "/admin/users/"+target.ID+"/reset-password", `{"new_password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short password should be a 400, got %d", rec.Code)
	}

	rec, _ = doJSON(t, router, "POST", "/admin/users/"+target.ID+"/reset-password", `{"new_password":"longenough1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 resetting password, got %d", rec.Code)
	}

	user, err := repo.GetUserByID(ctx, target.ID)
	if err != nil || user == nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if user.Password == "hash" {
		t.Error("password hash should have changed")
	}
}

func TestAdminListUsersIncludesSuspensionState(t *testing.T) {
	router, _, target, _ := newAdminRouter(t)

	doJSON(t, router, "POST", "/admin/users/"+target.ID+"/suspend", `{"reason":"spam"}`)

	rec, body := doJSON(t, router, "GET", "/admin/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	users, ok := body["users"].([]interface{})
	if !ok || len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", body["users"])
	}

	foundSuspended := false
	for _, raw := range users {
		view := raw.(map[string]interface{})
		user := view["user"].(map[string]interface{})
		if user["email"] == target.Email {
			if view["suspension"] == nil {
				t.Error("suspended user should carry its suspension")
			}
			foundSuspended = true
		}
	}
	if !foundSuspended {
		t.Error("target user missing from the listing")
	}
}

func TestAdminListUsersIncludesSessionStats(t *testing.T) {
	router, _, target, repo := newAdminRouter(t)
	ctx := context.Background()

	conv := repository.NewConversationRepository(repo.DB())

	session := &models.ChatSession{UserID: target.ID, TargetQuestions: 135}
	if err := repo.CreateChatSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	turns := []struct {
		role    string
		content string
	}{
		{models.RoleUser, "I grew up by the sea."},
		{models.RoleAssistant, "What do you remember most about it?"},
		{models.RoleUser, "The smell of salt in the morning."},
	}
	for _, turn := range turns {
		msg := &models.Message{SessionID: session.ID, Role: turn.role, Content: turn.content, CreatedAt: time.Now()}
		if err := conv.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	rec, body := doJSON(t, router, "GET", "/admin/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	users, ok := body["users"].([]interface{})
	if !ok || len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", body["users"])
	}

	for _, raw := range users {
		view := raw.(map[string]interface{})
		user := view["user"].(map[string]interface{})
		switch user["email"] {
		case target.Email:
			stats, ok := view["stats"].(map[string]interface{})
			if !ok {
				t.Fatalf("user with a session should carry stats, got %v", view["stats"])
			}
			if stats["total_messages"] != float64(3) {
				t.Errorf("expected 3 total messages, got %v", stats["total_messages"])
			}
			if stats["user_messages"] != float64(2) {
				t.Errorf("expected 2 user messages, got %v", stats["user_messages"])
			}
			if stats["last_activity_at"] == nil {
				t.Error("expected last activity to be set")
			}
		default:
			if view["stats"] != nil {
				t.Errorf("user without a session should carry no stats, got %v", view["stats"])
			}
		}
	}
}
