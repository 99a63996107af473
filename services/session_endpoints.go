package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

// SessionEndpoints exposes the interview session lifecycle: creation,
// progress inspection, turns, and reset.
type SessionEndpoints struct {
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
	controller    *ProgressionController
}

type TurnRequest struct {
	Content string `json:"content"`
}

func NewSessionEndpoints(repo *repository.GORMRepository, conversations *repository.ConversationRepository, controller *ProgressionController) *SessionEndpoints {
	return &SessionEndpoints{
		repo:          repo,
		conversations: conversations,
		controller:    controller,
	}
}

func (e *SessionEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", e.CreateSessionHandler)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", e.GetSessionHandler)
			r.Delete("/", e.ResetSessionHandler)
			r.Get("/messages", e.ListMessagesHandler)
			r.Post("/messages", e.RecordTurnHandler)
			r.Get("/categories", e.ListCategoryProgressHandler)
			r.Get("/insights", e.ListInsightsHandler)
		})
	})
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value("user").(*models.User)
	return user
}

// ownedSession resolves the path session for the authenticated user, writing
// the error response itself when the session is missing or not theirs.
func (e *SessionEndpoints) ownedSession(w http.ResponseWriter, r *http.Request) *models.ChatSession {
	user := currentUser(r)
	if user == nil {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return nil
	}

	sessionID := chi.URLParam(r, "sessionID")
	session, err := e.repo.GetChatSessionForUser(r.Context(), sessionID, user.ID)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return nil
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}
	return session
}

// CreateSessionHandler resumes the user's active session if one exists,
// otherwise creates and bootstraps a fresh one. Idempotent from the client's
// perspective: calling it twice never produces two live interviews.
func (e *SessionEndpoints) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	session, err := e.repo.GetActiveSessionForUser(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to look up active session", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	created := false
	if session == nil {
		session, err = e.controller.StartSession(r.Context(), user.ID)
		if err != nil {
			slog.Error("Failed to create session", "error", err, "user_id", user.ID)
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		created = true
	}

	if _, err := e.controller.BootstrapIfNeeded(r.Context(), session.ID); err != nil {
		if errors.Is(err, ErrNoCategories) {
			slog.Error("No interview categories configured", "session_id", session.ID)
			http.Error(w, "Interview is not configured", http.StatusServiceUnavailable)
			return
		}
		slog.Error("Failed to bootstrap session", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e.sessionPayload(r, session))
}

func (e *SessionEndpoints) sessionPayload(r *http.Request, session *models.ChatSession) map[string]interface{} {
	payload := map[string]interface{}{
		"id":                  session.ID,
		"progress_percentage": session.ProgressPercentage,
		"questions_answered":  session.QuestionsAnswered,
		"target_questions":    session.TargetQuestions,
		"milestone_stage":     session.MilestoneStage,
		"phase":               e.controller.ComputePhase(session.ProgressPercentage),
		"created_at":          session.CreatedAt,
	}

	state, err := e.repo.GetConversationState(r.Context(), session.ID)
	if err == nil && state != nil {
		payload["current_category_id"] = state.CurrentCategoryID
		payload["all_categories_complete"] = state.CurrentCategoryID == nil
	}
	return payload
}

func (e *SessionEndpoints) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	payload := e.sessionPayload(r, session)

	progress, err := e.repo.ListCategoryProgress(r.Context(), session.ID)
	if err != nil {
		slog.Error("Failed to load category progress", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}
	payload["categories"] = progress

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (e *SessionEndpoints) ResetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	if err := e.controller.Reset(r.Context(), session.ID); err != nil {
		slog.Error("Failed to reset session", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to reset session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Session reset",
	})
}

// ListMessagesHandler returns the session transcript in chronological order.
// An optional limit query parameter restricts it to the most recent messages.
func (e *SessionEndpoints) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	var messages []models.Message
	var err error
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		messages, err = e.conversations.GetRecentMessages(r.Context(), session.ID, limit)
		// The repository returns newest first, flip back to chronological.
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	} else {
		messages, err = e.conversations.GetMessagesBySession(r.Context(), session.ID)
	}
	if err != nil {
		slog.Error("Failed to load messages", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages": messages,
	})
}

// RecordTurnHandler accepts the user's answer and returns the interviewer's
// reply plus the updated progress. A degraded generation still succeeds: the
// fallback reply is returned with generation_failed set.
func (e *SessionEndpoints) RecordTurnHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "Message content is required", http.StatusBadRequest)
		return
	}

	result, err := e.controller.RecordTurn(r.Context(), session.ID, req.Content)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to record turn", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to record turn", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"reply":             result.AssistantText,
		"generation_failed": result.GenerationFailed,
		"progress":          result.Progress,
	})
}

func (e *SessionEndpoints) ListCategoryProgressHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	progress, err := e.repo.ListCategoryProgress(r.Context(), session.ID)
	if err != nil {
		slog.Error("Failed to load category progress", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to load category progress", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"categories": progress,
	})
}

func (e *SessionEndpoints) ListInsightsHandler(w http.ResponseWriter, r *http.Request) {
	session := e.ownedSession(w, r)
	if session == nil {
		return
	}

	insights, err := e.conversations.GetInsightsBySession(r.Context(), session.ID)
	if err != nil {
		slog.Error("Failed to load insights", "error", err, "session_id", session.ID)
		http.Error(w, "Failed to load insights", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"insights": insights,
	})
}
