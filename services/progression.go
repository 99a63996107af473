package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

// Phase is the derived UI mode for a session
type Phase string

const (
	PhaseInterview    Phase = "interview"
	PhaseTestUnlocked Phase = "test_unlocked"
)

// GenerationFallbackReply is persisted as the assistant turn whenever text
// generation fails, so conversation history stays contiguous.
const GenerationFallbackReply = "I'm sorry, I lost my train of thought for a moment. Could you tell me a little more about that?"

// generationTimeout bounds each text-generation request; a timeout is treated
// the same as any other generation failure.
const generationTimeout = 30 * time.Second

// ProgressSnapshot captures the progress numbers a reply is generated against
type ProgressSnapshot struct {
	QuestionsAsked     int
	TargetQuestions    int
	ProgressPercentage int
}

// InsightCandidate is one extracted persona insight before persistence
type InsightCandidate struct {
	KeyPhrase  string
	Content    string
	Confidence float64
}

// ReplyGenerator produces the interviewer's next utterance. GeminiService is
// the production implementation; tests substitute a stub.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, sessionID string, category *models.CategoryBucket, history []models.Message, snapshot ProgressSnapshot) (string, error)
}

// InsightExtractor pulls persona insights out of a user answer
type InsightExtractor interface {
	ExtractInsights(ctx context.Context, category *models.CategoryBucket, userAnswer string) ([]InsightCandidate, error)
}

// ProgressPublisher receives a progress event after every recorded turn.
// The websocket hub implements this to push updates to connected clients.
type ProgressPublisher interface {
	PublishProgress(event ProgressEvent)
}

// ProgressEvent is the state published after each turn
type ProgressEvent struct {
	SessionID             string  `json:"session_id"`
	ProgressPercentage    int     `json:"progress_percentage"`
	QuestionsAnswered     int     `json:"questions_answered"`
	Phase                 Phase   `json:"phase"`
	CurrentCategoryID     *string `json:"current_category_id,omitempty"`
	CurrentCategoryName   string  `json:"current_category_name,omitempty"`
	CategoryCompleted     bool    `json:"category_completed"`
	AllCategoriesComplete bool    `json:"all_categories_complete"`
}

// TurnResult is what one recorded turn produced
type TurnResult struct {
	AssistantText    string
	GenerationFailed bool
	Progress         ProgressEvent
}

// ProgressionController owns the session state machine: which category is
// current, when it completes, when the next one begins, and the overall
// percentage derived from answered questions. All turn handling for a session
// is serialized through a per-session mutex; the store itself offers no
// transactional read-modify-write from this vantage point.
type ProgressionController struct {
	repo          *repository.GORMRepository
	conversations *repository.ConversationRepository
	generator     ReplyGenerator
	extractor     InsightExtractor
	publisher     ProgressPublisher
	config        InterviewConfig

	sessionLocks sync.Map // session id -> *sync.Mutex
}

func NewProgressionController(
	repo *repository.GORMRepository,
	conversations *repository.ConversationRepository,
	generator ReplyGenerator,
	extractor InsightExtractor,
	publisher ProgressPublisher,
	config InterviewConfig,
) *ProgressionController {
	return &ProgressionController{
		repo:          repo,
		conversations: conversations,
		generator:     generator,
		extractor:     extractor,
		publisher:     publisher,
		config:        config,
	}
}

func (c *ProgressionController) sessionLock(sessionID string) *sync.Mutex {
	lock, _ := c.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// ComputePhase maps a progress percentage to the UI phase. The threshold is
// inclusive: exactly at the threshold unlocks test mode.
func (c *ProgressionController) ComputePhase(progressPercentage int) Phase {
	if progressPercentage >= c.config.TestUnlockThreshold {
		return PhaseTestUnlocked
	}
	return PhaseInterview
}

// progressPercentage derives the overall percentage from the total answered
// questions over the fixed denominator, rounded then capped at 100.
func (c *ProgressionController) progressPercentage(totalAnswered int) int {
	percentage := int(math.Round(float64(totalAnswered) * 100 / float64(c.config.OverallQuestionTarget)))
	if percentage > 100 {
		percentage = 100
	}
	return percentage
}

func milestoneStage(progressPercentage int) string {
	switch {
	case progressPercentage < 25:
		return "foundation"
	case progressPercentage < 50:
		return "exploration"
	case progressPercentage < 75:
		return "deepening"
	default:
		return "completion"
	}
}

// StartSession creates a fresh session for a user
func (c *ProgressionController) StartSession(ctx context.Context, userID string) (*models.ChatSession, error) {
	session := &models.ChatSession{
		UserID:             userID,
		ProgressPercentage: 0,
		QuestionsAnswered:  0,
		MilestoneStage:     milestoneStage(0),
		TargetQuestions:    c.config.OverallQuestionTarget,
	}
	if err := c.repo.CreateChatSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// BootstrapIfNeeded creates the conversation state and the first category's
// progress row on first access. Idempotent: an existing state is returned
// untouched, and concurrent callers cannot produce two state rows for the
// same session.
func (c *ProgressionController) BootstrapIfNeeded(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return c.bootstrapLocked(ctx, sessionID)
}

func (c *ProgressionController) bootstrapLocked(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	state, err := c.repo.GetConversationState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if state != nil {
		return state, nil
	}

	session, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	first, err := c.repo.FirstCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load first category: %w", err)
	}
	if first == nil {
		return nil, ErrNoCategories
	}

	if err := c.ensureCategoryProgress(ctx, sessionID, first); err != nil {
		return nil, err
	}

	state = &models.ConversationState{
		SessionID:         sessionID,
		CurrentCategoryID: &first.ID,
		Depth:             0,
		ExploredTopics:    []string{},
		AskedQuestions:    []string{},
	}
	if err := c.repo.CreateConversationState(ctx, state); err != nil {
		// A concurrent writer from another instance may have won the race on
		// the unique session index; fall back to the stored row.
		existing, readErr := c.repo.GetConversationState(ctx, sessionID)
		if readErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create conversation state: %w", err)
	}

	slog.Info("Session bootstrapped", "session_id", sessionID, "category", first.Name)
	return state, nil
}

// ensureCategoryProgress creates the progress row for a category unless one
// already exists, preserving the one-row-per-pair invariant.
func (c *ProgressionController) ensureCategoryProgress(ctx context.Context, sessionID string, category *models.CategoryBucket) error {
	existing, err := c.repo.GetCategoryProgress(ctx, sessionID, category.ID)
	if err != nil {
		return fmt.Errorf("failed to check category progress: %w", err)
	}
	if existing != nil {
		return nil
	}

	target := category.TargetQuestions
	if target <= 0 {
		target = c.config.DefaultCategoryTarget
	}

	progress := &models.CategoryProgress{
		SessionID:      sessionID,
		CategoryID:     category.ID,
		CategoryName:   category.Name,
		QuestionsAsked: 0,
		TotalQuestions: target,
		IsCompleted:    false,
	}
	if err := c.repo.CreateCategoryProgress(ctx, progress); err != nil {
		return fmt.Errorf("failed to create category progress: %w", err)
	}
	return nil
}

// RecordTurn persists the user's message, obtains the assistant reply, and
// advances progress exactly once. The user message is durably stored before
// generation is attempted; if generation fails, a fixed fallback utterance is
// persisted as the assistant turn and the result is flagged, never an
// unanswered turn.
func (c *ProgressionController) RecordTurn(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	state, err := c.bootstrapLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	category, err := c.activeCategory(ctx, state)
	if err != nil {
		return nil, err
	}

	userMessage := &models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	if err := c.conversations.SaveMessage(ctx, userMessage); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	history, err := c.conversations.GetMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	snapshot, err := c.snapshotFor(ctx, session, state, category)
	if err != nil {
		return nil, err
	}

	assistantText, generationFailed := c.generateReply(ctx, sessionID, category, history, snapshot)

	assistantMessage := &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   assistantText,
		CreatedAt: time.Now(),
	}
	if err := c.conversations.SaveMessage(ctx, assistantMessage); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	// Exactly one advancement per recorded turn, fallback replies included:
	// the user's answer was durably saved either way.
	event, err := c.advanceProgressLocked(ctx, session, state, category)
	if err != nil {
		return nil, err
	}

	if c.extractor != nil && !generationFailed && category != nil {
		go c.extractInsights(sessionID, category, userText)
	}

	return &TurnResult{
		AssistantText:    assistantText,
		GenerationFailed: generationFailed,
		Progress:         *event,
	}, nil
}

func (c *ProgressionController) generateReply(ctx context.Context, sessionID string, category *models.CategoryBucket, history []models.Message, snapshot ProgressSnapshot) (string, bool) {
	if category == nil {
		// Terminal state: every category is complete but the interview still
		// accepts turns against the final topic.
		category = &models.CategoryBucket{Name: "Reflections", Description: "Anything else you would like to preserve."}
	}

	genCtx, cancel := context.WithTimeout(ctx, generationTimeout)
	defer cancel()

	reply, err := c.generator.GenerateReply(genCtx, sessionID, category, history, snapshot)
	if err != nil {
		slog.Error("Text generation failed, using fallback reply", "error", err, "session_id", sessionID)
		return GenerationFallbackReply, true
	}
	return reply, false
}

// activeCategory resolves the state's current category, or nil in the
// terminal state after all categories have completed.
func (c *ProgressionController) activeCategory(ctx context.Context, state *models.ConversationState) (*models.CategoryBucket, error) {
	if state.CurrentCategoryID == nil {
		return nil, nil
	}
	category, err := c.repo.GetCategory(ctx, *state.CurrentCategoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current category: %w", err)
	}
	return category, nil
}

func (c *ProgressionController) snapshotFor(ctx context.Context, session *models.ChatSession, state *models.ConversationState, category *models.CategoryBucket) (ProgressSnapshot, error) {
	snapshot := ProgressSnapshot{
		ProgressPercentage: session.ProgressPercentage,
		TargetQuestions:    c.config.DefaultCategoryTarget,
	}
	if category == nil {
		return snapshot, nil
	}

	progress, err := c.repo.GetCategoryProgress(ctx, session.ID, category.ID)
	if err != nil {
		return snapshot, fmt.Errorf("failed to load category progress: %w", err)
	}
	if progress != nil {
		snapshot.QuestionsAsked = progress.QuestionsAsked
		snapshot.TargetQuestions = progress.TotalQuestions
	}
	return snapshot, nil
}

// advanceProgressLocked increments the current category's question count,
// marks completion when the target is met, recomputes the overall totals from
// the per-category rows, and performs the category transition. Callers hold
// the session lock.
func (c *ProgressionController) advanceProgressLocked(ctx context.Context, session *models.ChatSession, state *models.ConversationState, category *models.CategoryBucket) (*ProgressEvent, error) {
	var progress *models.CategoryProgress
	var err error

	if category != nil {
		progress, err = c.repo.GetCategoryProgress(ctx, session.ID, category.ID)
	} else {
		// Terminal state: keep counting against the final category so the
		// overall percentage can still reach 100.
		progress, err = c.lastCategoryProgress(ctx, session.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load category progress: %w", err)
	}

	categoryCompleted := false
	if progress != nil {
		now := time.Now()
		progress.QuestionsAsked++
		progress.LastQuestionAt = &now
		if !progress.IsCompleted && progress.QuestionsAsked >= progress.TotalQuestions {
			progress.IsCompleted = true
			categoryCompleted = category != nil
		}
		if err := c.repo.UpdateCategoryProgress(ctx, progress); err != nil {
			return nil, fmt.Errorf("failed to update category progress: %w", err)
		}
	}

	total, err := c.repo.SumQuestionsAsked(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute answered questions: %w", err)
	}

	session.QuestionsAnswered = total
	session.ProgressPercentage = c.progressPercentage(total)
	session.MilestoneStage = milestoneStage(session.ProgressPercentage)
	if err := c.repo.UpdateChatSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session progress: %w", err)
	}

	allComplete := state.CurrentCategoryID == nil
	if categoryCompleted {
		next, err := c.repo.NextCategory(ctx, category.OrderIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to load next category: %w", err)
		}
		if next != nil {
			if err := c.ensureCategoryProgress(ctx, session.ID, next); err != nil {
				return nil, err
			}
			state.CurrentCategoryID = &next.ID
			state.Depth = 0
			category = next
			slog.Info("Category advanced", "session_id", session.ID, "category", next.Name, "order_index", next.OrderIndex)
		} else {
			state.CurrentCategoryID = nil
			allComplete = true
			slog.Info("All categories complete", "session_id", session.ID)
		}
	} else {
		state.Depth++
	}
	if err := c.repo.UpdateConversationState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to update conversation state: %w", err)
	}

	event := &ProgressEvent{
		SessionID:             session.ID,
		ProgressPercentage:    session.ProgressPercentage,
		QuestionsAnswered:     session.QuestionsAnswered,
		Phase:                 c.ComputePhase(session.ProgressPercentage),
		CurrentCategoryID:     state.CurrentCategoryID,
		CategoryCompleted:     categoryCompleted,
		AllCategoriesComplete: allComplete,
	}
	if category != nil && state.CurrentCategoryID != nil {
		event.CurrentCategoryName = category.Name
	}

	if c.publisher != nil {
		c.publisher.PublishProgress(*event)
	}

	return event, nil
}

func (c *ProgressionController) lastCategoryProgress(ctx context.Context, sessionID string) (*models.CategoryProgress, error) {
	rows, err := c.repo.ListCategoryProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[len(rows)-1], nil
}

func (c *ProgressionController) extractInsights(sessionID string, category *models.CategoryBucket, userText string) {
	ctx, cancel := context.WithTimeout(context.Background(), generationTimeout)
	defer cancel()

	candidates, err := c.extractor.ExtractInsights(ctx, category, userText)
	if err != nil {
		slog.Error("Insight extraction failed", "error", err, "session_id", sessionID)
		return
	}

	for _, candidate := range candidates {
		insight := &models.PersonaInsight{
			SessionID:  sessionID,
			CategoryID: &category.ID,
			KeyPhrase:  candidate.KeyPhrase,
			Content:    candidate.Content,
			Confidence: candidate.Confidence,
		}
		if err := c.conversations.SaveInsight(ctx, insight); err != nil {
			slog.Error("Failed to persist insight", "error", err, "session_id", sessionID)
		}
	}
}

// Reset destroys the session and everything tied to it, returning the system
// to the uninitialized state for that identifier. Serialized against
// in-flight turns by the same per-session lock.
func (c *ProgressionController) Reset(ctx context.Context, sessionID string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}

	if err := c.repo.DeleteSessionData(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}

	if clearer, ok := c.generator.(interface{ ClearSessionCache(string) }); ok {
		clearer.ClearSessionCache(sessionID)
	}

	// The session rows are gone, so the lock entry can go too. A goroutine
	// still blocked on the old mutex proceeds after the unlock below and
	// observes ErrSessionNotFound.
	c.sessionLocks.Delete(sessionID)

	slog.Info("Session reset", "session_id", sessionID)
	return nil
}
