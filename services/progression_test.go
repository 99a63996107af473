package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

// stubGenerator is a ReplyGenerator for tests. It can be flipped into
// failure mode to exercise the fallback path.
type stubGenerator struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (g *stubGenerator) GenerateReply(ctx context.Context, sessionID string, category *models.CategoryBucket, history []models.Message, snapshot ProgressSnapshot) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail {
		return "", errors.New("model backend unreachable")
	}
	return fmt.Sprintf("Tell me more about %s.", category.Name), nil
}

func (g *stubGenerator) setFail(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = fail
}

// capturePublisher records every published progress event
type capturePublisher struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (p *capturePublisher) PublishProgress(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) last(t *testing.T) ProgressEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatal("expected at least one progress event")
	}
	return p.events[len(p.events)-1]
}

func newTestRepo(t *testing.T) (*repository.GORMRepository, *repository.ConversationRepository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access raw database: %v", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewGORMRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return repo, repository.NewConversationRepository(db)
}

type categoryDef struct {
	name   string
	target int
}

func seedTestCategories(t *testing.T, repo *repository.GORMRepository, defs []categoryDef) []models.CategoryBucket {
	t.Helper()
	ctx := context.Background()

	categories := make([]models.CategoryBucket, 0, len(defs))
	for i, def := range defs {
		category := models.CategoryBucket{
			Name:            def.name,
			TargetQuestions: def.target,
			OrderIndex:      i + 1,
		}
		if err := repo.CreateCategory(ctx, &category); err != nil {
			t.Fatalf("failed to seed category %s: %v", def.name, err)
		}
		categories = append(categories, category)
	}
	return categories
}

// standardCategories mirrors the production curriculum: nine buckets at
// fifteen questions each.
func standardCategories() []categoryDef {
	names := []string{
		"Life Story", "Values & Beliefs", "Family & Relationships",
		"Career & Achievements", "Wisdom & Advice", "Memories & Milestones",
		"Hopes for the Future", "Humor & Personality", "Practical Matters",
	}
	defs := make([]categoryDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, categoryDef{name: name, target: 15})
	}
	return defs
}

func standardConfig() InterviewConfig {
	return InterviewConfig{
		DefaultCategoryTarget: 15,
		OverallQuestionTarget: 135,
		TestUnlockThreshold:   70,
	}
}

type testHarness struct {
	repo       *repository.GORMRepository
	conv       *repository.ConversationRepository
	controller *ProgressionController
	generator  *stubGenerator
	publisher  *capturePublisher
	session    *models.ChatSession
}

func newHarness(t *testing.T, defs []categoryDef, config InterviewConfig) *testHarness {
	t.Helper()
	ctx := context.Background()

	repo, conv := newTestRepo(t)
	seedTestCategories(t, repo, defs)

	user := &models.User{Email: "test@example.com", Password: "hash", Role: "user"}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	generator := &stubGenerator{}
	publisher := &capturePublisher{}
	controller := NewProgressionController(repo, conv, generator, nil, publisher, config)

	session, err := controller.StartSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	return &testHarness{
		repo:       repo,
		conv:       conv,
		controller: controller,
		generator:  generator,
		publisher:  publisher,
		session:    session,
	}
}

func (h *testHarness) recordTurns(t *testing.T, n int) *TurnResult {
	t.Helper()
	ctx := context.Background()

	var result *TurnResult
	var err error
	for i := 0; i < n; i++ {
		result, err = h.controller.RecordTurn(ctx, h.session.ID, fmt.Sprintf("answer %d", i+1))
		if err != nil {
			t.Fatalf("turn %d failed: %v", i+1, err)
		}
	}
	return result
}

func TestBootstrapIdempotent(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	first, err := h.controller.BootstrapIfNeeded(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if first.CurrentCategoryID == nil {
		t.Fatal("expected a current category after bootstrap")
	}

	second, err := h.controller.BootstrapIfNeeded(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("bootstrap created a second state row: %s vs %s", second.ID, first.ID)
	}

	rows, err := h.repo.ListCategoryProgress(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to list progress: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected one progress row after bootstrap, got %d", len(rows))
	}
}

func TestBootstrapUnknownSession(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())

	_, err := h.controller.BootstrapIfNeeded(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBootstrapWithoutCategories(t *testing.T) {
	h := newHarness(t, nil, standardConfig())

	_, err := h.controller.BootstrapIfNeeded(context.Background(), h.session.ID)
	if !errors.Is(err, ErrNoCategories) {
		t.Errorf("expected ErrNoCategories, got %v", err)
	}
}

func TestRecordTurnPersistsBothMessages(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	result := h.recordTurns(t, 1)
	if result.GenerationFailed {
		t.Error("did not expect a generation failure")
	}

	messages, err := h.conv.GetMessagesBySession(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[0].Content != "answer 1" {
		t.Errorf("first message should be the user's answer, got role=%s content=%q", messages[0].Role, messages[0].Content)
	}
	if messages[1].Role != models.RoleAssistant {
		t.Errorf("second message should be the assistant reply, got role=%s", messages[1].Role)
	}

	session, err := h.repo.GetChatSession(ctx, h.session.ID)
	if err != nil || session == nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if session.QuestionsAnswered != 1 {
		t.Errorf("expected 1 answered question, got %d", session.QuestionsAnswered)
	}
	if session.ProgressPercentage != 1 {
		t.Errorf("expected 1%% progress after one turn, got %d", session.ProgressPercentage)
	}
}

func TestRecordTurnUnknownSession(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())

	_, err := h.controller.RecordTurn(context.Background(), "00000000-0000-0000-0000-000000000000", "hello")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCategoryCompletionAdvancesToNext(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	result := h.recordTurns(t, 15)

	if !result.Progress.CategoryCompleted {
		t.Error("15th turn should complete the first category")
	}
	if result.Progress.ProgressPercentage != 11 {
		t.Errorf("expected 11%% after 15 turns, got %d", result.Progress.ProgressPercentage)
	}
	if result.Progress.CurrentCategoryName != "Values & Beliefs" {
		t.Errorf("expected next category after completion, got %q", result.Progress.CurrentCategoryName)
	}

	rows, err := h.repo.ListCategoryProgress(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to list progress: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 progress rows after the transition, got %d", len(rows))
	}
	if !rows[0].IsCompleted || rows[0].QuestionsAsked != 15 {
		t.Errorf("first category should be complete at 15, got completed=%v asked=%d", rows[0].IsCompleted, rows[0].QuestionsAsked)
	}
	if rows[1].IsCompleted || rows[1].QuestionsAsked != 0 {
		t.Errorf("second category should be fresh, got completed=%v asked=%d", rows[1].IsCompleted, rows[1].QuestionsAsked)
	}

	// Depth resets when a new category begins.
	state, err := h.repo.GetConversationState(ctx, h.session.ID)
	if err != nil || state == nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.Depth != 0 {
		t.Errorf("expected depth 0 after category transition, got %d", state.Depth)
	}
}

func TestUnlockThresholdBoundary(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())

	// 93 answers rounds to 69 percent: still interviewing.
	result := h.recordTurns(t, 93)
	if result.Progress.ProgressPercentage != 69 {
		t.Errorf("expected 69%% after 93 turns, got %d", result.Progress.ProgressPercentage)
	}
	if result.Progress.Phase != PhaseInterview {
		t.Errorf("expected interview phase at 69%%, got %s", result.Progress.Phase)
	}

	// The 94th answer rounds to 70 percent: the threshold is inclusive.
	result = h.recordTurns(t, 1)
	if result.Progress.ProgressPercentage != 70 {
		t.Errorf("expected 70%% after 94 turns, got %d", result.Progress.ProgressPercentage)
	}
	if result.Progress.Phase != PhaseTestUnlocked {
		t.Errorf("expected test_unlocked phase at 70%%, got %s", result.Progress.Phase)
	}
}

func TestGenerationFailureFallsBack(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	h.recordTurns(t, 1)
	h.generator.setFail(true)

	result, err := h.controller.RecordTurn(ctx, h.session.ID, "a difficult answer")
	if err != nil {
		t.Fatalf("turn should not fail outright: %v", err)
	}
	if !result.GenerationFailed {
		t.Error("expected the result to be flagged as degraded")
	}
	if result.AssistantText != GenerationFallbackReply {
		t.Errorf("expected the fallback reply, got %q", result.AssistantText)
	}

	messages, err := h.conv.GetMessagesBySession(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages (2 turns), got %d", len(messages))
	}
	if messages[2].Content != "a difficult answer" {
		t.Errorf("user answer should be persisted before generation, got %q", messages[2].Content)
	}
	if messages[3].Role != models.RoleAssistant || messages[3].Content != GenerationFallbackReply {
		t.Errorf("expected exactly one fallback assistant message, got role=%s content=%q", messages[3].Role, messages[3].Content)
	}

	// A degraded turn still advances progress exactly once.
	if result.Progress.QuestionsAnswered != 2 {
		t.Errorf("expected 2 answered questions after the degraded turn, got %d", result.Progress.QuestionsAnswered)
	}
}

func TestTerminalStateKeepsCounting(t *testing.T) {
	// Two single-question categories and a four-question overall target, so
	// the interview outlives its curriculum.
	h := newHarness(t, []categoryDef{
		{name: "Beginnings", target: 1},
		{name: "Endings", target: 1},
	}, InterviewConfig{
		DefaultCategoryTarget: 1,
		OverallQuestionTarget: 4,
		TestUnlockThreshold:   70,
	})
	ctx := context.Background()

	result := h.recordTurns(t, 2)
	if !result.Progress.AllCategoriesComplete {
		t.Fatal("expected all categories complete after two turns")
	}
	if result.Progress.CurrentCategoryID != nil {
		t.Error("terminal state should have no current category")
	}

	state, err := h.repo.GetConversationState(ctx, h.session.ID)
	if err != nil || state == nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if state.CurrentCategoryID != nil {
		t.Error("stored state should have a nil current category in the terminal state")
	}

	// Turns are still accepted and the percentage can still climb to 100.
	result = h.recordTurns(t, 2)
	if result.Progress.QuestionsAnswered != 4 {
		t.Errorf("expected 4 answered questions, got %d", result.Progress.QuestionsAnswered)
	}
	if result.Progress.ProgressPercentage != 100 {
		t.Errorf("expected 100%% at the overall target, got %d", result.Progress.ProgressPercentage)
	}

	// And it stays capped beyond the target.
	result = h.recordTurns(t, 1)
	if result.Progress.ProgressPercentage != 100 {
		t.Errorf("expected the percentage to stay capped at 100, got %d", result.Progress.ProgressPercentage)
	}
}

func TestResetReturnsToUninitialized(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	h.recordTurns(t, 3)

	if err := h.controller.Reset(ctx, h.session.ID); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	session, err := h.repo.GetChatSession(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to check session: %v", err)
	}
	if session != nil {
		t.Error("session should be gone after reset")
	}

	state, err := h.repo.GetConversationState(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to check state: %v", err)
	}
	if state != nil {
		t.Error("conversation state should be gone after reset")
	}

	messages, err := h.conv.GetMessagesBySession(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to check messages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected no messages after reset, got %d", len(messages))
	}

	rows, err := h.repo.ListCategoryProgress(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to check progress: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no progress rows after reset, got %d", len(rows))
	}

	if _, ok := h.controller.sessionLocks.Load(h.session.ID); ok {
		t.Error("lock entry should be removed after reset")
	}

	if err := h.controller.Reset(ctx, h.session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("resetting a reset session should report ErrSessionNotFound, got %v", err)
	}
}

func TestComputePhase(t *testing.T) {
	controller := &ProgressionController{config: standardConfig()}

	tests := []struct {
		percentage int
		expected   Phase
	}{
		{0, PhaseInterview},
		{35, PhaseInterview},
		{69, PhaseInterview},
		{70, PhaseTestUnlocked},
		{71, PhaseTestUnlocked},
		{100, PhaseTestUnlocked},
	}

	for _, tt := range tests {
		if got := controller.ComputePhase(tt.percentage); got != tt.expected {
			t.Errorf("ComputePhase(%d) = %s, expected %s", tt.percentage, got, tt.expected)
		}
	}
}

func TestProgressPercentage(t *testing.T) {
	controller := &ProgressionController{config: standardConfig()}

	tests := []struct {
		total    int
		expected int
	}{
		{0, 0},
		{1, 1},
		{15, 11},
		{67, 50},
		{93, 69},
		{94, 70},
		{135, 100},
		{200, 100},
	}

	for _, tt := range tests {
		if got := controller.progressPercentage(tt.total); got != tt.expected {
			t.Errorf("progressPercentage(%d) = %d, expected %d", tt.total, got, tt.expected)
		}
	}
}

func TestProgressEventsPublished(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())

	h.recordTurns(t, 15)

	event := h.publisher.last(t)
	if event.SessionID != h.session.ID {
		t.Errorf("event should carry the session id, got %s", event.SessionID)
	}
	if !event.CategoryCompleted {
		t.Error("the 15th turn's event should flag the category completion")
	}

	h.publisher.mu.Lock()
	count := len(h.publisher.events)
	h.publisher.mu.Unlock()
	if count != 15 {
		t.Errorf("expected one event per turn, got %d", count)
	}
}

func TestConcurrentTurnsSerialized(t *testing.T) {
	h := newHarness(t, standardCategories(), standardConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.controller.RecordTurn(ctx, h.session.ID, fmt.Sprintf("concurrent answer %d", i)); err != nil {
				t.Errorf("concurrent turn failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	session, err := h.repo.GetChatSession(ctx, h.session.ID)
	if err != nil || session == nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if session.QuestionsAnswered != 10 {
		t.Errorf("expected 10 answered questions after 10 concurrent turns, got %d", session.QuestionsAnswered)
	}

	messages, err := h.conv.GetMessagesBySession(ctx, h.session.ID)
	if err != nil {
		t.Fatalf("failed to load messages: %v", err)
	}
	if len(messages) != 20 {
		t.Errorf("expected 20 messages after 10 turns, got %d", len(messages))
	}
}
