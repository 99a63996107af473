package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/carryon/backend/models"
	"github.com/carryon/backend/repository"
)

// DatabaseSeeder handles database seeding operations
type DatabaseSeeder struct {
	repo   *repository.GORMRepository
	config InterviewConfig
}

// NewDatabaseSeeder creates a new database seeder
func NewDatabaseSeeder(repo *repository.GORMRepository, config InterviewConfig) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo, config: config}
}

// defaultCategories is the ordered interview curriculum. Order index drives
// the progression: a session walks these buckets lowest index first.
func (s *DatabaseSeeder) defaultCategories() []models.CategoryBucket {
	target := s.config.DefaultCategoryTarget
	return []models.CategoryBucket{
		{Name: "Life Story", Description: "Childhood, upbringing, and the places and moments that shaped who you are.", TargetQuestions: target, OrderIndex: 1},
		{Name: "Values & Beliefs", Description: "The principles you live by and the convictions you hold most deeply.", TargetQuestions: target, OrderIndex: 2},
		{Name: "Family & Relationships", Description: "The people who matter most and what you want them to know.", TargetQuestions: target, OrderIndex: 3},
		{Name: "Career & Achievements", Description: "Your work, your proudest accomplishments, and the lessons along the way.", TargetQuestions: target, OrderIndex: 4},
		{Name: "Wisdom & Advice", Description: "Guidance for the people you love, drawn from your own experience.", TargetQuestions: target, OrderIndex: 5},
		{Name: "Memories & Milestones", Description: "The days you never want forgotten, big and small.", TargetQuestions: target, OrderIndex: 6},
		{Name: "Hopes for the Future", Description: "What you wish for the people and world you leave behind.", TargetQuestions: target, OrderIndex: 7},
		{Name: "Humor & Personality", Description: "Your jokes, quirks, and the voice that makes you unmistakably you.", TargetQuestions: target, OrderIndex: 8},
		{Name: "Practical Matters", Description: "Traditions, recipes, and the practical knowledge worth passing on.", TargetQuestions: target, OrderIndex: 9},
	}
}

// SeedDatabase seeds the database with initial data (idempotent)
func (s *DatabaseSeeder) SeedDatabase() error {
	ctx := context.Background()

	if s.isSeedingComplete(ctx) {
		slog.Info("Database seeding already completed, skipping")
		return nil
	}

	for _, category := range s.defaultCategories() {
		if err := s.seedCategory(ctx, category); err != nil {
			slog.Error("Failed to seed category", "name", category.Name, "error", err)
		}
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	users := []models.User{
		{
			Email:    "test@example.com",
			Password: string(hashedPassword),
			FullName: "Test User",
			Role:     "user",
		},
		{
			Email:    "demo@example.com",
			Password: string(hashedPassword),
			FullName: "Demo User",
			Role:     "user",
		},
	}

	for _, user := range users {
		if err := s.seedUser(ctx, user); err != nil {
			slog.Error("Failed to seed user", "email", user.Email, "error", err)
		}
	}

	slog.Info("Database seeding completed successfully")
	return nil
}

// isSeedingComplete checks if seeding has already been completed
func (s *DatabaseSeeder) isSeedingComplete(ctx context.Context) bool {
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return false
	}
	return len(categories) >= len(s.defaultCategories())
}

// seedCategory seeds a single category bucket (idempotent, matched by name)
func (s *DatabaseSeeder) seedCategory(ctx context.Context, category models.CategoryBucket) error {
	existing, err := s.repo.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("error checking categories: %w", err)
	}

	for _, existingCategory := range existing {
		if existingCategory.Name == category.Name {
			slog.Info("Category already exists, skipping", "name", category.Name)
			return nil
		}
	}

	if err := s.repo.CreateCategory(ctx, &category); err != nil {
		return fmt.Errorf("failed to create category %s: %w", category.Name, err)
	}

	slog.Info("Created category", "name", category.Name, "order_index", category.OrderIndex)
	return nil
}

// seedUser seeds a single user (idempotent)
func (s *DatabaseSeeder) seedUser(ctx context.Context, user models.User) error {
	existingUser, err := s.repo.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("error checking user %s: %w", user.Email, err)
	}

	if existingUser != nil {
		slog.Info("User already exists, skipping", "email", user.Email)
		return nil
	}

	if err := s.repo.CreateUser(ctx, &user); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.Email, err)
	}

	slog.Info("Created user", "email", user.Email)
	return nil
}
