package services

import (
	"context"
	"testing"
)

func TestSeedDatabaseIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	seeder := NewDatabaseSeeder(repo, standardConfig())
	ctx := context.Background()

	if err := seeder.SeedDatabase(); err != nil {
		t.Fatalf("first seeding failed: %v", err)
	}
	if err := seeder.SeedDatabase(); err != nil {
		t.Fatalf("second seeding failed: %v", err)
	}

	categories, err := repo.ListCategories(ctx)
	if err != nil {
		t.Fatalf("failed to list categories: %v", err)
	}
	if len(categories) != 9 {
		t.Fatalf("expected 9 categories after repeated seeding, got %d", len(categories))
	}

	seen := make(map[int]bool)
	for i, category := range categories {
		if category.OrderIndex != i+1 {
			t.Errorf("categories should come back ordered: position %d has order index %d", i, category.OrderIndex)
		}
		if seen[category.OrderIndex] {
			t.Errorf("duplicate order index %d", category.OrderIndex)
		}
		seen[category.OrderIndex] = true
		if category.TargetQuestions != 15 {
			t.Errorf("category %s should target 15 questions, got %d", category.Name, category.TargetQuestions)
		}
	}

	if categories[0].Name != "Life Story" {
		t.Errorf("the interview should open with Life Story, got %s", categories[0].Name)
	}

	user, err := repo.GetUserByEmail(ctx, "test@example.com")
	if err != nil || user == nil {
		t.Fatalf("expected the seeded test user, got %v err=%v", user, err)
	}
	if user.Role != "user" {
		t.Errorf("seeded users must not be admins, got role %s", user.Role)
	}
}
