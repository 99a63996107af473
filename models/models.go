package models

// This file serves as the central export point for all database models
// Import this package to access all model types

// All models are automatically exported from their respective files:
// - User, RefreshToken, PermanentToken from user.go
// - CategoryBucket, CategoryProgress from category.go
// - ChatSession, ConversationState from session.go
// - Message from message.go
// - PersonaInsight from insight.go
// - UserSuspension, AdminAuditLog from admin.go

// Database schema overview:
// 1. users - Managed by cookie-based authentication
// 2. category_buckets - Ordered interview topic areas (reference data, seeded)
// 3. chat_sessions - One interview run per user, carries the overall progress percentage
// 4. conversation_states - Per-session cursor: current category, depth, explored topics
// 5. category_progress - Per-session, per-category question counts and completion flags
// 6. messages - Ordered, turn-by-turn text of the conversation
// 7. persona_insights - AI-extracted insights that form the persona profile
// 8. user_suspensions / admin_audit_log - Account moderation and its append-only trail
