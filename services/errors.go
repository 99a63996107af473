package services

import "errors"

// Sentinel errors for the conversation flow. Handlers map these to HTTP
// status codes; none of them is allowed to crash the session.
var (
	// ErrSessionNotFound means the given session identifier does not resolve
	// to a stored session. Clients recover by creating a fresh session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrGenerationUnavailable means the text-generation call failed or timed
	// out. The user's message is still persisted and a fallback assistant
	// reply takes the place of the generated one.
	ErrGenerationUnavailable = errors.New("text generation unavailable")

	// ErrNoCategories means no category buckets exist, so an interview cannot
	// be bootstrapped. Indicates a seeding problem.
	ErrNoCategories = errors.New("no category buckets configured")

	// ErrUserSuspended blocks login for accounts with an active suspension.
	ErrUserSuspended = errors.New("account suspended")
)
