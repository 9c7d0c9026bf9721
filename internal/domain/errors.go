package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrTokenInvalid       = errors.New("invalid token")

	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotMember            = errors.New("user is not a member of this conversation")
	ErrAlreadyMember        = errors.New("user is already a member")
	ErrCannotRemoveAdmin    = errors.New("cannot remove the last admin")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message cannot be empty")

	// Block errors
	ErrUserBlocked = errors.New("user has blocked you")
	ErrSelfBlock   = errors.New("cannot block yourself")

	// Slash-command errors
	ErrCommandNotFound            = errors.New("command not found")
	ErrBotApplicationNotFound     = errors.New("application not found")
	ErrNotApplicationOwner        = errors.New("you don't own this application")
	ErrInvalidCommandName         = errors.New("command name must be 1-32 characters, lowercase alphanumeric with hyphens/underscores")
	ErrInvalidCommandDesc         = errors.New("command description must be 1-100 characters")
	ErrDuplicateCommandName       = errors.New("duplicate command name in batch")
	ErrInteractionNotFound        = errors.New("interaction not found or expired")
	ErrNotInteractionOwner        = errors.New("bot does not own this interaction")
	ErrInteractionAlreadyAnswered = errors.New("interaction already has a response")

	// Webhook errors
	ErrWebhookNotFound    = errors.New("webhook not found or deactivated")
	ErrWebhookSSRFBlocked = errors.New("webhook URL resolves to a disallowed address")

	// Page errors
	ErrPageNotFound  = errors.New("page not found")
	ErrPageSlugTaken = errors.New("slug already used in this scope")

	// Guild errors
	ErrGuildNotFound = errors.New("guild not found")
)
