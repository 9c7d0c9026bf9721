package domain

import (
	"time"

	"github.com/google/uuid"
)

// Page is a slug+position-addressable content entry scoped to a guild (or
// platform-wide if GuildID is nil) — announcements, rules, and similar
// static content attached to a guild or the instance itself.
type Page struct {
	ID                 uuid.UUID  `json:"id"`
	GuildID            *uuid.UUID `json:"guild_id,omitempty"`
	Title              string     `json:"title"`
	Slug               string     `json:"slug"`
	Content            string     `json:"content"`
	ContentHash        string     `json:"content_hash"`
	Position           int        `json:"position"`
	RequiresAcceptance bool       `json:"requires_acceptance"`
	CategoryID         *uuid.UUID `json:"category_id,omitempty"`
	CreatedBy          uuid.UUID  `json:"created_by"`
	UpdatedBy          uuid.UUID  `json:"updated_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// PageListItem is the lighter projection returned by page-listing queries,
// which omit content to keep listing responses small.
type PageListItem struct {
	ID                 uuid.UUID  `json:"id"`
	GuildID            *uuid.UUID `json:"guild_id,omitempty"`
	Title              string     `json:"title"`
	Slug               string     `json:"slug"`
	Position           int        `json:"position"`
	RequiresAcceptance bool       `json:"requires_acceptance"`
	CategoryID         *uuid.UUID `json:"category_id,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PageAcceptance records a user's acknowledgement of a page's content at a
// specific content hash, so a later edit can require re-acceptance.
type PageAcceptance struct {
	UserID      uuid.UUID `json:"user_id"`
	PageID      uuid.UUID `json:"page_id"`
	ContentHash string    `json:"content_hash"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// PageCreateParams carries the fields needed to insert a new page.
type PageCreateParams struct {
	GuildID            *uuid.UUID
	Title              string
	Slug               string
	Content            string
	ContentHash        string
	RequiresAcceptance bool
	CategoryID         *uuid.UUID
	CreatedBy          uuid.UUID
}

// PageUpdateParams carries the optional fields of a page update; a nil
// pointer means "leave unchanged".
type PageUpdateParams struct {
	ID                 uuid.UUID
	Title              *string
	Slug               *string
	Content            *string
	ContentHash        *string
	RequiresAcceptance *bool
	CategoryID         **uuid.UUID
	UpdatedBy          uuid.UUID
}
