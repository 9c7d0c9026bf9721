package domain

import "github.com/google/uuid"

// Guild is a persistent community of channels, roles, and members, the
// scoping container above Conversation/Channel in the data model.
type Guild struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	Icon        string    `json:"icon,omitempty"`
	Suspended   bool      `json:"suspended"`
}

// GuildRole is a named permission set assignable to guild members.
// Position orders roles for display and hierarchy checks; lower position
// outranks higher. Exactly one role per guild has IsDefault set — the
// @everyone role every member implicitly holds.
type GuildRole struct {
	ID          uuid.UUID `json:"id"`
	GuildID     uuid.UUID `json:"guild_id"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Permissions int64     `json:"permissions"`
	Position    int       `json:"position"`
	IsDefault   bool      `json:"is_default"`
}

// GuildChannelOverride is a per-(channel, role) allow/deny permission pair,
// applied on top of a member's role-derived permissions when they access a
// specific guild channel.
type GuildChannelOverride struct {
	ChannelID uuid.UUID `json:"channel_id"`
	RoleID    uuid.UUID `json:"role_id"`
	Allow     int64     `json:"allow"`
	Deny      int64     `json:"deny"`
}
