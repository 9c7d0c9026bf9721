package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandOptionType is the type of a single slash-command parameter.
type CommandOptionType string

const (
	CommandOptionString  CommandOptionType = "string"
	CommandOptionInteger CommandOptionType = "integer"
	CommandOptionBoolean CommandOptionType = "boolean"
	CommandOptionUser    CommandOptionType = "user"
	CommandOptionChannel CommandOptionType = "channel"
	CommandOptionRole    CommandOptionType = "role"
)

// CommandOption describes one parameter a slash command accepts.
type CommandOption struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        CommandOptionType `json:"type"`
	Required    bool              `json:"required"`
}

// SlashCommand is a registered `/name` invocation for a bot application,
// either global (GuildID nil) or scoped to one guild.
type SlashCommand struct {
	ID            uuid.UUID       `json:"id"`
	ApplicationID uuid.UUID       `json:"application_id"`
	GuildID       *uuid.UUID      `json:"guild_id,omitempty"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Options       []CommandOption `json:"options"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BotApplication is the minimal application record a slash command belongs
// to: who owns it, which user account the bot runs as, and its display
// name for disambiguation messages.
type BotApplication struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	BotUserID   uuid.UUID `json:"bot_user_id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
}

// CommandMatch pairs a resolved slash command with the bot application it
// belongs to, as returned by a dispatch lookup.
type CommandMatch struct {
	Command SlashCommand
	Bot     BotApplication
}
