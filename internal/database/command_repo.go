package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolftown/canis/internal/domain"
)

// CommandRepository handles bot application and slash-command storage.
type CommandRepository struct {
	db *DB
}

func NewCommandRepository(db *DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// GetApplication returns the bot application's owner and bot user account,
// used both for ownership checks on CRUD and for looking up the display
// name shown in ambiguous-dispatch errors.
func (r *CommandRepository) GetApplication(ctx context.Context, appID uuid.UUID) (*domain.BotApplication, error) {
	app := &domain.BotApplication{ID: appID}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT owner_id, bot_user_id, name, display_name
		FROM bot_applications WHERE id = $1
	`, appID).Scan(&app.OwnerID, &app.BotUserID, &app.Name, &app.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBotApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ReplaceCommands atomically deletes every command registered for
// (appID, guildID) and inserts cmds in its place, mirroring the original's
// "registration replaces the whole scope" semantics.
func (r *CommandRepository) ReplaceCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID, cmds []domain.SlashCommand) ([]domain.SlashCommand, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM slash_commands
		WHERE application_id = $1
		  AND (($2::uuid IS NULL AND guild_id IS NULL) OR guild_id = $2)
	`, appID, guildID)
	if err != nil {
		return nil, err
	}

	results := make([]domain.SlashCommand, 0, len(cmds))
	for _, cmd := range cmds {
		optionsJSON, err := json.Marshal(cmd.Options)
		if err != nil {
			return nil, err
		}

		var id uuid.UUID
		var createdAt = cmd.CreatedAt
		err = tx.QueryRow(ctx, `
			INSERT INTO slash_commands (application_id, guild_id, name, description, options)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, appID, guildID, cmd.Name, cmd.Description, optionsJSON).Scan(&id, &createdAt)
		if err != nil {
			return nil, err
		}

		cmd.ID = id
		cmd.ApplicationID = appID
		cmd.GuildID = guildID
		cmd.CreatedAt = createdAt
		results = append(results, cmd)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// ListCommands returns every command registered for (appID, guildID),
// ordered by name.
func (r *CommandRepository) ListCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID) ([]domain.SlashCommand, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, application_id, guild_id, name, description, options, created_at
		FROM slash_commands
		WHERE application_id = $1
		  AND (($2::uuid IS NULL AND guild_id IS NULL) OR guild_id = $2)
		ORDER BY name
	`, appID, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

// DeleteCommand removes a single command, reporting domain.ErrCommandNotFound
// if no row matched.
func (r *CommandRepository) DeleteCommand(ctx context.Context, appID, cmdID uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM slash_commands WHERE id = $1 AND application_id = $2
	`, cmdID, appID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCommandNotFound
	}
	return nil
}

// DeleteAllCommands removes every command in a scope (guild or global).
func (r *CommandRepository) DeleteAllCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM slash_commands
		WHERE application_id = $1
		  AND (($2::uuid IS NULL AND guild_id IS NULL) OR guild_id = $2)
	`, appID, guildID)
	return err
}

// FindMatchingCommands resolves a `/name` invocation in guildID to every
// command of that name visible in the guild: the union of global and
// guild-scoped registrations, restricted to bots actually installed in
// the guild.
func (r *CommandRepository) FindMatchingCommands(ctx context.Context, guildID uuid.UUID, name string) ([]domain.CommandMatch, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT sc.id, sc.application_id, sc.guild_id, sc.name, sc.description, sc.options, sc.created_at,
		       ba.id, ba.owner_id, ba.bot_user_id, ba.name, ba.display_name
		FROM slash_commands sc
		JOIN bot_applications ba ON ba.id = sc.application_id
		JOIN bot_guild_installations bgi ON bgi.application_id = ba.id AND bgi.guild_id = $1
		WHERE sc.name = $2
		  AND (sc.guild_id IS NULL OR sc.guild_id = $1)
	`, guildID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []domain.CommandMatch
	for rows.Next() {
		var m domain.CommandMatch
		var optionsJSON []byte
		err := rows.Scan(
			&m.Command.ID, &m.Command.ApplicationID, &m.Command.GuildID, &m.Command.Name, &m.Command.Description, &optionsJSON, &m.Command.CreatedAt,
			&m.Bot.ID, &m.Bot.OwnerID, &m.Bot.BotUserID, &m.Bot.Name, &m.Bot.DisplayName,
		)
		if err != nil {
			return nil, err
		}
		if len(optionsJSON) > 0 {
			if err := json.Unmarshal(optionsJSON, &m.Command.Options); err != nil {
				return nil, err
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func scanCommands(rows pgx.Rows) ([]domain.SlashCommand, error) {
	var cmds []domain.SlashCommand
	for rows.Next() {
		var cmd domain.SlashCommand
		var optionsJSON []byte
		err := rows.Scan(&cmd.ID, &cmd.ApplicationID, &cmd.GuildID, &cmd.Name, &cmd.Description, &optionsJSON, &cmd.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(optionsJSON) > 0 {
			if err := json.Unmarshal(optionsJSON, &cmd.Options); err != nil {
				return nil, err
			}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}
