package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/permission"
)

// GuildRepository handles guild, role, and channel-override data access —
// the backing store for internal/permission's guild permission resolver.
type GuildRepository struct {
	db *DB
}

func NewGuildRepository(db *DB) *GuildRepository {
	return &GuildRepository{db: db}
}

// GetByID fetches a guild by ID.
func (r *GuildRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Guild, error) {
	g := &domain.Guild{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, owner_user_id, icon, suspended
		FROM guilds WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.OwnerUserID, &g.Icon, &g.Suspended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrGuildNotFound
	}
	return g, err
}

// GetOwnerID returns the guild's owner_user_id, the short-circuit input to
// permission.ComputeGuildPermissions.
func (r *GuildRepository) GetOwnerID(ctx context.Context, guildID uuid.UUID) (uuid.UUID, error) {
	var ownerID uuid.UUID
	err := r.db.Pool.QueryRow(ctx, `SELECT owner_user_id FROM guilds WHERE id = $1`, guildID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrGuildNotFound
	}
	return ownerID, err
}

// GetEveryonePermissions returns the guild's @everyone role permissions.
func (r *GuildRepository) GetEveryonePermissions(ctx context.Context, guildID uuid.UUID) (permission.Permissions, error) {
	var perms int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT permissions FROM guild_roles WHERE guild_id = $1 AND is_default = true
	`, guildID).Scan(&perms)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return permission.FromDB(perms), nil
}

// GetMemberRoles returns the roles held by userID in guildID, as the
// narrow shape permission.ComputeGuildPermissions needs.
func (r *GuildRepository) GetMemberRoles(ctx context.Context, guildID, userID uuid.UUID) ([]permission.Role, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT gr.id, gr.position, gr.permissions
		FROM guild_roles gr
		JOIN guild_role_members grm ON grm.role_id = gr.id
		WHERE gr.guild_id = $1 AND grm.user_id = $2
	`, guildID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []permission.Role
	for rows.Next() {
		var role permission.Role
		var perms int64
		if err := rows.Scan(&role.ID, &role.Position, &perms); err != nil {
			return nil, err
		}
		role.Permissions = permission.FromDB(perms)
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetChannelOverrides returns every role override configured on channelID.
func (r *GuildRepository) GetChannelOverrides(ctx context.Context, channelID uuid.UUID) ([]permission.ChannelOverride, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT role_id, allow_permission, deny_permission
		FROM channel_overrides WHERE channel_id = $1
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []permission.ChannelOverride
	for rows.Next() {
		var ovr permission.ChannelOverride
		var allow, deny int64
		if err := rows.Scan(&ovr.RoleID, &allow, &deny); err != nil {
			return nil, err
		}
		ovr.AllowPermission = permission.FromDB(allow)
		ovr.DenyPermission = permission.FromDB(deny)
		overrides = append(overrides, ovr)
	}
	return overrides, rows.Err()
}

// IsGuildOwner reports whether userID owns at least one guild. Used as the
// elevated-admin gate for admin_subscribe: the data model has no separate
// system-admin flag, so guild ownership is the highest authority it can
// name.
func (r *GuildRepository) IsGuildOwner(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guilds WHERE owner_user_id = $1)`, userID).Scan(&exists)
	return exists, err
}
