package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolftown/canis/internal/domain"
)

// PageRepository handles CRUD, reordering, and acceptance tracking for
// guild-scoped (or platform-wide) content pages.
type PageRepository struct {
	db *DB
}

func NewPageRepository(db *DB) *PageRepository {
	return &PageRepository{db: db}
}

// CountActive returns the number of non-deleted pages in scope.
func (r *PageRepository) CountActive(ctx context.Context, guildID *uuid.UUID) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM pages
		WHERE guild_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
	`, guildID).Scan(&count)
	return count, err
}

// SlugExists reports whether slug is already used by an active page in
// scope, optionally excluding one page ID (used when renaming).
func (r *PageRepository) SlugExists(ctx context.Context, guildID *uuid.UUID, slug string, excludeID *uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pages
			WHERE guild_id IS NOT DISTINCT FROM $1 AND slug = $2 AND deleted_at IS NULL
			AND ($3::uuid IS NULL OR id != $3)
		)
	`, guildID, slug, excludeID).Scan(&exists)
	return exists, err
}

// List returns active pages in scope ordered by position.
func (r *PageRepository) List(ctx context.Context, guildID *uuid.UUID) ([]*domain.PageListItem, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, guild_id, title, slug, position, requires_acceptance, category_id, updated_at
		FROM pages WHERE guild_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
		ORDER BY position
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*domain.PageListItem
	for rows.Next() {
		p := &domain.PageListItem{}
		if err := rows.Scan(&p.ID, &p.GuildID, &p.Title, &p.Slug, &p.Position, &p.RequiresAcceptance, &p.CategoryID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func scanPage(row pgx.Row) (*domain.Page, error) {
	p := &domain.Page{}
	err := row.Scan(&p.ID, &p.GuildID, &p.Title, &p.Slug, &p.Content, &p.ContentHash, &p.Position,
		&p.RequiresAcceptance, &p.CategoryID, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPageNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

const pageColumns = `id, guild_id, title, slug, content, content_hash, position,
	requires_acceptance, category_id, created_by, updated_by, created_at, updated_at, deleted_at`

// GetBySlug returns an active page by scope and slug.
func (r *PageRepository) GetBySlug(ctx context.Context, guildID *uuid.UUID, slug string) (*domain.Page, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages
		WHERE guild_id IS NOT DISTINCT FROM $1 AND slug = $2 AND deleted_at IS NULL`, guildID, slug)
	return scanPage(row)
}

// GetByID returns an active page by ID.
func (r *PageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Page, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanPage(row)
}

// CreateWithInitialRevision inserts a page and its first audit-log entry
// inside one transaction. A transaction-scoped advisory lock on the scope
// serialises concurrent inserts, and the new page takes the position after
// the highest active one, so no two active pages in a scope share a position.
func (r *PageRepository) CreateWithInitialRevision(ctx context.Context, p domain.PageCreateParams) (*domain.Page, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('pages:' || COALESCE($1::uuid::text, '')))`, p.GuildID); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO pages (guild_id, title, slug, content, content_hash, position, requires_acceptance, category_id, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(position) + 1, 0)::int FROM pages WHERE guild_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL),
			$6, $7, $8, $8)
		RETURNING `+pageColumns,
		p.GuildID, p.Title, p.Slug, p.Content, p.ContentHash, p.RequiresAcceptance, p.CategoryID, p.CreatedBy)
	page, err := scanPage(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO page_audit_log (page_id, action, actor_id, previous_content_hash)
		VALUES ($1, 'create', $2, NULL)
	`, page.ID, p.CreatedBy); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return page, nil
}

// Update applies the given field changes to an existing page, falling back
// to the page's current values for anything left nil.
func (r *PageRepository) Update(ctx context.Context, p domain.PageUpdateParams) (*domain.Page, error) {
	current, err := r.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	title := current.Title
	if p.Title != nil {
		title = *p.Title
	}
	slug := current.Slug
	if p.Slug != nil {
		slug = *p.Slug
	}
	content := current.Content
	contentHash := current.ContentHash
	if p.Content != nil {
		content = *p.Content
		if p.ContentHash != nil {
			contentHash = *p.ContentHash
		}
	}
	requiresAcceptance := current.RequiresAcceptance
	if p.RequiresAcceptance != nil {
		requiresAcceptance = *p.RequiresAcceptance
	}
	categoryID := current.CategoryID
	if p.CategoryID != nil {
		categoryID = *p.CategoryID
	}

	row := r.db.Pool.QueryRow(ctx, `
		UPDATE pages SET title = $2, slug = $3, content = $4, content_hash = $5,
			requires_acceptance = $6, category_id = $7, updated_by = $8, updated_at = NOW()
		WHERE id = $1 RETURNING `+pageColumns,
		p.ID, title, slug, content, contentHash, requiresAcceptance, categoryID, p.UpdatedBy)
	return scanPage(row)
}

// SoftDelete marks a page deleted without removing its row, preserving
// audit history and the slug cooldown window.
func (r *PageRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE pages SET deleted_at = NOW() WHERE id = $1`, id)
	return err
}

// Reorder assigns positions 0..n-1 to pageIDs in the order given, after
// verifying every ID belongs to the scope and the set is exhaustive —
// guards against a caller silently dropping or smuggling in a page from
// another scope.
func (r *PageRepository) Reorder(ctx context.Context, guildID *uuid.UUID, pageIDs []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		if _, dup := seen[id]; dup {
			return errors.New("duplicate page id in reorder request")
		}
		seen[id] = struct{}{}
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingCount int64
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM pages WHERE guild_id IS NOT DISTINCT FROM $1 AND deleted_at IS NULL
	`, guildID).Scan(&existingCount); err != nil {
		return err
	}
	if int64(len(pageIDs)) != existingCount {
		return errors.New("page count mismatch during reorder")
	}

	var validCount int64
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM pages
		WHERE id = ANY($1) AND guild_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
	`, pageIDs, guildID).Scan(&validCount); err != nil {
		return err
	}
	if validCount != int64(len(pageIDs)) {
		return errors.New("some page ids do not belong to this scope")
	}

	for position, id := range pageIDs {
		if _, err := tx.Exec(ctx, `UPDATE pages SET position = $2 WHERE id = $1`, id, position); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Accept records or refreshes a user's acceptance of a page at its current
// content hash.
func (r *PageRepository) Accept(ctx context.Context, userID, pageID uuid.UUID, contentHash string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO page_acceptances (user_id, page_id, content_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, page_id) DO UPDATE SET content_hash = $3, accepted_at = NOW()
	`, userID, pageID, contentHash)
	return err
}

// PendingAcceptance returns pages requiring acceptance that userID has not
// accepted, or has accepted at a now-stale content hash.
func (r *PageRepository) PendingAcceptance(ctx context.Context, userID uuid.UUID) ([]*domain.PageListItem, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT p.id, p.guild_id, p.title, p.slug, p.position, p.requires_acceptance, p.category_id, p.updated_at
		FROM pages p
		WHERE p.requires_acceptance = true AND p.deleted_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM page_acceptances pa
			WHERE pa.page_id = p.id AND pa.user_id = $1 AND pa.content_hash = p.content_hash
		)
		ORDER BY p.guild_id NULLS FIRST, p.position
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*domain.PageListItem
	for rows.Next() {
		p := &domain.PageListItem{}
		if err := rows.Scan(&p.ID, &p.GuildID, &p.Title, &p.Slug, &p.Position, &p.RequiresAcceptance, &p.CategoryID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SlugRecentlyDeleted reports whether slug was soft-deleted within the
// cooldown window, so it cannot be immediately reused in the same scope.
func (r *PageRepository) SlugRecentlyDeleted(ctx context.Context, guildID *uuid.UUID, slug string, cooldown time.Duration) (bool, error) {
	cutoff := time.Now().Add(-cooldown)
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pages
			WHERE guild_id IS NOT DISTINCT FROM $1 AND slug = $2
			AND deleted_at IS NOT NULL AND deleted_at > $3
		)
	`, guildID, slug, cutoff).Scan(&exists)
	return exists, err
}
