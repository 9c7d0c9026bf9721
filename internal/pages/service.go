package pages

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/domain"
)

// maxPagesPerScope bounds how many active pages a guild (or the platform
// scope) may hold.
const maxPagesPerScope = 500

// store is the subset of *database.PageRepository the service needs,
// narrowed so business logic can be tested against a fake.
type store interface {
	CountActive(ctx context.Context, guildID *uuid.UUID) (int64, error)
	SlugExists(ctx context.Context, guildID *uuid.UUID, slug string, excludeID *uuid.UUID) (bool, error)
	SlugRecentlyDeleted(ctx context.Context, guildID *uuid.UUID, slug string, cooldown time.Duration) (bool, error)
	List(ctx context.Context, guildID *uuid.UUID) ([]*domain.PageListItem, error)
	GetBySlug(ctx context.Context, guildID *uuid.UUID, slug string) (*domain.Page, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Page, error)
	CreateWithInitialRevision(ctx context.Context, p domain.PageCreateParams) (*domain.Page, error)
	Update(ctx context.Context, p domain.PageUpdateParams) (*domain.Page, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Reorder(ctx context.Context, guildID *uuid.UUID, pageIDs []uuid.UUID) error
	Accept(ctx context.Context, userID, pageID uuid.UUID, contentHash string) error
	PendingAcceptance(ctx context.Context, userID uuid.UUID) ([]*domain.PageListItem, error)
}

// Service enforces slug/position invariants around the page repository:
// no two active pages in one scope share a slug, reserved slugs are
// rejected, and a recently deleted slug stays reserved for a cooldown
// window.
type Service struct {
	repo store
}

func NewService(repo store) *Service {
	return &Service{repo: repo}
}

// Create validates and inserts a new page, deriving a slug from the title
// when one isn't supplied explicitly.
func (s *Service) Create(ctx context.Context, guildID *uuid.UUID, title, slug, content string, requiresAcceptance bool, categoryID *uuid.UUID, createdBy uuid.UUID) (*domain.Page, error) {
	if slug == "" {
		slug = Slugify(title)
	}
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	count, err := s.repo.CountActive(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if count >= maxPagesPerScope {
		return nil, errors.New("scope has reached its maximum page limit")
	}

	taken, err := s.repo.SlugExists(ctx, guildID, slug, nil)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domain.ErrPageSlugTaken
	}

	cooling, err := s.repo.SlugRecentlyDeleted(ctx, guildID, slug, deletedSlugCooldownDays*24*time.Hour)
	if err != nil {
		return nil, err
	}
	if cooling {
		return nil, domain.ErrPageSlugTaken
	}

	return s.repo.CreateWithInitialRevision(ctx, domain.PageCreateParams{
		GuildID:            guildID,
		Title:              title,
		Slug:               slug,
		Content:            content,
		ContentHash:        HashContent(content),
		RequiresAcceptance: requiresAcceptance,
		CategoryID:         categoryID,
		CreatedBy:          createdBy,
	})
}

// Update applies field changes to an existing page, re-validating the slug
// if it changed.
func (s *Service) Update(ctx context.Context, guildID *uuid.UUID, id uuid.UUID, title, slug, content *string, requiresAcceptance *bool, categoryID **uuid.UUID, updatedBy uuid.UUID) (*domain.Page, error) {
	if slug != nil {
		if err := ValidateSlug(*slug); err != nil {
			return nil, err
		}
		taken, err := s.repo.SlugExists(ctx, guildID, *slug, &id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, domain.ErrPageSlugTaken
		}
	}

	var contentHash *string
	if content != nil {
		h := HashContent(*content)
		contentHash = &h
	}

	return s.repo.Update(ctx, domain.PageUpdateParams{
		ID:                 id,
		Title:              title,
		Slug:               slug,
		Content:            content,
		ContentHash:        contentHash,
		RequiresAcceptance: requiresAcceptance,
		CategoryID:         categoryID,
		UpdatedBy:          updatedBy,
	})
}

// Delete soft-deletes a page after confirming it exists.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

// List returns a scope's active pages ordered by position.
func (s *Service) List(ctx context.Context, guildID *uuid.UUID) ([]*domain.PageListItem, error) {
	return s.repo.List(ctx, guildID)
}

// GetBySlug returns one active page by scope and slug.
func (s *Service) GetBySlug(ctx context.Context, guildID *uuid.UUID, slug string) (*domain.Page, error) {
	return s.repo.GetBySlug(ctx, guildID, slug)
}

// Reorder assigns new positions to every active page in scope, in the
// order given.
func (s *Service) Reorder(ctx context.Context, guildID *uuid.UUID, pageIDs []uuid.UUID) error {
	return s.repo.Reorder(ctx, guildID, pageIDs)
}

// Accept records userID's acceptance of a page at its current content
// hash, satisfying any requires_acceptance gate for that page.
func (s *Service) Accept(ctx context.Context, userID, pageID uuid.UUID) error {
	page, err := s.repo.GetByID(ctx, pageID)
	if err != nil {
		return err
	}
	return s.repo.Accept(ctx, userID, pageID, page.ContentHash)
}

// PendingAcceptance lists pages userID still needs to accept.
func (s *Service) PendingAcceptance(ctx context.Context, userID uuid.UUID) ([]*domain.PageListItem, error) {
	return s.repo.PendingAcceptance(ctx, userID)
}
