package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/auth"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/pages"
)

// PageHandler exposes CRUD, reordering, and acceptance tracking for
// guild-scoped (or platform-wide) content pages.
type PageHandler struct {
	svc    *pages.Service
	logger *slog.Logger
}

func NewPageHandler(svc *pages.Service, logger *slog.Logger) *PageHandler {
	return &PageHandler{svc: svc, logger: logger}
}

func pageErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrPageNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrPageSlugTaken):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func parsePageGuildIDQuery(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("guild_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ListPages godoc
//
//	@Summary		List active pages in a scope
//	@Tags			pages
//	@Produce		json
//	@Param			guild_id	query		string	false	"Guild ID (omit for platform-wide pages)"
//	@Success		200	{array}	domain.PageListItem
//	@Router			/pages [get]
func (h *PageHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	guildID, err := parsePageGuildIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild_id")
		return
	}

	list, err := h.svc.List(r.Context(), guildID)
	if err != nil {
		h.logger.Error("list pages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*domain.PageListItem{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPage godoc
//
//	@Summary		Get a page by slug
//	@Tags			pages
//	@Produce		json
//	@Param			slug	path		string	true	"Page slug"
//	@Param			guild_id	query		string	false	"Guild ID (omit for platform-wide pages)"
//	@Success		200	{object}	domain.Page
//	@Router			/pages/{slug} [get]
func (h *PageHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	guildID, err := parsePageGuildIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild_id")
		return
	}

	page, err := h.svc.GetBySlug(r.Context(), guildID, r.PathValue("slug"))
	if err != nil {
		status, msg := pageErrorStatus(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type createPageRequest struct {
	GuildID            *uuid.UUID `json:"guild_id"`
	Title              string     `json:"title"`
	Slug               string     `json:"slug"`
	Content            string     `json:"content"`
	RequiresAcceptance bool       `json:"requires_acceptance"`
	CategoryID         *uuid.UUID `json:"category_id"`
}

// CreatePage godoc
//
//	@Summary		Create a page
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		createPageRequest	true	"Page to create"
//	@Success		201	{object}	domain.Page
//	@Router			/pages [post]
func (h *PageHandler) CreatePage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}

	page, err := h.svc.Create(r.Context(), req.GuildID, req.Title, req.Slug, req.Content, req.RequiresAcceptance, req.CategoryID, userID)
	if err != nil {
		status, msg := pageErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("create page failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

type updatePageRequest struct {
	Title              *string    `json:"title"`
	Slug               *string    `json:"slug"`
	Content            *string    `json:"content"`
	RequiresAcceptance *bool      `json:"requires_acceptance"`
	CategoryID         *uuid.UUID `json:"category_id"`
	ClearCategory      bool       `json:"clear_category"`
	GuildID            *uuid.UUID `json:"guild_id"`
}

// UpdatePage godoc
//
//	@Summary		Update a page
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Page ID"
//	@Param			request	body		updatePageRequest	true	"Fields to update"
//	@Success		200	{object}	domain.Page
//	@Router			/pages/{id} [patch]
func (h *PageHandler) UpdatePage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page ID")
		return
	}

	var req updatePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var categoryID **uuid.UUID
	if req.ClearCategory {
		var nilID *uuid.UUID
		categoryID = &nilID
	} else if req.CategoryID != nil {
		categoryID = &req.CategoryID
	}

	page, err := h.svc.Update(r.Context(), req.GuildID, pageID, req.Title, req.Slug, req.Content, req.RequiresAcceptance, categoryID, userID)
	if err != nil {
		status, msg := pageErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("update page failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// DeletePage godoc
//
//	@Summary		Soft-delete a page
//	@Tags			pages
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Page ID"
//	@Success		204
//	@Router			/pages/{id} [delete]
func (h *PageHandler) DeletePage(w http.ResponseWriter, r *http.Request) {
	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page ID")
		return
	}

	if err := h.svc.Delete(r.Context(), pageID); err != nil {
		status, msg := pageErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("delete page failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderPagesRequest struct {
	GuildID *uuid.UUID  `json:"guild_id"`
	PageIDs []uuid.UUID `json:"page_ids"`
}

// ReorderPages godoc
//
//	@Summary		Reorder every active page in a scope
//	@Tags			pages
//	@Accept			json
//	@Security		BearerAuth
//	@Param			request	body		reorderPagesRequest	true	"Page IDs in their new order"
//	@Success		204
//	@Router			/pages/reorder [post]
func (h *PageHandler) ReorderPages(w http.ResponseWriter, r *http.Request) {
	var req reorderPagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.Reorder(r.Context(), req.GuildID, req.PageIDs); err != nil {
		h.logger.Warn("reorder pages failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AcceptPage godoc
//
//	@Summary		Record the caller's acceptance of a page
//	@Tags			pages
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Page ID"
//	@Success		204
//	@Router			/pages/{id}/accept [post]
func (h *PageHandler) AcceptPage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pageID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page ID")
		return
	}

	if err := h.svc.Accept(r.Context(), userID, pageID); err != nil {
		status, msg := pageErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("accept page failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PendingAcceptance godoc
//
//	@Summary		List pages the caller still needs to accept
//	@Tags			pages
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	domain.PageListItem
//	@Router			/pages/pending-acceptance [get]
func (h *PageHandler) PendingAcceptance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	list, err := h.svc.PendingAcceptance(r.Context(), userID)
	if err != nil {
		h.logger.Error("list pending acceptance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*domain.PageListItem{}
	}
	writeJSON(w, http.StatusOK, list)
}
