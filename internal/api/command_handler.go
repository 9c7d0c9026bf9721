package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/auth"
	"github.com/wolftown/canis/internal/command"
	"github.com/wolftown/canis/internal/database"
	"github.com/wolftown/canis/internal/domain"
)

// CommandHandler exposes slash-command registration CRUD and the
// guild-channel message endpoint that intercepts `/command` invocations
// before they fall through to ordinary message persistence.
type CommandHandler struct {
	router *command.Router
	convs  *database.ConversationRepository
	users  *database.UserRepository
	logger *slog.Logger
}

func NewCommandHandler(router *command.Router, convs *database.ConversationRepository, users *database.UserRepository, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{router: router, convs: convs, users: users, logger: logger}
}

// commandErrorStatus maps a command-package/domain sentinel error to the
// HTTP status the original commands.rs's From<CommandError> impl used.
func commandErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBotApplicationNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrCommandNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrNotApplicationOwner):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrInvalidCommandName), errors.Is(err, domain.ErrInvalidCommandDesc):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrDuplicateCommandName):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

type registerCommandOption struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Type        domain.CommandOptionType `json:"type"`
	Required    bool                     `json:"required"`
}

type registerCommandData struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Options     []registerCommandOption `json:"options"`
}

type registerCommandsRequest struct {
	Commands []registerCommandData `json:"commands"`
}

func parseGuildIDQuery(r *http.Request) (*uuid.UUID, error) {
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

// RegisterCommands godoc
//
//	@Summary		Register slash commands
//	@Description	Replace all commands for an application's global or guild scope
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Application ID"
//	@Param			guild_id	query		string	false	"Guild ID (omit for global commands)"
//	@Param			request	body		registerCommandsRequest	true	"Commands to register"
//	@Success		200	{array}	domain.SlashCommand
//	@Router			/applications/{id}/commands [put]
func (h *CommandHandler) RegisterCommands(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	appID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application ID")
		return
	}

	guildID, err := parseGuildIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild_id")
		return
	}

	var req registerCommandsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmds := make([]domain.SlashCommand, len(req.Commands))
	for i, c := range req.Commands {
		opts := make([]domain.CommandOption, len(c.Options))
		for j, o := range c.Options {
			opts[j] = domain.CommandOption{Name: o.Name, Description: o.Description, Type: o.Type, Required: o.Required}
		}
		cmds[i] = domain.SlashCommand{Name: c.Name, Description: c.Description, Options: opts, CreatedAt: time.Now()}
	}

	result, err := h.router.RegisterCommands(r.Context(), appID, guildID, userID, cmds)
	if err != nil {
		status, msg := commandErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("register commands failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListCommands godoc
//
//	@Summary		List slash commands
//	@Tags			commands
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Application ID"
//	@Param			guild_id	query		string	false	"Guild ID (omit for global commands)"
//	@Success		200	{array}	domain.SlashCommand
//	@Router			/applications/{id}/commands [get]
func (h *CommandHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	appID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application ID")
		return
	}

	guildID, err := parseGuildIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild_id")
		return
	}

	cmds, err := h.router.ListCommands(r.Context(), appID, guildID, userID)
	if err != nil {
		status, msg := commandErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("list commands failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}

	if cmds == nil {
		cmds = []domain.SlashCommand{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// DeleteCommand godoc
//
//	@Summary		Delete a slash command
//	@Tags			commands
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Application ID"
//	@Param			command_id	path		string	true	"Command ID"
//	@Success		204
//	@Router			/applications/{id}/commands/{command_id} [delete]
func (h *CommandHandler) DeleteCommand(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	appID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application ID")
		return
	}
	cmdID, err := uuid.Parse(r.PathValue("command_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command ID")
		return
	}

	if err := h.router.DeleteCommand(r.Context(), appID, cmdID, userID); err != nil {
		status, msg := commandErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("delete command failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllCommands godoc
//
//	@Summary		Delete all slash commands in a scope
//	@Tags			commands
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Application ID"
//	@Param			guild_id	query		string	false	"Guild ID (omit for global commands)"
//	@Success		204
//	@Router			/applications/{id}/commands [delete]
func (h *CommandHandler) DeleteAllCommands(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	appID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application ID")
		return
	}
	guildID, err := parseGuildIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild_id")
		return
	}

	if err := h.router.DeleteAllCommands(r.Context(), appID, guildID, userID); err != nil {
		status, msg := commandErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("delete all commands failed", "error", err)
		}
		writeError(w, status, msg)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PostChannelMessage godoc
//
//	@Summary		Post a message to a guild channel
//	@Description	Intercepts "/command" invocations before persistence
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Channel ID"
//	@Param			request	body		object{body_text=string}	true	"Message content"
//	@Success		201	{object}	domain.Message
//	@Success		202	{object}	map[string]string
//	@Failure		400	{object}	map[string]string
//	@Router			/messages/channel/{id} [post]
func (h *CommandHandler) PostChannelMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	channelID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel ID")
		return
	}

	var input struct {
		BodyText string `json:"body_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input.BodyText = strings.TrimSpace(input.BodyText)
	if input.BodyText == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	isMember, err := h.convs.IsMember(r.Context(), channelID, userID)
	if err != nil || !isMember {
		writeError(w, http.StatusForbidden, "not a member of this channel")
		return
	}

	// A guild channel's own ID doubles as its guild scope: this repo has
	// no separate guild/channel hierarchy, so every group conversation is
	// its own single-channel guild for dispatch purposes.
	start := time.Now()
	result, err := h.router.Dispatch(r.Context(), channelID, channelID, userID, input.BodyText)
	if err != nil {
		h.logger.Error("command dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to dispatch command")
		return
	}

	switch result.Outcome {
	case command.OutcomeAmbiguous:
		writeError(w, http.StatusBadRequest, "multiple bots registered /"+strings.SplitN(strings.TrimPrefix(input.BodyText, "/"), " ", 2)[0]+": "+strings.Join(result.AmbiguousBots, ", "))
		return

	case command.OutcomeInvoked:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"interaction_id": result.InteractionID.String(),
			"status":         "command dispatched",
		})
		return

	case command.OutcomeBuiltinPing:
		latency := time.Since(start).Milliseconds()
		msg := h.newMessage(r, channelID, userID, "Pong! "+strconv.FormatInt(latency, 10)+"ms")
		if err := h.convs.CreateMessage(r.Context(), msg); err != nil {
			h.logger.Error("create ping message failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to send message")
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return

	default: // OutcomeNotCommand, OutcomeNoMatch: persist as normal content
		msg := h.newMessage(r, channelID, userID, input.BodyText)
		if err := h.convs.CreateMessage(r.Context(), msg); err != nil {
			h.logger.Error("create message failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to send message")
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func (h *CommandHandler) newMessage(r *http.Request, channelID, userID uuid.UUID, body string) *domain.Message {
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: channelID,
		SenderID:       &userID,
		BodyText:       body,
		CreatedAt:      time.Now(),
	}
	if user, err := h.users.GetByID(r.Context(), userID); err == nil && user != nil {
		pub := user.ToPublic()
		msg.Sender = &pub
	}
	return msg
}
