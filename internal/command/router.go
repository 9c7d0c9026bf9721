package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/pubsub"
)

// store is the slash-command persistence surface Router needs, satisfied
// by *database.CommandRepository in production and by a fake in tests —
// the same narrow-interface-at-the-point-of-use shape as
// webrtc.JoinLimiter and InteractionStore.
type store interface {
	GetApplication(ctx context.Context, appID uuid.UUID) (*domain.BotApplication, error)
	ReplaceCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID, cmds []domain.SlashCommand) ([]domain.SlashCommand, error)
	ListCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID) ([]domain.SlashCommand, error)
	DeleteCommand(ctx context.Context, appID, cmdID uuid.UUID) error
	DeleteAllCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID) error
	FindMatchingCommands(ctx context.Context, guildID uuid.UUID, name string) ([]domain.CommandMatch, error)
}

// Outcome classifies how a message starting with "/" was resolved.
type Outcome int

const (
	// OutcomeNotCommand means the message did not begin with "/" at all;
	// it should be persisted as ordinary content.
	OutcomeNotCommand Outcome = iota
	// OutcomeNoMatch means it began with "/" but matched no registered
	// command; it is still persisted as ordinary content.
	OutcomeNoMatch
	// OutcomeBuiltinPing is the built-in /ping, handled synchronously.
	OutcomeBuiltinPing
	// OutcomeInvoked means exactly one bot command matched; a
	// command_invoked event was published and nothing should be persisted.
	OutcomeInvoked
	// OutcomeAmbiguous means more than one bot registered the same name;
	// the caller should respond 400 and persist nothing.
	OutcomeAmbiguous
)

// DispatchResult is what Dispatch returns for one message.
type DispatchResult struct {
	Outcome       Outcome
	InteractionID uuid.UUID
	BotUserID     uuid.UUID
	CommandName   string
	ArgsRest      string
	AmbiguousBots []string
}

// invokedEvent is the payload published on a bot's topic when its command
// is invoked, exactly the field set spec.md §4.10 names.
type invokedEvent struct {
	InteractionID uuid.UUID `json:"interaction_id"`
	CommandName   string    `json:"command_name"`
	ArgsRest      string    `json:"args_rest"`
	GuildID       uuid.UUID `json:"guild_id"`
	ChannelID     uuid.UUID `json:"channel_id"`
	UserID        uuid.UUID `json:"user_id"`
}

// Router resolves `/command` invocations in guild channel messages and
// dispatches them to the owning bot over the event bus.
type Router struct {
	repo         store
	interactions InteractionStore
	bus          pubsub.PubSub
	logger       *slog.Logger
}

func NewRouter(repo store, interactions InteractionStore, bus pubsub.PubSub, logger *slog.Logger) *Router {
	return &Router{
		repo:         repo,
		interactions: interactions,
		bus:          bus,
		logger:       logger.With("component", "command_router"),
	}
}

// BotTopic returns the bus topic a bot's command_invoked events are
// published on.
func BotTopic(botUserID uuid.UUID) string {
	return fmt.Sprintf("bot:%s", botUserID)
}

// Dispatch resolves content against the commands registered for guildID.
// Zero matches (or content not starting with "/") means: persist as a
// normal message. Exactly one match publishes command_invoked and claims
// interaction ownership for the winning bot. More than one match across
// different bots is reported as ambiguous with no side effects.
func (r *Router) Dispatch(ctx context.Context, guildID, channelID, userID uuid.UUID, content string) (*DispatchResult, error) {
	if len(content) == 0 || content[0] != '/' {
		return &DispatchResult{Outcome: OutcomeNotCommand}, nil
	}

	name, argsRest := splitInvocation(content)
	if name == "ping" {
		return &DispatchResult{Outcome: OutcomeBuiltinPing, CommandName: name, ArgsRest: argsRest}, nil
	}

	matches, err := r.repo.FindMatchingCommands(ctx, guildID, name)
	if err != nil {
		return nil, fmt.Errorf("resolve command matches: %w", err)
	}

	switch len(matches) {
	case 0:
		return &DispatchResult{Outcome: OutcomeNoMatch}, nil
	case 1:
		return r.invoke(ctx, matches[0], guildID, channelID, userID, name, argsRest)
	default:
		names := make([]string, 0, len(matches))
		seen := make(map[uuid.UUID]struct{}, len(matches))
		for _, m := range matches {
			if _, ok := seen[m.Bot.ID]; ok {
				continue
			}
			seen[m.Bot.ID] = struct{}{}
			names = append(names, m.Bot.DisplayName)
		}
		if len(names) == 1 {
			// Same bot registered the name at both global and guild scope;
			// that is not ambiguity between bots, just prefer the guild one.
			preferred := matches[0]
			for _, m := range matches {
				if m.Command.GuildID != nil {
					preferred = m
					break
				}
			}
			return r.invoke(ctx, preferred, guildID, channelID, userID, name, argsRest)
		}
		return &DispatchResult{Outcome: OutcomeAmbiguous, AmbiguousBots: names}, nil
	}
}

func (r *Router) invoke(ctx context.Context, match domain.CommandMatch, guildID, channelID, userID uuid.UUID, name, argsRest string) (*DispatchResult, error) {
	interactionID := uuid.New()
	if err := r.interactions.ClaimOwner(ctx, interactionID, match.Bot.BotUserID); err != nil {
		return nil, fmt.Errorf("claim interaction owner: %w", err)
	}

	payload, err := json.Marshal(invokedEvent{
		InteractionID: interactionID,
		CommandName:   name,
		ArgsRest:      argsRest,
		GuildID:       guildID,
		ChannelID:     channelID,
		UserID:        userID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal command_invoked payload: %w", err)
	}

	topic := BotTopic(match.Bot.BotUserID)
	if err := r.bus.Publish(ctx, topic, &pubsub.Message{Topic: topic, Type: "command_invoked", Payload: payload}); err != nil {
		return nil, fmt.Errorf("publish command_invoked: %w", err)
	}

	r.logger.Info("command dispatched", "interaction_id", interactionID, "command", name, "bot_user_id", match.Bot.BotUserID)

	return &DispatchResult{
		Outcome:       OutcomeInvoked,
		InteractionID: interactionID,
		BotUserID:     match.Bot.BotUserID,
		CommandName:   name,
		ArgsRest:      argsRest,
	}, nil
}

// RecordResponse implements the single-response semantic: botUserID must be
// the interaction's claimed owner, and only the first response is kept.
func (r *Router) RecordResponse(ctx context.Context, interactionID, botUserID uuid.UUID, response json.RawMessage) error {
	owner, ok, err := r.interactions.Owner(ctx, interactionID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInteractionNotFound
	}
	if owner != botUserID {
		return domain.ErrNotInteractionOwner
	}

	stored, err := r.interactions.SetResponse(ctx, interactionID, response)
	if err != nil {
		return err
	}
	if !stored {
		return domain.ErrInteractionAlreadyAnswered
	}
	return nil
}

// RegisterCommands validates and replaces every command in (appID, guildID)
// with cmds, enforcing ownership and the within-batch duplicate-name rule
// exactly as the original's register_commands handler.
func (r *Router) RegisterCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID, callerID uuid.UUID, cmds []domain.SlashCommand) ([]domain.SlashCommand, error) {
	app, err := r.repo.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != callerID {
		return nil, domain.ErrNotApplicationOwner
	}

	names := make([]string, len(cmds))
	for i, cmd := range cmds {
		if err := ValidateName(cmd.Name); err != nil {
			return nil, err
		}
		if err := ValidateDescription(cmd.Description); err != nil {
			return nil, err
		}
		names[i] = cmd.Name
	}
	if err := CheckBatchDuplicates(names); err != nil {
		return nil, err
	}

	return r.repo.ReplaceCommands(ctx, appID, guildID, cmds)
}

// ListCommands returns every command in scope after verifying ownership.
func (r *Router) ListCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID, callerID uuid.UUID) ([]domain.SlashCommand, error) {
	app, err := r.repo.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != callerID {
		return nil, domain.ErrNotApplicationOwner
	}
	return r.repo.ListCommands(ctx, appID, guildID)
}

// DeleteCommand removes a single command after verifying ownership.
func (r *Router) DeleteCommand(ctx context.Context, appID, cmdID, callerID uuid.UUID) error {
	app, err := r.repo.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	if app.OwnerID != callerID {
		return domain.ErrNotApplicationOwner
	}
	return r.repo.DeleteCommand(ctx, appID, cmdID)
}

// DeleteAllCommands removes every command in a scope after verifying
// ownership.
func (r *Router) DeleteAllCommands(ctx context.Context, appID uuid.UUID, guildID *uuid.UUID, callerID uuid.UUID) error {
	app, err := r.repo.GetApplication(ctx, appID)
	if err != nil {
		return err
	}
	if app.OwnerID != callerID {
		return domain.ErrNotApplicationOwner
	}
	return r.repo.DeleteAllCommands(ctx, appID, guildID)
}
