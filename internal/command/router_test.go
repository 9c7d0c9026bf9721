package command

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/pubsub"
)

// fakeStore is an in-memory stand-in for *database.CommandRepository.
type fakeStore struct {
	apps     map[uuid.UUID]domain.BotApplication
	matches  map[string][]domain.CommandMatch
	deleted  []uuid.UUID
	replaced []domain.SlashCommand
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:    make(map[uuid.UUID]domain.BotApplication),
		matches: make(map[string][]domain.CommandMatch),
	}
}

func (s *fakeStore) GetApplication(_ context.Context, appID uuid.UUID) (*domain.BotApplication, error) {
	app, ok := s.apps[appID]
	if !ok {
		return nil, domain.ErrBotApplicationNotFound
	}
	return &app, nil
}

func (s *fakeStore) ReplaceCommands(_ context.Context, appID uuid.UUID, guildID *uuid.UUID, cmds []domain.SlashCommand) ([]domain.SlashCommand, error) {
	out := make([]domain.SlashCommand, len(cmds))
	for i, c := range cmds {
		c.ID = uuid.New()
		c.ApplicationID = appID
		c.GuildID = guildID
		out[i] = c
	}
	s.replaced = out
	return out, nil
}

func (s *fakeStore) ListCommands(_ context.Context, _ uuid.UUID, _ *uuid.UUID) ([]domain.SlashCommand, error) {
	return s.replaced, nil
}

func (s *fakeStore) DeleteCommand(_ context.Context, _, cmdID uuid.UUID) error {
	s.deleted = append(s.deleted, cmdID)
	return nil
}

func (s *fakeStore) DeleteAllCommands(_ context.Context, _ uuid.UUID, _ *uuid.UUID) error {
	s.replaced = nil
	return nil
}

func (s *fakeStore) FindMatchingCommands(_ context.Context, _ uuid.UUID, name string) ([]domain.CommandMatch, error) {
	return s.matches[name], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(s *fakeStore) *Router {
	return NewRouter(s, NewMemoryInteractionStore(), pubsub.NewMemoryPubSub(), testLogger())
}

func TestDispatch_NotCommand(t *testing.T) {
	r := newTestRouter(newFakeStore())
	result, err := r.Dispatch(context.Background(), uuid.New(), uuid.New(), uuid.New(), "hello there")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeNotCommand {
		t.Errorf("Outcome = %v, want OutcomeNotCommand", result.Outcome)
	}
}

func TestDispatch_BuiltinPing(t *testing.T) {
	r := newTestRouter(newFakeStore())
	result, err := r.Dispatch(context.Background(), uuid.New(), uuid.New(), uuid.New(), "/ping")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeBuiltinPing {
		t.Errorf("Outcome = %v, want OutcomeBuiltinPing", result.Outcome)
	}
}

func TestDispatch_NoMatch(t *testing.T) {
	r := newTestRouter(newFakeStore())
	result, err := r.Dispatch(context.Background(), uuid.New(), uuid.New(), uuid.New(), "/nonexistent arg1")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeNoMatch {
		t.Errorf("Outcome = %v, want OutcomeNoMatch", result.Outcome)
	}
}

func TestDispatch_SingleMatch_PublishesAndClaimsOwner(t *testing.T) {
	s := newFakeStore()
	botID := uuid.New()
	guildID := uuid.New()
	s.matches["weather"] = []domain.CommandMatch{
		{Bot: domain.BotApplication{ID: uuid.New(), BotUserID: botID, DisplayName: "WeatherBot"}},
	}
	r := newTestRouter(s)

	result, err := r.Dispatch(context.Background(), guildID, uuid.New(), uuid.New(), "/weather sf")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeInvoked {
		t.Fatalf("Outcome = %v, want OutcomeInvoked", result.Outcome)
	}
	if result.ArgsRest != "sf" {
		t.Errorf("ArgsRest = %q, want %q", result.ArgsRest, "sf")
	}

	owner, ok, err := r.interactions.Owner(context.Background(), result.InteractionID)
	if err != nil || !ok {
		t.Fatalf("expected interaction owner claimed, ok=%v err=%v", ok, err)
	}
	if owner != botID {
		t.Errorf("owner = %v, want %v", owner, botID)
	}
}

func TestDispatch_MultipleMatchesDifferentBots_Ambiguous(t *testing.T) {
	s := newFakeStore()
	s.matches["help"] = []domain.CommandMatch{
		{Bot: domain.BotApplication{ID: uuid.New(), BotUserID: uuid.New(), DisplayName: "BotOne"}},
		{Bot: domain.BotApplication{ID: uuid.New(), BotUserID: uuid.New(), DisplayName: "BotTwo"}},
	}
	r := newTestRouter(s)

	result, err := r.Dispatch(context.Background(), uuid.New(), uuid.New(), uuid.New(), "/help")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeAmbiguous {
		t.Fatalf("Outcome = %v, want OutcomeAmbiguous", result.Outcome)
	}
	if len(result.AmbiguousBots) != 2 {
		t.Errorf("AmbiguousBots = %v, want 2 entries", result.AmbiguousBots)
	}
}

func TestDispatch_MultipleMatchesSameBot_NotAmbiguous(t *testing.T) {
	s := newFakeStore()
	sharedBotID := uuid.New()
	botRecordID := uuid.New()
	s.matches["help"] = []domain.CommandMatch{
		{Bot: domain.BotApplication{ID: botRecordID, BotUserID: sharedBotID, DisplayName: "BotOne"}},
		{Bot: domain.BotApplication{ID: botRecordID, BotUserID: sharedBotID, DisplayName: "BotOne"}},
	}
	r := newTestRouter(s)

	result, err := r.Dispatch(context.Background(), uuid.New(), uuid.New(), uuid.New(), "/help")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Outcome != OutcomeInvoked {
		t.Errorf("Outcome = %v, want OutcomeInvoked (same bot registered twice is not ambiguity)", result.Outcome)
	}
}

func TestRegisterCommands_RejectsNonOwner(t *testing.T) {
	s := newFakeStore()
	appID := uuid.New()
	ownerID := uuid.New()
	s.apps[appID] = domain.BotApplication{ID: appID, OwnerID: ownerID}
	r := newTestRouter(s)

	_, err := r.RegisterCommands(context.Background(), appID, nil, uuid.New(), []domain.SlashCommand{{Name: "ping", Description: "pings"}})
	if err != domain.ErrNotApplicationOwner {
		t.Errorf("err = %v, want ErrNotApplicationOwner", err)
	}
}

func TestRegisterCommands_RejectsInvalidName(t *testing.T) {
	s := newFakeStore()
	appID := uuid.New()
	ownerID := uuid.New()
	s.apps[appID] = domain.BotApplication{ID: appID, OwnerID: ownerID}
	r := newTestRouter(s)

	_, err := r.RegisterCommands(context.Background(), appID, nil, ownerID, []domain.SlashCommand{{Name: "Not Valid", Description: "desc"}})
	if err != domain.ErrInvalidCommandName {
		t.Errorf("err = %v, want ErrInvalidCommandName", err)
	}
}

func TestRegisterCommands_RejectsDuplicateNamesInBatch(t *testing.T) {
	s := newFakeStore()
	appID := uuid.New()
	ownerID := uuid.New()
	s.apps[appID] = domain.BotApplication{ID: appID, OwnerID: ownerID}
	r := newTestRouter(s)

	_, err := r.RegisterCommands(context.Background(), appID, nil, ownerID, []domain.SlashCommand{
		{Name: "ping", Description: "a"},
		{Name: "ping", Description: "b"},
	})
	if err != domain.ErrDuplicateCommandName {
		t.Errorf("err = %v, want ErrDuplicateCommandName", err)
	}
}

func TestRegisterCommands_Succeeds(t *testing.T) {
	s := newFakeStore()
	appID := uuid.New()
	ownerID := uuid.New()
	s.apps[appID] = domain.BotApplication{ID: appID, OwnerID: ownerID}
	r := newTestRouter(s)

	out, err := r.RegisterCommands(context.Background(), appID, nil, ownerID, []domain.SlashCommand{
		{Name: "ping", Description: "pings"},
	})
	if err != nil {
		t.Fatalf("RegisterCommands failed: %v", err)
	}
	if len(out) != 1 || out[0].Name != "ping" {
		t.Errorf("out = %+v, want one ping command", out)
	}
}

func TestRecordResponse_SingleResponseSemantic(t *testing.T) {
	r := newTestRouter(newFakeStore())
	interactionID := uuid.New()
	botID := uuid.New()

	if err := r.interactions.ClaimOwner(context.Background(), interactionID, botID); err != nil {
		t.Fatalf("ClaimOwner failed: %v", err)
	}

	if err := r.RecordResponse(context.Background(), interactionID, botID, []byte(`{"content":"pong"}`)); err != nil {
		t.Fatalf("first RecordResponse should succeed, got %v", err)
	}

	err := r.RecordResponse(context.Background(), interactionID, botID, []byte(`{"content":"pong again"}`))
	if err != domain.ErrInteractionAlreadyAnswered {
		t.Errorf("second RecordResponse err = %v, want ErrInteractionAlreadyAnswered", err)
	}
}

func TestRecordResponse_RejectsNonOwner(t *testing.T) {
	r := newTestRouter(newFakeStore())
	interactionID := uuid.New()
	botID := uuid.New()
	otherBotID := uuid.New()

	if err := r.interactions.ClaimOwner(context.Background(), interactionID, botID); err != nil {
		t.Fatalf("ClaimOwner failed: %v", err)
	}

	err := r.RecordResponse(context.Background(), interactionID, otherBotID, []byte(`{}`))
	if err != domain.ErrNotInteractionOwner {
		t.Errorf("err = %v, want ErrNotInteractionOwner", err)
	}
}

func TestRecordResponse_UnknownInteraction(t *testing.T) {
	r := newTestRouter(newFakeStore())
	err := r.RecordResponse(context.Background(), uuid.New(), uuid.New(), []byte(`{}`))
	if err != domain.ErrInteractionNotFound {
		t.Errorf("err = %v, want ErrInteractionNotFound", err)
	}
}
