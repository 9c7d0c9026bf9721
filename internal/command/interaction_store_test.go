package command

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryInteractionStore_ClaimAndReadOwner(t *testing.T) {
	s := NewMemoryInteractionStore()
	ctx := context.Background()
	interactionID := uuid.New()
	botID := uuid.New()

	if _, ok, _ := s.Owner(ctx, interactionID); ok {
		t.Fatal("unclaimed interaction should report no owner")
	}

	if err := s.ClaimOwner(ctx, interactionID, botID); err != nil {
		t.Fatalf("ClaimOwner failed: %v", err)
	}

	owner, ok, err := s.Owner(ctx, interactionID)
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	if !ok || owner != botID {
		t.Errorf("Owner() = (%v, %v), want (%v, true)", owner, ok, botID)
	}
}

func TestMemoryInteractionStore_SetResponse_FirstWriteWins(t *testing.T) {
	s := NewMemoryInteractionStore()
	ctx := context.Background()
	interactionID := uuid.New()

	stored, err := s.SetResponse(ctx, interactionID, []byte(`{"content":"first"}`))
	if err != nil {
		t.Fatalf("SetResponse failed: %v", err)
	}
	if !stored {
		t.Fatal("first SetResponse should succeed")
	}

	stored, err = s.SetResponse(ctx, interactionID, []byte(`{"content":"second"}`))
	if err != nil {
		t.Fatalf("SetResponse failed: %v", err)
	}
	if stored {
		t.Error("second SetResponse should be rejected, preserving the first response")
	}
}

func TestMemoryInteractionStore_ExpiredOwnerNotReturned(t *testing.T) {
	s := NewMemoryInteractionStore()
	ctx := context.Background()
	interactionID := uuid.New()
	botID := uuid.New()

	s.mu.Lock()
	s.owners[interactionID] = ownerEntry{botUserID: botID, expiresAt: time.Now().Add(-time.Minute)}
	s.mu.Unlock()

	if _, ok, _ := s.Owner(ctx, interactionID); ok {
		t.Error("expired owner claim should not be returned")
	}
}
