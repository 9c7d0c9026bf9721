package voice

import (
	"sync"

	"github.com/google/uuid"
)

// ScreenShare is one user's active screen or window share within a room.
type ScreenShare struct {
	UserID      uuid.UUID `json:"user_id"`
	SourceLabel string    `json:"source_label"`
	HasAudio    bool      `json:"has_audio"`
	Quality     string    `json:"quality"`
}

// ScreenShareRegistry is a process-local, per-room registry of active
// screen shares. It is metadata only — the actual video/audio travels over
// the Track Router like any other published track.
type ScreenShareRegistry struct {
	mu     sync.RWMutex
	shares map[uuid.UUID]ScreenShare
}

// NewScreenShareRegistry creates an empty registry.
func NewScreenShareRegistry() *ScreenShareRegistry {
	return &ScreenShareRegistry{shares: make(map[uuid.UUID]ScreenShare)}
}

// Start records a new active share, replacing any prior share by the same
// user.
func (r *ScreenShareRegistry) Start(userID uuid.UUID, sourceLabel string, hasAudio bool, quality string) ScreenShare {
	share := ScreenShare{UserID: userID, SourceLabel: sourceLabel, HasAudio: hasAudio, Quality: quality}
	r.mu.Lock()
	r.shares[userID] = share
	r.mu.Unlock()
	return share
}

// Stop removes a user's share, reporting whether one existed.
func (r *ScreenShareRegistry) Stop(userID uuid.UUID) (ScreenShare, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	share, ok := r.shares[userID]
	if ok {
		delete(r.shares, userID)
	}
	return share, ok
}

// ChangeQuality updates the recorded quality for an active share.
func (r *ScreenShareRegistry) ChangeQuality(userID uuid.UUID, quality string) (ScreenShare, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	share, ok := r.shares[userID]
	if !ok {
		return ScreenShare{}, false
	}
	share.Quality = quality
	r.shares[userID] = share
	return share, true
}

// RemoveUser drops any share by userID without emitting an event, used when
// a peer leaves the room outright.
func (r *ScreenShareRegistry) RemoveUser(userID uuid.UUID) {
	r.mu.Lock()
	delete(r.shares, userID)
	r.mu.Unlock()
}

// List returns a snapshot of every active share in the room.
func (r *ScreenShareRegistry) List() []ScreenShare {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ScreenShare, 0, len(r.shares))
	for _, s := range r.shares {
		out = append(out, s)
	}
	return out
}
