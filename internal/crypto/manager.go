package crypto

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const initialOneTimeKeyCount = 50

// DeviceKeys is what a device publishes to the server for other devices to
// find it by: its identity keys plus the one-time keys not yet handed out.
type DeviceKeys struct {
	DeviceID    string            `json:"device_id"`
	Identity    IdentityKeyPair   `json:"identity"`
	OneTimeKeys map[string]string `json:"one_time_keys"`
}

// EncryptedMessage is the wire form of a pairwise-encrypted payload: either
// a PrekeyMessage establishing a new session, or a plain ciphertext for an
// already-established one.
type EncryptedMessage struct {
	IsPrekey     bool           `json:"is_prekey"`
	Prekey       *PrekeyMessage `json:"prekey,omitempty"`
	Counter      uint64         `json:"counter,omitempty"`
	Ciphertext   []byte         `json:"ciphertext,omitempty"`
	SenderDevice string         `json:"sender_device"`
}

// Manager is the high-level entry point a client uses for end-to-end
// encrypted messaging: it owns the local key store, the device's account,
// and the in-memory cache of established sessions.
type Manager struct {
	mu    sync.Mutex
	store *LocalKeyStore
	log   *slog.Logger

	userID   uuid.UUID
	deviceID string
	account  *Account

	sessions      map[string]*Session      // keyed by remote device identity (base64 curve25519 key)
	groupSessions map[string]*GroupSession // keyed by channel ID, outbound only
}

// NewManager constructs a Manager bound to the given local store.
func NewManager(store *LocalKeyStore, userID uuid.UUID, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:         store,
		log:           log,
		userID:        userID,
		sessions:      make(map[string]*Session),
		groupSessions: make(map[string]*GroupSession),
	}
}

// Init loads an existing account from the store, or provisions a fresh one
// (new identity keys, a fresh device ID, and an initial pool of one-time
// keys) if none exists yet.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hasAccount, err := m.store.HasAccount(ctx)
	if err != nil {
		return err
	}

	if hasAccount {
		account, err := m.store.LoadAccount(ctx)
		if err != nil {
			return err
		}
		deviceID, ok, err := m.store.LoadMetadata(ctx, "device_id")
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrNotInitialized, "account exists but device_id metadata is missing")
		}
		m.account = account
		m.deviceID = deviceID
		m.log.Debug("crypto manager loaded existing account", "device_id", deviceID)
		return nil
	}

	account, err := NewAccount()
	if err != nil {
		return wrapError(ErrInvalidKey, err, "generate account")
	}
	if err := account.GenerateOneTimeKeys(initialOneTimeKeyCount); err != nil {
		return wrapError(ErrInvalidKey, err, "generate initial one-time keys")
	}

	deviceID := uuid.NewString()
	if err := m.store.SaveAccount(ctx, account); err != nil {
		return err
	}
	if err := m.store.SaveMetadata(ctx, "device_id", deviceID); err != nil {
		return err
	}

	m.account = account
	m.deviceID = deviceID
	m.log.Info("crypto manager provisioned new account", "device_id", deviceID)
	return nil
}

// DeviceID returns this device's stable identifier.
func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// UserID returns the user this manager's device belongs to.
func (m *Manager) UserID() uuid.UUID {
	return m.userID
}

// GetIdentityKeys returns the device's long-term public identity keys.
func (m *Manager) GetIdentityKeys() (IdentityKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return IdentityKeyPair{}, newError(ErrNotInitialized, "manager not initialized")
	}
	return m.account.IdentityKeys(), nil
}

// OurCurve25519Key returns the raw identity encryption public key.
func (m *Manager) OurCurve25519Key() ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return [32]byte{}, newError(ErrNotInitialized, "manager not initialized")
	}
	return m.account.Curve25519Key(), nil
}

// NeedsKeyUpload reports whether the device has unpublished one-time keys
// that should be pushed to the server.
func (m *Manager) NeedsKeyUpload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return false
	}
	return len(m.account.OneTimeKeys()) > 0
}

// GetUnpublishedKeys returns this device's full published-key bundle,
// suitable for uploading to the server.
func (m *Manager) GetUnpublishedKeys() (DeviceKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return DeviceKeys{}, newError(ErrNotInitialized, "manager not initialized")
	}
	return DeviceKeys{
		DeviceID:    m.deviceID,
		Identity:    m.account.IdentityKeys(),
		OneTimeKeys: m.account.OneTimeKeys(),
	}, nil
}

// MarkKeysPublished flags every currently-unpublished one-time key as
// uploaded, and persists the change.
func (m *Manager) MarkKeysPublished(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return newError(ErrNotInitialized, "manager not initialized")
	}
	m.account.MarkKeysAsPublished()
	return m.store.SaveAccount(ctx, m.account)
}

// GeneratePrekeys tops up the one-time key pool by count and persists the
// account.
func (m *Manager) GeneratePrekeys(ctx context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return newError(ErrNotInitialized, "manager not initialized")
	}
	if err := m.account.GenerateOneTimeKeys(count); err != nil {
		return wrapError(ErrInvalidKey, err, "generate prekeys")
	}
	return m.store.SaveAccount(ctx, m.account)
}

// HasSession reports whether a session is already established with the
// device identified by theirIdentityKey (base64 curve25519 public key).
func (m *Manager) HasSession(ctx context.Context, theirIdentityKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[theirIdentityKey]; ok {
		return true, nil
	}
	return m.store.HasSession(ctx, theirIdentityKey)
}

func (m *Manager) loadOrCacheSession(ctx context.Context, peerIdentity string) (*Session, bool) {
	if session, ok := m.sessions[peerIdentity]; ok {
		return session, true
	}
	session, err := m.store.LoadSession(ctx, peerIdentity)
	if err != nil {
		return nil, false
	}
	m.sessions[peerIdentity] = session
	return session, true
}

// EncryptForDevice encrypts plaintext for the device identified by
// theirIdentityKey. If no session exists yet, it establishes one via X3DH
// against the recipient's published one-time key (if supplied) and returns
// a prekey message; otherwise it uses the existing ratchet.
func (m *Manager) EncryptForDevice(ctx context.Context, theirIdentityKeyB64 string, theirOneTimeKeyID string, theirOneTimeKeyB64 string, plaintext []byte) (*EncryptedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return nil, newError(ErrNotInitialized, "manager not initialized")
	}

	theirIdentityKey, err := base64.StdEncoding.DecodeString(theirIdentityKeyB64)
	if err != nil {
		return nil, wrapError(ErrInvalidKey, err, "decode recipient identity key")
	}

	if session, ok := m.loadOrCacheSession(ctx, theirIdentityKeyB64); ok {
		ciphertext, counter, err := session.Encrypt(plaintext)
		if err != nil {
			return nil, wrapError(ErrDecryptFailed, err, "encrypt with existing session")
		}
		if err := m.store.SaveSession(ctx, theirIdentityKeyB64, session); err != nil {
			return nil, err
		}
		return &EncryptedMessage{
			IsPrekey:     false,
			Counter:      counter,
			Ciphertext:   ciphertext,
			SenderDevice: m.deviceID,
		}, nil
	}

	var theirOneTimeKey []byte
	if theirOneTimeKeyB64 != "" {
		theirOneTimeKey, err = base64.StdEncoding.DecodeString(theirOneTimeKeyB64)
		if err != nil {
			return nil, wrapError(ErrInvalidKey, err, "decode recipient one-time key")
		}
	}

	session, prekeyMsg, err := NewOutboundSession(m.account.encryptPriv, m.account.encryptPub, theirIdentityKey, theirOneTimeKeyID, theirOneTimeKey, plaintext)
	if err != nil {
		return nil, wrapError(ErrInvalidKey, err, "establish outbound session")
	}

	m.sessions[theirIdentityKeyB64] = session
	if err := m.store.SaveSession(ctx, theirIdentityKeyB64, session); err != nil {
		return nil, err
	}

	return &EncryptedMessage{
		IsPrekey:     true,
		Prekey:       prekeyMsg,
		SenderDevice: m.deviceID,
	}, nil
}

// DecryptMessage decrypts an EncryptedMessage from senderIdentityKey,
// establishing an inbound session first if the message is a prekey message.
func (m *Manager) DecryptMessage(ctx context.Context, senderIdentityKeyB64 string, msg *EncryptedMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return nil, newError(ErrNotInitialized, "manager not initialized")
	}

	if msg.IsPrekey {
		if msg.Prekey == nil {
			return nil, newError(ErrDecryptFailed, "prekey message missing payload")
		}
		var otkPriv *[32]byte
		if msg.Prekey.OneTimeKeyID != "" {
			taken, ok := m.account.takeOneTimeKey(msg.Prekey.OneTimeKeyID)
			if ok {
				otkPriv = &taken
			}
		}

		session, plaintext, err := NewInboundSession(m.account.encryptPriv, otkPriv, msg.Prekey)
		if err != nil {
			return nil, err
		}

		if otkPriv != nil {
			if err := m.store.SaveAccount(ctx, m.account); err != nil {
				return nil, err
			}
		}

		m.sessions[senderIdentityKeyB64] = session
		if err := m.store.SaveSession(ctx, senderIdentityKeyB64, session); err != nil {
			return nil, err
		}

		return plaintext, nil
	}

	session, ok := m.loadOrCacheSession(ctx, senderIdentityKeyB64)
	if !ok {
		return nil, newError(ErrSessionNotFound, "no session for %s", senderIdentityKeyB64)
	}

	plaintext, err := session.Decrypt(msg.Counter, msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, senderIdentityKeyB64, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// CreateGroupSession starts a new outbound Megolm-style session for
// channelID. The caller is responsible for distributing the returned
// GroupSessionKey to every current channel member via EncryptForDevice.
func (m *Manager) CreateGroupSession(channelID string) (*GroupSession, error) {
	session, err := NewGroupSession()
	if err != nil {
		return nil, wrapError(ErrInvalidKey, err, "create group session for %s", channelID)
	}
	m.mu.Lock()
	m.groupSessions[channelID] = session
	m.mu.Unlock()
	return session, nil
}

// EncryptGroupMessage seals plaintext with channelID's outbound group
// session, which must already have been created via CreateGroupSession.
func (m *Manager) EncryptGroupMessage(channelID string, plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.groupSessions[channelID]
	if !ok {
		return nil, 0, newError(ErrSessionNotFound, "no outbound group session for %s", channelID)
	}
	return session.Encrypt(plaintext)
}

// JoinGroupSession constructs and persists this device's inbound view of a
// channel's group session from a key handed to it pairwise by the creator.
func (m *Manager) JoinGroupSession(ctx context.Context, channelID string, key GroupSessionKey) error {
	session, err := NewInboundGroupSession(key)
	if err != nil {
		return wrapError(ErrInvalidKey, err, "join group session for %s", channelID)
	}
	return m.store.SaveGroupSession(ctx, channelID, session)
}

// DecryptGroupMessage opens a message sent at counter on channelID's group
// session, advancing the store's record of the session forward past it.
func (m *Manager) DecryptGroupMessage(ctx context.Context, channelID string, counter uint64, ciphertext []byte) ([]byte, error) {
	session, err := m.store.LoadGroupSession(ctx, channelID)
	if err != nil {
		return nil, err
	}
	plaintext, err := session.Decrypt(counter, ciphertext)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveGroupSession(ctx, channelID, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}
