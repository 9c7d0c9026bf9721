package crypto

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const metadataEncryptionDomain = "metadata_encryption"

// LocalKeyStore is the on-disk home for one device's crypto state: its
// account (identity + one-time keys), its per-peer sessions, and small
// key/value metadata. Session lookup keys are hashed before storage so the
// database file alone never reveals which peers a device has talked to, and
// metadata values go through a lightweight XOR-stream obfuscation keyed off
// the same local encryption key.
type LocalKeyStore struct {
	db            *sql.DB
	encryptionKey [32]byte
}

// Open creates (or reuses) a SQLite database at path and ensures its schema
// exists.
func Open(ctx context.Context, path string, encryptionKey [32]byte) (*LocalKeyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapError(ErrStoreFailed, err, "open database at %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	store := &LocalKeyStore{db: db, encryptionKey: encryptionKey}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle. Go has no destructors, so
// this is the store's zeroization point: the local encryption key is
// overwritten before the handle is released, the same moment store.rs zeros
// it on drop.
func (s *LocalKeyStore) Close() error {
	for i := range s.encryptionKey {
		s.encryptionKey[i] = 0
	}
	return s.db.Close()
}

func (s *LocalKeyStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS account (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	lookup_key TEXT PRIMARY KEY,
	data       BLOB NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapError(ErrStoreFailed, err, "create schema")
	}
	return nil
}

// keyedHash mirrors the original's base64(SHA256(key || domain || value))
// session-lookup obfuscation: the database never stores a peer identifier
// in the clear, only a hash keyed by the device's local encryption key.
func keyedHash(encryptionKey [32]byte, domain, value string) string {
	h := sha256.New()
	h.Write(encryptionKey[:])
	h.Write([]byte(domain))
	h.Write([]byte(value))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// metadataKeystream derives a repeating XOR keystream from the local
// encryption key, scoped to metadata so it can never collide with a
// session-lookup hash built from the same key.
func metadataKeystream(encryptionKey [32]byte) [32]byte {
	h := sha256.New()
	h.Write(encryptionKey[:])
	h.Write([]byte(metadataEncryptionDomain))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func xorStream(data []byte, keystream [32]byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ keystream[i%len(keystream)]
	}
	return out
}

const metadataEncPrefix = "enc:"

func encryptMetadataValue(encryptionKey [32]byte, value string) string {
	ks := metadataKeystream(encryptionKey)
	ciphertext := xorStream([]byte(value), ks)
	return metadataEncPrefix + base64.StdEncoding.EncodeToString(ciphertext)
}

// decryptMetadataValue reverses encryptMetadataValue. Values written before
// this obfuscation existed are plain text with no "enc:" prefix; those are
// returned unchanged rather than treated as an error.
func decryptMetadataValue(encryptionKey [32]byte, stored string) (string, error) {
	if !strings.HasPrefix(stored, metadataEncPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, metadataEncPrefix))
	if err != nil {
		return "", fmt.Errorf("decode metadata value: %w", err)
	}
	ks := metadataKeystream(encryptionKey)
	return string(xorStream(raw, ks)), nil
}

// SaveMetadata upserts a single key/value pair, encrypting the value.
func (s *LocalKeyStore) SaveMetadata(ctx context.Context, key, value string) error {
	encrypted := encryptMetadataValue(s.encryptionKey, value)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, encrypted)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "save metadata %s", key)
	}
	return nil
}

// LoadMetadata returns the value for key, or ("", false, nil) if unset.
func (s *LocalKeyStore) LoadMetadata(ctx context.Context, key string) (string, bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapError(ErrStoreFailed, err, "load metadata %s", key)
	}
	value, err := decryptMetadataValue(s.encryptionKey, stored)
	if err != nil {
		return "", false, wrapError(ErrDecryptFailed, err, "decrypt metadata %s", key)
	}
	return value, true, nil
}

// HasAccount reports whether an account row has already been persisted.
func (s *LocalKeyStore) HasAccount(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM account WHERE id = 1`).Scan(&count)
	if err != nil {
		return false, wrapError(ErrStoreFailed, err, "check account existence")
	}
	return count > 0, nil
}

// SaveAccount encrypts and persists the singleton account row.
func (s *LocalKeyStore) SaveAccount(ctx context.Context, account *Account) error {
	blob, err := account.Serialize(s.encryptionKey)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "serialize account")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO account (id, data) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		blob)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "save account")
	}
	return nil
}

// LoadAccount loads and decrypts the singleton account row.
func (s *LocalKeyStore) LoadAccount(ctx context.Context) (*Account, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM account WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrNotInitialized, "no account stored")
	}
	if err != nil {
		return nil, wrapError(ErrStoreFailed, err, "load account")
	}
	account, err := DeserializeAccount(blob, s.encryptionKey)
	if err != nil {
		return nil, wrapError(ErrDecryptFailed, err, "deserialize account")
	}
	return account, nil
}

// SaveSession encrypts and persists the session for peerIdentity, keyed by
// a hash of the identity rather than the identity itself.
func (s *LocalKeyStore) SaveSession(ctx context.Context, peerIdentity string, session *Session) error {
	blob, err := session.Serialize(s.encryptionKey)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "serialize session for %s", peerIdentity)
	}
	lookupKey := keyedHash(s.encryptionKey, "session", peerIdentity)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (lookup_key, data) VALUES (?, ?)
		 ON CONFLICT(lookup_key) DO UPDATE SET data = excluded.data`,
		lookupKey, blob)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "save session for %s", peerIdentity)
	}
	return nil
}

// LoadSession loads and decrypts the session for peerIdentity.
func (s *LocalKeyStore) LoadSession(ctx context.Context, peerIdentity string) (*Session, error) {
	lookupKey := keyedHash(s.encryptionKey, "session", peerIdentity)
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE lookup_key = ?`, lookupKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrSessionNotFound, "no session for %s", peerIdentity)
	}
	if err != nil {
		return nil, wrapError(ErrStoreFailed, err, "load session for %s", peerIdentity)
	}
	session, err := DeserializeSession(blob, s.encryptionKey)
	if err != nil {
		return nil, wrapError(ErrDecryptFailed, err, "deserialize session for %s", peerIdentity)
	}
	return session, nil
}

// HasSession reports whether a session is stored for peerIdentity.
func (s *LocalKeyStore) HasSession(ctx context.Context, peerIdentity string) (bool, error) {
	lookupKey := keyedHash(s.encryptionKey, "session", peerIdentity)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE lookup_key = ?`, lookupKey).Scan(&count)
	if err != nil {
		return false, wrapError(ErrStoreFailed, err, "check session existence for %s", peerIdentity)
	}
	return count > 0, nil
}

// DeleteSession removes the stored session for peerIdentity. A new X3DH
// handshake does not call it; SaveSession overwrites the old row instead.
func (s *LocalKeyStore) DeleteSession(ctx context.Context, peerIdentity string) error {
	lookupKey := keyedHash(s.encryptionKey, "session", peerIdentity)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE lookup_key = ?`, lookupKey); err != nil {
		return wrapError(ErrStoreFailed, err, "delete session for %s", peerIdentity)
	}
	return nil
}

// SaveGroupSession persists a member's inbound view of a channel's group
// session, reusing the sessions table under a distinct lookup domain so a
// channel ID hash can never collide with a pairwise peer-identity hash.
func (s *LocalKeyStore) SaveGroupSession(ctx context.Context, channelID string, session *InboundGroupSession) error {
	blob, err := session.Serialize(s.encryptionKey)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "serialize group session for %s", channelID)
	}
	lookupKey := keyedHash(s.encryptionKey, "group_session", channelID)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (lookup_key, data) VALUES (?, ?)
		 ON CONFLICT(lookup_key) DO UPDATE SET data = excluded.data`,
		lookupKey, blob)
	if err != nil {
		return wrapError(ErrStoreFailed, err, "save group session for %s", channelID)
	}
	return nil
}

// LoadGroupSession loads a channel's stored inbound group session.
func (s *LocalKeyStore) LoadGroupSession(ctx context.Context, channelID string) (*InboundGroupSession, error) {
	lookupKey := keyedHash(s.encryptionKey, "group_session", channelID)
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE lookup_key = ?`, lookupKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrSessionNotFound, "no group session for %s", channelID)
	}
	if err != nil {
		return nil, wrapError(ErrStoreFailed, err, "load group session for %s", channelID)
	}
	session, err := DeserializeInboundGroupSession(blob, s.encryptionKey)
	if err != nil {
		return nil, wrapError(ErrDecryptFailed, err, "deserialize group session for %s", channelID)
	}
	return session, nil
}
