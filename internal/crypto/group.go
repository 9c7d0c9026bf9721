package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GroupSessionKey is the exported state of an outbound group session at a
// given point in its chain: what gets encrypted pairwise to every member of
// a channel so they can construct a matching InboundGroupSession.
type GroupSessionKey struct {
	SessionID string `json:"session_id"`
	ChainKey  string `json:"chain_key"`
	Counter   uint64 `json:"counter"`
}

// GroupSession is a channel-wide Megolm-style sender session: one chain key
// shared with every member at creation time, ratcheted forward on every
// message so a compromised later key can't decrypt earlier messages. Unlike
// the pairwise Session, nothing re-derives this chain via DH — it is
// generated at random and distributed once, out of band, to each member via
// a pairwise EncryptForDevice call.
type GroupSession struct {
	sessionID string
	chainKey  [32]byte
	counter   uint64
}

// NewGroupSession creates a fresh outbound group session with a random
// starting chain key.
func NewGroupSession() (*GroupSession, error) {
	var chainKey [32]byte
	if _, err := rand.Read(chainKey[:]); err != nil {
		return nil, fmt.Errorf("generate group chain key: %w", err)
	}
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("generate group session id: %w", err)
	}
	return &GroupSession{
		sessionID: base64.RawURLEncoding.EncodeToString(idBytes[:]),
		chainKey:  chainKey,
	}, nil
}

// SessionKey exports the session's current position for distribution to a
// new member — they can decrypt every message from this point forward, but
// not anything sent before they joined.
func (g *GroupSession) SessionKey() GroupSessionKey {
	return GroupSessionKey{
		SessionID: g.sessionID,
		ChainKey:  base64.StdEncoding.EncodeToString(g.chainKey[:]),
		Counter:   g.counter,
	}
}

// Encrypt seals plaintext with the session's next message key and advances
// the chain forward, returning the counter the message was sent at.
func (g *GroupSession) Encrypt(plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	inner := &Session{chainKey: g.chainKey, counter: g.counter}
	counter = g.counter
	ciphertext, err = inner.encryptChain(plaintext)
	if err != nil {
		return nil, 0, err
	}
	g.chainKey = inner.chainKey
	g.counter = inner.counter
	return ciphertext, counter, nil
}

// InboundGroupSession is a member's read-only view of a GroupSession,
// constructed from a GroupSessionKey handed to it pairwise. It can decrypt
// any message at or after the exported counter, advancing forward as it
// goes, but can never recover messages sent before it joined.
type InboundGroupSession struct {
	sessionID string
	chainKey  [32]byte
	counter   uint64
}

// NewInboundGroupSession constructs a member's session from an exported key.
func NewInboundGroupSession(key GroupSessionKey) (*InboundGroupSession, error) {
	chainKeyBytes, err := base64.StdEncoding.DecodeString(key.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("decode group chain key: %w", err)
	}
	session := &InboundGroupSession{sessionID: key.SessionID, counter: key.Counter}
	copy(session.chainKey[:], chainKeyBytes)
	return session, nil
}

// SessionID identifies which GroupSession this inbound session tracks.
func (g *InboundGroupSession) SessionID() string { return g.sessionID }

// Decrypt opens a message sent at counter. Messages may arrive out of
// order as long as they're at or after the session's current position;
// decrypting advances the chain past the message's counter, the same
// forward-only rule a pairwise Session enforces.
func (g *InboundGroupSession) Decrypt(counter uint64, ciphertext []byte) ([]byte, error) {
	inner := &Session{chainKey: g.chainKey, counter: g.counter}
	plaintext, err := inner.decryptChainAt(counter, ciphertext)
	if err != nil {
		return nil, wrapError(ErrDecryptFailed, err, "group message did not decrypt")
	}
	g.chainKey = inner.chainKey
	g.counter = inner.counter
	return plaintext, nil
}

type groupSessionJSON struct {
	SessionID string `json:"session_id"`
	ChainKey  string `json:"chain_key"`
	Counter   uint64 `json:"counter"`
}

// Serialize encrypts the inbound session's state under key for storage.
func (g *InboundGroupSession) Serialize(key [32]byte) ([]byte, error) {
	payload := groupSessionJSON{
		SessionID: g.sessionID,
		ChainKey:  base64.StdEncoding.EncodeToString(g.chainKey[:]),
		Counter:   g.counter,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal group session: %w", err)
	}
	return sealWithKey(key, raw)
}

// DeserializeInboundGroupSession reverses Serialize.
func DeserializeInboundGroupSession(sealed []byte, key [32]byte) (*InboundGroupSession, error) {
	raw, err := openWithKey(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt group session: %w", err)
	}
	var payload groupSessionJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal group session: %w", err)
	}
	session := &InboundGroupSession{sessionID: payload.SessionID, counter: payload.Counter}
	chainKeyBytes, err := base64.StdEncoding.DecodeString(payload.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("decode chain key: %w", err)
	}
	copy(session.chainKey[:], chainKeyBytes)
	return session, nil
}
