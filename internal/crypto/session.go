package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoRoot    = "vc-e2ee-x3dh-root"
	hkdfInfoMessage = "vc-e2ee-chain-message"
	hkdfInfoChain   = "vc-e2ee-chain-advance"
)

// PrekeyMessage is what an initiator sends to start a session: its identity
// and ephemeral public keys plus which of the responder's one-time keys it
// consumed, wrapping the first ciphertext.
type PrekeyMessage struct {
	IdentityKey  string `json:"identity_key"`
	EphemeralKey string `json:"ephemeral_key"`
	OneTimeKeyID string `json:"one_time_key_id,omitempty"`
	Ciphertext   []byte `json:"ciphertext"`
	Counter      uint64 `json:"counter"`
}

// IsPrekey reports whether this is the first message of a session (always
// true for PrekeyMessage; kept as a method so call sites read like the
// original's message.is_prekey()).
func (m *PrekeyMessage) IsPrekey() bool { return true }

// Session is one end of an established pairwise encrypted channel: a single
// evolving chain key plus a monotonic counter, in the style of a Megolm
// outbound/inbound group session rather than a full bidirectional Double
// Ratchet — there is one chain, advanced forward on every message, with no
// per-message DH step.
type Session struct {
	chainKey    [32]byte
	counter     uint64
	remoteIdent string
}

type sessionJSON struct {
	ChainKey    string `json:"chain_key"`
	Counter     uint64 `json:"counter"`
	RemoteIdent string `json:"remote_ident"`
}

// dh performs X25519(priv, pub).
func dh(priv [32]byte, pub []byte) ([32]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// deriveRootKey runs the X3DH triple-DH output through HKDF to produce the
// shared secret both sides converge on: SK = HKDF(DH1 || DH2 || DH3).
func deriveRootKey(dh1, dh2, dh3 [32]byte) ([32]byte, error) {
	ikm := make([]byte, 0, 96)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	reader := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfoRoot))
	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("derive root key: %w", err)
	}
	return key, nil
}

// NewOutboundSession runs the initiator's half of X3DH against a recipient's
// published identity key and (optional) one-time key, and returns the
// established session plus the prekey message to send.
//
//	DH1 = DH(ourIdentityPriv, theirOneTimePub)   (falls back to identity if no OTK)
//	DH2 = DH(ephemeralPriv, theirIdentityPub)
//	DH3 = DH(ephemeralPriv, theirOneTimePub)     (falls back to identity if no OTK)
func NewOutboundSession(ourIdentityPriv [32]byte, ourIdentityPub [32]byte, theirIdentityPub []byte, theirOneTimeKeyID string, theirOneTimePub []byte, plaintext []byte) (*Session, *PrekeyMessage, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPriv[0] &= 248
	ephemeralPriv[31] &= 127
	ephemeralPriv[31] |= 64

	ephemeralPubBytes, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	otkPub := theirOneTimePub
	if len(otkPub) == 0 {
		// No one-time key available: fall back to the identity key for
		// DH1/DH3, matching manager.rs's documented degraded mode.
		otkPub = theirIdentityPub
	}

	dh1, err := dh(ourIdentityPriv, otkPub)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(ephemeralPriv, theirIdentityPub)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(ephemeralPriv, otkPub)
	if err != nil {
		return nil, nil, err
	}

	rootKey, err := deriveRootKey(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		chainKey:    rootKey,
		remoteIdent: base64.StdEncoding.EncodeToString(theirIdentityPub),
	}

	sentAtCounter := session.counter
	ciphertext, err := session.encryptChain(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("seal initial message: %w", err)
	}

	msg := &PrekeyMessage{
		IdentityKey:  base64.StdEncoding.EncodeToString(ourIdentityPub[:]),
		EphemeralKey: base64.StdEncoding.EncodeToString(ephemeralPubBytes),
		OneTimeKeyID: theirOneTimeKeyID,
		Ciphertext:   ciphertext,
		Counter:      sentAtCounter,
	}
	return session, msg, nil
}

// NewInboundSession runs the responder's half of X3DH: it re-derives the
// same root key from the prekey message using its own identity private key
// and (if consumed) the matching one-time private key.
//
//	DH1 = DH(ourOneTimePriv, theirIdentityPub)   (or DH(ourIdentityPriv, theirIdentityPub) if no OTK was consumed)
//	DH2 = DH(ourIdentityPriv, theirEphemeralPub)
//	DH3 = DH(ourOneTimePriv, theirEphemeralPub)  (or DH(ourIdentityPriv, theirEphemeralPub) if no OTK was consumed)
//
// This is the mirror image of NewOutboundSession's DH1/DH2/DH3 — Diffie-
// Hellman commutativity (DH(a,B) == DH(b,A)) makes the two sides converge on
// the same root key without ever exchanging it.
func NewInboundSession(ourIdentityPriv [32]byte, consumedOneTimePriv *[32]byte, msg *PrekeyMessage) (*Session, []byte, error) {
	theirIdentityPub, err := base64.StdEncoding.DecodeString(msg.IdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode identity key: %w", err)
	}
	theirEphemeralPub, err := base64.StdEncoding.DecodeString(msg.EphemeralKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode ephemeral key: %w", err)
	}

	ourOTKPriv := ourIdentityPriv
	if consumedOneTimePriv != nil {
		ourOTKPriv = *consumedOneTimePriv
	}

	dh1, err := dh(ourOTKPriv, theirIdentityPub)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(ourIdentityPriv, theirEphemeralPub)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(ourOTKPriv, theirEphemeralPub)
	if err != nil {
		return nil, nil, err
	}

	rootKey, err := deriveRootKey(dh1, dh2, dh3)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		chainKey:    rootKey,
		remoteIdent: msg.IdentityKey,
	}

	plaintext, err := session.decryptChainAt(msg.Counter, msg.Ciphertext)
	if err != nil {
		return nil, nil, wrapError(ErrDecryptFailed, err, "initial prekey message did not decrypt")
	}
	return session, plaintext, nil
}

// messageKeyAt derives the per-message key for counter from the session's
// current chain key, without mutating the chain.
func (s *Session) messageKeyAt(counter uint64) ([32]byte, error) {
	chainAt, err := s.chainKeyAt(counter)
	if err != nil {
		return [32]byte{}, err
	}
	reader := hkdf.New(sha256.New, chainAt[:], nil, []byte(hkdfInfoMessage))
	var key [32]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("derive message key: %w", err)
	}
	return key, nil
}

// chainKeyAt advances the chain key forward from the session's current
// position to counter, by repeated HKDF-expand. The chain only ever moves
// forward: a Session holds its current chain key and counter, and a message
// at an earlier counter than the session's own is rejected rather than
// rewound to, matching a single-use encrypt-then-advance sender chain.
func (s *Session) chainKeyAt(counter uint64) ([32]byte, error) {
	if counter < s.counter {
		return [32]byte{}, fmt.Errorf("counter %d behind session position %d", counter, s.counter)
	}
	key := s.chainKey
	for i := s.counter; i < counter; i++ {
		reader := hkdf.New(sha256.New, key[:], nil, []byte(hkdfInfoChain))
		var next [32]byte
		if _, err := io.ReadFull(reader, next[:]); err != nil {
			return [32]byte{}, fmt.Errorf("advance chain key: %w", err)
		}
		key = next
	}
	return key, nil
}

// advance moves the session's chain key and counter forward past counter,
// so the key used to encrypt/decrypt message `counter` can never be
// re-derived and reused.
func (s *Session) advance(counter uint64) error {
	next, err := s.chainKeyAt(counter + 1)
	if err != nil {
		return err
	}
	s.chainKey = next
	s.counter = counter + 1
	return nil
}

func (s *Session) encryptChain(plaintext []byte) ([]byte, error) {
	key, err := s.messageKeyAt(s.counter)
	if err != nil {
		return nil, err
	}
	sealed, err := sealWithKey(key, plaintext)
	if err != nil {
		return nil, err
	}
	if err := s.advance(s.counter); err != nil {
		return nil, err
	}
	return sealed, nil
}

func (s *Session) decryptChainAt(counter uint64, sealed []byte) ([]byte, error) {
	key, err := s.messageKeyAt(counter)
	if err != nil {
		return nil, err
	}
	plaintext, err := openWithKey(key, sealed)
	if err != nil {
		return nil, err
	}
	if err := s.advance(counter); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Encrypt seals plaintext with the session's next message key and advances
// the chain, returning the counter the message was sent at.
func (s *Session) Encrypt(plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	counter = s.counter
	ciphertext, err = s.encryptChain(plaintext)
	return ciphertext, counter, err
}

// Decrypt opens a ciphertext sent at counter, advancing the chain past it.
func (s *Session) Decrypt(counter uint64, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.decryptChainAt(counter, ciphertext)
	if err != nil {
		return nil, wrapError(ErrDecryptFailed, err, "message did not decrypt")
	}
	return plaintext, nil
}

// Serialize encrypts the session's chain state under key for storage.
func (s *Session) Serialize(key [32]byte) ([]byte, error) {
	payload := sessionJSON{
		ChainKey:    base64.StdEncoding.EncodeToString(s.chainKey[:]),
		Counter:     s.counter,
		RemoteIdent: s.remoteIdent,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return sealWithKey(key, raw)
}

// DeserializeSession reverses Serialize.
func DeserializeSession(sealed []byte, key [32]byte) (*Session, error) {
	raw, err := openWithKey(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}
	var payload sessionJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	chainKeyBytes, err := base64.StdEncoding.DecodeString(payload.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("decode chain key: %w", err)
	}
	s := &Session{
		counter:     payload.Counter,
		remoteIdent: payload.RemoteIdent,
	}
	copy(s.chainKey[:], chainKeyBytes)
	return s, nil
}
