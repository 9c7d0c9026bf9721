package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is the pair of long-term public keys a device publishes:
// Ed25519 for signing, Curve25519 for X3DH key agreement.
type IdentityKeyPair struct {
	Ed25519    string `json:"ed25519"`
	Curve25519 string `json:"curve25519"`
}

// oneTimeKey is a single-use X25519 keypair. Published marks whether the
// server has already been given the public half.
type oneTimeKey struct {
	Private    [32]byte `json:"-"`
	PrivateB64 string   `json:"private"`
	Public     string   `json:"public"`
	Published  bool     `json:"published"`
}

// Account is the long-lived identity for one device: its signing and
// encryption identity keys, plus the pool of one-time prekeys it hands out
// for other devices to start sessions with.
type Account struct {
	signPriv    ed25519.PrivateKey
	signPub     ed25519.PublicKey
	encryptPriv [32]byte
	encryptPub  [32]byte

	oneTimeKeys map[string]*oneTimeKey
	nextKeyID   uint64
}

type accountJSON struct {
	SignPriv    string                 `json:"sign_priv"`
	SignPub     string                 `json:"sign_pub"`
	EncryptPriv string                 `json:"encrypt_priv"`
	EncryptPub  string                 `json:"encrypt_pub"`
	NextKeyID   uint64                 `json:"next_key_id"`
	OneTimeKeys map[string]*oneTimeKey `json:"one_time_keys"`
}

// NewAccount generates a fresh identity: an Ed25519 signing keypair and an
// X25519 encryption keypair.
func NewAccount() (*Account, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	var encryptPriv [32]byte
	if _, err := rand.Read(encryptPriv[:]); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	encryptPriv[0] &= 248
	encryptPriv[31] &= 127
	encryptPriv[31] |= 64

	encryptPub, err := curve25519.X25519(encryptPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public encryption key: %w", err)
	}

	return &Account{
		signPriv:    signPriv,
		signPub:     signPub,
		encryptPriv: encryptPriv,
		encryptPub:  [32]byte(encryptPub),
		oneTimeKeys: make(map[string]*oneTimeKey),
	}, nil
}

// IdentityKeys returns the account's published long-term public keys.
func (a *Account) IdentityKeys() IdentityKeyPair {
	return IdentityKeyPair{
		Ed25519:    base64.StdEncoding.EncodeToString(a.signPub),
		Curve25519: base64.StdEncoding.EncodeToString(a.encryptPub[:]),
	}
}

// Curve25519Key returns the account's identity encryption public key.
func (a *Account) Curve25519Key() [32]byte {
	return a.encryptPub
}

// GenerateOneTimeKeys creates count new single-use X25519 keypairs.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return fmt.Errorf("generate one-time key: %w", err)
		}
		priv[0] &= 248
		priv[31] &= 127
		priv[31] |= 64

		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return fmt.Errorf("derive one-time public key: %w", err)
		}

		a.nextKeyID++
		keyID := base64.RawStdEncoding.EncodeToString(uint64ToBytes(a.nextKeyID))
		a.oneTimeKeys[keyID] = &oneTimeKey{
			Private: priv,
			Public:  base64.StdEncoding.EncodeToString(pub),
		}
	}
	return nil
}

// OneTimeKeys returns every one-time key not yet marked published, keyed by
// key ID, mapping to its base64 public key.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for keyID, key := range a.oneTimeKeys {
		if !key.Published {
			out[keyID] = key.Public
		}
	}
	return out
}

// MarkKeysAsPublished flags every currently-unpublished one-time key as
// published, so a subsequent OneTimeKeys call (or needsKeyUpload check)
// reports them as already handed to the server.
func (a *Account) MarkKeysAsPublished() {
	for _, key := range a.oneTimeKeys {
		key.Published = true
	}
}

// takeOneTimeKey consumes (removes) a one-time key by ID, returning its
// private scalar. Used once: a one-time key must never be reused across
// sessions.
func (a *Account) takeOneTimeKey(keyID string) ([32]byte, bool) {
	key, ok := a.oneTimeKeys[keyID]
	if !ok {
		return [32]byte{}, false
	}
	delete(a.oneTimeKeys, keyID)
	return key.Private, true
}

// Serialize encrypts the account's full state (private keys, one-time key
// pool) under key for storage.
func (a *Account) Serialize(key [32]byte) ([]byte, error) {
	payload := accountJSON{
		SignPriv:    base64.StdEncoding.EncodeToString(a.signPriv),
		SignPub:     base64.StdEncoding.EncodeToString(a.signPub),
		EncryptPriv: base64.StdEncoding.EncodeToString(a.encryptPriv[:]),
		EncryptPub:  base64.StdEncoding.EncodeToString(a.encryptPub[:]),
		NextKeyID:   a.nextKeyID,
		OneTimeKeys: make(map[string]*oneTimeKey, len(a.oneTimeKeys)),
	}
	for keyID, otk := range a.oneTimeKeys {
		payload.OneTimeKeys[keyID] = &oneTimeKey{
			PrivateB64: base64.StdEncoding.EncodeToString(otk.Private[:]),
			Public:     otk.Public,
			Published:  otk.Published,
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal account: %w", err)
	}
	return sealWithKey(key, raw)
}

// DeserializeAccount reverses Serialize.
func DeserializeAccount(sealed []byte, key [32]byte) (*Account, error) {
	raw, err := openWithKey(key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt account: %w", err)
	}

	var payload accountJSON
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}

	signPriv, err := base64.StdEncoding.DecodeString(payload.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	signPub, err := base64.StdEncoding.DecodeString(payload.SignPub)
	if err != nil {
		return nil, fmt.Errorf("decode signing public key: %w", err)
	}
	encryptPrivBytes, err := base64.StdEncoding.DecodeString(payload.EncryptPriv)
	if err != nil {
		return nil, fmt.Errorf("decode encryption private key: %w", err)
	}
	encryptPubBytes, err := base64.StdEncoding.DecodeString(payload.EncryptPub)
	if err != nil {
		return nil, fmt.Errorf("decode encryption public key: %w", err)
	}

	account := &Account{
		signPriv:    ed25519.PrivateKey(signPriv),
		signPub:     ed25519.PublicKey(signPub),
		nextKeyID:   payload.NextKeyID,
		oneTimeKeys: make(map[string]*oneTimeKey, len(payload.OneTimeKeys)),
	}
	copy(account.encryptPriv[:], encryptPrivBytes)
	copy(account.encryptPub[:], encryptPubBytes)

	for keyID, otk := range payload.OneTimeKeys {
		privBytes, err := base64.StdEncoding.DecodeString(otk.PrivateB64)
		if err != nil {
			return nil, fmt.Errorf("decode one-time key %s: %w", keyID, err)
		}
		var priv [32]byte
		copy(priv[:], privBytes)
		account.oneTimeKeys[keyID] = &oneTimeKey{
			Private:   priv,
			Public:    otk.Public,
			Published: otk.Published,
		}
	}

	return account, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
