// Package crypto seals per-owner secrets (bring-your-own API keys) at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrOwnerMismatch = errors.New("sealed value belongs to a different owner")

// Envelope is the stored form of a sealed value. Owner is bound into the GCM
// additional data, so an envelope copied to another owner's row fails to open.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Owner      string `json:"owner"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Sealer struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Sealer{currentKeyID: currentKeyID, keys: cp}, nil
}

func (s *Sealer) aead(keyID string) (cipher.AEAD, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func additionalData(owner string) []byte {
	return []byte("nexuschat/owner:" + owner)
}

func (s *Sealer) Seal(owner string, plaintext []byte) (Envelope, error) {
	aead, err := s.aead(s.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      s.currentKeyID,
		Owner:      owner,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, additionalData(owner))),
	}, nil
}

func (s *Sealer) Open(owner string, env Envelope) ([]byte, error) {
	if env.Owner != owner {
		return nil, ErrOwnerMismatch
	}
	aead, err := s.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(owner))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString returns the JSON envelope stored in owner_settings.enc_api_key.
func (s *Sealer) SealString(owner, value string) (string, error) {
	env, err := s.Seal(owner, []byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (s *Sealer) OpenString(owner, raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := s.Open(owner, env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reseal re-encrypts raw under the current key. Used after a key rotation.
func (s *Sealer) Reseal(owner, raw string) (string, error) {
	plain, err := s.OpenString(owner, raw)
	if err != nil {
		return "", err
	}
	return s.SealString(owner, plain)
}

// Mask renders a secret for display, keeping only its last four characters.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
