// Package auth provides API authentication for metergate.
//
// Every caller — agent or provider — controls an identity issued by this
// package, proven by an API key. The metering core only ever compares the
// resolved identity against the identity stored on a gateway or session;
// proving that the caller actually controls the identity happens here,
// before any operation body runs.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
)

// APIKey represents an API key bound to an identity.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`        // SHA-256 hash of the raw key (stored)
	Identity  string     `json:"identity"` // The identity this key proves control of
	Name      string     `json:"name"`     // Friendly name
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByIdentity(ctx context.Context, identity string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// NewIdentity issues a fresh identity together with its first API key.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) NewIdentity(ctx context.Context, name string) (rawKey string, key *APIKey, err error) {
	identity := "idn_" + randomHex(12)
	return m.GenerateKey(ctx, identity, name)
}

// GenerateKey creates a new API key for an existing identity.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, identity, name string) (rawKey string, key *APIKey, err error) {
	raw := randomHex(32)
	rawKey = "mk_" + raw

	key = &APIKey{
		ID:        "ak_" + raw[:16],
		Hash:      hashKey(rawKey),
		Identity:  identity,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "mk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for an identity.
func (m *Manager) ListKeys(ctx context.Context, identity string) ([]*APIKey, error) {
	return m.store.GetByIdentity(ctx, identity)
}

// RevokeKey revokes an API key owned by the given identity.
func (m *Manager) RevokeKey(ctx context.Context, keyID, identity string) error {
	keys, err := m.store.GetByIdentity(ctx, identity)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
