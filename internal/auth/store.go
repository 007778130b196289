package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrTokenNotFound = errors.New("auth: token not found")
	ErrInvalidUser   = errors.New("auth: user id is required")
)

// Principal is the identity a session token resolves to.
type Principal struct {
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	TenantID     string    `json:"tenant_id,omitempty"`
	AllowedUnits []string  `json:"allowed_units,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CanAccess reports whether p may call unit. An empty allow-list means any unit.
func (p Principal) CanAccess(unit string) bool {
	if len(p.AllowedUnits) == 0 {
		return true
	}
	for _, u := range p.AllowedUnits {
		if u == unit || u == "*" {
			return true
		}
	}
	return false
}

func (p Principal) expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Store is the durable, shared home of session tokens.
type Store interface {
	Save(ctx context.Context, token string, p Principal) error
	Lookup(ctx context.Context, token string) (Principal, error)
	Delete(ctx context.Context, token string) error
}

// NewToken returns an opaque 256-bit token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MemoryStore keeps sessions in process. Suitable for a single replica.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Principal
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Principal{}, now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, token string, p Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = p
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, token string) (Principal, error) {
	m.mu.RLock()
	p, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return Principal{}, ErrTokenNotFound
	}
	if p.expired(m.now()) {
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
		return Principal{}, ErrTokenNotFound
	}
	return p, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}
