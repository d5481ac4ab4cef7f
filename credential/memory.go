package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pair struct {
	userID, torrentID uint64
}

// MemoryStore is a Store kept in memory, for tests and single-node
// development.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[uuid.UUID]*Credential
	active map[pair]uuid.UUID
}

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[uuid.UUID]*Credential),
		active: make(map[pair]uuid.UUID),
	}
}

// Active implements Store.
func (m *MemoryStore) Active(_ context.Context, userID, torrentID uint64) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.active[pair{userID, torrentID}]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *m.tokens[token], nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, token uuid.UUID) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.tokens[token]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *c, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := pair{c.UserID, c.TorrentID}
	if _, ok := m.active[p]; ok {
		return ErrConflict
	}
	if _, ok := m.tokens[c.Token]; ok {
		return ErrConflict
	}

	c.RevokedAt = time.Time{}
	m.tokens[c.Token] = &c
	m.active[p] = c.Token
	return nil
}

// revoke revokes c. The caller holds the write lock.
func (m *MemoryStore) revoke(c *Credential, reason string, at time.Time) bool {
	if !c.Active() {
		return false
	}
	c.RevokedAt = at
	c.RevokeReason = reason
	delete(m.active, pair{c.UserID, c.TorrentID})
	return true
}

// Revoke implements Store.
func (m *MemoryStore) Revoke(_ context.Context, token uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}
	m.revoke(c, reason, at)
	return nil
}

// RevokeUser implements Store.
func (m *MemoryStore) RevokeUser(_ context.Context, userID uint64, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for p, token := range m.active {
		if p.userID == userID && m.revoke(m.tokens[token], reason, at) {
			n++
		}
	}
	return n, nil
}

// RevokeUserTorrent implements Store.
func (m *MemoryStore) RevokeUserTorrent(_ context.Context, userID, torrentID uint64, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.active[pair{userID, torrentID}]
	if !ok {
		return 0, nil
	}
	m.revoke(m.tokens[token], reason, at)
	return 1, nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, token uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastUsedAt) {
		c.LastUsedAt = at
	}
	return nil
}

// DeleteUnusedSince implements Store.
func (m *MemoryStore) DeleteUnusedSince(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for token, c := range m.tokens {
		if !c.Active() || !c.LastUsedAt.Before(before) {
			continue
		}
		delete(m.active, pair{c.UserID, c.TorrentID})
		delete(m.tokens, token)
		n++
	}
	return n, nil
}
