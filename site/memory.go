package site

import (
	"context"
	"sync"

	"github.com/sharehaven/tracker/bittorrent"
)

// MemoryUsers is a Users kept in memory. It is used by tests and by
// single-node development setups without a site database.
type MemoryUsers struct {
	mu     sync.Mutex
	users  map[uint64]*memoryUser
	totals map[uint64]Totals
}

type memoryUser struct {
	User
	warnings Warnings
}

// NewMemoryUsers creates an empty MemoryUsers.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		users:  make(map[uint64]*memoryUser),
		totals: make(map[uint64]Totals),
	}
}

// Put creates or replaces u. The warning counter of an existing user is
// kept.
func (m *MemoryUsers) Put(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.users[u.ID]
	if !ok {
		m.users[u.ID] = &memoryUser{User: u}
		return
	}
	mu.User = u
	mu.warnings.Version++
}

// Totals returns the accumulated totals of a user.
func (m *MemoryUsers) Totals(id uint64) Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[id]
}

// User implements Users.
func (m *MemoryUsers) User(_ context.Context, id uint64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return mu.User, nil
}

// Warnings implements Users.
func (m *MemoryUsers) Warnings(_ context.Context, id uint64) (Warnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.users[id]
	if !ok {
		return Warnings{}, ErrUserNotFound
	}
	w := mu.warnings
	w.Bans = mu.Bans
	return w, nil
}

// CompareAndSwapWarnings implements Users.
func (m *MemoryUsers) CompareAndSwapWarnings(_ context.Context, id uint64, old, next Warnings) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.users[id]
	if !ok {
		return false, ErrUserNotFound
	}
	if mu.warnings.Version != old.Version {
		return false, nil
	}

	next.Version = old.Version + 1
	mu.Bans |= next.Bans &^ old.Bans
	next.Bans = mu.Bans
	mu.warnings = next
	return true, nil
}

// AddTraffic implements Users.
func (m *MemoryUsers) AddTraffic(_ context.Context, id uint64, t Traffic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	m.totals[id] = m.totals[id].Add(t)
	return nil
}

// MemoryTorrents is a Torrents kept in memory.
type MemoryTorrents struct {
	mu       sync.RWMutex
	torrents map[bittorrent.InfoHash]Torrent
}

// NewMemoryTorrents creates a MemoryTorrents holding ts.
func NewMemoryTorrents(ts ...Torrent) *MemoryTorrents {
	m := &MemoryTorrents{torrents: make(map[bittorrent.InfoHash]Torrent)}
	for _, t := range ts {
		m.Put(t)
	}
	return m
}

// Put creates or replaces t.
func (m *MemoryTorrents) Put(t Torrent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torrents[t.InfoHash] = t
}

// ByInfoHash implements Torrents.
func (m *MemoryTorrents) ByInfoHash(_ context.Context, ih bittorrent.InfoHash) (Torrent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.torrents[ih]
	if !ok {
		return Torrent{}, ErrTorrentNotFound
	}
	return t, nil
}

// CompletionRecorder is a CompletionHook that keeps every completion in
// memory.
type CompletionRecorder struct {
	mu          sync.Mutex
	completions []Completion
}

// Notify implements CompletionHook.
func (r *CompletionRecorder) Notify(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
}

// Completions returns a copy of the recorded completions.
func (r *CompletionRecorder) Completions() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.completions...)
}
