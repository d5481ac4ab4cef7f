package cheat

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

const locationShards = 64

// Locations remembers from which addresses each user announced during a
// rolling window. It is sharded by user id.
type Locations struct {
	window time.Duration
	shards [locationShards]locationShard
}

type locationShard struct {
	sync.Mutex
	users map[uint64]map[netip.Addr]time.Time
}

// NewLocations creates a Locations that forgets addresses not seen for
// window.
func NewLocations(window time.Duration) *Locations {
	l := &Locations{window: window}
	for i := range l.shards {
		l.shards[i].users = make(map[uint64]map[netip.Addr]time.Time)
	}
	return l
}

func (l *Locations) shard(userID uint64) *locationShard {
	return &l.shards[userID%locationShards]
}

// Others returns the addresses other than addr the user announced from
// within the window before now, sorted.
func (l *Locations) Others(userID uint64, addr netip.Addr, now time.Time) []netip.Addr {
	s := l.shard(userID)
	s.Lock()
	defer s.Unlock()

	var others []netip.Addr
	for a, seen := range s.users[userID] {
		if a != addr && now.Sub(seen) < l.window {
			others = append(others, a)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].Less(others[j]) })
	return others
}

// Observe records that the user announced from addr at now.
func (l *Locations) Observe(userID uint64, addr netip.Addr, now time.Time) {
	s := l.shard(userID)
	s.Lock()
	defer s.Unlock()

	addrs, ok := s.users[userID]
	if !ok {
		addrs = make(map[netip.Addr]time.Time)
		s.users[userID] = addrs
	}
	if seen, ok := addrs[addr]; !ok || now.After(seen) {
		addrs[addr] = now
	}
	for a, seen := range addrs {
		if now.Sub(seen) >= l.window {
			delete(addrs, a)
		}
	}
}

// Prune forgets everything older than the window. It returns the number of
// users left.
func (l *Locations) Prune(now time.Time) int {
	var users int
	for i := range l.shards {
		s := &l.shards[i]
		s.Lock()
		for id, addrs := range s.users {
			for a, seen := range addrs {
				if now.Sub(seen) >= l.window {
					delete(addrs, a)
				}
			}
			if len(addrs) == 0 {
				delete(s.users, id)
			}
		}
		users += len(s.users)
		s.Unlock()
	}
	return users
}
