// Package state holds the current contacts and channels snapshots.
// Snapshots are replaced wholesale; readers always see either the old
// or the new collection in full.
package state

import (
	"sync"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// Store owns the live snapshots. All methods are safe for concurrent
// use.
type Store struct {
	mu       sync.RWMutex
	contacts []driver.Contact
	channels map[int]string // slot id -> name
}

// New returns an empty Store.
func New() *Store {
	return &Store{channels: make(map[int]string)}
}

// ReplaceContacts swaps in a fresh contacts snapshot.
func (s *Store) ReplaceContacts(contacts []driver.Contact) {
	snapshot := make([]driver.Contact, len(contacts))
	copy(snapshot, contacts)
	s.mu.Lock()
	s.contacts = snapshot
	s.mu.Unlock()
}

// ReplaceChannels swaps in a fresh channels snapshot.
func (s *Store) ReplaceChannels(channels []driver.ChannelInfo) {
	snapshot := make(map[int]string, len(channels))
	for _, ch := range channels {
		snapshot[ch.Index] = ch.Name
	}
	s.mu.Lock()
	s.channels = snapshot
	s.mu.Unlock()
}

// Contacts returns the current contacts snapshot.
func (s *Store) Contacts() []driver.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]driver.Contact, len(s.contacts))
	copy(out, s.contacts)
	return out
}

// Channels returns the current slot-id to name map.
func (s *Store) Channels() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.channels))
	for id, name := range s.channels {
		out[id] = name
	}
	return out
}

// ChannelSlot looks up a slot id by channel name.
func (s *Store) ChannelSlot(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, n := range s.channels {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// ContactByName finds a contact by display name.
func (s *Store) ContactByName(name string) (driver.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.Name == name {
			return c, true
		}
	}
	return driver.Contact{}, false
}
