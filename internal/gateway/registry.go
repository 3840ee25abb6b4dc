package gateway

import (
	"sync"

	"github.com/jensholdgaard/bidengine/internal/store"
)

// Connections maps identities to their most recent connection.
type Connections struct {
	mu         sync.RWMutex
	byIdentity map[string]*Client
}

// NewConnections returns an empty registry.
func NewConnections() *Connections {
	return &Connections{byIdentity: make(map[string]*Client)}
}

// Bind makes c the connection for its identity, superseding any earlier
// one. The superseded socket stays open.
func (r *Connections) Bind(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIdentity[c.Identity.ID] = c
}

// Unbind removes the mapping only if it still points at c.
func (r *Connections) Unbind(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIdentity[c.Identity.ID] != c {
		return false
	}
	delete(r.byIdentity, c.Identity.ID)
	return true
}

// Lookup returns the active connection for identity.
func (r *Connections) Lookup(identity string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentity[identity]
	return c, ok
}

// Len returns the number of bound identities.
func (r *Connections) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Rooms tracks which connections watch which auctions.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Client]struct{}
	joined  map[*Client]map[string]struct{}
}

// NewRooms returns an empty registry.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[*Client]struct{}),
		joined:  make(map[*Client]map[string]struct{}),
	}
}

// Join adds c to the auction's watchers and returns the watcher count.
func (r *Rooms) Join(auctionID string, c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[auctionID]
	if !ok {
		room = make(map[*Client]struct{})
		r.members[auctionID] = room
	}
	room[c] = struct{}{}

	rooms, ok := r.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[c] = rooms
	}
	rooms[auctionID] = struct{}{}
	return len(room)
}

// LeaveAll removes c from every room and returns the remaining watcher
// count of each room it left.
func (r *Rooms) LeaveAll(c *Client) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make(map[string]int, len(r.joined[c]))
	for id := range r.joined[c] {
		room := r.members[id]
		delete(room, c)
		left[id] = len(room)
		if len(room) == 0 {
			delete(r.members, id)
		}
	}
	delete(r.joined, c)
	return left
}

// IsMember reports whether c watches the auction.
func (r *Rooms) IsMember(auctionID string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[auctionID][c]
	return ok
}

// Count returns the number of watchers of an auction.
func (r *Rooms) Count(auctionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[auctionID])
}

// Members returns a snapshot of an auction's watchers.
func (r *Rooms) Members(auctionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.members[auctionID]))
	for c := range r.members[auctionID] {
		out = append(out, c)
	}
	return out
}

// Modes holds the ephemeral bid mode of each auction. It satisfies
// auction.ModeSource.
type Modes struct {
	mu    sync.RWMutex
	modes map[string]store.BidType
}

// NewModes returns an empty registry.
func NewModes() *Modes {
	return &Modes{modes: make(map[string]store.BidType)}
}

// Set records the mode of an auction.
func (m *Modes) Set(auctionID string, mode store.BidType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[auctionID] = mode
}

// Mode returns the mode of an auction, if one is set.
func (m *Modes) Mode(auctionID string) (store.BidType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode, ok := m.modes[auctionID]
	return mode, ok
}

// Drop forgets the mode of an auction.
func (m *Modes) Drop(auctionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modes, auctionID)
}
