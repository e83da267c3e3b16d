package registry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
)

// Rooms maps room id to the set of member public ids. Entries are
// created lazily on first join and dropped when empty, so lookups for
// an absent room behave exactly like lookups for an empty one.
//
// Join and Leave mutate the member set and the client's RoomID field
// inside one critical section (Clients.mu held across both), so no
// reader ever sees one side of the pair without the other.
type Rooms struct {
	clients *Clients
	mu      sync.RWMutex
	members map[int64]map[string]struct{}
}

func NewRooms(clients *Clients) *Rooms {
	return &Rooms{
		clients: clients,
		members: make(map[int64]map[string]struct{}),
	}
}

// Join moves the connection into roomID, leaving any previous room.
func (r *Rooms) Join(connID string, roomID int64) error {
	if roomID == 0 {
		return core.ErrNotFound
	}
	r.clients.mu.Lock()
	defer r.clients.mu.Unlock()
	c, ok := r.clients.byConn[connID]
	if !ok {
		return core.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.RoomID != 0 {
		r.drop(c.RoomID, c.PublicID)
	}
	c.RoomID = roomID
	set, ok := r.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		r.members[roomID] = set
	}
	set[c.PublicID] = struct{}{}
	log.Debug().Str("module", "registry.rooms").Str("conn", connID).Int64("room", roomID).Msg("joined room")
	return nil
}

// Leave removes the connection from its room. Idempotent: a second
// call, or a call for an unknown id, is a no-op.
func (r *Rooms) Leave(connID string) {
	r.clients.mu.Lock()
	defer r.clients.mu.Unlock()
	c, ok := r.clients.byConn[connID]
	if !ok || c.RoomID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(c.RoomID, c.PublicID)
	c.RoomID = 0
}

// LeaveByPublicID is the remote-caller variant of Leave.
func (r *Rooms) LeaveByPublicID(publicID string, roomID int64) {
	r.clients.mu.Lock()
	defer r.clients.mu.Unlock()
	c, ok := r.clients.byPublic[publicID]
	if !ok || c.RoomID != roomID || roomID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(roomID, publicID)
	c.RoomID = 0
}

// Members returns a snapshot of the member public ids.
func (r *Rooms) Members(roomID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (r *Rooms) Count(roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}

// OverwritePublicID rebinds a live client to a new public id after a
// reconnect, rewriting both the client index and the room member set.
// Uniqueness is still enforced.
func (r *Rooms) OverwritePublicID(connID, newID string) error {
	if newID == "" {
		return core.Reject(core.RejectNoIdentity)
	}
	r.clients.mu.Lock()
	defer r.clients.mu.Unlock()
	c, ok := r.clients.byConn[connID]
	if !ok {
		return core.ErrNotFound
	}
	if holder, dup := r.clients.byPublic[newID]; dup && holder != c {
		return core.Reject(core.RejectDuplicateID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.RoomID != 0 {
		r.drop(c.RoomID, c.PublicID)
		set, ok := r.members[c.RoomID]
		if !ok {
			set = make(map[string]struct{})
			r.members[c.RoomID] = set
		}
		set[newID] = struct{}{}
	}
	delete(r.clients.byPublic, c.PublicID)
	c.PublicID = newID
	r.clients.byPublic[newID] = c
	return nil
}

// drop requires both locks held.
func (r *Rooms) drop(roomID int64, publicID string) {
	set, ok := r.members[roomID]
	if !ok {
		return
	}
	delete(set, publicID)
	if len(set) == 0 {
		delete(r.members, roomID)
	}
}
