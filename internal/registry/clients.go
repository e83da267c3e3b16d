// Package registry holds the in-memory state of all live connections
// and room membership. It is constructed once at server start and
// injected into every component that needs it; there are no package
// level singletons.
//
// Lock order: Clients.mu before Rooms.mu, always.
package registry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

type userSessionKey struct {
	userID  int64
	session string
}

// Clients indexes live connections by connection id, by public id and
// by (user id, session token) pair. All methods are safe under
// unbounded concurrent callers. Stored records never escape: lookups
// return clones, so a reader can never observe a record mid-update.
type Clients struct {
	mu            sync.RWMutex
	byConn        map[string]*domain.Client
	byPublic      map[string]*domain.Client
	byUserSession map[userSessionKey]*domain.Client
}

func NewClients() *Clients {
	return &Clients{
		byConn:        make(map[string]*domain.Client),
		byPublic:      make(map[string]*domain.Client),
		byUserSession: make(map[userSessionKey]*domain.Client),
	}
}

// Add registers a client. It fails with a rejection, never a partial
// insert: a missing identity field or a public id already held by a
// live client refuses the whole record.
func (r *Clients) Add(c *domain.Client) (string, error) {
	if c.ConnID == "" || c.PublicID == "" {
		return "", core.Reject(core.RejectNoIdentity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byConn[c.ConnID]; dup {
		return "", core.Reject(core.RejectDuplicateID)
	}
	if _, dup := r.byPublic[c.PublicID]; dup {
		return "", core.Reject(core.RejectDuplicateID)
	}
	stored := c.Clone()
	r.byConn[stored.ConnID] = stored
	r.byPublic[stored.PublicID] = stored
	if k, ok := sessionKey(stored); ok {
		r.byUserSession[k] = stored
	}
	log.Debug().Str("module", "registry.clients").Str("conn", stored.ConnID).Str("public", stored.PublicID).Msg("client added")
	return stored.PublicID, nil
}

// Get returns a copy of the client for a connection id.
func (r *Clients) Get(connID string) (*domain.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (r *Clients) GetByPublicID(publicID string) (*domain.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byPublic[publicID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (r *Clients) GetByUserSession(userID int64, session string) (*domain.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUserSession[userSessionKey{userID, session}]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Update replaces the stored record for c.ConnID. Updates to an already
// removed connection are silently dropped, not resurrected.
func (r *Clients) Update(c *domain.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byConn[c.ConnID]
	if !ok {
		return
	}
	stored := c.Clone()
	// RoomID is owned by the Rooms registry; keep whatever membership
	// mutation happened since the caller took its copy. PublicID is
	// rebound only through Rooms.OverwritePublicID, which checks
	// uniqueness and fixes the member sets; a rewrite through Update
	// could silently clobber another live client's index entry.
	stored.RoomID = old.RoomID
	stored.PublicID = old.PublicID
	if k, ok := sessionKey(old); ok {
		delete(r.byUserSession, k)
	}
	r.byConn[stored.ConnID] = stored
	r.byPublic[stored.PublicID] = stored
	if k, ok := sessionKey(stored); ok {
		r.byUserSession[k] = stored
	}
}

// Remove drops a connection from every index. Unknown ids are a no-op.
func (r *Clients) Remove(connID string) (*domain.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	delete(r.byPublic, c.PublicID)
	if k, ok := sessionKey(c); ok {
		delete(r.byUserSession, k)
	}
	log.Debug().Str("module", "registry.clients").Str("conn", connID).Msg("client removed")
	return c.Clone(), true
}

// ListByRoom returns a snapshot of the room's clients. Callers iterate
// without holding any lock and never observe mutation mid-iteration.
func (r *Clients) ListByRoom(roomID int64) []*domain.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Client
	for _, c := range r.byConn {
		if c.RoomID == roomID && roomID != 0 {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (r *Clients) ListModeratorsByRoom(roomID int64) []*domain.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Client
	for _, c := range r.byConn {
		if c.RoomID == roomID && roomID != 0 && c.IsMod {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (r *Clients) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func sessionKey(c *domain.Client) (userSessionKey, bool) {
	if c.UserID == 0 || c.SecurityCode == "" {
		return userSessionKey{}, false
	}
	return userSessionKey{c.UserID, c.SecurityCode}, true
}
