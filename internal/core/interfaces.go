// Package core declares the collaborator interfaces of the room
// coordination engine. Durable storage, media recording and the wire
// transport are owned by adapters; the engine only sees these.
package core

import (
	"context"

	"github.com/openmeet/roomcore/internal/domain"
)

// Persistence is the durable lookup side of the system. Implementations
// must be safe for concurrent use.
type Persistence interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetRoom(ctx context.Context, id int64) (*domain.Room, error)
	// GetAppointment returns nil, nil when the room has no appointment.
	GetAppointment(ctx context.Context, roomID int64) (*domain.Appointment, error)
	// CheckSession resolves a short-lived session token. Unknown tokens
	// return ErrNotFound.
	CheckSession(ctx context.Context, token string) (*domain.Session, error)
	// SipTrunkUID returns the pre-registered SIP trunk identity, empty
	// when SIP dial-in is not configured.
	SipTrunkUID(ctx context.Context) (string, error)
}

// Recorder persists media streams. Begin allocates a recording id; End
// finalizes it. Failures surface to callers as InvalidState.
type Recorder interface {
	Begin(ctx context.Context, roomID int64, c *domain.Client, name string, interview bool) (int64, error)
	End(ctx context.Context, recordingID int64) error
}

// Transport carries a (method, payload) event to one connection.
// Delivery failure is per-connection and never aborts a broadcast.
type Transport interface {
	Deliver(ctx context.Context, connID, method string, payload any) error
}

// AdmitRequest is the classified input of connection admission.
type AdmitRequest struct {
	ConnID string
	RoomID int64

	// UID is a caller-supplied public id (reconnect / pre-provisioned).
	UID string
	// SecurityCode binds an external producer (e.g. an encoder process)
	// to an existing client's session without re-authenticating.
	SecurityCode string
	// ParentID is the parent client's public id for screen-share
	// sub-connections.
	ParentID string
	// OwnerRef is an opaque owner reference; a value equal to the
	// configured SIP trunk identity marks a SIP transport leg.
	OwnerRef string
	// SessionToken authorizes the mobile path.
	SessionToken string

	ScreenClient bool
	Mobile       bool
	// Lobby requests admission without room membership (the designated
	// no-room scope); room joins happen later via RoomEnter.
	Lobby bool

	Width  int
	Height int

	RemoteAddr string
	RemotePort int
}

// RoomStatus is returned on room entry: the full current population the
// newcomer synchronizes against.
type RoomStatus struct {
	Clients    []*domain.Client
	Moderators []*domain.Client
}
