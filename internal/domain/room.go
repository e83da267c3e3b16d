package domain

import "time"

// Room is the persisted description of a meeting room. Live membership
// lives in the registry, not here.
type Room struct {
	ID          int64
	Name        string
	Moderated   bool
	Appointment bool // created through the calendar
	ConfNo      string
}

// Appointment links a calendar entry to a room. The organizer of an
// appointment room is its moderator regardless of the become-moderator
// request flag.
type Appointment struct {
	ID      int64
	RoomID  int64
	OwnerID int64
	Start   time.Time
	End     time.Time
}

// Recording is the persisted record of a (possibly multi-participant)
// capture session.
type Recording struct {
	ID        int64
	RoomID    int64
	Name      string
	Interview bool
	StartedAt time.Time
	EndedAt   *time.Time
}
