// Package domain contains entities without logic, just meta-data.
package domain

import "time"

// AV capability codes pushed to the room. Derived, never client-asserted.
const (
	AVNone       = "n"
	AVAudio      = "a"
	AVVideo      = "v"
	AVAudioVideo = "av"
)

// DeriveAV maps the active audio/video flags to the canonical short code.
func DeriveAV(audio, video bool) string {
	switch {
	case audio && video:
		return AVAudioVideo
	case audio:
		return AVAudio
	case video:
		return AVVideo
	default:
		return AVNone
	}
}

// NoBroadcast marks a client without an active outbound media stream.
const NoBroadcast int64 = -1

// Client is one live connection to the server. It is keyed by ConnID in
// the registry; PublicID is the identity remote callers use and survives
// a reconnect via OverwritePublicID.
type Client struct {
	ConnID   string
	PublicID string

	// UserID is zero until the join flow resolves it (screen-share,
	// mobile and SIP entries may start without one).
	UserID    int64
	Username  string
	Firstname string
	Lastname  string
	Email     string

	// RoomID is zero while the client sits in the lobby. A client is a
	// member of at most one room at any instant; the registry keeps the
	// room member set and this field in lockstep.
	RoomID int64

	// OwnerRef is a back-reference (by PublicID) to a parent client.
	// It is a lookup key only, never an owning pointer.
	OwnerRef     string
	SecurityCode string

	IsMod        bool
	IsSuperMod   bool
	ScreenClient bool
	Mobile       bool
	SipTransport bool
	MicMuted     bool

	// Media state.
	Recording         bool
	RecordingID       int64 // non-zero iff Recording
	Broadcasting      bool
	BroadcastID       int64 // NoBroadcast when idle
	AVSettings        string
	Streaming         bool // screen capture stream running
	ScreenPublished   bool
	StreamPublishName string // parent PublicID for screen clients

	// Screen/video placement.
	VX, VY          int
	VWidth, VHeight int

	// Diagnostic only.
	RemoteAddr string
	RemotePort int

	ConnectedSince time.Time
	RoomEnter      time.Time
}

// NewClient constructs a client with media state reset.
func NewClient(connID string) *Client {
	return &Client{
		ConnID:         connID,
		BroadcastID:    NoBroadcast,
		AVSettings:     AVNone,
		ConnectedSince: time.Now(),
	}
}

// Clone returns a copy suitable for handing to readers while the
// registry keeps mutating its own record.
func (c *Client) Clone() *Client {
	cp := *c
	return &cp
}

// HasUser reports whether the user identity has been resolved.
func (c *Client) HasUser() bool { return c.UserID != 0 }
