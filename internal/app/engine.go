// Package app is the room/session coordination engine: admission,
// moderation, media publish state, recordings and room fan-out over the
// shared registry.
package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
	"github.com/openmeet/roomcore/internal/metrics"
	"github.com/openmeet/roomcore/internal/registry"
)

// Engine owns the live coordination state. One instance per process,
// constructed at server start and injected into the transports.
type Engine struct {
	clients  *registry.Clients
	rooms    *registry.Rooms
	store    core.Persistence
	recorder core.Recorder
	fan      *Fanout
	metrics  *metrics.Metrics

	// broadcastSeq allocates ids for active outbound media streams;
	// lock-free, strictly increasing, never reused while active.
	broadcastSeq atomic.Int64

	mu      sync.Mutex
	publish map[string]*fsm.FSM           // connID -> media publish state
	feeds   map[int64]map[string]struct{} // recordingID -> feeding connIDs
}

func New(clients *registry.Clients, rooms *registry.Rooms, store core.Persistence, recorder core.Recorder, transport core.Transport, m *metrics.Metrics) *Engine {
	return &Engine{
		clients:  clients,
		rooms:    rooms,
		store:    store,
		recorder: recorder,
		fan:      NewFanout(clients, transport, m),
		metrics:  m,
		publish:  make(map[string]*fsm.FSM),
		feeds:    make(map[int64]map[string]struct{}),
	}
}

// Client returns a snapshot of a live connection.
func (e *Engine) Client(connID string) (*domain.Client, bool) {
	return e.clients.Get(connID)
}

// ListRoom returns a snapshot of the room's clients.
func (e *Engine) ListRoom(roomID int64) []*domain.Client {
	return e.clients.ListByRoom(roomID)
}

// ListModerators returns a snapshot of the room's moderators.
func (e *Engine) ListModerators(roomID int64) []*domain.Client {
	return e.clients.ListModeratorsByRoom(roomID)
}

// Broadcast exposes the fan-out to transports and remote callers.
func (e *Engine) Broadcast(ctx context.Context, roomID int64, method string, payload any, skip Predicate) {
	e.fan.Broadcast(ctx, roomID, method, payload, skip)
}

// SendToClient delivers to a single participant by public id. Screen
// share sub-connections do not receive targeted events.
func (e *Engine) SendToClient(ctx context.Context, publicID, method string, payload any) error {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return core.ErrNotFound
	}
	if c.ScreenClient {
		return nil
	}
	return e.fan.SendTo(ctx, c.ConnID, method, payload)
}

// OverwritePublicID rebinds a reconnected client to its previous
// public id.
func (e *Engine) OverwritePublicID(connID, newID string) error {
	return e.rooms.OverwritePublicID(connID, newID)
}

// SwitchMicMuted flips the mute flag and notifies the room.
func (e *Engine) SwitchMicMuted(ctx context.Context, publicID string, mute bool) error {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return core.ErrNotFound
	}
	c.MicMuted = mute
	e.clients.Update(c)
	e.fan.Broadcast(ctx, c.RoomID, "updateMuteStatus", c, SkipScreenClients)
	return nil
}

// MicMuted reports the mute flag; unknown clients read as muted.
func (e *Engine) MicMuted(publicID string) bool {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return true
	}
	return c.MicMuted
}

// ListRoomBroadcastIDs returns the distinct active broadcast ids of the
// caller's room, excluding screen clients and the caller itself.
func (e *Engine) ListRoomBroadcastIDs(connID string) ([]int64, error) {
	c, ok := e.clients.Get(connID)
	if !ok {
		return nil, core.ErrNotFound
	}
	seen := make(map[int64]struct{})
	var out []int64
	for _, rc := range e.clients.ListByRoom(c.RoomID) {
		if rc.ScreenClient || rc.ConnID == connID || rc.BroadcastID == domain.NoBroadcast {
			continue
		}
		if _, dup := seen[rc.BroadcastID]; dup {
			continue
		}
		seen[rc.BroadcastID] = struct{}{}
		out = append(out, rc.BroadcastID)
	}
	return out, nil
}

// Leave runs the removal protocol for a connection. It is idempotent:
// a second call, or a call for an unknown id, is a no-op.
//
// Order matters: recordings are stopped and the room is notified while
// the client is still listed, then membership and registry entry are
// dropped together.
func (e *Engine) Leave(ctx context.Context, connID string) {
	c, ok := e.clients.Get(connID)
	if !ok {
		return
	}
	log.Info().Str("module", "app.engine").Str("conn", connID).Str("public", c.PublicID).Int64("room", c.RoomID).Msg("leave")

	if c.ScreenClient && c.Streaming {
		e.fan.Broadcast(ctx, c.RoomID, "sharingStopped", c.StreamPublishName, SkipScreenClients)
	}
	if c.Recording {
		if err := e.stopRecordingForClient(ctx, c); err != nil {
			log.Warn().Err(err).Str("module", "app.engine").Str("conn", connID).Msg("stop recording on leave")
		}
	}

	// Tell the room, terminating any screen share this client owns.
	// Screen sub-connections do not get the disconnect event itself;
	// the one publishing for the leaver gets a stopStream push instead.
	for _, rc := range e.clients.ListByRoom(c.RoomID) {
		if rc.ScreenClient {
			if rc.StreamPublishName == c.PublicID {
				if err := e.fan.SendTo(ctx, rc.ConnID, "stopStream", nil); err != nil {
					log.Warn().Err(err).Str("module", "app.engine").Str("conn", rc.ConnID).Msg("stopStream push")
				}
			}
			continue
		}
		if rc.ConnID == connID {
			continue
		}
		if err := e.fan.SendTo(ctx, rc.ConnID, "roomDisconnect", c); err != nil {
			log.Warn().Err(err).Str("module", "app.engine").Str("conn", rc.ConnID).Msg("roomDisconnect push")
		}
	}

	e.dropPublishState(connID)
	e.rooms.Leave(connID)
	if _, removed := e.clients.Remove(connID); removed {
		e.metrics.ClientRemoved()
	}
}

// LeaveByPublicID is the remote-caller variant of Leave.
func (e *Engine) LeaveByPublicID(ctx context.Context, publicID string, roomID int64) {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok || c.RoomID != roomID {
		return
	}
	e.Leave(ctx, c.ConnID)
}

func (e *Engine) dropPublishState(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.publish, connID)
}
