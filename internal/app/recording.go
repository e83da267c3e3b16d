package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

// recordingStatus is the room-wide notification payload for recording
// lifecycle changes.
type recordingStatus struct {
	Action      string `json:"action"`
	RecordingID int64  `json:"recordingId"`
	PublicID    string `json:"publicSID"`
	Interview   bool   `json:"interview"`
}

// StartRecording begins persisting the room's media, owned by the
// calling connection. Interview mode additionally enforces one
// recording per room, since an interview recording captures every
// participant stream at once.
func (e *Engine) StartRecording(ctx context.Context, connID, name string, interview bool) error {
	c, ok := e.clients.Get(connID)
	if !ok {
		return core.ErrNotFound
	}
	if c.Recording {
		return core.InvalidState("client is already recording")
	}
	if interview {
		for _, rc := range e.clients.ListByRoom(c.RoomID) {
			if rc.Recording {
				return core.InvalidState("interview recording already running in room")
			}
		}
	}

	id, err := e.recorder.Begin(ctx, c.RoomID, c, name, interview)
	if err != nil {
		log.Error().Err(err).Str("module", "app.recording").Str("conn", connID).Msg("recorder begin failed")
		return core.InvalidState("recorder unavailable")
	}

	c.Recording = true
	c.RecordingID = id
	e.clients.Update(c)
	e.metrics.RecordingStarted()

	// Every stream already running in the room feeds the recording
	// from now on; later publishers attach in PublishStart.
	e.mu.Lock()
	set := make(map[string]struct{})
	for _, rc := range e.clients.ListByRoom(c.RoomID) {
		if rc.Streaming || rc.Broadcasting {
			set[rc.ConnID] = struct{}{}
		}
	}
	e.feeds[id] = set
	e.mu.Unlock()

	log.Info().Str("module", "app.recording").Str("conn", connID).Int64("recording", id).Bool("interview", interview).Msg("recording started")
	e.fan.Broadcast(ctx, c.RoomID, "interviewStatus", recordingStatus{
		Action:      "start",
		RecordingID: id,
		PublicID:    c.PublicID,
		Interview:   interview,
	}, SkipScreenClients)
	return nil
}

// StopRecording ends the recording owned by the calling connection. In
// interview mode every connection of the room is cleared and the
// single shared id is closed; the original recording owner may already
// be gone by then.
func (e *Engine) StopRecording(ctx context.Context, connID string, interview bool) error {
	c, ok := e.clients.Get(connID)
	if !ok {
		return core.ErrNotFound
	}
	if !interview {
		if !c.Recording {
			return core.InvalidState("no recording found")
		}
		return e.stopRecordingForClient(ctx, c)
	}

	var id int64
	var owners []*domain.Client
	for _, rc := range e.clients.ListByRoom(c.RoomID) {
		if !rc.Recording {
			continue
		}
		id = rc.RecordingID
		owners = append(owners, rc)
	}
	if len(owners) == 0 {
		return core.InvalidState("no recording found")
	}
	if err := e.endRecording(ctx, id, c.RoomID, c.PublicID, true); err != nil {
		return err
	}
	for _, rc := range owners {
		rc.Recording = false
		rc.RecordingID = 0
		e.clients.Update(rc)
	}
	return nil
}

// stopRecordingForClient closes the recording the given client owns.
// The registry record is mutated only once the recorder confirmed the
// end, so a failed stop leaves the recording intact and retryable.
// Callers pass a snapshot; it is refreshed here too.
func (e *Engine) stopRecordingForClient(ctx context.Context, c *domain.Client) error {
	id := c.RecordingID
	if id == 0 {
		return core.InvalidState("no recording found")
	}
	if err := e.endRecording(ctx, id, c.RoomID, c.PublicID, false); err != nil {
		return err
	}
	if fresh, ok := e.clients.Get(c.ConnID); ok {
		fresh.Recording = false
		fresh.RecordingID = 0
		e.clients.Update(fresh)
	}
	c.Recording = false
	c.RecordingID = 0
	return nil
}

func (e *Engine) endRecording(ctx context.Context, id, roomID int64, publicID string, interview bool) error {
	if err := e.recorder.End(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "app.recording").Int64("recording", id).Msg("recorder end failed")
		return core.InvalidState("recorder unavailable")
	}
	e.mu.Lock()
	delete(e.feeds, id)
	e.mu.Unlock()
	e.metrics.RecordingStopped()
	log.Info().Str("module", "app.recording").Int64("recording", id).Msg("recording stopped")
	e.fan.Broadcast(ctx, roomID, "interviewStatus", recordingStatus{
		Action:      "stop",
		RecordingID: id,
		PublicID:    publicID,
		Interview:   interview,
	}, SkipScreenClients)
	return nil
}

// attachToRoomRecordings adds a newly publishing connection as a feed
// of every recording active in its room.
func (e *Engine) attachToRoomRecordings(c *domain.Client) {
	active := make(map[int64]struct{})
	for _, rc := range e.clients.ListByRoom(c.RoomID) {
		if rc.Recording {
			active[rc.RecordingID] = struct{}{}
		}
	}
	if len(active) == 0 {
		return
	}
	e.mu.Lock()
	for id := range active {
		set, ok := e.feeds[id]
		if !ok {
			set = make(map[string]struct{})
			e.feeds[id] = set
		}
		set[c.ConnID] = struct{}{}
	}
	e.mu.Unlock()
}

// detachFromRecordings removes a connection from every feed set.
func (e *Engine) detachFromRecordings(connID string) {
	e.mu.Lock()
	for _, set := range e.feeds {
		delete(set, connID)
	}
	e.mu.Unlock()
}

// FeedingConnections reports which connections feed a recording.
func (e *Engine) FeedingConnections(recordingID int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.feeds[recordingID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}
