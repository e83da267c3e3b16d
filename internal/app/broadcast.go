package app

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

// Publish lifecycle of a single connection. The screen-share flag is
// tracked on the client record instead; it toggles independently of
// the audio/video stream.
const (
	publishIdle         = "idle"
	publishStreaming    = "streaming"
	publishBroadcasting = "broadcasting"
)

func newPublishFSM() *fsm.FSM {
	return fsm.NewFSM(
		publishIdle,
		fsm.Events{
			{Name: "publish_start", Src: []string{publishIdle}, Dst: publishStreaming},
			{Name: "broadcast_start", Src: []string{publishStreaming}, Dst: publishBroadcasting},
			{Name: "publish_close", Src: []string{publishStreaming, publishBroadcasting}, Dst: publishIdle},
		}, nil,
	)
}

// publishFSM returns (creating on first use) the connection's machine.
// Caller must hold e.mu.
func (e *Engine) publishFSM(connID string) *fsm.FSM {
	m, ok := e.publish[connID]
	if !ok {
		m = newPublishFSM()
		e.publish[connID] = m
	}
	return m
}

// NextBroadcastID allocates an id for a new outbound media stream.
// Ids are strictly increasing for the process lifetime and never
// reused while a stream is active.
func (e *Engine) NextBroadcastID() int64 {
	return e.broadcastSeq.Add(1)
}

// defaults applied when an external producer starts without geometry.
const (
	defaultStreamWidth  = 320
	defaultStreamHeight = 240
)

// PublishStart records that a connection began producing media. Screen
// clients only flip their published flag; external producers admitted
// by security code get a broadcast id, full AV capability and default
// geometry. The room learns about the stream through "newStream", and
// any recording active in the room starts being fed by it.
func (e *Engine) PublishStart(ctx context.Context, connID, streamName string) error {
	c, ok := e.clients.Get(connID)
	if !ok {
		return core.ErrNotFound
	}

	e.mu.Lock()
	m := e.publishFSM(connID)
	if err := m.Event(ctx, "publish_start"); err != nil {
		e.mu.Unlock()
		return core.InvalidState("publish already started")
	}
	e.mu.Unlock()

	c.Streaming = true
	switch {
	case c.ScreenClient:
		// StreamPublishName keeps the parent linkage for screen
		// connections; the wire stream name is not stored for them.
		c.ScreenPublished = true
	case !c.Mobile && c.SecurityCode != "":
		c.StreamPublishName = streamName
		c.BroadcastID = e.NextBroadcastID()
		c.AVSettings = domain.AVAudioVideo
		c.Broadcasting = true
		if c.VWidth == 0 || c.VHeight == 0 {
			c.VWidth = defaultStreamWidth
			c.VHeight = defaultStreamHeight
		}
		e.mu.Lock()
		_ = e.publishFSM(connID).Event(ctx, "broadcast_start")
		e.mu.Unlock()
	default:
		c.StreamPublishName = streamName
	}
	e.clients.Update(c)
	log.Info().Str("module", "app.broadcast").Str("conn", connID).Str("stream", streamName).Int64("broadcast", c.BroadcastID).Msg("publish start")

	e.fan.Broadcast(ctx, c.RoomID, "newStream", c, Any(SkipScreenClients, SkipSelf(c.PublicID)))
	e.attachToRoomRecordings(c)
	return nil
}

// PublishClose ends the connection's outbound stream. A close arriving
// after the client already left is a silent no-op.
func (e *Engine) PublishClose(ctx context.Context, connID string) error {
	c, ok := e.clients.Get(connID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	if m, tracked := e.publish[connID]; tracked {
		_ = m.Event(ctx, "publish_close")
	}
	e.mu.Unlock()

	if c.Recording {
		if err := e.stopRecordingForClient(ctx, c); err != nil {
			log.Warn().Err(err).Str("module", "app.broadcast").Str("conn", connID).Msg("stop recording on publish close")
		}
		c, ok = e.clients.Get(connID)
		if !ok {
			return nil
		}
	}
	e.detachFromRecordings(connID)

	c.Streaming = false
	c.ScreenPublished = false
	c.Broadcasting = false
	c.BroadcastID = domain.NoBroadcast
	c.AVSettings = domain.AVNone
	e.clients.Update(c)
	log.Info().Str("module", "app.broadcast").Str("conn", connID).Msg("publish close")

	skip := Predicate(SkipScreenClients)
	if !c.Mobile {
		// Mobile producers expect their own close echo back.
		skip = Any(SkipScreenClients, SkipSelf(c.PublicID))
	}
	e.fan.Broadcast(ctx, c.RoomID, "closeStream", c, skip)
	return nil
}

// ScreenShareStop names which parts of a running screen share the
// sharer wants terminated.
type ScreenShareStop struct {
	Streaming  bool
	Recording  bool
	Publishing bool
}

// ScreenShareStopped reports which parts actually changed. All is set
// when streaming, recording and publishing are all off afterwards.
type ScreenShareStopped struct {
	Streaming  bool
	Recording  bool
	Publishing bool
	All        bool
}

// ScreenSharerAction applies the sharer's stop toggles. Each toggle is
// conditional on the corresponding flag being set and produces its own
// room notification, so a stale duplicate request changes nothing and
// stays silent.
func (e *Engine) ScreenSharerAction(ctx context.Context, connID string, stop ScreenShareStop) (*ScreenShareStopped, error) {
	c, ok := e.clients.Get(connID)
	if !ok {
		return nil, core.ErrNotFound
	}
	var res ScreenShareStopped

	if stop.Streaming && c.Streaming {
		c.Streaming = false
		res.Streaming = true
		e.fan.Broadcast(ctx, c.RoomID, "stopScreenSharingMessage", c, SkipScreenClients)
	}
	if stop.Recording && c.Recording {
		if err := e.stopRecordingForClient(ctx, c); err != nil {
			log.Warn().Err(err).Str("module", "app.broadcast").Str("conn", connID).Msg("stop recording on sharer action")
		} else {
			res.Recording = true
		}
		if fresh, still := e.clients.Get(connID); still {
			fresh.Streaming = c.Streaming
			fresh.ScreenPublished = c.ScreenPublished
			c = fresh
		}
	}
	if stop.Publishing && c.ScreenPublished {
		c.ScreenPublished = false
		res.Publishing = true
		e.fan.Broadcast(ctx, c.RoomID, "stopPublishingMessage", c, SkipScreenClients)
	}
	e.clients.Update(c)

	res.All = !c.Streaming && !c.Recording && !c.ScreenPublished
	log.Info().Str("module", "app.broadcast").Str("conn", connID).Bool("all", res.All).Msg("screen sharer action")
	return &res, nil
}

// SharingRequest starts parts of a screen share and positions it.
type SharingRequest struct {
	X, Y          int
	Width, Height int

	StartStreaming  bool
	StartRecording  bool
	StartPublishing bool

	RecordingName string
	Interview     bool
}

// SharingStatus is what the sharer gets back.
type SharingStatus struct {
	AlreadyPublished bool
	PublishRefused   bool
}

// SetConnectionAsSharingClient applies geometry and starts the
// requested parts of a screen share. Publishing is exclusive per room:
// while any other connection publishes, the request reports refusal
// instead of failing.
func (e *Engine) SetConnectionAsSharingClient(ctx context.Context, connID string, req SharingRequest) (*SharingStatus, error) {
	c, ok := e.clients.Get(connID)
	if !ok {
		return nil, core.ErrNotFound
	}
	var st SharingStatus

	c.VX = req.X
	c.VY = req.Y
	if req.Width > 0 && req.Height > 0 {
		c.VWidth = req.Width
		c.VHeight = req.Height
	}

	if req.StartStreaming && !c.Streaming {
		c.Streaming = true
		e.clients.Update(c)
		e.fan.Broadcast(ctx, c.RoomID, "newScreenSharing", c, SkipScreenClients)
	}
	if req.StartPublishing {
		if c.ScreenPublished {
			st.AlreadyPublished = true
		} else if e.roomHasOtherPublisher(c.RoomID, connID) {
			st.PublishRefused = true
		} else {
			c.ScreenPublished = true
			e.clients.Update(c)
			e.fan.Broadcast(ctx, c.RoomID, "startedPublishing", c, SkipScreenClients)
		}
	}
	e.clients.Update(c)

	if req.StartRecording && !c.Recording {
		if err := e.StartRecording(ctx, connID, req.RecordingName, req.Interview); err != nil {
			return &st, err
		}
	}
	return &st, nil
}

func (e *Engine) roomHasOtherPublisher(roomID int64, connID string) bool {
	for _, rc := range e.clients.ListByRoom(roomID) {
		if rc.ConnID != connID && rc.ScreenPublished {
			return true
		}
	}
	return false
}

// SetAVSettings derives the canonical capability code from the active
// flags and, when asked, allocates a fresh broadcast id. Turning both
// channels off ends the broadcast.
func (e *Engine) SetAVSettings(ctx context.Context, publicID string, audio, video, newBroadcast bool) (*domain.Client, error) {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return nil, core.ErrNotFound
	}
	c.AVSettings = domain.DeriveAV(audio, video)
	if c.AVSettings == domain.AVNone {
		c.Broadcasting = false
		c.BroadcastID = domain.NoBroadcast
	} else {
		c.Broadcasting = true
		if newBroadcast || c.BroadcastID == domain.NoBroadcast {
			c.BroadcastID = e.NextBroadcastID()
		}
	}
	e.clients.Update(c)
	e.fan.Broadcast(ctx, c.RoomID, "setNewAVSettings", c, SkipScreenClients)
	return c, nil
}

// ScreenSharingClients lists the room's connections with a live screen
// capture stream.
func (e *Engine) ScreenSharingClients(roomID int64) []*domain.Client {
	var out []*domain.Client
	for _, rc := range e.clients.ListByRoom(roomID) {
		if rc.ScreenClient && rc.Streaming {
			out = append(out, rc)
		}
	}
	return out
}
