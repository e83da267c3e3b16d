package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/app"
	"github.com/openmeet/roomcore/internal/config"
	"github.com/openmeet/roomcore/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire frame, both directions.
type envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Controller owns the live websocket connections and translates
// between the wire protocol and the engine. It implements
// core.Transport for the outbound direction.
type Controller struct {
	cfg     *config.Config
	limiter *RateLimiter

	// eng is bound after engine construction; the engine needs the
	// transport first.
	eng *app.Engine

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		conns:   make(map[string]*Conn),
	}
}

// Bind attaches the engine once it exists.
func (ctl *Controller) Bind(eng *app.Engine) { ctl.eng = eng }

// Deliver implements core.Transport.
func (ctl *Controller) Deliver(ctx context.Context, connID, method string, payload any) error {
	ctl.mu.RLock()
	conn, ok := ctl.conns[connID]
	ctl.mu.RUnlock()
	if !ok {
		return core.ErrNotFound
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Method: method, Payload: raw})
	if err != nil {
		return err
	}
	return conn.TrySend(data)
}

// HandleSignal upgrades the request and runs the connection until it
// drops. The client-token cookie set by the router doubles as the
// default session token for mobile admission.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport.ws").Msg("upgrade failed")
		return
	}
	sock.SetReadLimit(ctl.cfg.ReadLimit)

	connID := uuid.NewString()
	conn := newConn(connID, sock, ctl.cfg.SendBuffer)

	ctl.mu.Lock()
	ctl.conns[connID] = conn
	ctl.mu.Unlock()
	log.Info().Str("module", "transport.ws").Str("conn", connID).Str("addr", c.ClientIP()).Msg("connection open")

	connCtx, cancel := context.WithCancel(ctx)
	go conn.writePump(connCtx, ctl.cfg.PingPeriod)
	go ctl.readPump(connCtx, cancel, conn, token, c.ClientIP())
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, conn *Conn, token, remoteAddr string) {
	defer func() {
		cancel()
		ctl.eng.Leave(context.Background(), conn.ID())
		ctl.mu.Lock()
		delete(ctl.conns, conn.ID())
		ctl.mu.Unlock()
		ctl.limiter.Forget(conn.ID())
		conn.Close()
		log.Info().Str("module", "transport.ws").Str("conn", conn.ID()).Msg("connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.conn.ReadMessage()
			if err != nil {
				return
			}
			if !ctl.limiter.Allow(conn.ID()) {
				ctl.sendError(conn, "", "rate limited")
				continue
			}
			ctl.dispatch(ctx, conn, token, remoteAddr, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, conn *Conn, token, remoteAddr string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "transport.ws").Str("conn", conn.ID()).Msg("bad frame")
		return
	}

	switch env.Method {
	case "connect":
		ctl.handleConnect(ctx, conn, token, remoteAddr, env.Payload)
	case "roomEnter":
		ctl.handleRoomEnter(ctx, conn, env.Payload)
	case "publishStart":
		ctl.handlePublishStart(ctx, conn, env.Payload)
	case "publishClose":
		ctl.report(conn, env.Method, ctl.eng.PublishClose(ctx, conn.ID()))
	case "startRecording":
		ctl.handleStartRecording(ctx, conn, env.Payload)
	case "stopRecording":
		ctl.handleStopRecording(ctx, conn, env.Payload)
	case "screenSharerAction":
		ctl.handleScreenSharerAction(ctx, conn, env.Payload)
	case "setSharing":
		ctl.handleSetSharing(ctx, conn, env.Payload)
	case "avSettings":
		ctl.handleAVSettings(ctx, conn, env.Payload)
	case "micMute":
		ctl.handleMicMute(ctx, conn, env.Payload)
	case "overwritePublicSID":
		ctl.handleOverwritePublicSID(ctx, conn, env.Payload)
	case "listRoomBroadcast":
		ctl.handleListRoomBroadcast(conn)
	case "checkScreenSharing":
		ctl.handleCheckScreenSharing(conn)
	case "removeModerator":
		ctl.handleRemoveModerator(ctx, conn, env.Payload)
	case "sipUpdate":
		ctl.handleSipUpdate(ctx, conn, env.Payload)
	case "leave":
		ctl.eng.Leave(ctx, conn.ID())
		ctl.sendJSON(conn, "left", nil)
	case "ping":
		ctl.sendJSON(conn, "pong", nil)
	default:
		log.Debug().Str("module", "transport.ws").Str("method", env.Method).Msg("unknown method")
	}
}

func (ctl *Controller) handleConnect(ctx context.Context, conn *Conn, token, remoteAddr string, payload json.RawMessage) {
	var p struct {
		RoomID       int64  `json:"roomId"`
		UID          string `json:"uid"`
		SecurityCode string `json:"securityCode"`
		ParentSID    string `json:"parentSid"`
		OwnerRef     string `json:"ownerRef"`
		SessionToken string `json:"sessionToken"`
		ScreenClient bool   `json:"screenClient"`
		Mobile       bool   `json:"mobile"`
		Lobby        bool   `json:"lobby"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "connect", "bad payload")
		return
	}
	if p.SessionToken == "" {
		p.SessionToken = token
	}
	client, err := ctl.eng.Admit(ctx, core.AdmitRequest{
		ConnID:       conn.ID(),
		RoomID:       p.RoomID,
		UID:          p.UID,
		SecurityCode: p.SecurityCode,
		ParentID:     p.ParentSID,
		OwnerRef:     p.OwnerRef,
		SessionToken: p.SessionToken,
		ScreenClient: p.ScreenClient,
		Mobile:       p.Mobile,
		Lobby:        p.Lobby,
		Width:        p.Width,
		Height:       p.Height,
		RemoteAddr:   remoteAddr,
	})
	if err != nil {
		reason := "rejected"
		var rej *core.RejectionError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		ctl.sendJSON(conn, "rejected", map[string]string{"reason": reason})
		conn.Close()
		return
	}
	ctl.sendJSON(conn, "connected", client)
}

func (ctl *Controller) handleRoomEnter(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		BecomeModerator bool `json:"becomeModerator"`
		SuperModerator  bool `json:"superModerator"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "roomEnter", "bad payload")
		return
	}
	status, err := ctl.eng.RoomEnter(ctx, conn.ID(), p.BecomeModerator, p.SuperModerator)
	if err != nil {
		ctl.sendError(conn, "roomEnter", err.Error())
		return
	}
	ctl.sendJSON(conn, "roomStatus", status)
}

func (ctl *Controller) handlePublishStart(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		StreamName string `json:"streamName"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "publishStart", "bad payload")
		return
	}
	ctl.report(conn, "publishStart", ctl.eng.PublishStart(ctx, conn.ID(), p.StreamName))
}

func (ctl *Controller) handleStartRecording(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		Name      string `json:"name"`
		Interview bool   `json:"interview"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "startRecording", "bad payload")
		return
	}
	ctl.report(conn, "startRecording", ctl.eng.StartRecording(ctx, conn.ID(), p.Name, p.Interview))
}

func (ctl *Controller) handleStopRecording(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		Interview bool `json:"interview"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			ctl.sendError(conn, "stopRecording", "bad payload")
			return
		}
	}
	ctl.report(conn, "stopRecording", ctl.eng.StopRecording(ctx, conn.ID(), p.Interview))
}

func (ctl *Controller) handleScreenSharerAction(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		StopStreaming  bool `json:"stopStreaming"`
		StopRecording  bool `json:"stopRecording"`
		StopPublishing bool `json:"stopPublishing"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "screenSharerAction", "bad payload")
		return
	}
	res, err := ctl.eng.ScreenSharerAction(ctx, conn.ID(), app.ScreenShareStop{
		Streaming:  p.StopStreaming,
		Recording:  p.StopRecording,
		Publishing: p.StopPublishing,
	})
	if err != nil {
		ctl.sendError(conn, "screenSharerAction", err.Error())
		return
	}
	ctl.sendJSON(conn, "screenSharerAction", res)
}

func (ctl *Controller) handleSetSharing(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		X               int    `json:"x"`
		Y               int    `json:"y"`
		Width           int    `json:"width"`
		Height          int    `json:"height"`
		StartStreaming  bool   `json:"startStreaming"`
		StartRecording  bool   `json:"startRecording"`
		StartPublishing bool   `json:"startPublishing"`
		RecordingName   string `json:"recordingName"`
		Interview       bool   `json:"interview"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "setSharing", "bad payload")
		return
	}
	st, err := ctl.eng.SetConnectionAsSharingClient(ctx, conn.ID(), app.SharingRequest{
		X: p.X, Y: p.Y, Width: p.Width, Height: p.Height,
		StartStreaming:  p.StartStreaming,
		StartRecording:  p.StartRecording,
		StartPublishing: p.StartPublishing,
		RecordingName:   p.RecordingName,
		Interview:       p.Interview,
	})
	if err != nil {
		ctl.sendError(conn, "setSharing", err.Error())
		return
	}
	ctl.sendJSON(conn, "sharingStatus", st)
}

func (ctl *Controller) handleAVSettings(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		Audio        bool `json:"audio"`
		Video        bool `json:"video"`
		NewBroadcast bool `json:"newBroadcast"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "avSettings", "bad payload")
		return
	}
	self, ok := ctl.eng.Client(conn.ID())
	if !ok {
		ctl.sendError(conn, "avSettings", "not connected")
		return
	}
	c, err := ctl.eng.SetAVSettings(ctx, self.PublicID, p.Audio, p.Video, p.NewBroadcast)
	if err != nil {
		ctl.sendError(conn, "avSettings", err.Error())
		return
	}
	ctl.sendJSON(conn, "avSettings", c)
}

func (ctl *Controller) handleMicMute(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		Mute bool `json:"mute"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "micMute", "bad payload")
		return
	}
	self, ok := ctl.eng.Client(conn.ID())
	if !ok {
		ctl.sendError(conn, "micMute", "not connected")
		return
	}
	ctl.report(conn, "micMute", ctl.eng.SwitchMicMuted(ctx, self.PublicID, p.Mute))
}

func (ctl *Controller) handleOverwritePublicSID(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		PublicSID string `json:"publicSID"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.PublicSID == "" {
		ctl.sendError(conn, "overwritePublicSID", "bad payload")
		return
	}
	ctl.report(conn, "overwritePublicSID", ctl.eng.OverwritePublicID(conn.ID(), p.PublicSID))
}

func (ctl *Controller) handleListRoomBroadcast(conn *Conn) {
	ids, err := ctl.eng.ListRoomBroadcastIDs(conn.ID())
	if err != nil {
		ctl.sendError(conn, "listRoomBroadcast", err.Error())
		return
	}
	ctl.sendJSON(conn, "listRoomBroadcast", map[string]any{"broadcastIds": ids})
}

func (ctl *Controller) handleCheckScreenSharing(conn *Conn) {
	self, ok := ctl.eng.Client(conn.ID())
	if !ok {
		ctl.sendError(conn, "checkScreenSharing", "not connected")
		return
	}
	ctl.sendJSON(conn, "checkScreenSharing", ctl.eng.ScreenSharingClients(self.RoomID))
}

func (ctl *Controller) handleRemoveModerator(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		PublicSID string `json:"publicSID"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "removeModerator", "bad payload")
		return
	}
	ctl.report(conn, "removeModerator", ctl.eng.RemoveModerator(ctx, p.PublicSID))
}

func (ctl *Controller) handleSipUpdate(ctx context.Context, conn *Conn, payload json.RawMessage) {
	var p struct {
		PublicSID string `json:"publicSID"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		ctl.sendError(conn, "sipUpdate", "bad payload")
		return
	}
	_, err := ctl.eng.UpdateSipTransport(ctx, p.PublicSID)
	ctl.report(conn, "sipUpdate", err)
}

// report acknowledges a command: "ok" or an error frame.
func (ctl *Controller) report(conn *Conn, method string, err error) {
	if err != nil {
		ctl.sendError(conn, method, err.Error())
		return
	}
	ctl.sendJSON(conn, "ok", map[string]string{"method": method})
}

func (ctl *Controller) sendJSON(conn *Conn, method string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport.ws").Str("method", method).Msg("marshal reply")
		return
	}
	data, err := json.Marshal(envelope{Method: method, Payload: raw})
	if err != nil {
		return
	}
	if err := conn.TrySend(data); err != nil {
		log.Debug().Err(err).Str("module", "transport.ws").Str("conn", conn.ID()).Msg("reply dropped")
	}
}

func (ctl *Controller) sendError(conn *Conn, method, reason string) {
	ctl.sendJSON(conn, "error", map[string]string{"method": method, "reason": reason})
}
