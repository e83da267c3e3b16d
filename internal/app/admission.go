package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

// Admit validates and classifies a joining connection. The four entry
// paths are tried in precedence order and each is terminal: security
// code, screen share, mobile, standard/SIP. On success the client is
// registered first and joined to the room second, so a failure between
// the phases can never leave a room member without a registry entry.
func (e *Engine) Admit(ctx context.Context, req core.AdmitRequest) (*domain.Client, error) {
	c := domain.NewClient(req.ConnID)
	c.OwnerRef = req.OwnerRef
	c.RemoteAddr = req.RemoteAddr
	c.RemotePort = req.RemotePort
	c.VWidth = req.Width
	c.VHeight = req.Height

	var path string
	switch {
	case req.SecurityCode != "":
		path = "security_code"
		if err := e.admitBySecurityCode(&req, c); err != nil {
			e.metrics.Admission(path, "rejected")
			return nil, err
		}
	case req.ScreenClient:
		path = "screen"
		if err := e.admitScreenClient(ctx, &req, c); err != nil {
			e.metrics.Admission(path, "rejected")
			return nil, err
		}
	case req.Mobile:
		path = "mobile"
		if err := e.admitMobile(ctx, &req, c); err != nil {
			e.metrics.Admission(path, "rejected")
			return nil, err
		}
	default:
		path = "standard"
		if err := e.admitStandard(ctx, &req, c); err != nil {
			e.metrics.Admission(path, "rejected")
			return nil, err
		}
	}

	if req.RoomID == 0 && !req.Lobby {
		e.metrics.Admission(path, "rejected")
		return nil, core.Reject(core.RejectNoRoom)
	}

	// Phase one: register the identity.
	if _, err := e.clients.Add(c); err != nil {
		log.Warn().Err(err).Str("module", "app.admission").Str("conn", req.ConnID).Str("path", path).Msg("client rejected")
		e.metrics.Admission(path, "rejected")
		return nil, err
	}
	e.metrics.ClientAdded()

	// Phase two: join the membership. Unwind registration on failure
	// rather than leaving the phases half applied.
	if req.RoomID != 0 {
		if err := e.rooms.Join(req.ConnID, req.RoomID); err != nil {
			e.clients.Remove(req.ConnID)
			e.metrics.ClientRemoved()
			e.metrics.Admission(path, "rejected")
			return nil, core.Reject(core.RejectNoRoom)
		}
	}
	e.metrics.Admission(path, "accepted")
	admitted, _ := e.clients.Get(req.ConnID)
	log.Info().Str("module", "app.admission").Str("conn", req.ConnID).Str("public", admitted.PublicID).Str("path", path).Int64("room", admitted.RoomID).Msg("client admitted")
	return admitted, nil
}

// admitBySecurityCode links an external producer (encoder process) to a
// live client's session: the code must match the session token of a
// client already inside the target room.
func (e *Engine) admitBySecurityCode(req *core.AdmitRequest, c *domain.Client) error {
	if req.RoomID == 0 {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("security code without room, rejected")
		return core.Reject(core.RejectNoRoom)
	}
	var parentID string
	for _, rc := range e.clients.ListByRoom(req.RoomID) {
		if rc.SecurityCode == req.SecurityCode {
			parentID = rc.PublicID
			break
		}
	}
	if parentID == "" {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("no client matches security code, rejected")
		return core.Reject(core.RejectBadSecurity)
	}
	parent, ok := e.clients.GetByPublicID(parentID)
	if !ok || parent.RoomID != req.RoomID {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("security code parent left the room, rejected")
		return core.Reject(core.RejectBadSecurity)
	}
	c.Username = parent.Username
	c.Firstname = parent.Firstname
	c.Lastname = parent.Lastname
	c.UserID = parent.UserID
	c.SecurityCode = parent.PublicID
	c.PublicID = uuid.NewString()
	return nil
}

// admitScreenClient resolves the owner reference to a parent client in
// the same room and inherits its identity.
func (e *Engine) admitScreenClient(ctx context.Context, req *core.AdmitRequest, c *domain.Client) error {
	parent, ok := e.clients.GetByPublicID(req.ParentID)
	if !ok {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Str("parent", req.ParentID).Msg("bad parent for screen client, rejected")
		return core.Reject(core.RejectNoParent)
	}
	if req.RoomID != 0 && parent.RoomID != req.RoomID {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Str("parent", req.ParentID).Msg("screen client parent in another room, rejected")
		return core.Reject(core.RejectNoParent)
	}
	c.ScreenClient = true
	c.UserID = parent.UserID
	c.PublicID = uuid.NewString()
	// Linkage used for fan-out suppression and for terminating the
	// share when the parent leaves.
	c.StreamPublishName = parent.PublicID
	if c.UserID != 0 {
		if u, err := e.store.GetUser(ctx, abs64(c.UserID)); err == nil && u != nil {
			c.Username = u.Login
			c.Firstname = u.Firstname
			c.Lastname = u.Lastname
		}
	}
	return nil
}

// admitMobile resolves the short-lived session token through the
// persistence collaborator.
func (e *Engine) admitMobile(ctx context.Context, req *core.AdmitRequest, c *domain.Client) error {
	sess, err := e.store.CheckSession(ctx, req.SessionToken)
	if err != nil || sess == nil {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("invalid mobile session token, rejected")
		return core.Reject(core.RejectBadSession)
	}
	if sess.UserID == 0 && !req.Lobby {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("anonymous mobile session outside lobby, rejected")
		return core.Reject(core.RejectBadSession)
	}
	if sess.UserID != 0 {
		u, err := e.store.GetUser(ctx, sess.UserID)
		if err != nil || u == nil {
			log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Int64("user", sess.UserID).Msg("mobile user not found, rejected")
			return core.Reject(core.RejectUnknownUser)
		}
		c.UserID = u.ID
		c.Username = u.Login
		c.Firstname = u.Firstname
		c.Lastname = u.Lastname
		c.Email = u.Email
	}
	c.Mobile = true
	c.SecurityCode = sess.Token
	c.PublicID = uuid.NewString()
	return nil
}

// admitStandard covers regular participants and the SIP trunk leg. At
// least one identity hint must be present.
func (e *Engine) admitStandard(ctx context.Context, req *core.AdmitRequest, c *domain.Client) error {
	if req.UID == "" && req.SecurityCode == "" && req.ParentID == "" && req.OwnerRef == "" {
		log.Warn().Str("module", "app.admission").Str("conn", req.ConnID).Msg("no identity hints, rejected")
		return core.Reject(core.RejectNoIdentity)
	}
	sipUID, err := e.store.SipTrunkUID(ctx)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.Reject(core.RejectNoIdentity)
	}
	if sipUID != "" && sipUID == req.OwnerRef {
		c.SipTransport = true
	}
	if req.UID != "" {
		c.PublicID = req.UID
	} else {
		c.PublicID = uuid.NewString()
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
