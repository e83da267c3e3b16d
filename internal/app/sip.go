package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

// sipDisplayName renders the trunk leg's room-facing name: the member
// count in parentheses, recomputed as participants come and go.
func sipDisplayName(members int) string {
	return fmt.Sprintf("(%d)", members)
}

// sipMemberCount is the number of live participants the SIP conference
// leg represents: everyone in the room except screen sub-connections
// and the trunk leg itself.
func (e *Engine) sipMemberCount(roomID int64) int {
	n := 0
	for _, rc := range e.clients.ListByRoom(roomID) {
		if rc.ScreenClient || rc.SipTransport {
			continue
		}
		n++
	}
	return n
}

// UpdateSipTransport refreshes the trunk leg's displayed member count.
// Nothing is sent while the count is unchanged, so callers may invoke
// it after every join and leave.
func (e *Engine) UpdateSipTransport(ctx context.Context, publicID string) (*domain.Client, error) {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return nil, core.ErrNotFound
	}
	if !c.SipTransport {
		return nil, core.InvalidState("client is not a SIP transport leg")
	}

	name := sipDisplayName(e.sipMemberCount(c.RoomID))
	if c.Lastname == name {
		return c, nil
	}
	c.Lastname = name
	e.clients.Update(c)
	log.Debug().Str("module", "app.sip").Str("public", publicID).Str("members", name).Msg("sip member count updated")

	if err := e.fan.SendTo(ctx, c.ConnID, "personal", c); err != nil {
		log.Warn().Err(err).Str("module", "app.sip").Str("conn", c.ConnID).Msg("personal push")
	}
	e.fan.Broadcast(ctx, c.RoomID, "rightUpdated", c.PublicID, SkipScreenClients)
	return c, nil
}
