package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

type roomRights struct {
	moderator      bool
	superModerator bool
}

// computeRights decides room rights from the user's authorization
// level, the room type and the current moderator population.
//
// Rules:
//   - admins are super-moderators everywhere;
//   - in an appointment room the organizer moderates, nobody else;
//   - in a moderated ad-hoc room the first entrant while no moderator
//     is present auto-qualifies.
func computeRights(u *domain.User, room *domain.Room, appt *domain.Appointment, moderators int) roomRights {
	var r roomRights
	if u != nil && u.Rights == domain.RightsAdmin {
		r.superModerator = true
		r.moderator = true
		return r
	}
	if room.Appointment {
		if u != nil && appt != nil && appt.OwnerID == u.ID {
			r.moderator = true
		}
		return r
	}
	if room.Moderated && moderators == 0 {
		r.moderator = true
	}
	return r
}

// RoomEnter runs the moderation computation after admission joined the
// client to its room, then synchronizes the room.
//
// The caller-supplied becomeModerator flag is honored only for ad-hoc
// rooms; appointment rooms decide by organizer. Whenever the moderator
// set changed, the full current list is re-broadcast. Receivers treat
// it as an idempotent replace, so a duplicate list is harmless.
func (e *Engine) RoomEnter(ctx context.Context, connID string, becomeModerator, superModerator bool) (*core.RoomStatus, error) {
	c, ok := e.clients.Get(connID)
	if !ok {
		return nil, core.ErrNotFound
	}
	if c.RoomID == 0 {
		return nil, core.InvalidState("client is not in a room")
	}
	room, err := e.store.GetRoom(ctx, c.RoomID)
	if err != nil || room == nil {
		return nil, core.InvalidState("room lookup failed")
	}

	var u *domain.User
	if c.HasUser() {
		u, _ = e.store.GetUser(ctx, abs64(c.UserID))
	}

	if superModerator {
		// Administrative/forced entry bypasses all further checks.
		c.IsSuperMod = true
		c.IsMod = true
	} else {
		var appt *domain.Appointment
		if room.Appointment {
			appt, _ = e.store.GetAppointment(ctx, room.ID)
		}
		moderators := len(e.clients.ListModeratorsByRoom(c.RoomID))
		rights := computeRights(u, room, appt, moderators)
		c.IsSuperMod = rights.superModerator
		c.IsMod = rights.moderator || (becomeModerator && !room.Appointment)
	}
	e.clients.Update(c)

	if c.IsMod {
		mods := e.clients.ListModeratorsByRoom(c.RoomID)
		e.fan.Broadcast(ctx, c.RoomID, "setNewModeratorByList", mods, SkipScreenClients)
		log.Info().Str("module", "app.moderation").Str("public", c.PublicID).Int64("room", c.RoomID).Int("moderators", len(mods)).Msg("moderator list updated")
	}
	e.fan.Broadcast(ctx, c.RoomID, "addNewUser", c, Any(SkipScreenClients, SkipSelf(c.PublicID)))

	return &core.RoomStatus{
		Clients:    e.clients.ListByRoom(c.RoomID),
		Moderators: e.clients.ListModeratorsByRoom(c.RoomID),
	}, nil
}

// RemoveModerator clears the flag and re-broadcasts the full list.
func (e *Engine) RemoveModerator(ctx context.Context, publicID string) error {
	c, ok := e.clients.GetByPublicID(publicID)
	if !ok {
		return core.ErrNotFound
	}
	c.IsMod = false
	e.clients.Update(c)
	mods := e.clients.ListModeratorsByRoom(c.RoomID)
	e.fan.Broadcast(ctx, c.RoomID, "setNewModeratorByList", mods, SkipScreenClients)
	return nil
}

// CanApplyModeration reports whether a participant may currently ask
// for moderation: a moderated ad-hoc room accepts applications only
// once a moderator is present; all other room types always do.
func (e *Engine) CanApplyModeration(ctx context.Context, roomID int64) bool {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil || room == nil {
		return false
	}
	if !room.Appointment && room.Moderated {
		return len(e.clients.ListModeratorsByRoom(roomID)) != 0
	}
	return true
}
