package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
	"github.com/openmeet/roomcore/internal/metrics"
	"github.com/openmeet/roomcore/internal/registry"
)

// Predicate excludes a connection from a broadcast when it returns true.
type Predicate func(c *domain.Client) bool

// SkipScreenClients excludes screen-share sub-connections from ordinary
// sync traffic.
func SkipScreenClients(c *domain.Client) bool { return c.ScreenClient }

// SkipSelf excludes the sender by public id.
func SkipSelf(publicID string) Predicate {
	return func(c *domain.Client) bool { return c.PublicID == publicID }
}

// SkipOutsideRoom is a defensive filter for stale scope lookups.
func SkipOutsideRoom(roomID int64) Predicate {
	return func(c *domain.Client) bool { return c.RoomID != roomID }
}

// Any combines predicates; a connection is excluded if any matches.
func Any(preds ...Predicate) Predicate {
	return func(c *domain.Client) bool {
		for _, p := range preds {
			if p != nil && p(c) {
				return true
			}
		}
		return false
	}
}

// Fanout delivers an event to a filtered subset of a room's live
// connections. Each broadcast runs as its own unit of work over a
// snapshot of the membership, so it is safe to race against leaves: a
// broadcast begun before a leave may or may not include the leaving
// connection, but never trips over it.
type Fanout struct {
	clients   *registry.Clients
	transport core.Transport
	metrics   *metrics.Metrics

	// sync forces in-line delivery; tests flip it for determinism.
	sync bool
}

func NewFanout(clients *registry.Clients, transport core.Transport, m *metrics.Metrics) *Fanout {
	return &Fanout{clients: clients, transport: transport, metrics: m}
}

// Broadcast sends (method, payload) to every connection of roomID for
// which skip returns false.
//
// The broadcast is detached from the caller's cancellation: events
// triggered by a departing connection (roomDisconnect, closeStream)
// must still reach the remaining members after the trigger's own
// context is torn down. Connections that went away are skipped
// per-target by the transport.
func (f *Fanout) Broadcast(ctx context.Context, roomID int64, method string, payload any, skip Predicate) {
	ctx = context.WithoutCancel(ctx)
	snapshot := f.clients.ListByRoom(roomID)
	f.metrics.BroadcastStarted()
	if f.sync {
		f.deliver(ctx, snapshot, method, payload, skip)
		return
	}
	go f.deliver(ctx, snapshot, method, payload, skip)
}

// deliver pushes to each connection independently: one failed send is
// logged and counted, never aborting the rest.
func (f *Fanout) deliver(ctx context.Context, snapshot []*domain.Client, method string, payload any, skip Predicate) int {
	sent := 0
	for _, c := range snapshot {
		if skip != nil && skip(c) {
			continue
		}
		if err := f.transport.Deliver(ctx, c.ConnID, method, payload); err != nil {
			f.metrics.DeliveryFailed()
			log.Warn().Err(err).Str("module", "app.fanout").Str("conn", c.ConnID).Str("method", method).Msg("delivery failed")
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.fanout").Str("method", method).Int("sent", sent).Msg("broadcast done")
	return sent
}

// SendTo delivers to a single connection, bypassing room iteration.
func (f *Fanout) SendTo(ctx context.Context, connID, method string, payload any) error {
	if err := f.transport.Deliver(ctx, connID, method, payload); err != nil {
		f.metrics.DeliveryFailed()
		return err
	}
	return nil
}
