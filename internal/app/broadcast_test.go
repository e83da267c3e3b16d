package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/roomcore/internal/core"
	"github.com/openmeet/roomcore/internal/domain"
)

func TestNextBroadcastIDMonotonic(t *testing.T) {
	env := newTestEnv(t)
	prev := env.eng.NextBroadcastID()
	for i := 0; i < 100; i++ {
		id := env.eng.NextBroadcastID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

// admitEncoder registers an external producer bound to parent's
// security code.
func admitEncoder(t *testing.T, env *testEnv, connID, parentConn string) *domain.Client {
	t.Helper()
	pc, ok := env.clients.Get(parentConn)
	require.True(t, ok)
	pc.SecurityCode = "code-" + parentConn
	env.clients.Update(pc)

	c, err := env.eng.Admit(context.Background(), core.AdmitRequest{
		ConnID:       connID,
		RoomID:       pc.RoomID,
		SecurityCode: "code-" + parentConn,
	})
	require.NoError(t, err)
	return c
}

func TestPublishStartPlainParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	env.transport.reset()

	require.NoError(t, env.eng.PublishStart(ctx, "conn-1", "stream-1"))

	c, _ := env.clients.Get("conn-1")
	assert.True(t, c.Streaming)
	assert.Equal(t, "stream-1", c.StreamPublishName)
	assert.Equal(t, domain.NoBroadcast, c.BroadcastID)

	streams := env.transport.byMethod("newStream")
	require.Len(t, streams, 1)
	assert.Equal(t, "conn-2", streams[0].ConnID)

	// Starting twice is an invalid state.
	err := env.eng.PublishStart(ctx, "conn-1", "stream-1")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestPublishStartExternalProducerGetsBroadcastID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	enc := admitEncoder(t, env, "conn-e", "conn-1")

	require.NoError(t, env.eng.PublishStart(ctx, enc.ConnID, "enc-stream"))

	c, _ := env.clients.Get(enc.ConnID)
	assert.True(t, c.Broadcasting)
	assert.NotEqual(t, domain.NoBroadcast, c.BroadcastID)
	assert.Equal(t, domain.AVAudioVideo, c.AVSettings)
	assert.Equal(t, 320, c.VWidth)
	assert.Equal(t, 240, c.VHeight)
}

func TestPublishCloseResetsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	require.NoError(t, env.eng.PublishStart(ctx, "conn-1", "s"))
	env.transport.reset()

	require.NoError(t, env.eng.PublishClose(ctx, "conn-1"))

	c, _ := env.clients.Get("conn-1")
	assert.False(t, c.Streaming)
	assert.False(t, c.Broadcasting)
	assert.Equal(t, domain.NoBroadcast, c.BroadcastID)
	assert.Equal(t, domain.AVNone, c.AVSettings)

	closes := env.transport.byMethod("closeStream")
	require.Len(t, closes, 1)
	assert.Equal(t, "conn-2", closes[0].ConnID, "non-mobile publisher gets no self echo")

	// Restart after close works: the machine went back to idle.
	assert.NoError(t, env.eng.PublishStart(ctx, "conn-1", "s2"))
}

func TestPublishCloseUnknownConnIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.eng.PublishClose(context.Background(), "gone"))
}

func TestListRoomBroadcastIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	enc := admitEncoder(t, env, "conn-e", "conn-2")
	require.NoError(t, env.eng.PublishStart(ctx, enc.ConnID, "enc"))

	ids, err := env.eng.ListRoomBroadcastIDs("conn-1")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// The broadcaster itself is excluded from its own listing.
	ids, err = env.eng.ListRoomBroadcastIDs(enc.ConnID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = env.eng.ListRoomBroadcastIDs("gone")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestScreenSharerActionTogglesIndependently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)

	c, _ := env.clients.Get("conn-1")
	c.Streaming = true
	c.ScreenPublished = true
	env.clients.Update(c)
	env.transport.reset()

	res, err := env.eng.ScreenSharerAction(ctx, "conn-1", ScreenShareStop{Streaming: true})
	require.NoError(t, err)
	assert.True(t, res.Streaming)
	assert.False(t, res.Publishing)
	assert.False(t, res.All, "publishing still on")
	require.Len(t, env.transport.byMethod("stopScreenSharingMessage"), 1)
	assert.Empty(t, env.transport.byMethod("stopPublishingMessage"))

	res, err = env.eng.ScreenSharerAction(ctx, "conn-1", ScreenShareStop{Publishing: true})
	require.NoError(t, err)
	assert.True(t, res.Publishing)
	assert.True(t, res.All)

	// A stale duplicate stop changes nothing and stays silent.
	env.transport.reset()
	res, err = env.eng.ScreenSharerAction(ctx, "conn-1", ScreenShareStop{Streaming: true, Publishing: true})
	require.NoError(t, err)
	assert.False(t, res.Streaming)
	assert.False(t, res.Publishing)
	assert.True(t, res.All)
	assert.Empty(t, env.transport.events)
}

func TestSetConnectionAsSharingClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)

	st, err := env.eng.SetConnectionAsSharingClient(ctx, "conn-1", SharingRequest{
		X: 5, Y: 6, Width: 800, Height: 600,
		StartStreaming:  true,
		StartPublishing: true,
	})
	require.NoError(t, err)
	assert.False(t, st.AlreadyPublished)
	assert.False(t, st.PublishRefused)

	c, _ := env.clients.Get("conn-1")
	assert.True(t, c.Streaming)
	assert.True(t, c.ScreenPublished)
	assert.Equal(t, 800, c.VWidth)

	// Second publisher in the same room is refused.
	st, err = env.eng.SetConnectionAsSharingClient(ctx, "conn-2", SharingRequest{StartPublishing: true})
	require.NoError(t, err)
	assert.True(t, st.PublishRefused)
	c2, _ := env.clients.Get("conn-2")
	assert.False(t, c2.ScreenPublished)

	// Re-publishing reports already published.
	st, err = env.eng.SetConnectionAsSharingClient(ctx, "conn-1", SharingRequest{StartPublishing: true})
	require.NoError(t, err)
	assert.True(t, st.AlreadyPublished)
}

func TestSetAVSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)

	c, err := env.eng.SetAVSettings(ctx, "pub-1", true, false, true)
	require.NoError(t, err)
	assert.Equal(t, domain.AVAudio, c.AVSettings)
	assert.True(t, c.Broadcasting)
	first := c.BroadcastID
	assert.NotEqual(t, domain.NoBroadcast, first)

	// Same broadcast, richer media: id kept.
	c, err = env.eng.SetAVSettings(ctx, "pub-1", true, true, false)
	require.NoError(t, err)
	assert.Equal(t, domain.AVAudioVideo, c.AVSettings)
	assert.Equal(t, first, c.BroadcastID)

	// Everything off clears the broadcast.
	c, err = env.eng.SetAVSettings(ctx, "pub-1", false, false, false)
	require.NoError(t, err)
	assert.Equal(t, domain.AVNone, c.AVSettings)
	assert.False(t, c.Broadcasting)
	assert.Equal(t, domain.NoBroadcast, c.BroadcastID)
}

func TestScreenSharingClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	parent := env.admit(t, "conn-1", "pub-1", 10)

	s, err := env.eng.Admit(ctx, core.AdmitRequest{
		ConnID:       "conn-s",
		RoomID:       10,
		ScreenClient: true,
		ParentID:     parent.PublicID,
	})
	require.NoError(t, err)
	assert.Empty(t, env.eng.ScreenSharingClients(10))

	require.NoError(t, env.eng.PublishStart(ctx, s.ConnID, "screen"))
	sharing := env.eng.ScreenSharingClients(10)
	require.Len(t, sharing, 1)
	assert.Equal(t, s.ConnID, sharing[0].ConnID)
}
