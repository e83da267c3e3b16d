package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/roomcore/internal/core"
)

func TestStartAndStopRecording(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	env.transport.reset()

	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "standup", false))

	c, _ := env.clients.Get("conn-1")
	assert.True(t, c.Recording)
	assert.Equal(t, int64(1), c.RecordingID)

	starts := env.transport.byMethod("interviewStatus")
	require.Len(t, starts, 2, "both participants hear the start")

	require.NoError(t, env.eng.StopRecording(ctx, "conn-1", false))
	c, _ = env.clients.Get("conn-1")
	assert.False(t, c.Recording)
	assert.Equal(t, int64(0), c.RecordingID)
	assert.True(t, env.recorder.ended[1])
}

// Stopping twice: the second call finds nothing, the first already
// cleared the state.
func TestStopRecordingTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "r", false))

	require.NoError(t, env.eng.StopRecording(ctx, "conn-1", false))
	err := env.eng.StopRecording(ctx, "conn-1", false)
	require.ErrorIs(t, err, core.ErrInvalidState)
	assert.Contains(t, err.Error(), "no recording found")
}

func TestStartRecordingAlreadyRecording(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "r", false))

	err := env.eng.StartRecording(ctx, "conn-1", "again", false)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

// One interview recording per room; stopping from any participant finds
// the single shared id.
func TestInterviewRecordingPerRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)

	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "interview", true))

	err := env.eng.StartRecording(ctx, "conn-2", "second", true)
	require.ErrorIs(t, err, core.ErrInvalidState)

	require.NoError(t, env.eng.StopRecording(ctx, "conn-2", true))
	assert.True(t, env.recorder.ended[1])
	c1, _ := env.clients.Get("conn-1")
	assert.False(t, c1.Recording)

	err = env.eng.StopRecording(ctx, "conn-2", true)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestRecorderFailureSurfacesAsInvalidState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.recorder.failAll = true

	err := env.eng.StartRecording(ctx, "conn-1", "r", false)
	require.ErrorIs(t, err, core.ErrInvalidState)
	c, _ := env.clients.Get("conn-1")
	assert.False(t, c.Recording)
}

// A failed stop must not touch the live state: the recording stays
// owned by the client, its feeds stay tracked, and a retry succeeds.
func TestStopRecordingFailureLeavesStateIntact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	require.NoError(t, env.eng.PublishStart(ctx, "conn-1", "s1"))
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "r", false))

	env.recorder.failAll = true
	err := env.eng.StopRecording(ctx, "conn-1", false)
	require.ErrorIs(t, err, core.ErrInvalidState)

	c, _ := env.clients.Get("conn-1")
	assert.True(t, c.Recording)
	assert.Equal(t, int64(1), c.RecordingID)
	assert.ElementsMatch(t, []string{"conn-1"}, env.eng.FeedingConnections(1))
	assert.False(t, env.recorder.ended[1])

	env.recorder.failAll = false
	require.NoError(t, env.eng.StopRecording(ctx, "conn-1", false))
	c, _ = env.clients.Get("conn-1")
	assert.False(t, c.Recording)
	assert.True(t, env.recorder.ended[1])
}

// The interview variant has the same contract when the shared id
// cannot be closed.
func TestStopInterviewRecordingFailureLeavesStateIntact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "interview", true))

	env.recorder.failAll = true
	err := env.eng.StopRecording(ctx, "conn-2", true)
	require.ErrorIs(t, err, core.ErrInvalidState)
	c1, _ := env.clients.Get("conn-1")
	assert.True(t, c1.Recording)

	env.recorder.failAll = false
	require.NoError(t, env.eng.StopRecording(ctx, "conn-2", true))
	c1, _ = env.clients.Get("conn-1")
	assert.False(t, c1.Recording)
}

func TestRecordingFeeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)

	// conn-2 is already streaming when the recording starts.
	require.NoError(t, env.eng.PublishStart(ctx, "conn-2", "s2"))
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "r", false))
	assert.ElementsMatch(t, []string{"conn-2"}, env.eng.FeedingConnections(1))

	// A later publisher attaches on start.
	require.NoError(t, env.eng.PublishStart(ctx, "conn-1", "s1"))
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, env.eng.FeedingConnections(1))

	// Closing a publish detaches it.
	require.NoError(t, env.eng.PublishClose(ctx, "conn-2"))
	assert.ElementsMatch(t, []string{"conn-1"}, env.eng.FeedingConnections(1))

	require.NoError(t, env.eng.StopRecording(ctx, "conn-1", false))
	assert.Empty(t, env.eng.FeedingConnections(1))
}

func TestLeaveStopsOwnedRecording(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.admit(t, "conn-1", "pub-1", 10)
	env.admit(t, "conn-2", "pub-2", 10)
	require.NoError(t, env.eng.StartRecording(ctx, "conn-1", "r", false))
	env.transport.reset()

	env.eng.Leave(ctx, "conn-1")

	assert.True(t, env.recorder.ended[1])
	_, ok := env.clients.Get("conn-1")
	assert.False(t, ok)
	assert.Equal(t, 1, env.rooms.Count(10))

	// The survivor hears both the recording stop and the disconnect.
	require.NotEmpty(t, env.transport.byMethod("interviewStatus"))
	require.NotEmpty(t, env.transport.byMethod("roomDisconnect"))
}
