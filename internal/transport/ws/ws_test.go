package ws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopNetConn struct{}

func (nopNetConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (nopNetConn) WriteMessage(int, []byte) error    { return nil }
func (nopNetConn) SetWriteDeadline(time.Time) error  { return nil }
func (nopNetConn) SetReadLimit(int64)                {}
func (nopNetConn) Close() error                      { return nil }

func TestConnTrySendBackpressure(t *testing.T) {
	c := newConn("conn-1", nopNetConn{}, 2)

	require.NoError(t, c.TrySend([]byte("a")))
	require.NoError(t, c.TrySend([]byte("b")))
	assert.ErrorIs(t, c.TrySend([]byte("c")), ErrBackpressure)
}

func TestConnCloseIdempotent(t *testing.T) {
	c := newConn("conn-1", nopNetConn{}, 1)
	c.Close()
	c.Close() // second close must not panic
}

func TestConnSendAfterClose(t *testing.T) {
	c := newConn("conn-1", nopNetConn{}, 4)
	c.Close()

	// A fan-out goroutine may still hold the conn after the read loop
	// tore it down; the send must fail cleanly, never panic.
	assert.ErrorIs(t, c.TrySend([]byte("late")), ErrClosed)
}

func TestConnConcurrentSendAndClose(t *testing.T) {
	c := newConn("conn-1", nopNetConn{}, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := c.TrySend([]byte("x"))
				if err != nil {
					assert.True(t, errors.Is(err, ErrBackpressure) || errors.Is(err, ErrClosed))
				}
			}
		}()
	}
	c.Close()
	wg.Wait()

	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrClosed)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Another connection has its own budget.
	assert.True(t, rl.Allow("b"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("a"), "window slides")

	rl.Forget("b")
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("b"))
	}
}
