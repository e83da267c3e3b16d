// Package ws is the websocket signaling adapter: it upgrades
// connections, feeds inbound commands to the engine and implements the
// engine's Transport for outbound events.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// netConn is an indirection over *websocket.Conn to ease testing.
type netConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Conn is one signaling endpoint. Writes go through a buffered channel
// so a slow reader backpressures into TrySend instead of blocking the
// fan-out path.
//
// Shutdown is signalled through done; the send channel is never
// closed, so a fan-out goroutine still holding the conn can race
// Close freely and gets ErrClosed instead of a panic.
type Conn struct {
	id   string
	conn netConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(id string, c netConn, buffer int) *Conn {
	return &Conn{
		id:   id,
		conn: c,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) TrySend(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump pumps queued events to the network and keeps the
// connection alive with pings.
func (c *Conn) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "transport.ws").Str("conn", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
