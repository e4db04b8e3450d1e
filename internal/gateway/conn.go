package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// Meta is what a connection knows about itself. SessionID stays empty
// until the peer says hello.
type Meta struct {
	TenantID  string
	Role      model.Role
	SessionID string
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	// alive is cleared before every ping and set again by the pong handler.
	alive atomic.Bool

	mu   sync.Mutex
	meta Meta
}

func newConn(id string, ws *websocket.Conn, meta Meta, buffer int) *conn {
	c := &conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		meta: meta,
	}
	c.alive.Store(true)
	return c
}

func (c *conn) Meta() Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *conn) bindSession(sessionID string) {
	c.mu.Lock()
	c.meta.SessionID = sessionID
	c.mu.Unlock()
}

// writePump owns every data write and the heartbeat. It exits when the
// send queue is closed, a write fails, or the peer misses a pong.
func (c *conn) writePump(pingInterval, writeTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("gateway: write failed", "conn_id", c.id, "err", err)
				return
			}
		case <-ticker.C:
			if !c.alive.Swap(false) {
				logger.Info("gateway: heartbeat timeout", "conn_id", c.id)
				metrics.HeartbeatTimeouts.Inc()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("gateway: ping failed", "conn_id", c.id, "err", err)
				return
			}
		}
	}
}
