// Package gateway accepts the front display and GM console websockets,
// relays control messages between the two peers of a session and keeps the
// presence registry informed of who is connected.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

const (
	DefaultPingInterval    = 15 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 64 << 10
	DefaultSendBuffer      = 64
)

// Presence is the part of the registry the gateway drives.
type Presence interface {
	SetStatus(tenantID, sessionID string, role model.Role, status model.Status) (presence.Entry, error)
	Get(tenantID, sessionID string) (presence.Entry, bool)
}

// Config configures a Gateway. Presence is required.
type Config struct {
	Presence        Presence
	Logger          *slog.Logger
	AllowedOrigins  []string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Gateway owns every open socket.
type Gateway struct {
	presence     Presence
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	maxMessage   int64
	sendBuffer   int

	mu      sync.RWMutex
	conns   map[*conn]struct{}
	closing bool

	// statusMu orders the online write of a hello against the
	// check-then-write of a close, so a late offline never lands on a role
	// whose new socket has already said hello.
	statusMu sync.Mutex

	handlers sync.WaitGroup
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Gateway{
		presence:     cfg.Presence,
		logger:       cfg.Logger,
		upgrader:     makeUpgrader(cfg.AllowedOrigins),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		maxMessage:   cfg.MaxMessageBytes,
		sendBuffer:   cfg.SendBuffer,
		conns:        make(map[*conn]struct{}),
	}
}

// makeUpgrader creates a websocket upgrader with origin checking. An empty
// list (or "*") allows any origin.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Query parameters: tenantId, role (gm|front, default front).
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	meta := Meta{
		TenantID: q.Get("tenantId"),
		Role:     model.ParseRole(q.Get("role")),
	}

	g.mu.RLock()
	closing := g.closing
	g.mu.RUnlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway: websocket upgrade failed", "err", err)
		return
	}

	c := newConn(uuid.NewString(), ws, meta, g.sendBuffer)
	if !g.register(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(g.writeTimeout))
		ws.Close()
		return
	}
	defer g.handlers.Done()

	g.logger.Info("gateway: connected", "conn_id", c.id, "tenant", meta.TenantID, "role", meta.Role)
	go c.writePump(g.pingInterval, g.writeTimeout, g.logger)

	g.readLoop(c)

	g.unregister(c)
	g.onClose(c)
}

func (g *Gateway) register(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.handlers.Add(1)
	metrics.TotalConnections.WithLabelValues(string(c.meta.Role)).Inc()
	metrics.ActiveConnections.WithLabelValues(string(c.meta.Role)).Inc()
	return true
}

// unregister removes the connection and closes its send queue. Broadcast
// only sends to registered connections under the read lock, so nothing can
// send on the closed channel.
func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	if _, ok := g.conns[c]; ok {
		delete(g.conns, c)
		close(c.send)
		metrics.ActiveConnections.WithLabelValues(string(c.meta.Role)).Dec()
	}
	g.mu.Unlock()
}

func (g *Gateway) readLoop(c *conn) {
	c.ws.SetReadLimit(g.maxMessage)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				g.logger.Debug("gateway: read error", "conn_id", c.id, "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
			continue
		}
		g.handle(c, Decode(data))
	}
}

// onClose marks the role offline once its last socket for the session is gone.
func (g *Gateway) onClose(c *conn) {
	meta := c.Meta()
	g.logger.Info("gateway: disconnected", "conn_id", c.id, "tenant", meta.TenantID,
		"role", meta.Role, "session", meta.SessionID)
	if meta.TenantID == "" || meta.SessionID == "" {
		return
	}
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	if g.HasOpenSocket(meta.TenantID, meta.SessionID, meta.Role) {
		return
	}
	if _, err := g.presence.SetStatus(meta.TenantID, meta.SessionID, meta.Role, model.StatusOffline); err != nil {
		g.logger.Warn("gateway: mark offline failed", "tenant", meta.TenantID,
			"session", meta.SessionID, "role", meta.Role, "err", err)
	}
}

func (g *Gateway) handle(c *conn, msg Message) {
	meta := c.Meta()
	kind := msg.Kind()
	if _, bad := msg.(Invalid); bad {
		kind = "invalid"
	}
	metrics.MessagesReceived.WithLabelValues(kind).Inc()
	if meta.TenantID == "" {
		metrics.MessagesDropped.WithLabelValues(metrics.DropNoTenant).Inc()
		return
	}

	switch m := msg.(type) {
	case Hello:
		c.bindSession(m.SessionID)
		g.statusMu.Lock()
		_, err := g.presence.SetStatus(meta.TenantID, m.SessionID, meta.Role, model.StatusOnline)
		g.statusMu.Unlock()
		if err != nil {
			g.logger.Warn("gateway: mark online failed", "conn_id", c.id, "err", err)
		}
	case TensionUpdate:
		g.relayGated(meta, m)
	case SlideshowUpdate:
		g.relayGated(meta, m)
	case HourglassCommand:
		g.relayGated(meta, m)
	case TensionConfig:
		g.relay(meta.TenantID, m)
	case StateRequest:
		g.relay(meta.TenantID, m)
	case Invalid:
		g.logger.Debug("gateway: dropped frame", "conn_id", c.id, "type", m.Type, "reason", m.Reason)
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
	}
}

// relayGated relays only when the sender's counterpart is online for the
// session named in the message. Messages without a sessionId are not gated.
func (g *Gateway) relayGated(meta Meta, m Message) {
	if sid := m.Session(); sid != "" && !g.counterpartOnline(meta, sid) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropCounterpart).Inc()
		return
	}
	g.relay(meta.TenantID, m)
}

func (g *Gateway) counterpartOnline(meta Meta, sessionID string) bool {
	e, ok := g.presence.Get(meta.TenantID, sessionID)
	if !ok {
		return false
	}
	return e.StatusOf(meta.Role.Counterpart()) == model.StatusOnline
}

func (g *Gateway) relay(tenantID string, m Message) {
	payload, err := Encode(m)
	if err != nil {
		g.logger.Warn("gateway: encode failed", "type", m.Kind(), "err", err)
		return
	}
	metrics.MessagesRelayed.WithLabelValues(m.Kind()).Inc()
	g.Broadcast(tenantID, payload)
}

// Broadcast queues payload on every open socket of the tenant, sender
// included. A socket whose queue is full misses the frame. It returns the
// number of sockets the frame was queued on.
func (g *Gateway) Broadcast(tenantID string, payload []byte) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for c := range g.conns {
		if c.Meta().TenantID != tenantID {
			continue
		}
		select {
		case c.send <- payload:
			n++
		default:
			metrics.MessagesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		}
	}
	return n
}

// HasOpenSocket reports whether any open socket is bound to the tenant,
// session and role. It is the probe the presence sweeper uses.
func (g *Gateway) HasOpenSocket(tenantID, sessionID string, role model.Role) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.conns {
		m := c.Meta()
		if m.TenantID == tenantID && m.SessionID == sessionID && m.Role == role {
			return true
		}
	}
	return false
}

// Count returns the number of open sockets.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Run broadcasts a presence:update frame to the tenant for every registry
// event until ctx is cancelled or the channel closes.
func (g *Gateway) Run(ctx context.Context, in <-chan presence.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			e := ev.Entry
			payload, err := EncodePresence(e.SessionID, e.Front, e.GM)
			if err != nil {
				g.logger.Warn("gateway: encode presence failed", "err", err)
				continue
			}
			metrics.MessagesRelayed.WithLabelValues(TypePresenceUpdate).Inc()
			g.Broadcast(e.TenantID, payload)
		}
	}
}

// Shutdown stops accepting sockets, closes every open one with
// CloseGoingAway and waits for their handlers to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	deadline := time.Now().Add(g.writeTimeout)
	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		g.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
