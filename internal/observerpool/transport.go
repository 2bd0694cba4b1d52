package observerpool

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autocode/driver/internal/observability"
)

// Wire limits and timing defaults. PoolConfig's HeartbeatTimeout and
// HeartbeatInterval override wirePongWait and wireTickInterval when
// set; the payload limit and write wait are fixed.
const (
	wireMaxPayloadBytes = 1 << 20
	wirePongWait        = 45 * time.Second
	wireWriteWait       = 10 * time.Second
	wireTickInterval    = 15 * time.Second
)

// wireFrame is the envelope every observer wire message is decoded
// into before dispatch.
type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport upgrades HTTP connections to the observer websocket
// protocol and drives each connection's read/write loops: upgrade,
// per-connection send channel, ping/pong keepalive, and a
// connect-before-anything-else handshake gate.
type Transport struct {
	pool     *Pool
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

// NewTransport constructs a Transport bound to pool. checkOrigin may
// be nil to accept every origin at the HTTP-upgrade layer (the pool's
// own Admit still enforces the configured allowlist).
func NewTransport(pool *Pool, logger *observability.Logger, checkOrigin func(*http.Request) bool) *Transport {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Transport{
		pool:   pool,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and blocks for the connection's
// lifetime.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	conn.SetReadLimit(wireMaxPayloadBytes)

	wireSession := &wireConn{
		transport: t,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan []byte, 64),
		origin:    r.Header.Get("Origin"),
	}
	wireSession.run()
}

// wireConn is one not-yet-admitted or admitted websocket connection.
type wireConn struct {
	transport *Transport
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	outbound  chan []byte
	origin    string

	session *Session
}

func (c *wireConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wireConn) close() {
	c.cancel()
	if c.session != nil {
		c.transport.pool.Drop(c.session.ConnectionID, "connection closed")
	}
	_ = c.conn.Close()
}

func (c *wireConn) readLoop() {
	pongWait := c.transport.heartbeatTimeout()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.session != nil {
			c.transport.pool.MarkHeartbeat(c.session.ConnectionID, true)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if c.session == nil {
			if frame.Type != "connect" {
				c.sendError("first frame must be connect")
				continue
			}
			if !c.handleConnect(frame) {
				return
			}
			continue
		}

		switch frame.Type {
		case "pong":
			c.transport.pool.MarkHeartbeat(c.session.ConnectionID, true)
		case "resync":
			var resync ResyncFrame
			if err := json.Unmarshal(frame.Payload, &resync); err == nil {
				c.replay(resync.FromSeq)
			}
		case "close":
			return
		}
	}
}

func (c *wireConn) handleConnect(frame wireFrame) bool {
	var req AdmissionRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError("malformed connect frame")
		return false
	}
	if req.Origin == "" {
		req.Origin = c.origin
	}

	session, result := c.transport.pool.Admit(c.ctx, req)
	c.send("admission-result", result)
	if !result.Accepted {
		return false
	}
	c.session = session

	go c.pumpEvents()
	go c.tick()
	return true
}

// pumpEvents drains the admitted Session's mailbox onto the wire.
func (c *wireConn) pumpEvents() {
	for {
		event, ok := c.session.Recv(c.ctx)
		if !ok {
			return
		}
		frame := c.session.frame(event)
		c.send("event", frame)
	}
}

func (c *wireConn) replay(fromSeq int64) {
	n, ok := c.transport.pool.Reconnect(c.session, fromSeq)
	if !ok {
		c.send("resync-required", nil)
		return
	}
	c.send("resync-ack", map[string]any{"replayed": n})
}

func (c *wireConn) tick() {
	ticker := time.NewTicker(c.transport.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wireWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) heartbeatInterval() time.Duration {
	if t.pool.cfg.HeartbeatInterval > 0 {
		return t.pool.cfg.HeartbeatInterval
	}
	return wireTickInterval
}

func (t *Transport) heartbeatTimeout() time.Duration {
	if t.pool.cfg.HeartbeatTimeout > 0 {
		return t.pool.cfg.HeartbeatTimeout
	}
	return wirePongWait
}

func (c *wireConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wireWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wireConn) send(kind string, payload any) {
	raw, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: kind, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.outbound <- raw:
	case <-c.ctx.Done():
	}
}

func (c *wireConn) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}
