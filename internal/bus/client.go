package bus

import (
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one WebSocket connection: the generalization of the
// teacher's Client struct (conn, send chan []byte, server *Server)
// with an outbound ring buffer instead of an unbounded channel, so
// backpressure has somewhere to act (spec.md §4.6).
type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	playerID string
	channels map[string]bool

	mu         sync.Mutex
	outbound   [][]byte
	closed     bool
	lastPongAt time.Time
	wake       chan struct{}
}

// newConn wraps ws for registration with hub.
func newConn(ws *websocket.Conn, hub *Hub) *Conn {
	return &Conn{
		ws:         ws,
		hub:        hub,
		channels:   make(map[string]bool),
		lastPongAt: time.Now(),
		wake:       make(chan struct{}, 1),
	}
}

// Serve runs the connection's read and write pumps until either
// closes, mirroring the teacher's readPump/writePump pairing launched
// as two goroutines per client.
func Serve(ws *websocket.Conn, hub *Hub) {
	c := newConn(ws, hub)
	hub.Register(c)

	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(hub)
	close(done)
	hub.Unregister(c)
}

func (c *Conn) readPump(hub *Hub) {
	defer c.ws.Close()

	c.ws.SetReadLimit(64 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(hub.cfg.AuthTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		c.ws.SetReadDeadline(time.Now().Add(2 * hub.cfg.HeartbeatInterval))
		return nil
	})

	authenticated := false
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("bus: read error: %v", err)
			}
			return
		}

		var in InFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}

		switch in.Type {
		case FrameAuth:
			var p AuthPayload
			json.Unmarshal(in.Payload, &p)
			resp := hub.Authenticate(c, p.Token)
			c.send(OutFrame{Type: FrameAuthResponse, Payload: resp})
			if resp.Success {
				authenticated = true
				c.ws.SetReadDeadline(time.Now().Add(2 * hub.cfg.HeartbeatInterval))
			}
		case FramePing:
			c.send(OutFrame{Type: FramePong})
		case FrameSubscribe:
			if !authenticated {
				continue
			}
			var p ChannelPayload
			json.Unmarshal(in.Payload, &p)
			hub.Subscribe(c, p.Channel)
		case FrameUnsubscribe:
			if !authenticated {
				continue
			}
			var p ChannelPayload
			json.Unmarshal(in.Payload, &p)
			hub.Unsubscribe(c, p.Channel)
		default:
			// Unrecognised frame types are dropped silently; this is a
			// realtime push channel, not a command bus.
		}
	}
}

func (c *Conn) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		for {
			frame, ok := c.nextOutbound()
			if !ok {
				break
			}
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}

		select {
		case <-done:
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.wake:
		}
	}
}

// send is a convenience for locally-originated frames (auth_response,
// pong) that bypass Hub.Publish's channel routing.
func (c *Conn) send(frame OutFrame) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(encoded)
}

// enqueue appends encoded to the outbound buffer, returning false if
// the buffer is at capacity.
func (c *Conn) enqueue(encoded []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true // swallow silently; connection is on its way out
	}
	if len(c.outbound) >= c.hub.cfg.OutboundQueueSize {
		return false
	}
	c.outbound = append(c.outbound, encoded)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// dropOldestNonCritical removes the oldest queued frame whose type is
// not critical, returning whether one was found and removed.
func (c *Conn) dropOldestNonCritical() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, raw := range c.outbound {
		var probe OutFrame
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.Type.Critical() {
			continue
		}
		c.outbound = append(c.outbound[:i], c.outbound[i+1:]...)
		return true
	}
	return false
}

func (c *Conn) nextOutbound() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return nil, false
	}
	frame := c.outbound[0]
	c.outbound = c.outbound[1:]
	return frame, true
}

func (c *Conn) closeOutbound() {
	c.mu.Lock()
	c.closed = true
	c.outbound = nil
	c.mu.Unlock()
}

// closeWithPolicyViolation closes the underlying connection with a WS
// close code of 1008 (policy violation), per spec.md §4.6's mandate
// that undeliverable critical events terminate the session rather than
// silently drop.
func (c *Conn) closeWithPolicyViolation() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "outbound queue saturated")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.ws.Close()
}

// RemoteAddr reports the peer address for logging, mirroring the
// teacher's connection logging in handleWebSocket.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
