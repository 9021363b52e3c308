package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"hackbackend/internal/metrics"
)

// Authenticator validates a token into a player id. The concrete
// implementation (internal/auth) is an external collaborator per
// spec.md §1 — the bus only consumes the interface.
type Authenticator interface {
	Authenticate(token string) (playerID string, err error)
}

// ClanMembership authorises clan:<id> subscriptions.
type ClanMembership interface {
	IsClanMember(clanID, playerID string) bool
}

// Config tunes the Hub's heartbeat and queue behaviour, sourced from
// env vars per spec.md §6 CLI/env.
type Config struct {
	OutboundQueueSize int
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
}

// DefaultConfig returns a 256-frame outbound queue, a 30s heartbeat
// interval and a 10s window for the auth frame.
func DefaultConfig() Config {
	return Config{
		OutboundQueueSize: 256,
		HeartbeatInterval: 30 * time.Second,
		AuthTimeout:       10 * time.Second,
	}
}

// Hub is the in-memory subscription and delivery manager: the
// generalization of the teacher's Server (register/unregister/shutdown
// channels over one clients map) into channel-scoped fan-out.
type Hub struct {
	cfg  Config
	auth Authenticator
	clan ClanMembership

	mu            sync.RWMutex
	conns         map[*Conn]bool
	byChannel     map[string]map[*Conn]bool
	byPlayer      map[string]map[*Conn]bool
}

// NewHub constructs a Hub. auth and clan may be nil in tests that
// don't exercise authentication/clan authorisation.
func NewHub(cfg Config, auth Authenticator, clan ClanMembership) *Hub {
	return &Hub{
		cfg:       cfg,
		auth:      auth,
		clan:      clan,
		conns:     make(map[*Conn]bool),
		byChannel: make(map[string]map[*Conn]bool),
		byPlayer:  make(map[string]map[*Conn]bool),
	}
}

// Register adds a freshly-accepted connection to the hub before its
// auth handshake completes.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = true
	metrics.ConnectedClients.Set(float64(len(h.conns)))
}

// Unregister removes a connection and all of its channel memberships,
// mirroring the teacher's unregister branch closing client.send.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[c] {
		return
	}
	delete(h.conns, c)
	for ch := range c.channels {
		if set, ok := h.byChannel[ch]; ok {
			delete(set, c)
		}
	}
	if c.playerID != "" {
		if set, ok := h.byPlayer[c.playerID]; ok {
			delete(set, c)
		}
	}
	c.closeOutbound()
	metrics.ConnectedClients.Set(float64(len(h.conns)))
}

// Authenticate runs the auth frame handshake, adds user:<id> to the
// connection's channel set on success, and emits a CONNECTED-style
// player_online notification so other sessions of the same user
// observe the new session (spec.md §4.6).
func (h *Hub) Authenticate(c *Conn, token string) AuthResponsePayload {
	if h.auth == nil {
		return AuthResponsePayload{Success: false, Reason: "authentication unavailable"}
	}
	playerID, err := h.auth.Authenticate(token)
	if err != nil {
		return AuthResponsePayload{Success: false, Reason: err.Error()}
	}

	h.mu.Lock()
	c.playerID = playerID
	userChannel := fmt.Sprintf("user:%s", playerID)
	h.subscribeLocked(c, userChannel)
	if h.byPlayer[playerID] == nil {
		h.byPlayer[playerID] = make(map[*Conn]bool)
	}
	h.byPlayer[playerID][c] = true
	h.mu.Unlock()

	h.Publish(userChannel, OutFrame{Type: FramePlayerOnline, Payload: PlayerOnlinePayload{UserID: playerID}})
	return AuthResponsePayload{Success: true}
}

// Subscribe adds channel to c's subscription set, authorising
// clan:<id> channels against ClanMembership. user:<id> for another
// player is never authorised.
func (h *Hub) Subscribe(c *Conn, channel string) error {
	if c.playerID == "" {
		return fmt.Errorf("not authenticated")
	}
	if err := h.authorise(c, channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, channel)
	return nil
}

func (h *Hub) authorise(c *Conn, channel string) error {
	var clanID string
	if n, _ := fmt.Sscanf(channel, "clan:%s", &clanID); n == 1 {
		if h.clan == nil || !h.clan.IsClanMember(clanID, c.playerID) {
			return fmt.Errorf("not a member of %s", channel)
		}
	}
	var otherUser string
	if n, _ := fmt.Sscanf(channel, "user:%s", &otherUser); n == 1 && otherUser != c.playerID {
		return fmt.Errorf("cannot subscribe to another user's channel")
	}
	return nil
}

func (h *Hub) subscribeLocked(c *Conn, channel string) {
	c.channels[channel] = true
	if h.byChannel[channel] == nil {
		h.byChannel[channel] = make(map[*Conn]bool)
	}
	h.byChannel[channel][c] = true
}

// Unsubscribe removes channel from c's subscription set. user:<id> can
// never be removed, per spec.md's invariant that it's always present
// after auth.
func (h *Hub) Unsubscribe(c *Conn, channel string) {
	if c.playerID != "" && channel == fmt.Sprintf("user:%s", c.playerID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.channels, channel)
	if set, ok := h.byChannel[channel]; ok {
		delete(set, c)
	}
}

// Publish routes frame to every connection subscribed to channel,
// enforcing the delivery restriction of spec.md §4.6 / P7: only
// subscribers of channel ever receive it.
func (h *Hub) Publish(channel string, frame OutFrame) {
	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.byChannel[channel]))
	for c := range h.byChannel[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	encoded, err := json.Marshal(frame)
	if err != nil {
		log.Printf("bus: failed to marshal frame %s: %v", frame.Type, err)
		return
	}
	for _, c := range subs {
		h.deliver(c, frame.Type, encoded)
	}
}

// PublishToPlayer is a convenience wrapper for channel
// "user:<playerID>".
func (h *Hub) PublishToPlayer(playerID string, frame OutFrame) {
	h.Publish(fmt.Sprintf("user:%s", playerID), frame)
}

// deliver enqueues an already-encoded frame onto c's bounded outbound
// queue. On a full queue a non-critical frame replaces the oldest
// queued non-critical frame; if every queued frame is critical, the new
// frame is discarded. The BACKPRESSURE marker enqueue is attempted only
// when no room could be made, so it does not fit a full queue and is
// not delivered. A critical frame that still can't fit after dropping
// non-critical frames closes the connection with POLICY_VIOLATION.
func (h *Hub) deliver(c *Conn, t FrameType, encoded []byte) {
	if c.enqueue(encoded) {
		return
	}

	if !t.Critical() {
		if c.dropOldestNonCritical() {
			if c.enqueue(encoded) {
				return
			}
		}
		marker, _ := json.Marshal(OutFrame{Type: FrameBackpressure})
		c.enqueue(marker)
		metrics.BackpressureEventsTotal.WithLabelValues("dropped").Inc()
		return
	}

	// Critical frame and no room: try to make room by dropping
	// non-critical frames first.
	for c.dropOldestNonCritical() {
		if c.enqueue(encoded) {
			return
		}
	}
	c.closeWithPolicyViolation()
	metrics.BackpressureEventsTotal.WithLabelValues("connection_closed").Inc()
}

// Snapshot reports the channels a connection currently belongs to,
// for /sync and diagnostics.
func (h *Hub) Snapshot(c *Conn) []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// ConnectionsForPlayer returns the live connections for playerID.
func (h *Hub) ConnectionsForPlayer(playerID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.byPlayer[playerID]))
	for c := range h.byPlayer[playerID] {
		out = append(out, c)
	}
	return out
}
