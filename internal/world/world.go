// Package world is the in-memory cache of Server and Player facts the
// engine consults for preconditions (online, firewall, password
// strength, monitoring level) and capacity (cpu/ram/net totals).
//
// Generalized from the teacher's internal/game.RoomManager: a
// singleton in-memory map filled through the Put* methods (nothing
// loads it from the durable layer), guarded by one sync.RWMutex, with Get/Set accessors instead of a
// full query language — rooms become servers, player room location
// becomes player home server plus current connections.
package world

import (
	"fmt"
	"sync"

	"hackbackend/internal/model"
)

// Registry is the in-memory server/player cache.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*model.Server
	players map[string]*model.Player
	clans   map[string]*model.Clan
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]*model.Server),
		players: make(map[string]*model.Player),
		clans:   make(map[string]*model.Clan),
	}
}

// PutServer inserts or replaces a server record.
func (r *Registry) PutServer(s *model.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ServerID] = s
}

// Server returns a server by id.
func (r *Registry) Server(id string) (*model.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// ServerByIP looks up a server by its unique IP, used by
// POST /servers/connect.
func (r *Registry) ServerByIP(ip string) (*model.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.servers {
		if s.IP == ip {
			return s, true
		}
	}
	return nil, false
}

// PutPlayer inserts or replaces a player record.
func (r *Registry) PutPlayer(p *model.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.PlayerID] = p
}

// Player returns a player by id.
func (r *Registry) Player(id string) (*model.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	return p, ok
}

// PutClan inserts or replaces a clan record.
func (r *Registry) PutClan(c *model.Clan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clans[c.ClanID] = c
}

// Clan returns a clan by id.
func (r *Registry) Clan(id string) (*model.Clan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clans[id]
	return c, ok
}

// IsClanMember reports whether playerID belongs to clanID, used to
// authorise subscribe requests to clan:<id> channels (spec.md §4.6).
func (r *Registry) IsClanMember(clanID, playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clans[clanID]
	if !ok {
		return false
	}
	return c.Members[playerID]
}

// AdjustConnections changes a server's current_connections by delta,
// refusing to exceed max_connections (spec.md §3 Server invariant).
// Its only caller is POST /servers/connect; processes neither take nor
// release connection slots, whether running, paused or terminal.
func (r *Registry) AdjustConnections(serverID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverID]
	if !ok {
		return fmt.Errorf("server %s not found", serverID)
	}
	next := s.CurrentConns + delta
	if next < 0 {
		next = 0
	}
	if next > s.MaxConns {
		return fmt.Errorf("server %s at max connections (%d)", serverID, s.MaxConns)
	}
	s.CurrentConns = next
	return nil
}

// AdjustFirewallLevel changes a server's firewall_level by delta under
// the registry lock, so install_firewall effects never touch the
// *model.Server pointer directly from outside the registry.
func (r *Registry) AdjustFirewallLevel(serverID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverID]
	if !ok {
		return fmt.Errorf("server %s not found", serverID)
	}
	s.FirewallLevel += delta
	return nil
}

// SeedNPCServer registers a passwordless or password-protected NPC
// target by clearing its owner before storing it. Nothing in this
// repository calls it; there is no world seed pipeline.
func (r *Registry) SeedNPCServer(s *model.Server) {
	s.OwnerPlayerID = ""
	r.PutServer(s)
}
