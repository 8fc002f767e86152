package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/types"
)

// Registry keeps every peer seen by this process. Entries are never removed;
// peers that go away are only marked disconnected.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*types.Peer
	now   func() time.Time
}

// NewRegistry creates an empty peer registry
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*types.Peer),
		now:   time.Now,
	}
}

// Observe upserts a sighting. Empty fields in p leave the stored values
// untouched; LastSeen is always refreshed.
func (r *Registry) Observe(p types.Peer) types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[p.ID]
	if !ok {
		existing = &types.Peer{ID: p.ID}
		r.peers[p.ID] = existing
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.Role != "" {
		existing.Role = p.Role
	}
	if p.Address != "" {
		existing.Address = p.Address
	}
	if p.ControlPort != 0 {
		existing.ControlPort = p.ControlPort
	}
	existing.LastSeen = r.now()
	return *existing
}

// MarkConnected records a completed handshake with the peer
func (r *Registry) MarkConnected(p types.Peer) types.Peer {
	r.Observe(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[p.ID]
	peer.Connected = true
	return *peer
}

// MarkDisconnected flags the peer as no longer connected
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, ok := r.peers[id]; ok {
		peer.Connected = false
	}
}

// Get returns a copy of the peer with the given identity
func (r *Registry) Get(id string) (types.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[id]
	if !ok {
		return types.Peer{}, false
	}
	return *peer, true
}

// List returns all peers ordered by name, then identity
func (r *Registry) List() []types.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// ConnectedCount returns how many peers currently hold a live connection
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.peers {
		if p.Connected {
			n++
		}
	}
	return n
}

// Latest returns the most recently seen peer of the given role
func (r *Registry) Latest(role types.Role) (types.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.Peer
	for _, p := range r.peers {
		if p.Role != role {
			continue
		}
		if best == nil || p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	if best == nil {
		return types.Peer{}, false
	}
	return *best, true
}
