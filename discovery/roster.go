package discovery

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"fileshare/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its name or picture changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer is evicted.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies roster updates.
type EventType string

// Event carries roster updates for UI consumers.
type Event struct {
	Type EventType
	Peer models.Peer
}

// Roster is the set of live peers, keyed by address.
type Roster struct {
	clock clock.Clock

	mu    sync.RWMutex
	peers map[netip.Addr]*models.Peer

	events chan Event
}

// NewRoster creates an empty roster. A nil clock uses wall time.
func NewRoster(clk clock.Clock) *Roster {
	if clk == nil {
		clk = clock.New()
	}
	return &Roster{
		clock:  clk,
		peers:  make(map[netip.Addr]*models.Peer),
		events: make(chan Event, 128),
	}
}

// Events provides asynchronous roster updates. Updates are dropped when nobody reads.
func (r *Roster) Events() <-chan Event {
	return r.events
}

// Observe records a keep-alive from addr. Known peers get LastSeen and Name
// refreshed; their picture is replaced only when digest is present and differs.
func (r *Roster) Observe(addr netip.Addr, ka KeepAlive) models.Peer {
	now := r.clock.Now()
	addr = addr.Unmap()

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[addr]
	if !exists {
		peer = &models.Peer{
			Name:     ka.Name,
			Address:  addr,
			LastSeen: now,
		}
		if ka.PictureDigest != nil {
			peer.PictureDigest = append([]byte(nil), ka.PictureDigest...)
			peer.Picture = append([]byte(nil), ka.Picture...)
		}
		r.peers[addr] = peer
		snapshot := peer.Clone()
		r.emitEvent(Event{Type: EventPeerUpserted, Peer: snapshot})
		return snapshot
	}

	changed := peer.Name != ka.Name
	peer.LastSeen = now
	peer.Name = ka.Name
	if ka.PictureDigest != nil && peer.PictureChanged(ka.PictureDigest) {
		peer.PictureDigest = append([]byte(nil), ka.PictureDigest...)
		peer.Picture = append([]byte(nil), ka.Picture...)
		changed = true
	}

	snapshot := peer.Clone()
	if changed {
		r.emitEvent(Event{Type: EventPeerUpserted, Peer: snapshot})
	}
	return snapshot
}

// Lookup returns a snapshot of the peer at addr.
func (r *Roster) Lookup(addr netip.Addr) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[addr.Unmap()]
	if !ok {
		return models.Peer{}, false
	}
	return peer.Clone(), true
}

// List returns every peer sorted by name, then address.
func (r *Roster) List() []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Address.Less(out[j].Address)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of peers.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Evict removes peers not seen for longer than maxAge and returns them.
func (r *Roster) Evict(maxAge time.Duration) []models.Peer {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []netip.Addr
	for addr, peer := range r.peers {
		if now.Sub(peer.LastSeen) > maxAge {
			victims = append(victims, addr)
		}
	}

	removed := make([]models.Peer, 0, len(victims))
	for _, addr := range victims {
		peer := r.peers[addr].Clone()
		delete(r.peers, addr)
		removed = append(removed, peer)
		r.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
	}
	return removed
}

func (r *Roster) emitEvent(event Event) {
	select {
	case r.events <- event:
	default:
	}
}
