package broker

import "sync"

// Peer is another broker in the cluster, as far as this node needs to know
// it: an ID and an RPC address for fetchers to dial.
type Peer struct {
	NodeID string
	Addr   string
}

// PeerManager is the broker's address book of its peers.
type PeerManager struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeerManager() *PeerManager {
	return &PeerManager{peers: make(map[string]*Peer)}
}

// Add registers a peer, replacing any existing entry.
func (pm *PeerManager) Add(nodeID, addr string) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	peer := &Peer{NodeID: nodeID, Addr: addr}
	pm.peers[nodeID] = peer
	return peer
}

func (pm *PeerManager) Get(nodeID string) *Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.peers[nodeID]
}
