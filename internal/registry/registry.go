// Package registry implements the Peer Registry: the mapping from peer
// name to routing information.
//
// Table is a plain data structure with no internal locking — callers (the
// lifecycle engine) hold a single mutex shared with the request table and
// call these methods from within that critical section, so Registry and
// request-table invariants can be checked atomically together.
package registry

import (
	"fmt"
)

// Peer is a registered participant's routing information.
type Peer struct {
	Name           string
	Host           string // observed UDP source host — never the claimed_host from REGISTER
	UDPPort        int
	StreamPort     int
	RegistrationRQ string
}

// ErrNameInUse is returned by Register when name is already registered.
var ErrNameInUse = fmt.Errorf("name already in use")

// Table holds the set of currently registered peers.
type Table struct {
	peers map[string]*Peer
}

// NewTable creates an empty registry.
func NewTable() *Table {
	return &Table{peers: make(map[string]*Peer)}
}

// Register adds a peer, binding datagram_addr to the caller-observed host
// and port rather than any value claimed inside the frame, so a peer
// can't register itself under a spoofed address.
func (t *Table) Register(name, observedHost string, observedUDPPort, streamPort int, rq string) (*Peer, error) {
	if _, exists := t.peers[name]; exists {
		return nil, ErrNameInUse
	}
	p := &Peer{
		Name:           name,
		Host:           observedHost,
		UDPPort:        observedUDPPort,
		StreamPort:     streamPort,
		RegistrationRQ: rq,
	}
	t.peers[name] = p
	return p, nil
}

// Deregister removes a peer. Returns false if the peer was not registered.
func (t *Table) Deregister(name string) bool {
	if _, exists := t.peers[name]; !exists {
		return false
	}
	delete(t.peers, name)
	return true
}

// Lookup returns the peer registered under name, if any.
func (t *Table) Lookup(name string) (*Peer, bool) {
	p, ok := t.peers[name]
	return p, ok
}

// AllExcept returns every registered peer other than name, used to compute
// the SEARCH fan-out target set for a new buyer request.
func (t *Table) AllExcept(name string) []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for n, p := range t.peers {
		if n != name {
			out = append(out, p)
		}
	}
	return out
}

// All returns every registered peer, for snapshotting.
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Len reports the number of registered peers.
func (t *Table) Len() int { return len(t.peers) }
