package overlay

import (
	"fmt"
	"log/slog"

	"heliochain/observability/logging"
)

// addAndRun inserts a freshly admitted peer into the registry and starts it,
// both under a single critical section so shutdown can never observe a peer
// that is tracked but not yet live, or live but not yet tracked. If shutdown
// began in the meantime the peer is stopped immediately after insertion; its
// exit path removes it again.
func (o *Overlay) addAndRun(p *Peer) {
	o.mu.Lock()
	if _, ok := o.bySlot[p.slot]; ok {
		o.mu.Unlock()
		panic(fmt.Sprintf("overlay: slot already has a connection (peer %d)", p.id))
	}
	o.bySlot[p.slot] = p
	o.children[p] = struct{}{}
	stopping := !o.work
	p.run()
	o.mu.Unlock()

	o.metrics.connectionOpened(p.inbound)
	if stopping {
		p.stop()
	}
}

// nextPeerID allocates a registry-unique short identifier. IDs start at 1 and
// are never reused within a process lifetime.
func (o *Overlay) nextPeerID() uint64 {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.mu.Unlock()
	return id
}

// activatePeer records a fully handshaked peer under its short ID and public
// key. Duplicate registration under either key is an internal consistency
// failure and panics; the handshake layer is responsible for rejecting
// duplicate identities before activation.
func (o *Overlay) activatePeer(p *Peer) {
	o.mu.Lock()
	if _, ok := o.byShortID[p.id]; ok {
		o.mu.Unlock()
		panic(fmt.Sprintf("overlay: short id %d already active", p.id))
	}
	if _, ok := o.byPublicKey[p.publicKey]; ok {
		o.mu.Unlock()
		panic("overlay: public key already active")
	}
	o.byShortID[p.id] = p
	o.byPublicKey[p.publicKey] = p
	active := len(o.byPublicKey)
	o.mu.Unlock()

	o.metrics.setActivePeers(active)
	o.logger.Info("Peer active",
		slog.Uint64("peer_id", p.id),
		slog.String("direction", directionLabel(p.inbound)),
		logging.MaskField("peer_address", p.remote.String()),
		logging.MaskField("public_key", p.publicKey))
}

// deactivatePeerLocked removes the activation entries for a peer. Safe to
// call for peers that never activated. Caller must hold mu.
func (o *Overlay) deactivatePeerLocked(p *Peer) {
	if cur, ok := o.byShortID[p.id]; ok && cur == p {
		delete(o.byShortID, p.id)
	}
	if p.publicKey != "" {
		if cur, ok := o.byPublicKey[p.publicKey]; ok && cur == p {
			delete(o.byPublicKey, p.publicKey)
		}
	}
}

// peerGone is the single teardown funnel: every peer exit, clean or not,
// lands here exactly once. It erases the peer from all registry maps, drops
// it from the child set, and releases its slot back to the finder.
func (o *Overlay) peerGone(p *Peer) {
	o.mu.Lock()
	if _, ok := o.bySlot[p.slot]; !ok {
		o.mu.Unlock()
		panic(fmt.Sprintf("overlay: removing untracked peer %d", p.id))
	}
	o.deactivatePeerLocked(p)
	delete(o.bySlot, p.slot)
	delete(o.children, p)
	active := len(o.byPublicKey)
	o.checkStoppedLocked()
	o.cond.Broadcast()
	o.mu.Unlock()

	// Slot release happens outside the registry lock; the finder takes its
	// own mutex and may log.
	o.finder.Release(p.slot)
	o.metrics.connectionClosed(p.inbound)
	o.metrics.setActivePeers(active)
	o.logger.Debug("Peer removed",
		slog.Uint64("peer_id", p.id),
		logging.MaskField("peer_address", p.remote.String()))
}

// removeChild drops a non-peer child (the maintenance timer) from the set.
func (o *Overlay) removeChild(c child) {
	o.mu.Lock()
	delete(o.children, c)
	o.checkStoppedLocked()
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Size reports the number of active (fully handshaked) peers.
func (o *Overlay) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byPublicKey)
}

// FindByShortID returns the active peer with the given identifier, or nil.
// A peer already past its teardown point is treated as absent even if the
// map entry has not been erased yet.
func (o *Overlay) FindByShortID(id uint64) *Peer {
	o.mu.Lock()
	p := o.byShortID[id]
	o.mu.Unlock()
	if p == nil || p.isGone() {
		return nil
	}
	return p
}

// FindByPublicKey returns the active peer with the given compressed public
// key, or nil.
func (o *Overlay) FindByPublicKey(publicKey string) *Peer {
	o.mu.Lock()
	p := o.byPublicKey[publicKey]
	o.mu.Unlock()
	if p == nil || p.isGone() {
		return nil
	}
	return p
}

// ActivePeers snapshots the live peer set. Entries mid-teardown are skipped.
func (o *Overlay) ActivePeers() []*Peer {
	o.mu.Lock()
	peers := make([]*Peer, 0, len(o.byShortID))
	for _, p := range o.byShortID {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	out := peers[:0]
	for _, p := range peers {
		if !p.isGone() {
			out = append(out, p)
		}
	}
	return out
}

// PeersJSON renders the active peer set for the operational API.
func (o *Overlay) PeersJSON() []PeerSnapshot {
	peers := o.ActivePeers()
	out := make([]PeerSnapshot, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.snapshot())
	}
	return out
}

// Broadcast enqueues a message to every active peer. Slow peers drop the
// message rather than stall the rest.
func (o *Overlay) Broadcast(msg Message) {
	for _, p := range o.ActivePeers() {
		if err := p.Enqueue(msg); err != nil {
			o.logger.Debug("Broadcast dropped for slow peer",
				slog.Uint64("peer_id", p.id))
		}
	}
}
