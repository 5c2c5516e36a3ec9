// Package peerfinder allocates and tracks the connection slots the overlay
// hands out to inbound and outbound peers, and keeps the address caches that
// feed auto-connect and endpoint gossip.
package peerfinder

import "net/netip"

// Result is the outcome of activating a reserved slot.
type Result int

const (
	// ResultSuccess means the slot is now active and counted.
	ResultSuccess Result = iota
	// ResultFull means the configured peer slots are exhausted; the caller
	// should redirect the peer to other addresses.
	ResultFull
	// ResultRejected means the activation violated policy (unknown slot,
	// duplicate public key); the caller should drop the connection silently.
	ResultRejected
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFull:
		return "full"
	default:
		return "rejected"
	}
}

// Config carries the tunables pushed down from the node configuration.
type Config struct {
	// MaxPeers caps the total number of slots, handshaked or not.
	MaxPeers int
	// OutPeers is the target number of outbound connections.
	OutPeers int
	// WantIncoming gates inbound slot reservation entirely.
	WantIncoming bool
	// AutoConnect enables the periodic outbound target selection.
	AutoConnect bool
	// ListenPort is the local listening port, used for self-connect detection.
	ListenPort uint16
}

// Slot is a reservation token for one connection attempt. Slots are created by
// the manager and released when the owning peer goes away.
type Slot interface {
	Local() netip.AddrPort
	Remote() netip.AddrPort
	Inbound() bool
}

// BroadcastBatch pairs a slot with the endpoints its peer should advertise.
type BroadcastBatch struct {
	Slot      Slot
	Endpoints []netip.AddrPort
}

// Manager is the slot-allocation contract consumed by the overlay.
type Manager interface {
	SetConfig(cfg Config)

	// NewInboundSlot reserves a slot for an accepted connection. A nil slot
	// means a self-connection or resource exhaustion; the caller closes the
	// transport without a response.
	NewInboundSlot(local, remote netip.AddrPort) Slot

	// NewOutboundSlot reserves a slot for a dial attempt. A nil slot means
	// the address is already connected or capacity is exhausted.
	NewOutboundSlot(remote netip.AddrPort) Slot

	// Activate marks a reserved slot as handshaked under the given public key.
	Activate(slot Slot, publicKey string, clusterMember bool) Result

	// Redirect returns alternative peer addresses for a caller that could not
	// be admitted on the given slot.
	Redirect(slot Slot) []netip.AddrPort

	// Release returns a slot to the pool. Releasing an unknown slot is a no-op.
	Release(slot Slot)

	// OncePerSecond drives periodic cache bookkeeping.
	OncePerSecond()

	// AutoConnectTargets returns the addresses worth dialing right now.
	AutoConnectTargets() []netip.AddrPort

	// BroadcastPlan returns, per active slot, the endpoints to advertise.
	BroadcastPlan() []BroadcastBatch

	// AddFallbackAddresses feeds resolved bootstrap addresses into the cache.
	AddFallbackAddresses(source string, addrs []string)

	// AddFixedPeers registers addresses that auto-connect always considers.
	AddFixedPeers(source string, addrs []netip.AddrPort)
}
