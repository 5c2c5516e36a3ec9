// Package overlay manages the node's peer connections: it negotiates protocol
// upgrades on inbound transports, originates outbound connections through the
// peer finder's slot accounting, keeps the authoritative registry of live
// peers, and coordinates graceful shutdown of the whole connection tree.
package overlay

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"heliochain/crypto"
	"heliochain/observability/logging"
	"heliochain/peerfinder"
)

const (
	defaultMaxPeers         = 21
	defaultHandshakeTimeout = 5 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultMaxMessageSize   = 1 << 20

	outboundQueueSize = 64
)

// Consumer is the admission token obtained from the accounting collaborator
// before any handshake work happens for an inbound attempt.
type Consumer interface {
	// Disconnect reports whether the remote host is over quota and the
	// attempt must be dropped.
	Disconnect() bool
}

// Accountant hands out admission tokens keyed by remote address.
type Accountant interface {
	NewInboundConsumer(remote netip.AddrPort) Consumer
}

// Resolver performs asynchronous name resolution. The callback is invoked at
// most once per name, with the resolved endpoint list or an empty list.
type Resolver interface {
	Resolve(ctx context.Context, names []string, cb func(name string, addrs []netip.AddrPort))
}

// Config carries the overlay tunables pushed down from node configuration.
type Config struct {
	MaxPeers       int
	OutPeers       int
	AcceptIncoming bool
	AutoConnect    bool
	ListenPort     uint16

	// BootstrapPeers are "host:port" names resolved once during Prepare and
	// fed into the peer finder's fallback store.
	BootstrapPeers []string
	// FixedPeers are resolved the same way but always considered by
	// auto-connect.
	FixedPeers []string

	// ClusterKeys maps trusted node public keys (compressed hex) to display
	// names. Cluster members get preferential treatment downstream; lookup
	// failures never fail a handshake.
	ClusterKeys map[string]string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageBytes  int
}

func (c *Config) applyDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.OutPeers <= 0 || c.OutPeers > c.MaxPeers {
		c.OutPeers = c.MaxPeers / 2
		if c.OutPeers <= 0 {
			c.OutPeers = 1
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageSize
	}
}

type overlayState int

const (
	statePreparing overlayState = iota
	stateRunning
	stateStopping
	stateStopped
)

// child is anything the overlay must stop before it can report itself
// stopped: every live peer plus the maintenance timer.
type child interface {
	stop()
}

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Overlay is the peer connection manager.
type Overlay struct {
	cfg        Config
	logger     *slog.Logger
	key        *crypto.PrivateKey
	publicKey  string
	finder     peerfinder.Manager
	accounting Accountant
	resolver   Resolver
	metrics    *overlayMetrics

	// strand serializes timer ticks, stop dispatch, and outbound connects.
	strand *strand

	// Swappable in tests.
	dialFn        dialFunc
	sessionSecret func(conn net.Conn) ([]byte, error)
	localEndpoint func(conn net.Conn) (netip.AddrPort, error)
	now           func() time.Time

	// onStopped, when set, is invoked once the overlay has fully stopped.
	onStopped func()

	// mu guards exactly the three peer maps, the child set, the work token,
	// and the state word. Critical sections hold it for map mutation only,
	// never across blocking calls.
	mu          sync.Mutex
	cond        *sync.Cond
	state       overlayState
	work        bool
	bySlot      map[peerfinder.Slot]*Peer
	byShortID   map[uint64]*Peer
	byPublicKey map[string]*Peer
	children    map[child]struct{}
	nextID      uint64
	timer       *maintenanceTimer

	done chan struct{}
}

// Option customizes overlay construction.
type Option func(*Overlay)

// WithStoppedCallback registers a callback invoked once the overlay reaches
// the fully-stopped state, for the owning process's own lifecycle tracking.
func WithStoppedCallback(fn func()) Option {
	return func(o *Overlay) { o.onStopped = fn }
}

// New creates an overlay manager. The work token is present from construction
// until Stop, so connections may be admitted as soon as the caller starts
// feeding them in.
func New(cfg Config, key *crypto.PrivateKey, finder peerfinder.Manager, accounting Accountant, resolver Resolver, logger *slog.Logger, opts ...Option) *Overlay {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	o := &Overlay{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "overlay")),
		key:           key,
		publicKey:     crypto.PublicKeyHex(key),
		finder:        finder,
		accounting:    accounting,
		resolver:      resolver,
		metrics:       newOverlayMetrics(),
		strand:        newStrand(),
		dialFn:        defaultDialer,
		sessionSecret: tlsSessionSecret,
		localEndpoint: localAddrPort,
		now:           time.Now,
		state:         statePreparing,
		work:          true,
		bySlot:        make(map[peerfinder.Slot]*Peer),
		byShortID:     make(map[uint64]*Peer),
		byPublicKey:   make(map[string]*Peer),
		children:      make(map[child]struct{}),
		nextID:        1,
		done:          make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare pushes configuration into the peer finder and issues the one-time
// resolver lookups for bootstrap and fixed peer names.
func (o *Overlay) Prepare(ctx context.Context) {
	o.finder.SetConfig(peerfinder.Config{
		MaxPeers:     o.cfg.MaxPeers,
		OutPeers:     o.cfg.OutPeers,
		WantIncoming: o.cfg.AcceptIncoming && o.cfg.ListenPort != 0,
		AutoConnect:  o.cfg.AutoConnect,
		ListenPort:   o.cfg.ListenPort,
	})

	if len(o.cfg.BootstrapPeers) > 0 && o.resolver != nil {
		o.resolver.Resolve(ctx, o.cfg.BootstrapPeers, func(name string, addrs []netip.AddrPort) {
			if len(addrs) == 0 {
				return
			}
			raw := make([]string, 0, len(addrs))
			for _, ap := range addrs {
				raw = append(raw, ap.String())
			}
			o.finder.AddFallbackAddresses("config: "+name, raw)
		})
	}
	if len(o.cfg.FixedPeers) > 0 && o.resolver != nil {
		o.resolver.Resolve(ctx, o.cfg.FixedPeers, func(name string, addrs []netip.AddrPort) {
			if len(addrs) == 0 {
				return
			}
			o.finder.AddFixedPeers(name, addrs)
		})
	}
}

// Start transitions the overlay to running and launches the maintenance
// timer as its first child.
func (o *Overlay) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != statePreparing {
		return
	}
	o.state = stateRunning
	o.timer = newMaintenanceTimer(o)
	o.children[o.timer] = struct{}{}
	o.timer.run()
	o.logger.Info("Overlay started",
		slog.Int("max_peers", o.cfg.MaxPeers),
		slog.Int("out_peers", o.cfg.OutPeers),
		slog.Bool("accept_incoming", o.cfg.AcceptIncoming),
		slog.Bool("auto_connect", o.cfg.AutoConnect))
}

// Stop begins shutdown: the work token is cleared exactly once and every
// tracked child is asked to stop. Completion is asynchronous; use Done or
// AwaitStopped to observe it. Stop is idempotent.
func (o *Overlay) Stop() {
	o.strand.post(o.doStop)
}

func (o *Overlay) doStop() {
	o.mu.Lock()
	if !o.work {
		o.mu.Unlock()
		return
	}
	o.work = false
	o.state = stateStopping
	o.logger.Info("Overlay stopping", slog.Int("children", len(o.children)))
	// Children remove themselves from the set as they die; stop them off a
	// snapshot so the iteration is immune to concurrent removal.
	targets := make([]child, 0, len(o.children))
	for c := range o.children {
		targets = append(targets, c)
	}
	o.mu.Unlock()

	// A peer's stop closes its connection, which can block on the transport.
	// The registry mutex is never held across those calls.
	for _, c := range targets {
		c.stop()
	}

	o.mu.Lock()
	o.checkStoppedLocked()
	o.mu.Unlock()
}

// checkStoppedLocked finalizes shutdown once stopping was requested and the
// child set has drained. Caller must hold mu.
func (o *Overlay) checkStoppedLocked() {
	if o.state != stateStopping || len(o.children) != 0 {
		return
	}
	o.state = stateStopped
	close(o.done)
	o.strand.close()
	o.logger.Info("Overlay stopped")
	if o.onStopped != nil {
		go o.onStopped()
	}
}

// Done is closed once the overlay has fully stopped.
func (o *Overlay) Done() <-chan struct{} {
	return o.done
}

// AwaitStopped blocks until the child set is empty. It exists to catch owners
// that tear the overlay down without driving the stop sequence to completion;
// an indefinite hang here means a child's stop path is broken.
func (o *Overlay) AwaitStopped() {
	o.mu.Lock()
	for len(o.children) > 0 {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// Connect requests an outbound connection to remote. It runs on the overlay's
// serialized context. Calling Connect after shutdown has begun is a caller
// contract violation; it degrades to a logged no-op.
func (o *Overlay) Connect(remote netip.AddrPort) {
	o.strand.post(func() { o.connect(remote) })
}

func (o *Overlay) connect(remote netip.AddrPort) {
	o.mu.Lock()
	working := o.work
	o.mu.Unlock()
	if !working {
		o.logger.Warn("Connect requested after shutdown began",
			logging.MaskField("peer_address", remote.String()))
		return
	}
	slot := o.finder.NewOutboundSlot(remote)
	if slot == nil {
		// Already connected or out of slots.
		return
	}
	p := newOutboundPeer(o, slot, remote)
	o.addAndRun(p)
	o.logger.Debug("Outbound connection attempt",
		slog.Uint64("peer_id", p.id),
		logging.MaskField("peer_address", remote.String()))
}

// autoConnect dials every target the finder judges worth connecting now.
// Failures are independent; one bad target never blocks the rest.
func (o *Overlay) autoConnect() {
	for _, remote := range o.finder.AutoConnectTargets() {
		o.connect(remote)
	}
}

// sendEndpoints hands each slot's advertisement list to its peer, skipping
// slots whose peer is already gone.
func (o *Overlay) sendEndpoints() {
	for _, batch := range o.finder.BroadcastPlan() {
		o.mu.Lock()
		p := o.bySlot[batch.Slot]
		o.mu.Unlock()
		if p == nil || p.isGone() {
			continue
		}
		p.sendEndpoints(batch.Endpoints)
	}
}

func (o *Overlay) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state >= stateStopping
}

func (o *Overlay) clusterLookup(publicKey string) (string, bool) {
	name, ok := o.cfg.ClusterKeys[publicKey]
	return name, ok
}

// PublicKey exposes the local node's compressed public key.
func (o *Overlay) PublicKey() string {
	return o.publicKey
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: defaultHandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wrapClientTLS(conn), nil
}

func localAddrPort(conn net.Conn) (netip.AddrPort, error) {
	return netip.ParseAddrPort(conn.LocalAddr().String())
}
