package peerfinder

import (
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"heliochain/observability/logging"
)

const (
	redirectLimit          = 10
	endpointAdvertInterval = 5 * time.Second
	dialCooldown           = 30 * time.Second
	cacheFlushTicks        = 60
)

type slot struct {
	local   netip.AddrPort
	remote  netip.AddrPort
	inbound bool

	// Guarded by the owning Finder's mutex.
	active    bool
	publicKey string
	cluster   bool
}

func (s *slot) Local() netip.AddrPort  { return s.local }
func (s *slot) Remote() netip.AddrPort { return s.remote }
func (s *slot) Inbound() bool          { return s.inbound }

// Finder is the standard Manager implementation. It keeps slot accounting in
// memory and persists its boot cache through an optional BootCache.
type Finder struct {
	mu     sync.Mutex
	cfg    Config
	cache  *BootCache
	logger *slog.Logger
	now    func() time.Time

	slots         map[*slot]struct{}
	activeKeys    map[string]*slot
	outboundAddrs map[netip.AddrPort]*slot

	inboundCount   int
	outboundCount  int
	activeInbound  int
	activeOutbound int

	fixed    []netip.AddrPort
	cooldown map[netip.AddrPort]time.Time

	lastAdvert time.Time
	tick       uint64
}

// New creates a Finder. cache may be nil, in which case auto-connect only ever
// considers fixed peers and fresh fallback addresses are kept in memory.
func New(cache *BootCache, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Finder{
		cache:         cache,
		logger:        logger.With(slog.String("component", "peerfinder")),
		now:           time.Now,
		slots:         make(map[*slot]struct{}),
		activeKeys:    make(map[string]*slot),
		outboundAddrs: make(map[netip.AddrPort]*slot),
		cooldown:      make(map[netip.AddrPort]time.Time),
	}
	if f.cache == nil {
		f.cache = NewMemoryBootCache()
	}
	return f
}

func (f *Finder) SetConfig(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.OutPeers <= 0 || cfg.OutPeers > cfg.MaxPeers {
		cfg.OutPeers = cfg.MaxPeers / 2
		if cfg.OutPeers <= 0 {
			cfg.OutPeers = 1
		}
	}
	f.cfg = cfg
}

const defaultMaxPeers = 21

func (f *Finder) NewInboundSlot(local, remote netip.AddrPort) Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cfg.WantIncoming {
		return nil
	}
	// A connection arriving from our own listening endpoint is a self-connect.
	if remote.Addr() == local.Addr() && remote.Port() == f.cfg.ListenPort {
		return nil
	}
	if len(f.slots) >= f.cfg.MaxPeers {
		return nil
	}
	s := &slot{local: local, remote: remote, inbound: true}
	f.slots[s] = struct{}{}
	f.inboundCount++
	return s
}

func (f *Finder) NewOutboundSlot(remote netip.AddrPort) Slot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.outboundAddrs[remote]; dup {
		return nil
	}
	if len(f.slots) >= f.cfg.MaxPeers {
		return nil
	}
	s := &slot{remote: remote, inbound: false}
	f.slots[s] = struct{}{}
	f.outboundAddrs[remote] = s
	f.outboundCount++
	return s
}

func (f *Finder) Activate(sl Slot, publicKey string, clusterMember bool) Result {
	s, ok := sl.(*slot)
	if !ok || publicKey == "" {
		return ResultRejected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, tracked := f.slots[s]; !tracked {
		return ResultRejected
	}
	if s.active {
		return ResultRejected
	}
	if _, dup := f.activeKeys[publicKey]; dup {
		return ResultRejected
	}
	if s.inbound {
		if f.activeInbound >= f.maxInboundLocked() {
			return ResultFull
		}
		f.activeInbound++
	} else {
		if f.activeOutbound >= f.cfg.OutPeers {
			return ResultFull
		}
		f.activeOutbound++
	}
	s.active = true
	s.publicKey = publicKey
	s.cluster = clusterMember
	f.activeKeys[publicKey] = s
	if !s.inbound {
		f.cache.RecordSuccess(s.remote, f.now())
	}
	return ResultSuccess
}

func (f *Finder) maxInboundLocked() int {
	in := f.cfg.MaxPeers - f.cfg.OutPeers
	if in < 0 {
		in = 0
	}
	return in
}

func (f *Finder) Redirect(sl Slot) []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	exclude := netip.AddrPort{}
	if s, ok := sl.(*slot); ok {
		exclude = s.remote
	}
	return f.candidatesLocked(exclude, redirectLimit)
}

// candidatesLocked samples known-good addresses: fixed peers first, then the
// boot cache, then the remotes of currently active slots.
func (f *Finder) candidatesLocked(exclude netip.AddrPort, limit int) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, limit)
	seen := make(map[netip.AddrPort]struct{})
	push := func(ap netip.AddrPort) {
		if len(out) >= limit || ap == exclude || !ap.IsValid() {
			return
		}
		if _, dup := seen[ap]; dup {
			return
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	for _, ap := range f.fixed {
		push(ap)
	}
	for _, ap := range f.cache.Snapshot() {
		push(ap)
	}
	for s := range f.slots {
		if s.active {
			push(s.remote)
		}
	}
	return out
}

func (f *Finder) Release(sl Slot) {
	s, ok := sl.(*slot)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, tracked := f.slots[s]; !tracked {
		return
	}
	delete(f.slots, s)
	if s.inbound {
		f.inboundCount--
		if s.active {
			f.activeInbound--
		}
	} else {
		delete(f.outboundAddrs, s.remote)
		f.outboundCount--
		if s.active {
			f.activeOutbound--
		} else {
			// An outbound slot released before activation is a failed dial
			// or handshake; repeat offenders age out of the boot cache.
			f.cache.RecordFailure(s.remote)
		}
	}
	if s.active {
		delete(f.activeKeys, s.publicKey)
		s.active = false
	}
}

func (f *Finder) OncePerSecond() {
	f.mu.Lock()
	now := f.now()
	for addr, until := range f.cooldown {
		if now.After(until) {
			delete(f.cooldown, addr)
		}
	}
	f.tick++
	flush := f.tick%cacheFlushTicks == 0
	f.mu.Unlock()

	if flush {
		if err := f.cache.Flush(); err != nil {
			f.logger.Warn("Boot cache flush failed", slog.Any("error", err))
		}
	}
}

func (f *Finder) AutoConnectTargets() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cfg.AutoConnect {
		return nil
	}
	needed := f.cfg.OutPeers - f.outboundCount
	if needed <= 0 {
		return nil
	}
	now := f.now()
	out := make([]netip.AddrPort, 0, needed)
	consider := func(ap netip.AddrPort) {
		if len(out) >= needed || !ap.IsValid() {
			return
		}
		if _, connected := f.outboundAddrs[ap]; connected {
			return
		}
		if until, cooling := f.cooldown[ap]; cooling && now.Before(until) {
			return
		}
		for s := range f.slots {
			if s.remote == ap {
				return
			}
		}
		f.cooldown[ap] = now.Add(dialCooldown)
		out = append(out, ap)
	}
	for _, ap := range f.fixed {
		consider(ap)
	}
	for _, ap := range f.cache.Snapshot() {
		consider(ap)
	}
	return out
}

func (f *Finder) BroadcastPlan() []BroadcastBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if now.Sub(f.lastAdvert) < endpointAdvertInterval {
		return nil
	}
	f.lastAdvert = now

	plan := make([]BroadcastBatch, 0, len(f.slots))
	for s := range f.slots {
		if !s.active {
			continue
		}
		eps := f.candidatesLocked(s.remote, 8)
		if len(eps) == 0 {
			continue
		}
		plan = append(plan, BroadcastBatch{Slot: s, Endpoints: eps})
	}
	sort.Slice(plan, func(i, j int) bool {
		return plan[i].Slot.Remote().String() < plan[j].Slot.Remote().String()
	})
	return plan
}

func (f *Finder) AddFallbackAddresses(source string, addrs []string) {
	now := f.now()
	added := 0
	for _, raw := range addrs {
		ap, err := netip.ParseAddrPort(raw)
		if err != nil {
			f.logger.Warn("Ignoring unparseable fallback address",
				slog.String("source", source),
				logging.MaskField("address", raw),
				slog.Any("error", err))
			continue
		}
		f.cache.Touch(ap, now)
		added++
	}
	if added > 0 {
		f.logger.Info("Fallback addresses added",
			slog.String("source", source),
			slog.Int("count", added))
	}
}

func (f *Finder) AddFixedPeers(source string, addrs []netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[netip.AddrPort]struct{}, len(f.fixed))
	for _, ap := range f.fixed {
		seen[ap] = struct{}{}
	}
	for _, ap := range addrs {
		if !ap.IsValid() {
			continue
		}
		if _, dup := seen[ap]; dup {
			continue
		}
		seen[ap] = struct{}{}
		f.fixed = append(f.fixed, ap)
	}
}

// Counts reports the number of reserved slots per direction, for diagnostics.
func (f *Finder) Counts() (inbound, outbound, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inboundCount, f.outboundCount, len(f.activeKeys)
}
