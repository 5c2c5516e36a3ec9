package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"heliochain/crypto"
	"heliochain/observability/logging"
	"heliochain/peerfinder"
)

// Peer is a single managed connection. A Peer exists from slot reservation
// until teardown; it becomes "active" only once the handshake completes and
// it is registered under its short ID and public key.
type Peer struct {
	overlay *Overlay
	id      uint64
	slot    peerfinder.Slot
	remote  netip.AddrPort
	inbound bool
	legacy  bool

	consumer Consumer

	ctx    context.Context
	cancel context.CancelFunc

	// connMu guards conn and reader, which are nil for an outbound peer
	// until the dial completes.
	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	// Set once during the handshake, before activation.
	publicKey     string
	clusterName   string
	sessionSecret []byte
	inboundReq    *http.Request

	outboundQ chan Message
	createdAt time.Time

	// lastSeen is updated by the read loop only.
	seenMu   sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
	doneCh    chan struct{}
}

// PeerSnapshot is the operational API view of an active peer.
type PeerSnapshot struct {
	ID        uint64 `json:"id"`
	Address   string `json:"address"`
	Direction string `json:"direction"`
	PublicKey string `json:"publicKey"`
	// Account is the bech32 address derived from the peer's public key.
	Account   string `json:"account,omitempty"`
	Cluster   string `json:"cluster,omitempty"`
	UptimeSec int64  `json:"uptimeSeconds"`
}

func newPeerBase(o *Overlay, slot peerfinder.Slot, remote netip.AddrPort, inbound bool) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		overlay:   o,
		id:        o.nextPeerID(),
		slot:      slot,
		remote:    remote,
		inbound:   inbound,
		ctx:       ctx,
		cancel:    cancel,
		outboundQ: make(chan Message, outboundQueueSize),
		createdAt: o.now(),
		doneCh:    make(chan struct{}),
	}
}

// newInboundPeer wraps an upgrade request that has already been verified and
// granted an activated slot. The 101 response is written by the peer's own
// goroutine.
func newInboundPeer(o *Overlay, slot peerfinder.Slot, conn net.Conn, remote netip.AddrPort, consumer Consumer, publicKey, clusterName string, secret []byte, req *http.Request) *Peer {
	p := newPeerBase(o, slot, remote, true)
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.consumer = consumer
	p.publicKey = publicKey
	p.clusterName = clusterName
	p.sessionSecret = secret
	p.inboundReq = req
	return p
}

// newOutboundPeer starts with only a reserved slot; the connection is
// established by the peer's goroutine.
func newOutboundPeer(o *Overlay, slot peerfinder.Slot, remote netip.AddrPort) *Peer {
	return newPeerBase(o, slot, remote, false)
}

// newLegacyPeer wraps an inbound transport that opened with a framed message
// rather than an upgrade request. Identity arrives in the first frame.
func newLegacyPeer(o *Overlay, slot peerfinder.Slot, conn net.Conn, buffered *bufio.Reader, remote netip.AddrPort, consumer Consumer) *Peer {
	p := newPeerBase(o, slot, remote, true)
	p.legacy = true
	p.conn = conn
	p.reader = buffered
	p.consumer = consumer
	return p
}

// run launches the peer's goroutine. It never blocks; the caller holds the
// registry lock.
func (p *Peer) run() {
	switch {
	case p.legacy:
		go p.legacyAcceptLoop()
	case p.inbound:
		go p.acceptLoop()
	default:
		go p.dialLoop()
	}
}

// stop requests teardown. It never takes the registry lock; the peer's own
// goroutine observes the cancellation and funnels through shutdown.
func (p *Peer) stop() {
	p.cancel()
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// shutdown is the single exit funnel. Exactly one caller wins the once; it
// unregisters the peer from the overlay.
func (p *Peer) shutdown(reason string) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.connMu.Lock()
		conn := p.conn
		p.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(p.doneCh)
		p.overlay.logger.Debug("Peer closing",
			slog.Uint64("peer_id", p.id),
			slog.String("reason", reason),
			logging.MaskField("peer_address", p.remote.String()))
		p.overlay.peerGone(p)
	})
}

func (p *Peer) isGone() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}

// acceptLoop completes an inbound upgrade: answer 101 with our own handshake
// headers, activate, then settle into the wire loops.
func (p *Peer) acceptLoop() {
	o := p.overlay
	ourHello, err := buildHello(o.key, p.sessionSecret)
	if err != nil {
		p.shutdown("handshake build failed")
		return
	}
	resp := baseResponse(p.inboundReq, http.StatusSwitchingProtocols)
	resp.Header.Set(headerConnection, "Upgrade")
	resp.Header.Set(headerUpgrade, protocolName+"/"+currentVersion.String())
	resp.Header.Set(headerConnectAs, "Peer")
	resp.Header.Set(headerRemoteAddress, p.remote.String())
	ourHello.apply(resp.Header)

	p.conn.SetWriteDeadline(o.now().Add(o.cfg.HandshakeTimeout))
	if err := resp.Write(p.conn); err != nil {
		p.shutdown("upgrade response write failed")
		return
	}
	p.conn.SetWriteDeadline(time.Time{})

	o.activatePeer(p)
	go p.writeLoop()
	p.readLoop()
}

// dialLoop establishes an outbound connection and runs the client side of
// the upgrade handshake.
func (p *Peer) dialLoop() {
	o := p.overlay
	dialCtx, cancel := context.WithTimeout(p.ctx, o.cfg.HandshakeTimeout)
	conn, err := o.dialFn(dialCtx, p.remote.String())
	cancel()
	if err != nil {
		p.shutdown("dial failed")
		return
	}
	p.connMu.Lock()
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.connMu.Unlock()
	if p.ctx.Err() != nil {
		p.shutdown("canceled")
		return
	}

	secret, err := o.sessionSecret(conn)
	if err != nil {
		p.shutdown("no session material")
		return
	}
	ourHello, err := buildHello(o.key, secret)
	if err != nil {
		p.shutdown("handshake build failed")
		return
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: "/"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       p.remote.String(),
		Header:     make(http.Header),
	}
	req.Header.Set(headerConnection, "Upgrade")
	req.Header.Set(headerUpgrade, protocolName+"/"+currentVersion.String())
	req.Header.Set(headerConnectAs, "Peer")
	ourHello.apply(req.Header)

	conn.SetDeadline(o.now().Add(o.cfg.HandshakeTimeout))
	if err := req.Write(conn); err != nil {
		p.shutdown("upgrade request write failed")
		return
	}
	resp, err := http.ReadResponse(p.reader, req)
	if err != nil {
		p.shutdown("upgrade response read failed")
		return
	}
	conn.SetDeadline(time.Time{})

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		p.consumeRedirect(resp)
		p.shutdown("redirected")
		return
	case isPeerUpgradeResponse(resp):
		// Fall through to handshake verification.
	default:
		resp.Body.Close()
		p.shutdown("upgrade refused: " + resp.Status)
		return
	}
	resp.Body.Close()

	remoteHello, err := parseHelloHeaders(resp.Header)
	if err != nil {
		p.shutdown("malformed handshake")
		return
	}
	publicKey, err := verifyHello(remoteHello, secret)
	if err != nil {
		p.shutdown("handshake verification failed")
		return
	}
	if publicKey == o.publicKey {
		p.shutdown("self connect")
		return
	}
	p.publicKey = publicKey
	p.sessionSecret = secret
	p.clusterName, _ = o.clusterLookup(publicKey)

	if result := o.finder.Activate(p.slot, publicKey, p.clusterName != ""); result != peerfinder.ResultSuccess {
		p.shutdown("slot activation " + result.String())
		return
	}
	o.activatePeer(p)
	go p.writeLoop()
	p.readLoop()
}

// legacyAcceptLoop waits for the identifying first frame, answers with our
// own, then activates.
func (p *Peer) legacyAcceptLoop() {
	o := p.overlay
	p.conn.SetReadDeadline(o.now().Add(o.cfg.HandshakeTimeout))
	msg, err := p.readMessage()
	if err != nil || msg.Type != MsgTypeHello {
		p.shutdown("no identifying frame")
		return
	}
	var hl LegacyHelloPayload
	if err := json.Unmarshal(msg.Payload, &hl); err != nil {
		p.shutdown("malformed identifying frame")
		return
	}
	secret := legacySessionSecret(p.conn)
	publicKey, err := verifyHello(hello{publicKey: hl.PublicKey, signature: hl.Signature}, secret)
	if err != nil {
		p.shutdown("handshake verification failed")
		return
	}
	if publicKey == o.publicKey {
		p.shutdown("self connect")
		return
	}
	p.publicKey = publicKey
	p.clusterName, _ = o.clusterLookup(publicKey)

	if result := o.finder.Activate(p.slot, publicKey, p.clusterName != ""); result != peerfinder.ResultSuccess {
		p.shutdown("slot activation " + result.String())
		return
	}

	ours, err := buildHello(o.key, secret)
	if err != nil {
		p.shutdown("handshake build failed")
		return
	}
	reply, err := newLegacyHelloMessage(ours.publicKey, ours.signature)
	if err != nil {
		p.shutdown("handshake build failed")
		return
	}
	if err := p.writeMessage(*reply); err != nil {
		p.shutdown("handshake write failed")
		return
	}

	o.activatePeer(p)
	go p.writeLoop()
	p.readLoop()
}

// readLoop owns the inbound side of the transport until teardown.
func (p *Peer) readLoop() {
	o := p.overlay
	for {
		p.conn.SetReadDeadline(o.now().Add(o.cfg.ReadTimeout))
		msg, err := p.readMessage()
		if err != nil {
			reason := "read failed"
			if errors.Is(err, io.EOF) {
				reason = "remote closed"
			}
			p.shutdown(reason)
			return
		}
		p.seenMu.Lock()
		p.lastSeen = o.now()
		p.seenMu.Unlock()

		switch msg.Type {
		case MsgTypePing:
			var ping PingPayload
			if err := json.Unmarshal(msg.Payload, &ping); err != nil {
				p.shutdown("malformed ping")
				return
			}
			pong, err := newPongMessage(ping.Nonce, o.now())
			if err == nil {
				p.Enqueue(*pong)
			}
		case MsgTypePong:
			// lastSeen already updated.
		case MsgTypeEndpoints:
			if !p.handleEndpoints(msg.Payload) {
				p.shutdown("oversized endpoint advertisement")
				return
			}
		case MsgTypeHello:
			// Identity is fixed after the handshake; repeats are ignored.
		default:
			o.logger.Debug("Unknown message type from peer",
				slog.Uint64("peer_id", p.id),
				slog.Int("type", int(msg.Type)))
		}
	}
}

func (p *Peer) handleEndpoints(payload json.RawMessage) bool {
	var eps EndpointsPayload
	if err := json.Unmarshal(payload, &eps); err != nil {
		return true
	}
	if len(eps.Addresses) > maxAdvertisedEndpoints {
		return false
	}
	valid := make([]string, 0, len(eps.Addresses))
	for _, raw := range eps.Addresses {
		if _, err := netip.ParseAddrPort(raw); err == nil {
			valid = append(valid, raw)
		}
	}
	if len(valid) > 0 {
		p.overlay.finder.AddFallbackAddresses("peer "+strconv.FormatUint(p.id, 10), valid)
	}
	return true
}

// writeLoop drains the outbound queue and keeps the connection alive with
// periodic pings.
func (p *Peer) writeLoop() {
	ticker := time.NewTicker(p.overlay.cfg.PingInterval)
	defer ticker.Stop()
	var nonce uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outboundQ:
			if err := p.writeMessage(msg); err != nil {
				p.shutdown("write failed")
				return
			}
		case <-ticker.C:
			nonce++
			ping, err := newPingMessage(nonce, p.overlay.now())
			if err != nil {
				continue
			}
			if err := p.writeMessage(*ping); err != nil {
				p.shutdown("write failed")
				return
			}
		}
	}
}

func (p *Peer) readMessage() (Message, error) {
	var msg Message
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		return msg, err
	}
	if len(line) > p.overlay.cfg.MaxMessageBytes {
		return msg, errors.New("message exceeds size limit")
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (p *Peer) writeMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	p.conn.SetWriteDeadline(p.overlay.now().Add(p.overlay.cfg.WriteTimeout))
	_, err = p.conn.Write(data)
	return err
}

// Enqueue queues a message for delivery. It never blocks; a full queue
// returns an error and the caller decides whether that is fatal.
func (p *Peer) Enqueue(msg Message) error {
	select {
	case p.outboundQ <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// sendEndpoints advertises addresses to this peer. Best effort; a slow peer
// simply misses a round.
func (p *Peer) sendEndpoints(addrs []netip.AddrPort) {
	if len(addrs) == 0 {
		return
	}
	if len(addrs) > maxAdvertisedEndpoints {
		addrs = addrs[:maxAdvertisedEndpoints]
	}
	raw := make([]string, 0, len(addrs))
	for _, ap := range addrs {
		raw = append(raw, ap.String())
	}
	msg, err := newEndpointsMessage(raw)
	if err != nil {
		return
	}
	p.Enqueue(*msg)
}

// consumeRedirect feeds the alternate endpoints from a capacity redirect
// into the peer finder.
func (p *Peer) consumeRedirect(resp *http.Response) {
	defer resp.Body.Close()
	var body struct {
		PeerIPs []string `json:"peer-ips"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}
	if len(body.PeerIPs) > 0 {
		p.overlay.finder.AddFallbackAddresses("redirect", body.PeerIPs)
	}
}

// ID is the registry-unique short identifier.
func (p *Peer) ID() uint64 { return p.id }

// Remote is the peer's network address.
func (p *Peer) Remote() netip.AddrPort { return p.remote }

// PublicKey is the peer's verified compressed public key, empty before the
// handshake completes.
func (p *Peer) PublicKey() string { return p.publicKey }

// Inbound reports the connection direction.
func (p *Peer) Inbound() bool { return p.inbound }

func (p *Peer) snapshot() PeerSnapshot {
	account := ""
	if p.publicKey != "" {
		if addr, err := crypto.AddressFromPublicKeyHex(p.publicKey); err == nil {
			account = addr.String()
		}
	}
	return PeerSnapshot{
		ID:        p.id,
		Address:   p.remote.String(),
		Direction: directionLabel(p.inbound),
		PublicKey: p.publicKey,
		Account:   account,
		Cluster:   p.clusterName,
		UptimeSec: int64(p.overlay.now().Sub(p.createdAt).Seconds()),
	}
}

// legacySessionSecret derives shared handshake material for transports with
// no exportable session: both ends hash the connection's endpoint pair in a
// canonical order.
func legacySessionSecret(conn net.Conn) []byte {
	a, b := conn.LocalAddr().String(), conn.RemoteAddr().String()
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256([]byte(a), []byte(b))
}
