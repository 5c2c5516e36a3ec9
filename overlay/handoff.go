package overlay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"heliochain/observability/logging"
	"heliochain/peerfinder"
)

// Handoff is the verdict on an inbound transport offered to the overlay.
type Handoff struct {
	// Moved reports that the overlay consumed the connection: either it is
	// now a managed peer, or it was rejected and closed here. When false the
	// caller still owns the connection.
	Moved bool
	// Response, when non-nil, must be written back to the client by the
	// caller before deciding whether to keep the transport open.
	Response *http.Response
	// KeepAlive indicates the transport may serve further requests after
	// Response is written.
	KeepAlive bool
}

// Negotiate inspects an already-parsed HTTP request on an inbound transport
// and decides whether it becomes a peer connection. Rejections either close
// the transport directly (Moved true) or hand a response back to the serving
// layer (Moved false).
func (o *Overlay) Negotiate(conn net.Conn, req *http.Request, remote netip.AddrPort) Handoff {
	if !isPeerUpgrade(req) {
		// Not ours. The serving layer decides what the transport is for.
		return Handoff{}
	}

	o.mu.Lock()
	working := o.work
	o.mu.Unlock()
	if !working {
		o.logger.Debug("Inbound upgrade refused during shutdown",
			logging.MaskField("peer_address", remote.String()))
		conn.Close()
		return Handoff{Moved: true}
	}

	versions := parseProtocolVersions(req.Header.Get(headerUpgrade))
	if !supportsCurrentVersion(versions) {
		o.metrics.recordHandshake("unsupported_version")
		return Handoff{
			Response:  plainResponse(req, http.StatusBadRequest, "Unable to agree on a protocol version"),
			KeepAlive: false,
		}
	}

	local, err := o.localEndpoint(conn)
	if err != nil {
		o.logger.Debug("Inbound local endpoint lookup failed",
			logging.MaskField("peer_address", remote.String()),
			slog.String("error", err.Error()))
		conn.Close()
		return Handoff{Moved: true}
	}

	consumer := o.accounting.NewInboundConsumer(remote)
	if consumer.Disconnect() {
		o.logger.Debug("Inbound connection over admission quota",
			logging.MaskField("peer_address", remote.String()))
		conn.Close()
		return Handoff{Moved: true}
	}

	slot := o.finder.NewInboundSlot(local, remote)
	if slot == nil {
		// Self-connect by address, capacity, or incoming disabled. Silent.
		o.metrics.recordHandshake("no_slot")
		conn.Close()
		return Handoff{Moved: true}
	}

	// The slot is reserved before any handshake material is touched so that
	// non-peer HTTP clients get a redirect drawn from that slot's candidates.
	if !connectAsPeer(req.Header) {
		o.metrics.recordRedirect()
		resp := o.makeRedirectResponse(slot, req, remote)
		o.finder.Release(slot)
		return Handoff{Response: resp, KeepAlive: !req.Close}
	}

	h, err := parseHelloHeaders(req.Header)
	if err != nil {
		o.metrics.recordHandshake("malformed")
		o.finder.Release(slot)
		conn.Close()
		return Handoff{Moved: true}
	}

	secret, err := o.sessionSecret(conn)
	if err != nil {
		o.metrics.recordHandshake("no_session")
		o.logger.Debug("Inbound upgrade lacks session material",
			logging.MaskField("peer_address", remote.String()),
			slog.String("error", err.Error()))
		o.finder.Release(slot)
		conn.Close()
		return Handoff{Moved: true}
	}

	publicKey, err := verifyHello(h, secret)
	if err != nil {
		o.metrics.recordHandshake("verification_failed")
		o.logger.Debug("Inbound handshake verification failed",
			logging.MaskField("peer_address", remote.String()),
			slog.String("error", err.Error()))
		o.finder.Release(slot)
		conn.Close()
		return Handoff{Moved: true}
	}
	if publicKey == o.publicKey {
		// Our own handshake reflected back at us.
		o.metrics.recordHandshake("self_connect")
		o.finder.Release(slot)
		conn.Close()
		return Handoff{Moved: true}
	}

	clusterName, _ := o.clusterLookup(publicKey)
	switch result := o.finder.Activate(slot, publicKey, clusterName != ""); result {
	case peerfinder.ResultSuccess:
		p := newInboundPeer(o, slot, conn, remote, consumer, publicKey, clusterName, secret, req)
		o.addAndRun(p)
		o.metrics.recordHandshake("accepted")
		return Handoff{Moved: true}
	case peerfinder.ResultFull:
		o.metrics.recordRedirect()
		resp := o.makeRedirectResponse(slot, req, remote)
		o.finder.Release(slot)
		return Handoff{Response: resp, KeepAlive: !req.Close}
	default:
		// Duplicate identity. Drop without a response; the existing
		// connection stays authoritative.
		o.metrics.recordHandshake("duplicate")
		o.finder.Release(slot)
		conn.Close()
		return Handoff{Moved: true}
	}
}

// AdmitLegacy takes ownership of an inbound transport that spoke the framed
// wire protocol directly instead of requesting an HTTP upgrade. The peer's
// identity is established by its first frame.
func (o *Overlay) AdmitLegacy(conn net.Conn, buffered *bufio.Reader, remote netip.AddrPort) bool {
	consumer := o.accounting.NewInboundConsumer(remote)
	if consumer.Disconnect() {
		conn.Close()
		return false
	}
	o.mu.Lock()
	working := o.work
	o.mu.Unlock()
	if !working {
		conn.Close()
		return false
	}
	local, err := o.localEndpoint(conn)
	if err != nil {
		conn.Close()
		return false
	}
	slot := o.finder.NewInboundSlot(local, remote)
	if slot == nil {
		conn.Close()
		return false
	}
	p := newLegacyPeer(o, slot, conn, buffered, remote, consumer)
	o.addAndRun(p)
	return true
}

// makeRedirectResponse builds the capacity redirect: a 503 carrying the
// client's observed address and a JSON list of alternate peer endpoints.
func (o *Overlay) makeRedirectResponse(slot peerfinder.Slot, req *http.Request, remote netip.AddrPort) *http.Response {
	ips := o.finder.Redirect(slot)
	body := struct {
		PeerIPs []string `json:"peer-ips"`
	}{PeerIPs: make([]string, 0, len(ips))}
	for _, ap := range ips {
		body.PeerIPs = append(body.PeerIPs, ap.String())
	}
	payload, _ := json.Marshal(body)

	resp := baseResponse(req, http.StatusServiceUnavailable)
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set(headerRemoteAddress, remote.String())
	resp.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	resp.Body = newBodyReader(payload)
	resp.ContentLength = int64(len(payload))
	return resp
}

// isPeerUpgrade reports whether the request (or a response, during outbound
// dialing) is attempting a peer protocol upgrade.
func isPeerUpgrade(req *http.Request) bool {
	if req == nil {
		return false
	}
	if !headerContainsToken(req.Header, headerConnection, "upgrade") {
		return false
	}
	return len(parseProtocolVersions(req.Header.Get(headerUpgrade))) > 0
}

// isPeerUpgradeResponse is the outbound-side counterpart: the dialed server
// accepted the upgrade iff it answered 101 with a version we offered.
func isPeerUpgradeResponse(resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
		return false
	}
	return len(parseProtocolVersions(resp.Header.Get(headerUpgrade))) > 0
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, raw := range h.Values(key) {
		for _, part := range strings.Split(raw, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func supportsCurrentVersion(versions []protocolVersion) bool {
	for _, v := range versions {
		if v == currentVersion {
			return true
		}
	}
	return false
}

func baseResponse(req *http.Request, status int) *http.Response {
	proto, major, minor := "HTTP/1.1", 1, 1
	if req != nil && req.ProtoMajor != 0 {
		proto, major, minor = req.Proto, req.ProtoMajor, req.ProtoMinor
	}
	return &http.Response{
		StatusCode: status,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     make(http.Header),
		Request:    req,
	}
}

func plainResponse(req *http.Request, status int, msg string) *http.Response {
	resp := baseResponse(req, status)
	payload := []byte(msg + "\n")
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	resp.Body = newBodyReader(payload)
	resp.ContentLength = int64(len(payload))
	return resp
}

func newBodyReader(payload []byte) *bodyReader {
	return &bodyReader{Reader: bytes.NewReader(payload)}
}

type bodyReader struct {
	*bytes.Reader
}

func (b *bodyReader) Close() error { return nil }
