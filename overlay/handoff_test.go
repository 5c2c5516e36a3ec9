package overlay

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"heliochain/crypto"
	"heliochain/peerfinder"
)

func upgradeRequest(t *testing.T, key *crypto.PrivateKey, secret []byte) *http.Request {
	t.Helper()
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: "/"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	req.Header.Set(headerConnection, "Upgrade")
	req.Header.Set(headerUpgrade, protocolName+"/"+currentVersion.String())
	req.Header.Set(headerConnectAs, "Peer")
	hl, err := buildHello(key, secret)
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	hl.apply(req.Header)
	return req
}

func testRemote() netip.AddrPort {
	return netip.MustParseAddrPort("198.51.100.7:50000")
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return data
}

func TestNegotiateIgnoresPlainRequest(t *testing.T) {
	o := newTestOverlay(t, newFakeFinder())
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/status"},
		Proto:  "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header: make(http.Header),
	}
	handoff := o.Negotiate(server, req, testRemote())
	if handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected untouched handoff for non-upgrade request, got %+v", handoff)
	}
}

type countingAccounting struct {
	mu    sync.Mutex
	deny  bool
	calls int
}

func (a *countingAccounting) NewInboundConsumer(netip.AddrPort) Consumer {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return fakeConsumer{deny: a.deny}
}

func (a *countingAccounting) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestNegotiatePlainRequestSkipsAccounting(t *testing.T) {
	acct := &countingAccounting{deny: true}
	o := newTestOverlayWith(t, newFakeFinder(), acct)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// A request that never asked for the peer upgrade is not charged, even
	// when the remote host is over quota; the caller keeps the transport.
	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/status"},
		Proto:  "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header: make(http.Header),
	}
	handoff := o.Negotiate(server, req, testRemote())
	if handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected untouched handoff for non-upgrade request, got %+v", handoff)
	}
	if got := acct.callCount(); got != 0 {
		t.Fatalf("expected no admission charge for non-upgrade request, got %d", got)
	}
}

func TestNegotiateDropsOverQuota(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlayWith(t, finder, fakeAccounting{deny: true})
	server, client := net.Pipe()
	defer client.Close()

	req := upgradeRequest(t, mustKey(t), testSecret())
	handoff := o.Negotiate(server, req, testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected dropped connection, got %+v", handoff)
	}
	finder.mu.Lock()
	calls := finder.inboundCalls
	finder.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no slot request for throttled attempt, got %d", calls)
	}
}

func TestNegotiateRejectsUnknownVersion(t *testing.T) {
	o := newTestOverlay(t, newFakeFinder())
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req := upgradeRequest(t, mustKey(t), testSecret())
	req.Header.Set(headerUpgrade, protocolName+"/9.9")
	handoff := o.Negotiate(server, req, testRemote())
	if handoff.Moved {
		t.Fatal("version mismatch must leave the transport with the caller")
	}
	if handoff.Response == nil || handoff.Response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %+v", handoff.Response)
	}
}

func TestNegotiateRejectsBadSignature(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer client.Close()

	// Signature covers a different secret than the session exports. A failed
	// peer handshake gets no response, just a closed connection.
	req := upgradeRequest(t, mustKey(t), []byte("not the session secret, padded."))
	handoff := o.Negotiate(server, req, testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected silent close, got %+v", handoff)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the reserved slot to be released, got %d releases", got)
	}
}

func TestNegotiateMissingHelloClosesSilently(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer client.Close()

	req := upgradeRequest(t, mustKey(t), testSecret())
	req.Header.Del(headerPublicKey)
	req.Header.Del(headerSessionSignature)
	handoff := o.Negotiate(server, req, testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected silent close, got %+v", handoff)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the reserved slot to be released, got %d releases", got)
	}
}

func TestNegotiateSessionFailureClosesSilently(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.sessionSecret = func(net.Conn) ([]byte, error) {
		return nil, errors.New("no exportable session material")
	}
	server, client := net.Pipe()
	defer client.Close()

	handoff := o.Negotiate(server, upgradeRequest(t, mustKey(t), testSecret()), testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected silent close, got %+v", handoff)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the reserved slot to be released, got %d releases", got)
	}
}

func TestNegotiateAbortsOnLocalEndpointFailure(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.localEndpoint = func(net.Conn) (netip.AddrPort, error) {
		return netip.AddrPort{}, errors.New("endpoint lookup failed")
	}
	server, client := net.Pipe()
	defer client.Close()

	handoff := o.Negotiate(server, upgradeRequest(t, mustKey(t), testSecret()), testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected dropped connection, got %+v", handoff)
	}
	finder.mu.Lock()
	calls := finder.inboundCalls
	finder.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no slot request without a local endpoint, got %d", calls)
	}
}

func TestNegotiateRedirectsNonPeerRole(t *testing.T) {
	finder := newFakeFinder()
	alt := netip.MustParseAddrPort("203.0.113.5:7101")
	finder.redirectAddrs = []netip.AddrPort{alt}
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req := upgradeRequest(t, mustKey(t), testSecret())
	req.Header.Del(headerConnectAs)
	handoff := o.Negotiate(server, req, testRemote())
	if handoff.Moved {
		t.Fatal("redirect must leave the transport with the caller")
	}
	resp := handoff.Response
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %+v", resp)
	}
	if !handoff.KeepAlive {
		t.Fatal("redirect on a keep-alive request must keep the transport open")
	}
	if got := resp.Header.Get(headerRemoteAddress); got != testRemote().String() {
		t.Fatalf("expected observed address %s, got %q", testRemote(), got)
	}
	var body struct {
		PeerIPs []string `json:"peer-ips"`
	}
	if err := json.Unmarshal(readBody(t, resp), &body); err != nil {
		t.Fatalf("decode redirect body: %v", err)
	}
	if len(body.PeerIPs) != 1 || body.PeerIPs[0] != alt.String() {
		t.Fatalf("expected redirect to %s, got %v", alt, body.PeerIPs)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the redirect slot to be released, got %d releases", got)
	}
}

func TestNegotiateRedirectsNonPeerWithoutHello(t *testing.T) {
	finder := newFakeFinder()
	alt := netip.MustParseAddrPort("203.0.113.5:7101")
	finder.redirectAddrs = []netip.AddrPort{alt}
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// An HTTP client declaring the upgrade but carrying no handshake headers
	// still gets the peer list, not a handshake error.
	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/"},
		Proto:  "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header: make(http.Header),
	}
	req.Header.Set(headerConnection, "Upgrade")
	req.Header.Set(headerUpgrade, protocolName+"/"+currentVersion.String())
	req.Header.Set(headerConnectAs, "rpc")

	handoff := o.Negotiate(server, req, testRemote())
	if handoff.Moved {
		t.Fatal("redirect must leave the transport with the caller")
	}
	resp := handoff.Response
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %+v", resp)
	}
	if got := resp.Header.Get(headerRemoteAddress); got != testRemote().String() {
		t.Fatalf("expected observed address %s, got %q", testRemote(), got)
	}
	var body struct {
		PeerIPs []string `json:"peer-ips"`
	}
	if err := json.Unmarshal(readBody(t, resp), &body); err != nil {
		t.Fatalf("decode redirect body: %v", err)
	}
	if len(body.PeerIPs) != 1 || body.PeerIPs[0] != alt.String() {
		t.Fatalf("expected redirect to %s, got %v", alt, body.PeerIPs)
	}
	finder.mu.Lock()
	calls := finder.inboundCalls
	finder.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the redirect to draw from a reserved slot, got %d slot requests", calls)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the redirect slot to be released, got %d releases", got)
	}
}

func TestNegotiateRedirectsWhenFull(t *testing.T) {
	finder := newFakeFinder()
	finder.activateResult = peerfinder.ResultFull
	finder.redirectAddrs = []netip.AddrPort{netip.MustParseAddrPort("203.0.113.5:7101")}
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handoff := o.Negotiate(server, upgradeRequest(t, mustKey(t), testSecret()), testRemote())
	if handoff.Response == nil || handoff.Response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %+v", handoff.Response)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the reserved slot to be released, got %d releases", got)
	}
}

func TestNegotiateDropsDuplicateIdentity(t *testing.T) {
	finder := newFakeFinder()
	finder.activateResult = peerfinder.ResultRejected
	o := newTestOverlay(t, finder)
	server, client := net.Pipe()
	defer client.Close()

	handoff := o.Negotiate(server, upgradeRequest(t, mustKey(t), testSecret()), testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("duplicate identity must be dropped silently, got %+v", handoff)
	}
	if got := finder.releaseCount(); got != 1 {
		t.Fatalf("expected the reserved slot to be released, got %d releases", got)
	}
}

func TestNegotiateRefusesDuringShutdown(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.Start()
	o.Stop()
	o.AwaitStopped()
	<-o.Done()

	server, client := net.Pipe()
	defer client.Close()
	handoff := o.Negotiate(server, upgradeRequest(t, mustKey(t), testSecret()), testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected connection dropped during shutdown, got %+v", handoff)
	}
	finder.mu.Lock()
	calls := finder.inboundCalls
	finder.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no slot request during shutdown, got %d", calls)
	}
}

func TestNegotiateAcceptsPeer(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	server, client := net.Pipe()
	remoteKey := mustKey(t)
	req := upgradeRequest(t, remoteKey, testSecret())

	handoff := o.Negotiate(server, req, testRemote())
	if !handoff.Moved || handoff.Response != nil {
		t.Fatalf("expected accepted connection, got %+v", handoff)
	}

	// The peer answers 101 with its own session-bound handshake.
	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	if err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	hl, err := parseHelloHeaders(resp.Header)
	if err != nil {
		t.Fatalf("parse response hello: %v", err)
	}
	signer, err := verifyHello(hl, testSecret())
	if err != nil {
		t.Fatalf("verify response hello: %v", err)
	}
	if signer != o.PublicKey() {
		t.Fatalf("expected response signed by local node %s, got %s", o.PublicKey(), signer)
	}

	waitFor(t, "peer activation", func() bool { return o.Size() == 1 })
	wantKey := crypto.PublicKeyHex(remoteKey)
	if p := o.FindByPublicKey(wantKey); p == nil {
		t.Fatalf("expected peer registered under %s", wantKey)
	}
	wantAccount, err := crypto.AddressFromPublicKeyHex(wantKey)
	if err != nil {
		t.Fatalf("derive account address: %v", err)
	}
	snaps := o.PeersJSON()
	if len(snaps) != 1 || snaps[0].Account != wantAccount.String() {
		t.Fatalf("expected snapshot account %s, got %+v", wantAccount, snaps)
	}

	client.Close()
	waitFor(t, "peer teardown", func() bool { return o.Size() == 0 })
	waitFor(t, "slot released", func() bool { return finder.releaseCount() == 1 })
}

func TestLegacyAdmission(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	server, client := net.Pipe()
	if !o.AdmitLegacy(server, bufio.NewReader(server), testRemote()) {
		t.Fatal("legacy connection refused")
	}

	remoteKey := mustKey(t)
	secret := legacySessionSecret(client)
	hl, err := buildHello(remoteKey, secret)
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	frame, err := newLegacyHelloMessage(hl.publicKey, hl.signature)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeFrame(t, client, *frame)

	reply := readFrame(t, client)
	if reply.Type != MsgTypeHello {
		t.Fatalf("expected identifying reply, got type %#x", reply.Type)
	}
	var payload LegacyHelloPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	signer, err := verifyHello(hello{publicKey: payload.PublicKey, signature: payload.Signature}, secret)
	if err != nil {
		t.Fatalf("verify reply: %v", err)
	}
	if signer != o.PublicKey() {
		t.Fatalf("expected reply signed by local node, got %s", signer)
	}

	waitFor(t, "peer activation", func() bool { return o.Size() == 1 })

	// Ping must be answered.
	ping, err := newPingMessage(7, time.Now())
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	writeFrame(t, client, *ping)
	pong := readFrame(t, client)
	if pong.Type != MsgTypePong {
		t.Fatalf("expected pong, got type %#x", pong.Type)
	}
	var pp PongPayload
	if err := json.Unmarshal(pong.Payload, &pp); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pp.Nonce != 7 {
		t.Fatalf("expected echoed nonce 7, got %d", pp.Nonce)
	}

	client.Close()
	waitFor(t, "peer teardown", func() bool { return o.Size() == 0 })
}

func TestOversizedEndpointListDisconnects(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	server, client := net.Pipe()
	if !o.AdmitLegacy(server, bufio.NewReader(server), testRemote()) {
		t.Fatal("legacy connection refused")
	}
	remoteKey := mustKey(t)
	secret := legacySessionSecret(client)
	hl, err := buildHello(remoteKey, secret)
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	frame, _ := newLegacyHelloMessage(hl.publicKey, hl.signature)
	writeFrame(t, client, *frame)
	readFrame(t, client)
	waitFor(t, "peer activation", func() bool { return o.Size() == 1 })

	addrs := make([]string, maxAdvertisedEndpoints+1)
	for i := range addrs {
		addrs[i] = "203.0.113.9:7101"
	}
	eps, err := newEndpointsMessage(addrs)
	if err != nil {
		t.Fatalf("build endpoints: %v", err)
	}
	writeFrame(t, client, *eps)

	waitFor(t, "violating peer disconnected", func() bool { return o.Size() == 0 })
	if got := finder.fallbackFor("peer 1"); len(got) != 0 {
		t.Fatalf("oversized advertisement must not be stored, got %v", got)
	}
}

func writeFrame(t *testing.T, conn net.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	data = append(data, '\n')
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}
