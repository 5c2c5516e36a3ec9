package overlay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"heliochain/crypto"
)

// pipeDialer returns a dial function handing the overlay one end of a pipe
// and the test the other.
func pipeDialer(t *testing.T) (dialFunc, <-chan net.Conn) {
	t.Helper()
	conns := make(chan net.Conn, 1)
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		conns <- server
		return client, nil
	}
	return dial, conns
}

func TestOutboundHandshakeSucceeds(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	dial, conns := pipeDialer(t)
	o.dialFn = dial
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	remoteKey := mustKey(t)
	remote := netip.MustParseAddrPort("203.0.113.20:7101")
	o.Connect(remote)

	server := <-conns
	defer server.Close()
	reader := bufio.NewReader(server)
	server.SetDeadline(time.Now().Add(5 * time.Second))
	req, err := http.ReadRequest(reader)
	if err != nil {
		t.Fatalf("read upgrade request: %v", err)
	}
	if !isPeerUpgrade(req) {
		t.Fatalf("expected a peer upgrade request, got headers %v", req.Header)
	}
	hl, err := parseHelloHeaders(req.Header)
	if err != nil {
		t.Fatalf("parse request hello: %v", err)
	}
	if _, err := verifyHello(hl, testSecret()); err != nil {
		t.Fatalf("verify request hello: %v", err)
	}

	ours, err := buildHello(remoteKey, testSecret())
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	fmt.Fprintf(server, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: %s/%s\r\n"+
		"%s: %s\r\n"+
		"%s: %s\r\n\r\n",
		protocolName, currentVersion.String(),
		headerPublicKey, ours.publicKey,
		headerSessionSignature, ours.signature)

	waitFor(t, "peer activation", func() bool { return o.Size() == 1 })
	wantKey := crypto.PublicKeyHex(remoteKey)
	finder.mu.Lock()
	activated := append([]string(nil), finder.activated...)
	finder.mu.Unlock()
	if len(activated) != 1 || activated[0] != wantKey {
		t.Fatalf("expected slot activated under %s, got %v", wantKey, activated)
	}

	server.Close()
	waitFor(t, "peer teardown", func() bool { return o.Size() == 0 })
}

func TestOutboundRedirectFeedsCache(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	dial, conns := pipeDialer(t)
	o.dialFn = dial
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	o.Connect(netip.MustParseAddrPort("203.0.113.21:7101"))

	server := <-conns
	defer server.Close()
	reader := bufio.NewReader(server)
	server.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := http.ReadRequest(reader); err != nil {
		t.Fatalf("read upgrade request: %v", err)
	}

	body := `{"peer-ips":["203.0.113.30:7101","203.0.113.31:7101"]}`
	fmt.Fprintf(server, "HTTP/1.1 503 Service Unavailable\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Length: %d\r\n\r\n%s", len(body), body)

	waitFor(t, "redirect endpoints stored", func() bool {
		return len(finder.fallbackFor("redirect")) == 2
	})
	waitFor(t, "slot released", func() bool { return finder.releaseCount() == 1 })
	if got := o.Size(); got != 0 {
		t.Fatalf("redirected attempt must not activate, got %d peers", got)
	}
}

func TestOutboundRefusesOwnIdentity(t *testing.T) {
	finder := newFakeFinder()
	o := newTestOverlay(t, finder)
	dial, conns := pipeDialer(t)
	o.dialFn = dial
	o.Start()
	defer func() {
		o.Stop()
		o.AwaitStopped()
	}()

	o.Connect(netip.MustParseAddrPort("203.0.113.22:7101"))

	server := <-conns
	defer server.Close()
	reader := bufio.NewReader(server)
	server.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := http.ReadRequest(reader); err != nil {
		t.Fatalf("read upgrade request: %v", err)
	}

	// Answer with the dialer's own handshake, as a self-connection would.
	ours, err := buildHello(o.key, testSecret())
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	fmt.Fprintf(server, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: %s/%s\r\n"+
		"%s: %s\r\n"+
		"%s: %s\r\n\r\n",
		protocolName, currentVersion.String(),
		headerPublicKey, ours.publicKey,
		headerSessionSignature, ours.signature)

	waitFor(t, "slot released", func() bool { return finder.releaseCount() == 1 })
	finder.mu.Lock()
	activated := len(finder.activated)
	finder.mu.Unlock()
	if activated != 0 {
		t.Fatal("self connection must never activate")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	p := &Peer{outboundQ: make(chan Message, 1)}
	if err := p.Enqueue(Message{Type: MsgTypePing}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := p.Enqueue(Message{Type: MsgTypePing}); err != errQueueFull {
		t.Fatalf("expected errQueueFull, got %v", err)
	}
}
