package overlay

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"heliochain/crypto"
)

// The overlay handshake rides on an HTTP upgrade. The dialer declares the
// protocol versions it speaks in the Upgrade header, identifies itself as a
// peer via Connect-As, and proves possession of its node key by signing the
// transport's exported session material.
const (
	protocolName = "HLP"

	headerUpgrade          = "Upgrade"
	headerConnection       = "Connection"
	headerConnectAs        = "Connect-As"
	headerPublicKey        = "Public-Key"
	headerSessionSignature = "Session-Signature"
	headerRemoteAddress    = "Remote-Address"

	sessionExportLabel = "heliochain/peer-session"
	sessionSecretSize  = 32
)

type protocolVersion struct {
	major int
	minor int
}

// String renders the bare version number; the full Upgrade token is
// protocolName + "/" + String.
func (v protocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.major, v.minor)
}

var currentVersion = protocolVersion{1, 0}

// parseProtocolVersions extracts the peer protocol versions from an Upgrade
// header value. Tokens that are not of the form "HLP/<major>.<minor>" are
// ignored; an empty result means the upgrade is not ours.
func parseProtocolVersions(header string) []protocolVersion {
	seen := make(map[protocolVersion]struct{})
	var out []protocolVersion
	for _, token := range strings.Split(header, ",") {
		token = strings.TrimSpace(token)
		name, rest, ok := strings.Cut(token, "/")
		if !ok || !strings.EqualFold(name, protocolName) {
			continue
		}
		majorStr, minorStr, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		major, err := strconv.Atoi(majorStr)
		if err != nil || major < 0 {
			continue
		}
		minor, err := strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			continue
		}
		v := protocolVersion{major, minor}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].major != out[j].major {
			return out[i].major < out[j].major
		}
		return out[i].minor < out[j].minor
	})
	return out
}

// connectAsPeer reports whether the comma-separated Connect-As value contains
// the literal token "peer", compared case-insensitively. Its absence marks an
// HTTP client that should be redirected rather than admitted.
func connectAsPeer(h http.Header) bool {
	for _, token := range strings.Split(h.Get(headerConnectAs), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "peer") {
			return true
		}
	}
	return false
}

type hello struct {
	publicKey string
	signature string
}

func parseHelloHeaders(h http.Header) (hello, error) {
	hl := hello{
		publicKey: strings.TrimSpace(h.Get(headerPublicKey)),
		signature: strings.TrimSpace(h.Get(headerSessionSignature)),
	}
	if hl.publicKey == "" {
		return hello{}, fmt.Errorf("%w: missing %s header", ErrMalformedHandshake, headerPublicKey)
	}
	if hl.signature == "" {
		return hello{}, fmt.Errorf("%w: missing %s header", ErrMalformedHandshake, headerSessionSignature)
	}
	return hl, nil
}

// buildHello signs the session secret with the node key, producing the
// handshake material the remote side verifies.
func buildHello(key *crypto.PrivateKey, secret []byte) (hello, error) {
	if key == nil {
		return hello{}, fmt.Errorf("node key not configured")
	}
	digest := ethcrypto.Keccak256(secret)
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return hello{}, fmt.Errorf("sign session digest: %w", err)
	}
	return hello{
		publicKey: encodeHex(key.PubKey().Compressed()),
		signature: encodeHex(sig),
	}, nil
}

func (hl hello) apply(h http.Header) {
	h.Set(headerPublicKey, hl.publicKey)
	h.Set(headerSessionSignature, hl.signature)
}

// verifyHello checks the session signature against the shared secret and
// recovers the signer's public key, which must match the declared one. It
// returns the canonical compressed-hex form of the verified key.
func verifyHello(hl hello, secret []byte) (string, error) {
	sig, err := decodeHex(hl.signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding: %v", ErrMalformedHandshake, err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("%w: signature length %d", ErrMalformedHandshake, len(sig))
	}
	declaredBytes, err := decodeHex(hl.publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: public key encoding: %v", ErrMalformedHandshake, err)
	}
	declared, err := ethcrypto.DecompressPubkey(declaredBytes)
	if err != nil {
		return "", fmt.Errorf("%w: public key: %v", ErrMalformedHandshake, err)
	}

	digest := ethcrypto.Keccak256(secret)
	recovered, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeVerification, err)
	}
	if recovered.X.Cmp(declared.X) != 0 || recovered.Y.Cmp(declared.Y) != 0 {
		return "", fmt.Errorf("%w: signer does not match declared key", ErrHandshakeVerification)
	}
	return encodeHex(ethcrypto.CompressPubkey(recovered)), nil
}

// tlsSessionSecret derives the per-connection shared secret from the
// transport's TLS keying material. Both ends of a connection export the same
// bytes, so a signature over it binds the node key to this very session.
func tlsSessionSecret(conn net.Conn) ([]byte, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil, ErrNoSessionMaterial
	}
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionMaterial, err)
	}
	state := tc.ConnectionState()
	secret, err := state.ExportKeyingMaterial(sessionExportLabel, nil, sessionSecretSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionMaterial, err)
	}
	return secret, nil
}

// wrapClientTLS layers TLS onto an outbound transport. Peers authenticate
// each other through the session-bound handshake signature, not certificates,
// so certificate verification is disabled.
func wrapClientTLS(conn net.Conn) net.Conn {
	return tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}
