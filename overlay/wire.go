package overlay

import (
	"encoding/json"
	"time"
)

// Message is the generic structure for any data exchanged with a peer after
// admission. Messages are newline-delimited JSON frames.
type Message struct {
	Type    byte            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Overlay message types.
const (
	MsgTypePing      byte = 0x01
	MsgTypePong      byte = 0x02
	MsgTypeEndpoints byte = 0x03
	MsgTypeHello     byte = 0x04
)

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges receipt of a ping message.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// EndpointsPayload advertises peer addresses worth connecting to.
type EndpointsPayload struct {
	Addresses []string `json:"addresses"`
}

// LegacyHelloPayload is the in-band handshake used by peers that speak the
// pre-upgrade wire protocol.
type LegacyHelloPayload struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// maxAdvertisedEndpoints caps how many addresses a single endpoints message
// may carry before it counts as a protocol violation.
const maxAdvertisedEndpoints = 32

func newPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

func newPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

func newEndpointsMessage(addresses []string) (*Message, error) {
	payload, err := json.Marshal(EndpointsPayload{Addresses: addresses})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeEndpoints, Payload: payload}, nil
}

func newLegacyHelloMessage(publicKey, signature string) (*Message, error) {
	payload, err := json.Marshal(LegacyHelloPayload{PublicKey: publicKey, Signature: signature})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeHello, Payload: payload}, nil
}
