// Package transport implements the Transport Gateway (C2): the WebSocket
// handshake, wire framing, liveness beacon, and reconnect logic that carries
// event envelopes between an agent runtime and the exchange.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/mxf/agent-runtime/pkg/models"
)

// frameType identifies a control or payload frame on the wire. Only "event"
// frames carry an Envelope; the rest are handshake and liveness control
// messages.
type frameType string

const (
	frameAuth        frameType = "auth"
	frameAuthSuccess frameType = "auth:success"
	frameAuthFailure frameType = "auth:failure"
	frameRegister    frameType = "register"
	frameRegistered  frameType = "registered"
	frameConnected   frameType = "connected"
	framePing        frameType = "ping"
	framePong        frameType = "pong"
	frameEvent       frameType = "event"
)

// wireFrame is the envelope every message on the socket is wrapped in.
// Only the fields relevant to Type are populated.
type wireFrame struct {
	Type        frameType        `json:"type"`
	DomainKey   string           `json:"domainKey,omitempty"`
	Credentials string           `json:"credentials,omitempty"`
	AgentID     string           `json:"agentId,omitempty"`
	ChannelID   string           `json:"channelId,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Envelope    *models.Envelope `json:"envelope,omitempty"`
}

func encodeFrame(f wireFrame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func decodeFrame(data []byte) (wireFrame, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return wireFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
