package models

import "time"

// ConnectionStatus represents the Transport Gateway's session state.
type ConnectionStatus string

const (
	ConnectionStatusUnspecified  ConnectionStatus = "unspecified"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusRegistered   ConnectionStatus = "registered"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusError        ConnectionStatus = "error"
)

// GatewayConnection tracks one agent's session to the exchange server.
type GatewayConnection struct {
	AgentID        string           `json:"agent_id"`
	ChannelID      string           `json:"channel_id"`
	Status         ConnectionStatus `json:"status"`
	ReconnectCount int              `json:"reconnect_count"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}
