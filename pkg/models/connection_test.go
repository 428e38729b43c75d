package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatus_Constants(t *testing.T) {
	tests := []struct {
		constant ConnectionStatus
		expected string
	}{
		{ConnectionStatusUnspecified, "unspecified"},
		{ConnectionStatusConnecting, "connecting"},
		{ConnectionStatusRegistered, "registered"},
		{ConnectionStatusConnected, "connected"},
		{ConnectionStatusDisconnected, "disconnected"},
		{ConnectionStatusError, "error"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.constant))
		})
	}
}

func TestGatewayConnection_Struct(t *testing.T) {
	now := time.Now()
	conn := GatewayConnection{
		AgentID:        "agent-123",
		ChannelID:      "channel-456",
		Status:         ConnectionStatusConnected,
		ReconnectCount: 2,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	assert.Equal(t, "agent-123", conn.AgentID)
	assert.Equal(t, ConnectionStatusConnected, conn.Status)
	assert.Equal(t, 2, conn.ReconnectCount)
}

func TestGatewayConnection_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := GatewayConnection{
		AgentID:        "agent-123",
		ChannelID:      "channel-456",
		Status:         ConnectionStatusConnecting,
		ReconnectCount: 0,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded GatewayConnection
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.AgentID, decoded.AgentID)
	assert.Equal(t, original.Status, decoded.Status)
}
