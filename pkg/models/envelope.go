package models

import "time"

// Envelope is the wire event envelope exchanged with the exchange server
// (spec §6): every inbound/outbound frame carries exactly this shape.
type Envelope struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp int64          `json:"timestamp"` // unix millis
	AgentID   string         `json:"agentId"`
	ChannelID string         `json:"channelId"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope stamps Timestamp from t (callers pass time.Now() so models
// stays free of the Date.now()-style ambient clock calls).
func NewEnvelope(eventID, eventType, agentID, channelID string, data map[string]any, t time.Time) Envelope {
	return Envelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: t.UnixMilli(),
		AgentID:   agentID,
		ChannelID: channelID,
		Data:      data,
	}
}

// Event family constants (spec §6 "Required event families"). Only events
// in PublicEventTypes are exposed to external bus subscribers (ChannelView).
const (
	EventAgentRegister           = "register"
	EventAgentRegistered         = "registered"
	EventAgentConnected          = "connected"
	EventAgentDisconnected       = "disconnected"
	EventAgentStatusChange       = "status_change"
	EventAgentRegistrationFailed = "registration_failed"
	EventAgentError              = "error"
	EventAgentAllowedToolsUpdate = "allowed_tools_update"

	EventChannelCreate         = "create"
	EventChannelCreated        = "created"
	EventChannelCreationFailed = "creation_failed"

	EventKeyGenerate           = "generate"
	EventKeyGenerated          = "generated"
	EventKeyGenerationFailed   = "generation_failed"

	EventMessageAgent               = "agent_message"
	EventMessageChannel              = "channel_message"
	EventMessagePersistBulkRequest   = "persist_bulk_channel_messages_request"

	EventTaskAssigned         = "assigned"
	EventTaskStarted          = "started"
	EventTaskProgressUpdated  = "progress_updated"
	EventTaskCompleted        = "completed"
	EventTaskFailed           = "failed"
	EventTaskCancelled        = "cancelled"

	EventControlLoopInitialize       = "initialize"
	EventControlLoopStart            = "start"
	EventControlLoopStop             = "stop"
	EventControlLoopObservationSubmit = "observation_submit"
	EventControlLoopReflection       = "reflection"

	EventMcpExternalServerRegister           = "external_server_register"
	EventMcpExternalServerRegistered         = "external_server_registered"
	EventMcpExternalServerRegistrationFailed = "external_server_registration_failed"
	EventMcpExternalServerToolsDiscovered    = "external_server_tools_discovered"

	EventIndexingMeilisearchIndex           = "meilisearch:index"
	EventIndexingBackfillRequest            = "meilisearch:backfill:request"
	EventIndexingBackfillComplete           = "meilisearch:backfill:complete"
	EventIndexingBackfillPartial            = "meilisearch:backfill:partial"
	EventIndexingBackfillError              = "meilisearch:backfill:error"

	EventLivenessHeartbeat = "heartbeat"
)

// PublicEventTypes is the whitelist ChannelView filters external subscribers
// against; handlers on any other event name are rejected with a warning.
var PublicEventTypes = map[string]bool{
	EventAgentStatusChange:    true,
	EventAgentAllowedToolsUpdate: true,
	EventMessageAgent:         true,
	EventMessageChannel:       true,
	EventTaskAssigned:         true,
	EventTaskStarted:          true,
	EventTaskProgressUpdated:  true,
	EventTaskCompleted:        true,
	EventTaskFailed:           true,
	EventTaskCancelled:        true,
	EventControlLoopReflection: true,
	EventLivenessHeartbeat:    true,
}
