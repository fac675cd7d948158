package events

// Channel names used across the system. Channels are matched exactly by the
// broker; the ":" separator is a naming convention, not a wildcard boundary.
const (
	// ChannelSessions carries global session-list updates.
	ChannelSessions = "sessions"
	// ChannelBash carries bash process lifecycle events.
	ChannelBash = "bash:all"
	// ChannelConfig carries configuration change events.
	ChannelConfig = "config:updates"
	// ChannelApp carries application-level events.
	ChannelApp = "app:events"
)

// ChannelSession returns the model-level channel for one session.
func ChannelSession(sessionID string) string {
	return "session:" + sessionID
}

// ChannelSessionStream returns the fine-grained streaming channel for one
// session, feeding a live session view.
func ChannelSessionStream(sessionID string) string {
	return "session-stream:" + sessionID
}

// ChannelMessage returns the per-message part-update channel.
func ChannelMessage(messageID string) string {
	return "message:" + messageID
}

// Event types published by the system.
const (
	TypeSessionCreated       = "session-created"
	TypeSessionUpdated       = "session-updated"
	TypeSessionDeleted       = "session-deleted"
	TypeSessionCompacted     = "session-compacted"
	TypeSessionStatus        = "session-status"
	TypeSessionTokensUpdated = "session-tokens-updated"

	TypeUserMessageCreated      = "user-message-created"
	TypeAssistantMessageCreated = "assistant-message-created"
	TypePartUpdated             = "part-updated"
	TypeMessageUpdated          = "message-updated"
	TypeQueueCleared            = "queue-cleared"

	TypeToolCall   = "tool-call"
	TypeToolResult = "tool-result"

	TypeAskCreated  = "ask-created"
	TypeAskAnswered = "ask-answered"

	TypeBashOutput = "bash-output"
	TypeBashStatus = "bash-status"
	TypeBashExit   = "bash-exit"

	TypeConfigUpdated = "config-updated"
)
