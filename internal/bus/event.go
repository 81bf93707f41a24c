package bus

import "time"

// Event is a state change published by the engine.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindStatusChanged  = "session.status_changed"
	KindSessionExpired = "session.expired"

	KindConversationUpdated = "conversation.updated"
	KindContactsLoaded      = "conversation.contacts_loaded"
	KindPresenceChanged     = "conversation.presence_changed"
	KindTypingChanged       = "conversation.typing_changed"

	KindTimelineUpdated = "timeline.updated"
	KindTimelineOpened  = "timeline.opened"

	KindMessageSent   = "message.sent"
	KindMessageFailed = "message.send_failed"

	KindNotificationAdded   = "notification.added"
	KindNotificationRemoved = "notification.removed"

	KindDraftChanged = "draft.changed"
	KindEngineError  = "engine.error"
)
