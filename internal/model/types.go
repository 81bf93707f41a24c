package model

import (
	"slices"
	"time"
)

// Session is the authenticated identity the engine runs as.
type Session struct {
	UserID      string    `json:"userId"`
	TokenExpiry time.Time `json:"tokenExpiry"`
}

// Expired reports whether the token behind the session has lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.TokenExpiry.IsZero() && !now.Before(s.TokenExpiry)
}

// Contact is a directory entry for another user.
type Contact struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Bio         string `json:"bio"`
	Email       string `json:"email,omitempty"`
}

// ConversationSummary is the inbox row for one peer.
type ConversationSummary struct {
	PeerID       string   `json:"peerId"`
	Contact      Contact  `json:"contact"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	IsOnline     bool     `json:"isOnline"`
	IsPeerTyping bool     `json:"isPeerTyping"`
}

type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Read    DeliveryState = "read"
)

type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one timeline entry. ID is the dedup key: server assigned once
// confirmed, a local placeholder while an optimistic send is in flight.
type Message struct {
	ID          string        `json:"messageId"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Content     string        `json:"content"`
	Attachments []string      `json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	State       DeliveryState `json:"deliveryState"`
	Reactions   []Reaction    `json:"reactions,omitempty"`
}

// Counterpart returns the participant of msg that is not self.
func (m Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether msg belongs to the conversation between a and b.
func (m Message) Involves(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Before orders messages by CreatedAt, then by ID.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.Reactions = slices.Clone(m.Reactions)
	return m
}

// Preview is the text shown for msg in notifications.
func (m Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	return "Attachment"
}

// TimelineWindow is the loaded slice of one conversation.
type TimelineWindow struct {
	PeerID  string    `json:"peerId"`
	Page    int       `json:"page"`
	HasMore bool      `json:"hasMore"`
	Loading bool      `json:"loading"`
	Items   []Message `json:"items"`
}

type Draft struct {
	PeerID string `json:"peerId"`
	Text   string `json:"text"`
}

// Notification is a transient alert for an inbound message.
type Notification struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peerId"`
	Preview   string    `json:"preview"`
	ExpiresAt time.Time `json:"expiresAt"`
}
