package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// FlexID decodes an identifier the server may send as a string or a number.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string {
	return string(id)
}

// ServerMessage is a message as the chat server encodes it, over HTTP and on
// the socket. Status is the server's read flag.
type ServerMessage struct {
	MessageID   FlexID     `json:"messageId"`
	SenderID    FlexID     `json:"senderId"`
	ReceiverID  FlexID     `json:"receiverId"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments"`
	CreatedAt   string     `json:"createdAt"`
	Status      bool       `json:"status"`
	Reactions   []Reaction `json:"reactions"`
}

// Message converts the wire form. A missing or unparseable createdAt falls
// back to received.
func (w ServerMessage) Message(received time.Time) Message {
	msg := Message{
		ID:          w.MessageID.String(),
		SenderID:    w.SenderID.String(),
		ReceiverID:  w.ReceiverID.String(),
		Content:     w.Content,
		Attachments: w.Attachments,
		CreatedAt:   parseTime(w.CreatedAt, received),
		State:       Sent,
		Reactions:   w.Reactions,
	}
	if w.Status {
		msg.State = Read
	}
	return msg
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return fallback
}
