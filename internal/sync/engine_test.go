package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SocketURL = "ws://chat.test/ws"
	cfg.Reconnect.Initial = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Reconnect.Max = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Typing.Timeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Notifications.Sound = false
	return cfg
}

type engineHarness struct {
	e      *Engine
	api    *fakeAPI
	conn   *serverConn
	drafts *memDrafts
	bus    *bus.Bus
}

func startEngine(t *testing.T, api *fakeAPI) *engineHarness {
	t.Helper()
	h := &engineHarness{
		api:    api,
		conn:   newServerConn(),
		drafts: &memDrafts{drafts: map[string]string{"ana": "half written"}},
		bus:    bus.New(),
	}
	e, err := New(context.Background(), Options{
		Session: model.Session{UserID: "me"},
		Self:    model.Contact{UserID: "me", DisplayName: "me"},
		Token:   "tok",
		Config:  testConfig(),
		API:     api,
		Dialer:  &queueDialer{conns: []*serverConn{h.conn}},
		Drafts:  h.drafts,
		Bus:     h.bus,
		Machine: status.NewMachine(h.bus),
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.e = e
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	h.conn.expect(t, "joinRoom")
	eventually(t, "joined", func() bool { return e.Status() == status.Joined })
	return h
}

func wire(id, from, to, content string, at time.Time) map[string]any {
	return map[string]any{
		"messageId":   id,
		"senderId":    from,
		"receiverId":  to,
		"content":     content,
		"attachments": []string{},
		"createdAt":   at.Format(time.RFC3339Nano),
		"status":      false,
	}
}

func defaultAPI() *fakeAPI {
	return &fakeAPI{
		contacts: []model.Contact{
			{UserID: "me", DisplayName: "me"},
			{UserID: "ana", DisplayName: "Ana"},
			{UserID: "bob", DisplayName: "Bob"},
		},
		history: map[string][]model.Message{
			"ana": {
				{ID: "h1", SenderID: "ana", ReceiverID: "me", Content: "old", CreatedAt: t0, State: model.Read},
				{ID: "h2", SenderID: "ana", ReceiverID: "me", Content: "unread", CreatedAt: t0.Add(time.Second), State: model.Sent},
			},
		},
	}
}

func (h *engineHarness) summary(t *testing.T, peer string) model.ConversationSummary {
	t.Helper()
	for _, s := range h.e.Conversations() {
		if s.PeerID == peer {
			return s
		}
	}
	t.Fatalf("no conversation with %s", peer)
	return model.ConversationSummary{}
}

func TestEngineLoadsProfileAndContacts(t *testing.T) {
	h := startEngine(t, defaultAPI())
	if got := h.e.Self().DisplayName; got != "Me Myself" {
		t.Errorf("self = %q", got)
	}
	convs := h.e.Conversations()
	if len(convs) != 2 {
		t.Fatalf("conversations = %+v", convs)
	}
	if s := h.summary(t, "ana"); s.LastMessage == nil || s.LastMessage.ID != "h2" {
		t.Errorf("ana last message = %+v", s.LastMessage)
	}
	if h.e.Draft("ana") != "half written" {
		t.Errorf("draft = %q", h.e.Draft("ana"))
	}
}

func TestEngineInboundWhileClosed(t *testing.T) {
	h := startEngine(t, defaultAPI())
	h.conn.push(t, EventReceiverMessage, wire("m1", "ana", "me", "hi", t0.Add(time.Minute)))

	eventually(t, "unread count", func() bool { return h.summary(t, "ana").UnreadCount == 1 })
	n := h.e.Notifications()
	if len(n) != 1 || n[0].ID != "m1" || n[0].PeerID != "ana" || n[0].Preview != "hi" {
		t.Errorf("notifications = %+v", n)
	}

	if err := h.e.OpenConversation(context.Background(), "ana"); err != nil {
		t.Fatal(err)
	}
	if got := h.summary(t, "ana").UnreadCount; got != 0 {
		t.Errorf("unread after open = %d", got)
	}
	if len(h.e.Notifications()) != 0 {
		t.Error("notifications not dismissed on open")
	}
	var r struct{ MessageID, SenderID, ReceiverID string }
	_ = json.Unmarshal(h.conn.expect(t, EventMessageRead), &r)
	if r.MessageID != "h2" || r.SenderID != "ana" || r.ReceiverID != "me" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestEngineRedeliveryCountsOnce(t *testing.T) {
	h := startEngine(t, defaultAPI())
	m1 := wire("m1", "ana", "me", "hi", t0.Add(time.Minute))
	h.conn.push(t, EventReceiverMessage, m1)
	h.conn.push(t, EventReceiverMessage, m1)
	h.conn.push(t, EventReceiverMessage, wire("b1", "bob", "me", "yo", t0.Add(time.Minute)))

	// bob's message is read after both copies of m1
	eventually(t, "bob unread", func() bool { return h.summary(t, "bob").UnreadCount == 1 })
	if got := h.summary(t, "ana").UnreadCount; got != 1 {
		t.Errorf("ana unread = %d, want 1", got)
	}
	var fromAna int
	for _, n := range h.e.Notifications() {
		if n.PeerID == "ana" {
			fromAna++
		}
	}
	if fromAna != 1 {
		t.Errorf("notifications from ana = %d, want 1", fromAna)
	}
}

type basedAPI struct {
	*fakeAPI
	base string
}

func (a basedAPI) BaseURL() string { return a.base }

func TestEngineResolvesAvatarsAgainstClientBase(t *testing.T) {
	api := defaultAPI()
	api.contacts[1].AvatarURL = `uploads\ana.png`
	h := &engineHarness{}
	e, err := New(context.Background(), Options{
		Session: model.Session{UserID: "me"},
		Self:    model.Contact{UserID: "me", DisplayName: "me"},
		Token:   "tok",
		Config:  testConfig(),
		API:     basedAPI{fakeAPI: api, base: "http://cdn.test/"},
		Dialer:  &queueDialer{conns: []*serverConn{newServerConn()}},
		Drafts:  &memDrafts{drafts: map[string]string{}},
		Bus:     bus.New(),
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.e = e
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	if got := h.summary(t, "ana").Contact.AvatarURL; got != "http://cdn.test/uploads/ana.png" {
		t.Errorf("avatar = %q", got)
	}
}

func TestEngineInboundWhileOpen(t *testing.T) {
	h := startEngine(t, defaultAPI())
	if err := h.e.OpenConversation(context.Background(), "ana"); err != nil {
		t.Fatal(err)
	}
	h.conn.expect(t, EventMessageRead)

	h.conn.push(t, EventReceiverMessage, wire("m1", "ana", "me", "hi", t0.Add(time.Minute)))
	eventually(t, "append", func() bool {
		w, _ := h.e.Timeline()
		return len(w.Items) == 3
	})
	var r struct{ MessageID string }
	_ = json.Unmarshal(h.conn.expect(t, EventMessageRead), &r)
	if r.MessageID != "m1" {
		t.Errorf("receipt for %q, want m1", r.MessageID)
	}
	if len(h.e.Notifications()) != 0 {
		t.Error("notification raised for the open conversation")
	}
	if got := h.summary(t, "ana").UnreadCount; got != 0 {
		t.Errorf("unread = %d", got)
	}
}

func TestEngineSendAndEcho(t *testing.T) {
	h := startEngine(t, defaultAPI())
	_ = h.e.OpenConversation(context.Background(), "ana")

	local, err := h.e.Send(context.Background(), "ana", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.conn.expect(t, "sendMessage")
	if h.e.Draft("ana") != "" {
		t.Error("draft not cleared after send")
	}

	h.conn.push(t, EventMessageStatus, map[string]any{"success": true})
	h.conn.push(t, EventReceiverMessage, wire("srv-1", "me", "ana", "hello", local.CreatedAt))
	eventually(t, "reconcile", func() bool {
		w, _ := h.e.Timeline()
		for _, m := range w.Items {
			if m.ID == local.ID {
				return false
			}
		}
		return len(w.Items) == 3
	})
	eventually(t, "preview", func() bool {
		s := h.summary(t, "ana")
		return s.LastMessage != nil && s.LastMessage.ID == "srv-1"
	})
}

func TestEngineSendRejected(t *testing.T) {
	h := startEngine(t, defaultAPI())
	_ = h.e.OpenConversation(context.Background(), "ana")
	_, _ = h.e.Send(context.Background(), "ana", "hello", nil)

	h.conn.push(t, EventMessageStatus, map[string]any{"success": false, "message": "Receiver blocked you"})
	eventually(t, "banner", func() bool {
		b, ok := h.e.Banner()
		return ok && b.Message == "Receiver blocked you"
	})
	w, _ := h.e.Timeline()
	if len(w.Items) != 2 {
		t.Errorf("timeline = %+v", w.Items)
	}
	h.e.DismissBanner()
	if _, ok := h.e.Banner(); ok {
		t.Error("banner still up")
	}
}

func TestEngineEmptySendDoesNotRaiseBanner(t *testing.T) {
	h := startEngine(t, defaultAPI())
	if _, err := h.e.Send(context.Background(), "ana", " ", nil); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := h.e.Banner(); ok {
		t.Error("banner raised for empty send")
	}
}

func TestEngineSignals(t *testing.T) {
	h := startEngine(t, defaultAPI())
	_ = h.e.OpenConversation(context.Background(), "ana")

	h.conn.push(t, EventUserOnline, map[string]string{"userId": "bob"})
	h.conn.push(t, EventTyping, map[string]string{"userId": "bob"})
	eventually(t, "presence and typing", func() bool {
		s := h.summary(t, "bob")
		return s.IsOnline && s.IsPeerTyping
	})
	eventually(t, "typing decay", func() bool { return !h.summary(t, "bob").IsPeerTyping })

	h.conn.push(t, EventUserOffline, map[string]string{"userId": "bob"})
	eventually(t, "offline", func() bool { return !h.summary(t, "bob").IsOnline })

	h.conn.push(t, EventReactionAdded, map[string]any{
		"messageId": "h1",
		"reactions": []map[string]string{{"userId": "ana", "emoji": "🎉"}},
	})
	h.conn.push(t, EventMessageRead, map[string]string{"messageId": "h2"})
	eventually(t, "reaction and read", func() bool {
		w, _ := h.e.Timeline()
		return len(w.Items) == 2 && len(w.Items[0].Reactions) == 1 && w.Items[1].State == model.Read
	})

	// deleting an unknown message is a no-op
	h.conn.push(t, EventMessageDeleted, map[string]string{"messageId": "nope"})
	h.conn.push(t, EventMessageDeleted, map[string]string{"messageId": "h1"})
	eventually(t, "delete", func() bool {
		w, _ := h.e.Timeline()
		return len(w.Items) == 1
	})

	h.conn.push(t, EventChatDeleted, map[string]string{"senderId": "ana"})
	eventually(t, "chat cleared", func() bool {
		w, _ := h.e.Timeline()
		s := h.summary(t, "ana")
		return len(w.Items) == 0 && s.LastMessage == nil
	})
}

func TestEngineDraftSignalsTyping(t *testing.T) {
	h := startEngine(t, defaultAPI())
	if err := h.e.UpdateDraft(context.Background(), "bob", "hey b"); err != nil {
		t.Fatal(err)
	}
	var sig struct{ UserID, ReceiverID string }
	_ = json.Unmarshal(h.conn.expect(t, EventTyping), &sig)
	if sig.UserID != "me" || sig.ReceiverID != "bob" {
		t.Errorf("typing = %+v", sig)
	}
	if h.drafts.drafts["bob"] != "hey b" {
		t.Errorf("persisted = %v", h.drafts.drafts)
	}
}

func TestEngineConnectionError(t *testing.T) {
	h := startEngine(t, defaultAPI())
	h.conn.push(t, "connectionError", map[string]string{"message": "bad room"})
	eventually(t, "banner", func() bool {
		b, ok := h.e.Banner()
		return ok && b.Message == connectionErrorText
	})
}

func TestEngineLoadFailureSurfaces(t *testing.T) {
	api := defaultAPI()
	api.contactErr = model.ErrTransient
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindEngineError, 4)
	defer unsub()

	e, err := New(context.Background(), Options{
		Session: model.Session{UserID: "me"},
		Self:    model.Contact{UserID: "me"},
		Config:  testConfig(),
		API:     api,
		Dialer:  &queueDialer{},
		Drafts:  &memDrafts{drafts: map[string]string{}},
		Bus:     b,
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = e.Start(context.Background())
	defer e.Stop()

	select {
	case evt := <-ch:
		if ee := evt.Payload.(EngineError); ee.Op != "load_contacts" {
			t.Errorf("engine error = %+v", ee)
		}
	case <-time.After(time.Second):
		t.Fatal("no engine error event")
	}
	if _, ok := e.Banner(); !ok {
		t.Error("no banner after load failure")
	}
}
