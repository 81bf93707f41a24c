package composer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

type frame struct {
	event   string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []frame
	down   bool
}

func (e *fakeEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return model.ErrTransportUnavailable
	}
	e.frames = append(e.frames, frame{event, payload})
	return nil
}

func (e *fakeEmitter) byEvent(event string) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []any
	for _, f := range e.frames {
		if f.event == event {
			out = append(out, f.payload)
		}
	}
	return out
}

type fakeAPI struct {
	uploads     []string
	uploadErr   error
	deleted     []string
	chatDeleted []string
	deleteErr   error
}

func (a *fakeAPI) UploadAttachment(_ context.Context, name string, r io.Reader) (string, error) {
	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	data, _ := io.ReadAll(r)
	a.uploads = append(a.uploads, string(data))
	return "http://api.test/uploads/" + name, nil
}

func (a *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAPI) DeleteChat(_ context.Context, self, peer string) error {
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.chatDeleted = append(a.chatDeleted, self+"->"+peer)
	return nil
}

type fakeConversations struct {
	outgoing []string
	replaced []string
	removed  []string
	cleared  []string
}

func (f *fakeConversations) ApplyOutgoing(msg model.Message) { f.outgoing = append(f.outgoing, msg.ID) }
func (f *fakeConversations) RemoveMessage(id string) { f.removed = append(f.removed, id) }
func (f *fakeConversations) ClearConversation(peer string) { f.cleared = append(f.cleared, peer) }

func (f *fakeConversations) ReplaceMessageID(localID string, msg model.Message) {
	f.replaced = append(f.replaced, localID+"->"+msg.ID)
}

type fakeDrafts struct {
	cleared []string
}

func (f *fakeDrafts) Clear(_ context.Context, peer string) error {
	f.cleared = append(f.cleared, peer)
	return nil
}

type emptyFetcher struct{}

func (emptyFetcher) FetchMessages(context.Context, string, string, int, int) ([]model.Message, error) {
	return nil, nil
}

type harness struct {
	c      *Controller
	tl     *timeline.Timeline
	emit   *fakeEmitter
	api    *fakeAPI
	convs  *fakeConversations
	drafts *fakeDrafts
	bus    *bus.Bus
}

func newHarness(t *testing.T, open string) *harness {
	t.Helper()
	h := &harness{
		emit:   &fakeEmitter{},
		api:    &fakeAPI{},
		convs:  &fakeConversations{},
		drafts: &fakeDrafts{},
	}
	b := bus.New()
	h.bus = b
	h.tl = timeline.New("me", 20, emptyFetcher{}, h.emit, b, zap.NewNop())
	if open != "" {
		if err := h.tl.OpenConversation(context.Background(), open); err != nil {
			t.Fatal(err)
		}
	}
	h.c = New(Options{
		Self:          "me",
		Emitter:       h.emit,
		API:           h.api,
		Timeline:      h.tl,
		Conversations: h.convs,
		Drafts:        h.drafts,
		Bus:           b,
		Logger:        zap.NewNop(),
	})
	return h
}

func (h *harness) items() []model.Message {
	w, _ := h.tl.Window()
	return w.Items
}

func TestSendRejectsEmpty(t *testing.T) {
	h := newHarness(t, "ana")
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.c.Send(context.Background(), "ana", text, nil)
		if !errors.Is(err, ErrEmptyMessage) || !errors.Is(err, model.ErrValidation) {
			t.Errorf("Send(%q) error = %v", text, err)
		}
	}
	if len(h.emit.byEvent(EventSendMessage)) != 0 {
		t.Error("empty message emitted")
	}
}

func TestSendInsertsPlaceholderAndClearsDraft(t *testing.T) {
	h := newHarness(t, "ana")
	msg, err := h.c.Send(context.Background(), "ana", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg.ID, LocalIDPrefix) || msg.State != model.Pending {
		t.Errorf("placeholder = %+v", msg)
	}
	items := h.items()
	if len(items) != 1 || items[0].ID != msg.ID {
		t.Fatalf("timeline = %+v", items)
	}

	sent := h.emit.byEvent(EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("emitted %d sendMessage", len(sent))
	}
	want := sendPayload{Content: "hello", SenderID: "me", ReceiverID: "ana", Attachments: []string{}}
	got := sent[0].(sendPayload)
	if got.Content != want.Content || got.SenderID != want.SenderID || got.ReceiverID != want.ReceiverID || len(got.Attachments) != 0 || got.EncryptedAESKey != "" {
		t.Errorf("payload = %+v", got)
	}
	if len(h.drafts.cleared) != 1 || h.drafts.cleared[0] != "ana" {
		t.Errorf("drafts cleared = %v", h.drafts.cleared)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t, "ana")
	h.emit.down = true
	_, err := h.c.Send(context.Background(), "ana", "hello", nil)
	if !errors.Is(err, model.ErrTransportUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if len(h.items()) != 0 {
		t.Error("placeholder left in timeline after failed emit")
	}
	if len(h.drafts.cleared) != 0 {
		t.Error("draft cleared after failed send")
	}
	if len(h.c.Pending()) != 0 {
		t.Error("pending send kept after failed emit")
	}
}

func TestSendUploadsFirst(t *testing.T) {
	h := newHarness(t, "ana")
	msg, err := h.c.Send(context.Background(), "ana", "", []Attachment{{Name: "cat.png", Data: strings.NewReader("meow")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.api.uploads) != 1 || h.api.uploads[0] != "meow" {
		t.Errorf("uploads = %v", h.api.uploads)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0] != "http://api.test/uploads/cat.png" {
		t.Errorf("attachments = %v", msg.Attachments)
	}
	got := h.emit.byEvent(EventSendMessage)[0].(sendPayload)
	if len(got.Attachments) != 1 {
		t.Errorf("payload attachments = %v", got.Attachments)
	}
}

func TestUploadFailureAbortsSend(t *testing.T) {
	h := newHarness(t, "ana")
	h.api.uploadErr = model.ErrTransient
	_, err := h.c.Send(context.Background(), "ana", "look", []Attachment{{Name: "a.png", Data: strings.NewReader("x")}})
	if !errors.Is(err, model.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
	if len(h.emit.byEvent(EventSendMessage)) != 0 || len(h.items()) != 0 {
		t.Error("send went ahead after upload failure")
	}
}

func TestEchoReconcilesPlaceholder(t *testing.T) {
	h := newHarness(t, "ana")
	local, _ := h.c.Send(context.Background(), "ana", "hello", nil)

	echo := model.Message{ID: "srv-1", SenderID: "me", ReceiverID: "ana", Content: "hello", CreatedAt: local.CreatedAt.Add(time.Millisecond), State: model.Sent}
	if !h.c.HandleEcho(echo) {
		t.Fatal("HandleEcho() = false")
	}
	items := h.items()
	if len(items) != 1 || items[0].ID != "srv-1" || items[0].State != model.Sent {
		t.Errorf("timeline = %+v", items)
	}
	if h.c.HandleEcho(echo) {
		t.Error("second echo matched again")
	}
	if err := h.c.HandleStatus(true, ""); err != nil {
		t.Fatal(err)
	}
	if len(h.c.Pending()) != 0 {
		t.Errorf("pending = %+v", h.c.Pending())
	}
}

func TestEchoMatchesOldestFirst(t *testing.T) {
	h := newHarness(t, "ana")
	first, _ := h.c.Send(context.Background(), "ana", "same", nil)
	second, _ := h.c.Send(context.Background(), "ana", "same", nil)

	h.c.HandleEcho(model.Message{ID: "srv-1", SenderID: "me", ReceiverID: "ana", Content: "same", CreatedAt: first.CreatedAt})
	var ids []string
	for _, m := range h.items() {
		ids = append(ids, m.ID)
	}
	if len(ids) != 2 || ids[0] == first.ID || (ids[0] != second.ID && ids[1] != second.ID) {
		t.Errorf("timeline ids = %v, want srv-1 and %s", ids, second.ID)
	}
}

func TestEchoIgnoresOthers(t *testing.T) {
	h := newHarness(t, "ana")
	_, _ = h.c.Send(context.Background(), "ana", "hello", nil)
	tests := []model.Message{
		{ID: "x1", SenderID: "ana", ReceiverID: "me", Content: "hello"},
		{ID: "x2", SenderID: "me", ReceiverID: "bob", Content: "hello"},
		{ID: "x3", SenderID: "me", ReceiverID: "ana", Content: "different"},
	}
	for _, m := range tests {
		if h.c.HandleEcho(m) {
			t.Errorf("HandleEcho(%s) = true", m.ID)
		}
	}
}

func TestEchoOutsideWindow(t *testing.T) {
	h := newHarness(t, "ana")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.c.now = func() time.Time { return now }
	_, _ = h.c.Send(context.Background(), "ana", "hello", nil)

	now = now.Add(3 * time.Minute)
	if h.c.HandleEcho(model.Message{ID: "srv-1", SenderID: "me", ReceiverID: "ana", Content: "hello", CreatedAt: now}) {
		t.Error("echo matched a send older than the reconcile window")
	}
}

func TestSendPreviewsInConversationList(t *testing.T) {
	h := newHarness(t, "ana")
	local, _ := h.c.Send(context.Background(), "ana", "hello", nil)
	if len(h.convs.outgoing) != 1 || h.convs.outgoing[0] != local.ID {
		t.Fatalf("outgoing = %v", h.convs.outgoing)
	}

	h.c.HandleEcho(model.Message{ID: "srv-1", SenderID: "me", ReceiverID: "ana", Content: "hello", CreatedAt: local.CreatedAt})
	if len(h.convs.replaced) != 1 || h.convs.replaced[0] != local.ID+"->srv-1" {
		t.Errorf("replaced = %v", h.convs.replaced)
	}
}

func TestSendFailureWithdrawsPreview(t *testing.T) {
	h := newHarness(t, "ana")
	h.emit.down = true
	if _, err := h.c.Send(context.Background(), "ana", "hello", nil); err == nil {
		t.Fatal("Send() succeeded while disconnected")
	}
	if len(h.convs.outgoing) != 1 || len(h.convs.removed) != 1 || h.convs.removed[0] != h.convs.outgoing[0] {
		t.Errorf("outgoing=%v removed=%v", h.convs.outgoing, h.convs.removed)
	}
}

func TestUnechoedSendExpires(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(h *harness)
	}{
		{"next send", func(h *harness) {
			_, _ = h.c.Send(context.Background(), "bob", "later", nil)
		}},
		{"unrelated echo", func(h *harness) {
			h.c.HandleEcho(model.Message{ID: "srv-9", SenderID: "me", ReceiverID: "bob", Content: "other"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "ana")
			failed, unsub := h.bus.Subscribe(bus.KindMessageFailed, 4)
			defer unsub()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			h.c.now = func() time.Time { return now }
			local, _ := h.c.Send(context.Background(), "ana", "hello", nil)

			now = now.Add(DefaultReconcileWindow + time.Second)
			tt.trigger(h)

			if len(h.items()) != 0 {
				t.Errorf("timeline = %+v", h.items())
			}
			if len(h.convs.removed) != 1 || h.convs.removed[0] != local.ID {
				t.Errorf("removed = %v", h.convs.removed)
			}
			select {
			case evt := <-failed:
				if evt.Payload.(model.Message).ID != local.ID {
					t.Errorf("failed payload = %+v", evt.Payload)
				}
			default:
				t.Error("no send failure published")
			}
			for _, p := range h.c.Pending() {
				if p.ID == local.ID {
					t.Error("expired send still pending")
				}
			}
		})
	}
}

func TestStatusAckMarksSent(t *testing.T) {
	h := newHarness(t, "ana")
	local, _ := h.c.Send(context.Background(), "ana", "hello", nil)
	if err := h.c.HandleStatus(true, ""); err != nil {
		t.Fatal(err)
	}
	items := h.items()
	if items[0].ID != local.ID || items[0].State != model.Sent {
		t.Errorf("timeline = %+v", items)
	}
	// the echo still reconciles after the ack
	if !h.c.HandleEcho(model.Message{ID: "srv-1", SenderID: "me", ReceiverID: "ana", Content: "hello", CreatedAt: local.CreatedAt}) {
		t.Error("echo after ack not reconciled")
	}
	if len(h.c.Pending()) != 0 {
		t.Error("send still pending after ack and echo")
	}
}

func TestStatusRejection(t *testing.T) {
	h := newHarness(t, "ana")
	_, _ = h.c.Send(context.Background(), "ana", "hello", nil)

	err := h.c.HandleStatus(false, "Receiver not found")
	var ve *model.ValidationError
	if !errors.As(err, &ve) || ve.Message != "Receiver not found" {
		t.Fatalf("err = %v", err)
	}
	if len(h.items()) != 0 {
		t.Error("rejected placeholder left in timeline")
	}

	err = h.c.HandleStatus(false, "")
	if !errors.As(err, &ve) || ve.Message == "" {
		t.Errorf("rejection without message = %v", err)
	}
}

func TestSendToInactivePeer(t *testing.T) {
	h := newHarness(t, "bob")
	if _, err := h.c.Send(context.Background(), "ana", "hi", nil); err != nil {
		t.Fatal(err)
	}
	if len(h.items()) != 0 {
		t.Error("placeholder inserted into another conversation")
	}
	if len(h.c.Pending()) != 1 {
		t.Error("send not tracked")
	}
}

func TestReact(t *testing.T) {
	h := newHarness(t, "ana")
	if err := h.c.React("ana", "m1", "❤️"); err != nil {
		t.Fatal(err)
	}
	got := h.emit.byEvent(EventAddReaction)
	want := reactionPayload{MessageID: "m1", UserID: "me", Emoji: "❤️", ReceiverID: "ana"}
	if len(got) != 1 || got[0].(reactionPayload) != want {
		t.Errorf("reactions = %+v", got)
	}
	if err := h.c.React("ana", "m1", ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty emoji error = %v", err)
	}
	h.emit.down = true
	if err := h.c.React("ana", "m1", "👍"); !errors.Is(err, model.ErrTransportUnavailable) {
		t.Errorf("offline react error = %v", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t, "ana")
	h.tl.AppendIncoming(model.Message{ID: "m1", SenderID: "ana", ReceiverID: "me", CreatedAt: time.Now()})

	if err := h.c.DeleteMessage(context.Background(), "ana", "m1"); err != nil {
		t.Fatal(err)
	}
	if len(h.api.deleted) != 1 || len(h.items()) != 0 || len(h.convs.removed) != 1 {
		t.Errorf("api=%v timeline=%d convs=%v", h.api.deleted, len(h.items()), h.convs.removed)
	}
	got := h.emit.byEvent(EventMessageDeleted)
	if len(got) != 1 || got[0].(deletePayload) != (deletePayload{MessageID: "m1", ReceiverID: "ana"}) {
		t.Errorf("messageDeleted = %+v", got)
	}
}

func TestDeleteMessageServerFailure(t *testing.T) {
	h := newHarness(t, "ana")
	h.tl.AppendIncoming(model.Message{ID: "m1", SenderID: "ana", ReceiverID: "me", CreatedAt: time.Now()})
	h.api.deleteErr = model.ErrNotFound

	if err := h.c.DeleteMessage(context.Background(), "ana", "m1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if len(h.items()) != 1 {
		t.Error("message removed locally although the server refused")
	}
}

func TestDeletePlaceholderStaysLocal(t *testing.T) {
	h := newHarness(t, "ana")
	local, _ := h.c.Send(context.Background(), "ana", "oops", nil)
	if err := h.c.DeleteMessage(context.Background(), "ana", local.ID); err != nil {
		t.Fatal(err)
	}
	if len(h.api.deleted) != 0 || len(h.items()) != 0 || len(h.c.Pending()) != 0 {
		t.Errorf("api=%v items=%d pending=%d", h.api.deleted, len(h.items()), len(h.c.Pending()))
	}
}

func TestDeleteChat(t *testing.T) {
	h := newHarness(t, "ana")
	h.tl.AppendIncoming(model.Message{ID: "m1", SenderID: "ana", ReceiverID: "me", CreatedAt: time.Now()})

	if err := h.c.DeleteChat(context.Background(), "ana"); err != nil {
		t.Fatal(err)
	}
	if len(h.api.chatDeleted) != 1 || h.api.chatDeleted[0] != "me->ana" {
		t.Errorf("api = %v", h.api.chatDeleted)
	}
	if len(h.items()) != 0 || len(h.convs.cleared) != 1 {
		t.Error("local state not cleared")
	}
	got := h.emit.byEvent(EventChatDeleted)
	if len(got) != 1 || got[0].(chatDeletePayload) != (chatDeletePayload{ReceiverID: "ana", SenderID: "me"}) {
		t.Errorf("chatDeleted = %+v", got)
	}
}
