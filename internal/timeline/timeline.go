// Package timeline keeps the ordered, paginated message list of the open
// conversation.
package timeline

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20

	EventMessageRead = "messageRead"
)

// Fetcher loads one page of history, newest page first.
type Fetcher interface {
	FetchMessages(ctx context.Context, self, peer string, page, limit int) ([]model.Message, error)
}

// Emitter sends realtime events.
type Emitter interface {
	Emit(event string, payload any) error
}

type readReceipt struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Timeline holds at most one open conversation. Every fetch is tagged with
// the generation it was issued under; results that come back after the
// conversation changed are dropped.
type Timeline struct {
	self     string
	pageSize int
	fetcher  Fetcher
	emitter  Emitter
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	window   *model.TimelineWindow
	ids      map[string]struct{}
	receipts map[string]struct{}
	gen      uint64
}

func New(self string, pageSize int, fetcher Fetcher, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Timeline{
		self:     self,
		pageSize: pageSize,
		fetcher:  fetcher,
		emitter:  emitter,
		bus:      b,
		logger:   logging.OrNop(logger).Named("timeline"),
	}
}

// OpenConversation resets the window to peer and loads the first page.
// Unread inbound messages on that page get a read receipt.
func (t *Timeline) OpenConversation(ctx context.Context, peer string) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.window = &model.TimelineWindow{PeerID: peer, Page: 1, HasMore: true, Loading: true}
	t.ids = make(map[string]struct{})
	t.receipts = make(map[string]struct{})
	t.mu.Unlock()
	t.bus.Emit(bus.KindTimelineOpened, peer)

	msgs, err := t.fetcher.FetchMessages(ctx, t.self, peer, 1, t.pageSize)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.logger.Debug("dropping stale page", zap.String("peer", peer))
		return nil
	}
	t.window.Loading = false
	if err != nil {
		t.window.HasMore = false
		t.mu.Unlock()
		t.publish()
		return fmt.Errorf("open conversation %s: %w", peer, err)
	}
	t.window.HasMore = len(msgs) == t.pageSize
	receipts := t.mergeLocked(msgs)
	t.mu.Unlock()

	t.sendReceipts(receipts)
	t.publish()
	return nil
}

// LoadOlder fetches the next older page. It is a no-op while another fetch
// is in flight or once the history is exhausted.
func (t *Timeline) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	w := t.window
	if w == nil || !w.HasMore || w.Loading {
		t.mu.Unlock()
		return nil
	}
	w.Loading = true
	gen, peer, page := t.gen, w.PeerID, w.Page+1
	t.mu.Unlock()
	t.publish()

	msgs, err := t.fetcher.FetchMessages(ctx, t.self, peer, page, t.pageSize)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		t.logger.Debug("dropping stale page", zap.String("peer", peer), zap.Int("page", page))
		return nil
	}
	t.window.Loading = false
	if err != nil {
		t.mu.Unlock()
		t.publish()
		return fmt.Errorf("load page %d of %s: %w", page, peer, err)
	}
	t.window.Page = page
	t.window.HasMore = len(msgs) == t.pageSize
	receipts := t.mergeLocked(msgs)
	t.mu.Unlock()

	t.sendReceipts(receipts)
	t.publish()
	return nil
}

// AppendIncoming inserts a live message if it belongs to the open
// conversation and is not already present.
func (t *Timeline) AppendIncoming(msg model.Message) bool {
	t.mu.Lock()
	if t.window == nil || !msg.Involves(t.self, t.window.PeerID) {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.ids[msg.ID]; ok {
		t.mu.Unlock()
		return false
	}
	receipts := t.mergeLocked([]model.Message{msg})
	t.mu.Unlock()

	t.sendReceipts(receipts)
	t.publish()
	return true
}

// Insert adds a locally created message, typically an optimistic send.
func (t *Timeline) Insert(msg model.Message) bool {
	t.mu.Lock()
	if t.window == nil || !msg.Involves(t.self, t.window.PeerID) {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.ids[msg.ID]; ok {
		t.mu.Unlock()
		return false
	}
	t.insertLocked(msg)
	t.mu.Unlock()
	t.publish()
	return true
}

// Reconcile replaces the placeholder localID with the confirmed msg. If msg
// is already present the placeholder is just dropped.
func (t *Timeline) Reconcile(localID string, msg model.Message) bool {
	t.mu.Lock()
	if t.window == nil {
		t.mu.Unlock()
		return false
	}
	found := t.removeLocked(localID)
	if _, dup := t.ids[msg.ID]; !dup && msg.Involves(t.self, t.window.PeerID) {
		t.insertLocked(msg)
		found = true
	}
	t.mu.Unlock()
	if found {
		t.publish()
	}
	return found
}

// ApplyReaction replaces the reaction list of a message.
func (t *Timeline) ApplyReaction(id string, reactions []model.Reaction) bool {
	return t.update(id, func(m *model.Message) {
		m.Reactions = slices.Clone(reactions)
	})
}

// SetState changes the delivery state of a message.
func (t *Timeline) SetState(id string, state model.DeliveryState) bool {
	return t.update(id, func(m *model.Message) {
		m.State = state
	})
}

func (t *Timeline) MarkRead(id string) bool {
	return t.SetState(id, model.Read)
}

// RemoveMessage deletes a message by id. Unknown ids are ignored.
func (t *Timeline) RemoveMessage(id string) bool {
	t.mu.Lock()
	removed := t.window != nil && t.removeLocked(id)
	t.mu.Unlock()
	if removed {
		t.publish()
	}
	return removed
}

// Clear empties the window if peer's conversation is open.
func (t *Timeline) Clear(peer string) bool {
	t.mu.Lock()
	if t.window == nil || t.window.PeerID != peer {
		t.mu.Unlock()
		return false
	}
	t.gen++
	t.window = &model.TimelineWindow{PeerID: peer, Page: 1}
	t.ids = make(map[string]struct{})
	t.mu.Unlock()
	t.publish()
	return true
}

// Close forgets the open conversation. In-flight fetches become stale.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.gen++
	t.window = nil
	t.ids = nil
	t.receipts = nil
	t.mu.Unlock()
}

// Active returns the open peer, or "" when none is open.
func (t *Timeline) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.window == nil {
		return ""
	}
	return t.window.PeerID
}

// Window returns a copy of the open window.
func (t *Timeline) Window() (model.TimelineWindow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.window == nil {
		return model.TimelineWindow{}, false
	}
	return t.snapshotLocked(), true
}

func (t *Timeline) snapshotLocked() model.TimelineWindow {
	w := *t.window
	w.Items = make([]model.Message, len(t.window.Items))
	for i, m := range t.window.Items {
		w.Items[i] = m.Clone()
	}
	return w
}

func (t *Timeline) update(id string, fn func(*model.Message)) bool {
	t.mu.Lock()
	if t.window == nil {
		t.mu.Unlock()
		return false
	}
	i := slices.IndexFunc(t.window.Items, func(m model.Message) bool { return m.ID == id })
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	fn(&t.window.Items[i])
	t.mu.Unlock()
	t.publish()
	return true
}

// mergeLocked inserts msgs, skipping known ids, and returns the read receipts
// owed for them.
func (t *Timeline) mergeLocked(msgs []model.Message) []readReceipt {
	var receipts []readReceipt
	for _, m := range msgs {
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		t.insertLocked(m)
		if m.SenderID != t.window.PeerID || m.State == model.Read {
			continue
		}
		if _, sent := t.receipts[m.ID]; sent {
			continue
		}
		t.receipts[m.ID] = struct{}{}
		receipts = append(receipts, readReceipt{MessageID: m.ID, SenderID: m.SenderID, ReceiverID: t.self})
	}
	return receipts
}

func (t *Timeline) insertLocked(m model.Message) {
	m = m.Clone()
	i, _ := slices.BinarySearchFunc(t.window.Items, m, func(a, b model.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	t.window.Items = slices.Insert(t.window.Items, i, m)
	t.ids[m.ID] = struct{}{}
}

func (t *Timeline) removeLocked(id string) bool {
	if _, ok := t.ids[id]; !ok {
		return false
	}
	t.window.Items = slices.DeleteFunc(t.window.Items, func(m model.Message) bool { return m.ID == id })
	delete(t.ids, id)
	return true
}

func (t *Timeline) sendReceipts(receipts []readReceipt) {
	for _, r := range receipts {
		if err := t.emitter.Emit(EventMessageRead, r); err != nil {
			t.logger.Warn("read receipt not sent", zap.String("msg_id", r.MessageID), zap.Error(err))
		}
	}
}

func (t *Timeline) publish() {
	t.mu.Lock()
	if t.window == nil {
		t.mu.Unlock()
		return
	}
	w := t.snapshotLocked()
	t.mu.Unlock()
	t.bus.Emit(bus.KindTimelineUpdated, w)
}
