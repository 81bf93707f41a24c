// Package conversation caches the contact directory and the per-peer inbox
// state: last message, unread count, presence and typing.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds the per-contact preview fetches.
const fetchConcurrency = 8

// seenLimit bounds how many inbound message ids are remembered for
// redelivery detection.
const seenLimit = 4096

// Directory is the profile and message listing service.
type Directory interface {
	FetchProfile(ctx context.Context, userID string) (model.Contact, error)
	FetchContacts(ctx context.Context) ([]model.Contact, error)
	FetchLastMessage(ctx context.Context, self, peer string) (*model.Message, error)
	FetchUnreadCount(ctx context.Context, self, peer string) (int, error)
}

// Cache persists the last good directory for offline starts.
type Cache interface {
	ReplaceContacts(ctx context.Context, contacts []model.Contact) error
	ListContacts(ctx context.Context) ([]model.Contact, error)
}

// Notifier receives inbound messages that should raise an alert.
type Notifier interface {
	Push(msg model.Message, activePeer string) bool
}

type Options struct {
	// Self is the local user as derived from the token. It is the profile
	// fallback when the directory has no entry.
	Self      model.Contact
	APIURL    string
	Directory Directory
	Cache     Cache
	Notifier  Notifier
	Bus       *bus.Bus
	Logger    *zap.Logger
}

type entry struct {
	contact model.Contact
	last    *model.Message
	// prev is the preview an optimistic send replaced, restored if the send
	// is withdrawn.
	prev   *model.Message
	unread int
}

// Store owns contacts and summaries. Presence and typing are kept apart from
// the contact set so a directory reload does not lose them.
type Store struct {
	apiURL   string
	dir      Directory
	cache    Cache
	notifier Notifier
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	self    model.Contact
	entries map[string]*entry
	online  map[string]bool
	typing  map[string]bool
	active  string

	seen      map[string]struct{}
	seenOrder []string
}

func New(opts Options) *Store {
	return &Store{
		apiURL:   strings.TrimRight(opts.APIURL, "/"),
		dir:      opts.Directory,
		cache:    opts.Cache,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		logger:   logging.OrNop(opts.Logger).Named("conversation"),
		self:     opts.Self,
		entries:  make(map[string]*entry),
		online:   make(map[string]bool),
		typing:   make(map[string]bool),
		seen:     make(map[string]struct{}),
	}
}

// LoadProfile fetches the local user's directory entry. A missing entry falls
// back to the identity from the token and is not an error.
func (s *Store) LoadProfile(ctx context.Context) (model.Contact, error) {
	s.mu.Lock()
	selfID := s.self.UserID
	s.mu.Unlock()

	c, err := s.dir.FetchProfile(ctx, selfID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.logger.Info("profile not found, using token identity", zap.String("user", selfID))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.self, nil
	case err != nil:
		return model.Contact{}, fmt.Errorf("load profile: %w", err)
	}

	c.UserID = selfID
	c.AvatarURL = NormalizeAvatar(s.apiURL, c.AvatarURL)
	s.mu.Lock()
	if c.DisplayName == "" {
		c.DisplayName = s.self.DisplayName
	}
	if c.Email == "" {
		c.Email = s.self.Email
	}
	s.self = c
	s.mu.Unlock()
	return c, nil
}

// LoadContacts replaces the contact set from the directory and fetches the
// last message and unread count of every contact. A failed preview fetch is
// logged and leaves that contact without it. If the directory itself fails
// the cached set is used and the error is still returned.
func (s *Store) LoadContacts(ctx context.Context) error {
	contacts, err := s.dir.FetchContacts(ctx)
	if err != nil {
		if cached := s.loadCached(ctx); cached != nil {
			s.replace(cached, nil, nil)
		}
		return fmt.Errorf("load contacts: %w", err)
	}

	s.mu.Lock()
	selfID := s.self.UserID
	s.mu.Unlock()

	contacts = s.filter(selfID, contacts)
	last := make([]*model.Message, len(contacts))
	unread := make([]int, len(contacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, c := range contacts {
		g.Go(func() error {
			m, err := s.dir.FetchLastMessage(gctx, selfID, c.UserID)
			if err != nil {
				s.logger.Warn("last message fetch failed", zap.String("peer", c.UserID), zap.Error(err))
			} else {
				last[i] = m
			}
			n, err := s.dir.FetchUnreadCount(gctx, selfID, c.UserID)
			if err != nil {
				s.logger.Warn("unread count fetch failed", zap.String("peer", c.UserID), zap.Error(err))
			} else {
				unread[i] = n
			}
			return nil
		})
	}
	_ = g.Wait()

	s.replace(contacts, last, unread)
	if s.cache != nil {
		if err := s.cache.ReplaceContacts(ctx, contacts); err != nil {
			s.logger.Warn("contact cache not updated", zap.Error(err))
		}
	}
	s.logger.Info("contacts loaded", zap.Int("count", len(contacts)))
	return nil
}

func (s *Store) loadCached(ctx context.Context) []model.Contact {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.ListContacts(ctx)
	if err != nil {
		s.logger.Warn("contact cache unreadable", zap.Error(err))
		return nil
	}
	if len(cached) == 0 {
		return nil
	}
	s.logger.Info("using cached contacts", zap.Int("count", len(cached)))
	return cached
}

func (s *Store) filter(selfID string, contacts []model.Contact) []model.Contact {
	out := make([]model.Contact, 0, len(contacts))
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		if c.UserID == "" || c.DisplayName == "" || c.UserID == selfID || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		c.AvatarURL = NormalizeAvatar(s.apiURL, c.AvatarURL)
		out = append(out, c)
	}
	return out
}

// replace swaps in a new contact set. last and unread run parallel to
// contacts; nil keeps what is already known for a peer. A message pushed
// while the fetch was in flight wins over an older fetched one, and
// conversations with senders outside the directory are kept.
func (s *Store) replace(contacts []model.Contact, last []*model.Message, unread []int) {
	s.mu.Lock()
	next := make(map[string]*entry, len(contacts))
	for i, c := range contacts {
		e := &entry{contact: c}
		old := s.entries[c.UserID]
		if old != nil {
			e.last, e.prev, e.unread = old.last, old.prev, old.unread
		}
		var fetched *model.Message
		if last != nil {
			fetched = last[i]
		}
		pushed := pushedNewer(old, fetched)
		if last != nil && !pushed {
			e.last, e.prev = fetched, nil
		}
		if unread != nil {
			if pushed {
				e.unread = max(old.unread, unread[i])
			} else {
				e.unread = unread[i]
			}
		}
		next[c.UserID] = e
	}
	for peer, old := range s.entries {
		if _, ok := next[peer]; !ok && old.last != nil && peer != s.self.UserID {
			next[peer] = old
		}
	}
	s.entries = next
	s.mu.Unlock()
	s.bus.Emit(bus.KindContactsLoaded, len(contacts))
}

// pushedNewer reports whether old holds a preview newer than fetched.
func pushedNewer(old *entry, fetched *model.Message) bool {
	if old == nil || old.last == nil {
		return false
	}
	return fetched == nil || fetched.Before(*old.last)
}

// ApplyInboundMessage records msg as the last message of its conversation
// unless a newer one is already shown. A message from a peer whose
// conversation is not open counts as unread and is handed to the notifier.
// Redelivered ids are ignored.
func (s *Store) ApplyInboundMessage(msg model.Message) {
	s.mu.Lock()
	peer := msg.Counterpart(s.self.UserID)
	if peer == "" || !s.markSeenLocked(msg.ID) {
		s.mu.Unlock()
		return
	}
	e := s.entryLocked(peer)
	if e.last == nil || !msg.Before(*e.last) {
		m := msg.Clone()
		e.last, e.prev = &m, nil
	}
	fromPeer := msg.SenderID != s.self.UserID && msg.SenderID != s.active
	if fromPeer {
		e.unread++
	}
	active := s.active
	s.mu.Unlock()

	if fromPeer && s.notifier != nil {
		s.notifier.Push(msg, active)
	}
	s.publish(peer)
}

// markSeenLocked records id and reports whether it is new. The oldest ids are
// forgotten past seenLimit.
func (s *Store) markSeenLocked(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return true
}

// ApplyOutgoing previews an optimistic send in its conversation. The
// replaced preview comes back if the send is withdrawn with RemoveMessage.
func (s *Store) ApplyOutgoing(msg model.Message) {
	s.mu.Lock()
	peer := msg.Counterpart(s.self.UserID)
	if peer == "" {
		s.mu.Unlock()
		return
	}
	e := s.entryLocked(peer)
	if e.prev == nil {
		e.prev = e.last
	}
	m := msg.Clone()
	e.last = &m
	s.mu.Unlock()
	s.publish(peer)
}

// entryLocked returns the entry for peer, creating a placeholder for senders
// that are not in the directory yet.
func (s *Store) entryLocked(peer string) *entry {
	e, ok := s.entries[peer]
	if !ok {
		e = &entry{contact: model.Contact{UserID: peer, DisplayName: peer}}
		s.entries[peer] = e
	}
	return e
}

// MarkRead zeroes the unread count of peer.
func (s *Store) MarkRead(peer string) {
	s.mu.Lock()
	e, ok := s.entries[peer]
	changed := ok && e.unread != 0
	if changed {
		e.unread = 0
	}
	s.mu.Unlock()
	if changed {
		s.publish(peer)
	}
}

// SetPresence records peer as online or offline. Repeated calls are no-ops.
func (s *Store) SetPresence(peer string, online bool) {
	s.mu.Lock()
	changed := s.online[peer] != online
	if online {
		s.online[peer] = true
	} else {
		delete(s.online, peer)
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit(bus.KindPresenceChanged, PresenceChange{PeerID: peer, Online: online})
	}
}

type PresenceChange struct {
	PeerID string `json:"peerId"`
	Online bool   `json:"online"`
}

type TypingChange struct {
	PeerID string `json:"peerId"`
	Typing bool   `json:"typing"`
}

func (s *Store) SetPeerTyping(peer string, typing bool) {
	s.mu.Lock()
	changed := s.typing[peer] != typing
	if typing {
		s.typing[peer] = true
	} else {
		delete(s.typing, peer)
	}
	s.mu.Unlock()
	if changed {
		s.bus.Emit(bus.KindTypingChanged, TypingChange{PeerID: peer, Typing: typing})
	}
}

// SetActive marks peer's conversation as open. Messages from the active peer
// are not counted as unread.
func (s *Store) SetActive(peer string) {
	s.mu.Lock()
	s.active = peer
	s.mu.Unlock()
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ClearConversation forgets the last message and unread count of peer after
// the chat was deleted.
func (s *Store) ClearConversation(peer string) {
	s.mu.Lock()
	e, ok := s.entries[peer]
	if ok {
		e.last, e.prev = nil, nil
		e.unread = 0
	}
	s.mu.Unlock()
	if ok {
		s.publish(peer)
	}
}

// MarkMessageRead flips the delivery state of a last message that got a
// read receipt.
func (s *Store) MarkMessageRead(id string) {
	s.mutateLast(id, func(e *entry) { e.last.State = model.Read })
}

// RemoveMessage drops a deleted message from the previews. A withdrawn
// optimistic send gives way to the preview it replaced.
func (s *Store) RemoveMessage(id string) {
	s.mutateLast(id, func(e *entry) { e.last, e.prev = e.prev, nil })
}

func (s *Store) mutateLast(id string, fn func(*entry)) {
	s.mu.Lock()
	var peer string
	for p, e := range s.entries {
		if e.last != nil && e.last.ID == id {
			fn(e)
			peer = p
			break
		}
	}
	s.mu.Unlock()
	if peer != "" {
		s.publish(peer)
	}
}

// ReplaceMessageID swaps a previewed placeholder for the confirmed message.
func (s *Store) ReplaceMessageID(localID string, msg model.Message) {
	s.mutateLast(localID, func(e *entry) {
		m := msg.Clone()
		e.last, e.prev = &m, nil
	})
}

// Summaries returns every conversation, most recent activity first.
func (s *Store) Summaries() []model.ConversationSummary {
	s.mu.Lock()
	out := make([]model.ConversationSummary, 0, len(s.entries))
	for peer := range s.entries {
		out = append(out, s.summaryLocked(peer))
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.ConversationSummary) int {
		switch {
		case a.LastMessage != nil && b.LastMessage == nil:
			return -1
		case a.LastMessage == nil && b.LastMessage != nil:
			return 1
		case a.LastMessage != nil && !a.LastMessage.CreatedAt.Equal(b.LastMessage.CreatedAt):
			return b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt)
		}
		return strings.Compare(strings.ToLower(a.Contact.DisplayName), strings.ToLower(b.Contact.DisplayName))
	})
	return out
}

// Summary returns the inbox row for peer.
func (s *Store) Summary(peer string) (model.ConversationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[peer]; !ok {
		return model.ConversationSummary{}, false
	}
	return s.summaryLocked(peer), true
}

func (s *Store) summaryLocked(peer string) model.ConversationSummary {
	e := s.entries[peer]
	sum := model.ConversationSummary{
		PeerID:       peer,
		Contact:      e.contact,
		UnreadCount:  e.unread,
		IsOnline:     s.online[peer],
		IsPeerTyping: s.typing[peer],
	}
	if e.last != nil {
		m := e.last.Clone()
		sum.LastMessage = &m
	}
	return sum
}

func (s *Store) Contact(peer string) (model.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[peer]
	if !ok {
		return model.Contact{}, false
	}
	return e.contact, true
}

// Self returns the local user's profile.
func (s *Store) Self() model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Store) publish(peer string) {
	sum, ok := s.Summary(peer)
	if !ok {
		return
	}
	s.bus.Emit(bus.KindConversationUpdated, sum)
}

// NormalizeAvatar turns a server relative avatar path into an absolute URL.
// Backslashes from Windows style upload paths become slashes.
func NormalizeAvatar(apiURL, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.TrimRight(apiURL, "/") + "/" + strings.TrimLeft(path, "/")
}
