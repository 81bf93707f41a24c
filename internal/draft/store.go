// Package draft keeps unsent composer text per conversation.
package draft

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// Persister is the durable backing of the draft map.
type Persister interface {
	LoadDrafts(ctx context.Context) (map[string]string, error)
	SaveDraft(ctx context.Context, peer, text string) error
	DeleteDraft(ctx context.Context, peer string) error
}

// Store is loaded once and written through on every change.
type Store struct {
	p   Persister
	bus *bus.Bus

	mu     sync.Mutex
	drafts map[string]string
}

// Open loads every saved draft.
func Open(ctx context.Context, p Persister, b *bus.Bus) (*Store, error) {
	drafts, err := p.LoadDrafts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	if drafts == nil {
		drafts = make(map[string]string)
	}
	return &Store{p: p, bus: b, drafts: drafts}, nil
}

func (s *Store) Get(peer string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[peer]
}

// Set saves text for peer. Empty text deletes the draft. The in-memory value
// only changes once the write succeeded.
func (s *Store) Set(ctx context.Context, peer, text string) error {
	if text == "" {
		return s.Clear(ctx, peer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drafts[peer] == text {
		return nil
	}
	if err := s.p.SaveDraft(ctx, peer, text); err != nil {
		return fmt.Errorf("save draft for %s: %w", peer, err)
	}
	s.drafts[peer] = text
	s.bus.Emit(bus.KindDraftChanged, model.Draft{PeerID: peer, Text: text})
	return nil
}

func (s *Store) Clear(ctx context.Context, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[peer]; !ok {
		return nil
	}
	if err := s.p.DeleteDraft(ctx, peer); err != nil {
		return fmt.Errorf("delete draft for %s: %w", peer, err)
	}
	delete(s.drafts, peer)
	s.bus.Emit(bus.KindDraftChanged, model.Draft{PeerID: peer})
	return nil
}

// All returns every draft sorted by peer.
func (s *Store) All() []model.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Draft, 0, len(s.drafts))
	for _, peer := range slices.Sorted(maps.Keys(s.drafts)) {
		out = append(out, model.Draft{PeerID: peer, Text: s.drafts[peer]})
	}
	return out
}
