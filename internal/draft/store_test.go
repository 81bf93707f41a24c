package draft

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

type memPersister struct {
	saved   map[string]string
	writes  int
	failing bool
}

func (m *memPersister) LoadDrafts(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

func (m *memPersister) SaveDraft(_ context.Context, peer, text string) error {
	if m.failing {
		return errors.New("disk full")
	}
	m.writes++
	m.saved[peer] = text
	return nil
}

func (m *memPersister) DeleteDraft(_ context.Context, peer string) error {
	if m.failing {
		return errors.New("disk full")
	}
	m.writes++
	delete(m.saved, peer)
	return nil
}

func TestSetIsWriteThrough(t *testing.T) {
	p := &memPersister{saved: map[string]string{}}
	s, err := Open(context.Background(), p, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, text := range []string{"h", "he", "hey"} {
		if err := s.Set(ctx, "ana", text); err != nil {
			t.Fatal(err)
		}
	}
	if p.writes != 3 || p.saved["ana"] != "hey" {
		t.Errorf("writes = %d saved = %v", p.writes, p.saved)
	}
	if got := s.Get("ana"); got != "hey" {
		t.Errorf("Get() = %q", got)
	}
	// unchanged text is not rewritten
	_ = s.Set(ctx, "ana", "hey")
	if p.writes != 3 {
		t.Errorf("writes = %d after identical Set", p.writes)
	}
}

func TestEmptyTextClears(t *testing.T) {
	p := &memPersister{saved: map[string]string{"ana": "draft"}}
	s, _ := Open(context.Background(), p, nil)
	if err := s.Set(context.Background(), "ana", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.saved["ana"]; ok {
		t.Error("draft still persisted")
	}
	if s.Get("ana") != "" {
		t.Error("draft still in memory")
	}
	if err := s.Clear(context.Background(), "ana"); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

func TestFailedWriteKeepsOldValue(t *testing.T) {
	p := &memPersister{saved: map[string]string{"ana": "old"}}
	s, _ := Open(context.Background(), p, nil)
	p.failing = true
	if err := s.Set(context.Background(), "ana", "new"); err == nil {
		t.Fatal("Set() error = nil with failing persister")
	}
	if got := s.Get("ana"); got != "old" {
		t.Errorf("Get() = %q, want old", got)
	}
}

func TestAllSorted(t *testing.T) {
	p := &memPersister{saved: map[string]string{"zed": "z", "ana": "a", "bob": "b"}}
	s, _ := Open(context.Background(), p, nil)
	all := s.All()
	if len(all) != 3 || all[0].PeerID != "ana" || all[2].PeerID != "zed" {
		t.Errorf("All() = %+v", all)
	}
}

func TestDraftSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.db")
	ctx := context.Background()

	open := func() (*store.DB, *Store) {
		db, err := store.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Migrate(); err != nil {
			t.Fatal(err)
		}
		s, err := Open(ctx, db, nil)
		if err != nil {
			t.Fatal(err)
		}
		return db, s
	}

	db, s := open()
	if err := s.Set(ctx, "ana", "half a thought"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, s = open()
	defer func() { _ = db.Close() }()
	if got := s.Get("ana"); got != "half a thought" {
		t.Errorf("Get() after reload = %q", got)
	}
	if err := s.Clear(ctx, "ana"); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("ana"); got != "" {
		t.Errorf("Get() after clear = %q", got)
	}
}
