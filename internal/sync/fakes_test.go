package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

// serverConn plays the chat server's end of one realtime connection.
type serverConn struct {
	in        chan transport.Envelope
	out       chan transport.Envelope
	closed    chan struct{}
	closeOnce stdsync.Once
}

func newServerConn() *serverConn {
	return &serverConn{
		in:     make(chan transport.Envelope, 32),
		out:    make(chan transport.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *serverConn) ReadJSON(v any) error {
	select {
	case env := <-c.in:
		*v.(*transport.Envelope) = env
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *serverConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	case c.out <- v.(transport.Envelope):
		return nil
	}
}

func (c *serverConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *serverConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- transport.Envelope{Event: event, Data: data}
}

// expect waits for the next client frame named event, skipping others.
func (c *serverConn) expect(t *testing.T, event string) json.RawMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.out:
			if env.Event == event {
				return env.Data
			}
		case <-timeout:
			t.Fatalf("no %s frame from client", event)
			return nil
		}
	}
}

type queueDialer struct {
	mu    stdsync.Mutex
	conns []*serverConn
	err   error
}

func (d *queueDialer) Dial(context.Context, string, http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeAPI struct {
	mu         stdsync.Mutex
	profileErr error
	contacts   []model.Contact
	contactErr error
	history    map[string][]model.Message
	deleted    []string
}

func (a *fakeAPI) FetchProfile(_ context.Context, id string) (model.Contact, error) {
	if a.profileErr != nil {
		return model.Contact{}, a.profileErr
	}
	return model.Contact{UserID: id, DisplayName: "Me Myself"}, nil
}

func (a *fakeAPI) FetchContacts(context.Context) ([]model.Contact, error) {
	return a.contacts, a.contactErr
}

func (a *fakeAPI) FetchLastMessage(_ context.Context, _, peer string) (*model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[peer]
	if len(h) == 0 {
		return nil, nil
	}
	m := h[len(h)-1]
	return &m, nil
}

func (a *fakeAPI) FetchUnreadCount(context.Context, string, string) (int, error) {
	return 0, nil
}

func (a *fakeAPI) FetchMessages(_ context.Context, _, peer string, page, _ int) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if page > 1 {
		return nil, nil
	}
	return append([]model.Message(nil), a.history[peer]...), nil
}

func (a *fakeAPI) UploadAttachment(_ context.Context, name string, _ io.Reader) (string, error) {
	return "http://api.test/uploads/" + name, nil
}

func (a *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAPI) DeleteChat(context.Context, string, string) error {
	return nil
}

type memDrafts struct {
	mu     stdsync.Mutex
	drafts map[string]string
}

func (m *memDrafts) LoadDrafts(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.drafts))
	for k, v := range m.drafts {
		out[k] = v
	}
	return out, nil
}

func (m *memDrafts) SaveDraft(_ context.Context, peer, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[peer] = text
	return nil
}

func (m *memDrafts) DeleteDraft(_ context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, peer)
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
