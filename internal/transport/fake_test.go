package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// fakeConn is an in-memory Conn. Frames pushed with serverSend are read by
// the session; frames the session writes are recorded.
type fakeConn struct {
	in        chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []Envelope
	wrote   chan Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Envelope, 16),
		closed: make(chan struct{}),
		wrote:  make(chan Envelope, 64),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env := <-c.in:
		*v.(*Envelope) = env
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	env := v.(Envelope)
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	c.wrote <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) serverSend(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.in <- Envelope{Event: event, Data: data}
}

// fakeDialer hands out queued results in order; once the queue is empty every
// dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
	headers []http.Header
	dialed  chan struct{}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results, dialed: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer func() {
		d.mu.Unlock()
		d.dialed <- struct{}{}
	}()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}
