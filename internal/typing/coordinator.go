// Package typing sends the local typing signal and decays remote ones.
package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 3 * time.Second

	EventTyping = "typing"
)

type Emitter interface {
	Emit(event string, payload any) error
}

// Sink is told when a peer starts or stops typing.
type Sink interface {
	SetPeerTyping(peer string, typing bool)
}

type signal struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
}

// Coordinator emits on every local keystroke without debouncing. Remote
// signals carry no stop event, so each one arms a timer that clears the flag
// unless another signal arrives first.
type Coordinator struct {
	self    string
	timeout time.Duration
	emitter Emitter
	sink    Sink
	logger  *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	typing  map[string]uint64
	seq     uint64
	stopped bool
}

func New(self string, timeout time.Duration, emitter Emitter, sink Sink, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		self:    self,
		timeout: timeout,
		emitter: emitter,
		sink:    sink,
		logger:  logging.OrNop(logger).Named("typing"),
		timers:  make(map[string]*time.Timer),
		typing:  make(map[string]uint64),
	}
}

// Keystroke tells peer the local user is typing. Failures are dropped: a
// lost typing signal is harmless.
func (c *Coordinator) Keystroke(peer string) {
	if peer == "" {
		return
	}
	if err := c.emitter.Emit(EventTyping, signal{UserID: c.self, ReceiverID: peer}); err != nil {
		c.logger.Debug("typing signal dropped", zap.String("peer", peer), zap.Error(err))
	}
}

// Remote records a typing signal from sender and (re)arms its timeout.
func (c *Coordinator) Remote(sender string) {
	if sender == "" || sender == c.self {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	_, already := c.typing[sender]
	c.typing[sender] = seq
	if t, ok := c.timers[sender]; ok {
		t.Stop()
	}
	c.timers[sender] = time.AfterFunc(c.timeout, func() { c.expire(sender, seq) })
	c.mu.Unlock()

	if !already {
		c.sink.SetPeerTyping(sender, true)
	}
}

// expire clears sender unless a newer signal re-armed it meanwhile.
func (c *Coordinator) expire(sender string, seq uint64) {
	c.mu.Lock()
	if c.typing[sender] != seq {
		c.mu.Unlock()
		return
	}
	delete(c.typing, sender)
	delete(c.timers, sender)
	c.mu.Unlock()
	c.sink.SetPeerTyping(sender, false)
}

// Clear drops sender's typing flag right away, e.g. once their message
// arrives.
func (c *Coordinator) Clear(sender string) {
	c.mu.Lock()
	_, ok := c.typing[sender]
	if ok {
		c.timers[sender].Stop()
		delete(c.typing, sender)
		delete(c.timers, sender)
	}
	c.mu.Unlock()
	if ok {
		c.sink.SetPeerTyping(sender, false)
	}
}

func (c *Coordinator) IsTyping(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[peer]
	return ok
}

// Stop cancels all pending timeouts.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, t := range c.timers {
		t.Stop()
	}
	clear(c.timers)
	clear(c.typing)
}
