// Package notify keeps the transient alerts shown for inbound messages and
// the error banner.
package notify

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Second

// Alerter plays the local alert for a new notification.
type Alerter interface {
	Alert(n model.Notification) error
}

// BellAlerter rings the terminal bell on W.
type BellAlerter struct {
	W io.Writer
}

func (a BellAlerter) Alert(model.Notification) error {
	_, err := fmt.Fprint(a.W, "\a")
	return err
}

// Dispatcher holds pending notifications, at most one per message id, each
// removed when its TTL elapses or its conversation is opened.
type Dispatcher struct {
	self    string
	ttl     time.Duration
	alerter Alerter
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending []model.Notification
	timers  map[string]*time.Timer
	stopped bool
}

// NewDispatcher builds a dispatcher. alerter may be nil for silent mode.
func NewDispatcher(self string, ttl time.Duration, alerter Alerter, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Dispatcher{
		self:    self,
		ttl:     ttl,
		alerter: alerter,
		bus:     b,
		logger:  logging.OrNop(logger).Named("notify"),
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// Push raises a notification for msg unless it comes from self or from the
// open conversation, or one with the same id is already pending.
func (d *Dispatcher) Push(msg model.Message, activePeer string) bool {
	if msg.SenderID == d.self || msg.SenderID == activePeer {
		return false
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	if _, dup := d.timers[msg.ID]; dup {
		d.mu.Unlock()
		return false
	}
	n := model.Notification{
		ID:        msg.ID,
		PeerID:    msg.SenderID,
		Preview:   msg.Preview(),
		ExpiresAt: d.now().Add(d.ttl),
	}
	d.pending = append(d.pending, n)
	d.timers[n.ID] = time.AfterFunc(d.ttl, func() { d.remove(n.ID) })
	d.mu.Unlock()

	metrics.Notifications.Inc()
	if d.alerter != nil {
		if err := d.alerter.Alert(n); err != nil {
			d.logger.Debug("alert failed", zap.Error(err))
		}
	}
	d.bus.Emit(bus.KindNotificationAdded, n)
	return true
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	i := slices.IndexFunc(d.pending, func(n model.Notification) bool { return n.ID == id })
	if i < 0 {
		d.mu.Unlock()
		return
	}
	n := d.pending[i]
	d.pending = slices.Delete(d.pending, i, i+1)
	delete(d.timers, id)
	d.mu.Unlock()
	d.bus.Emit(bus.KindNotificationRemoved, n)
}

// Dismiss removes every pending notification from peer.
func (d *Dispatcher) Dismiss(peer string) int {
	d.mu.Lock()
	var removed []model.Notification
	d.pending = slices.DeleteFunc(d.pending, func(n model.Notification) bool {
		if n.PeerID != peer {
			return false
		}
		removed = append(removed, n)
		return true
	})
	for _, n := range removed {
		d.timers[n.ID].Stop()
		delete(d.timers, n.ID)
	}
	d.mu.Unlock()

	for _, n := range removed {
		d.bus.Emit(bus.KindNotificationRemoved, n)
	}
	return len(removed)
}

// Pending returns the notifications still showing, oldest first.
func (d *Dispatcher) Pending() []model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.pending)
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
	clear(d.timers)
	d.pending = nil
}
