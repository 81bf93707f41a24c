package notify

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// DefaultBannerTTL is how long an error stays up unless dismissed.
const DefaultBannerTTL = 10 * time.Second

// Banner holds the single user visible error. A new error replaces the old.
type Banner struct {
	mu      sync.RWMutex
	message string
	expires time.Time
	now     func() time.Time
}

type BannerState struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SetError shows the user facing text of err for d.
func (b *Banner) SetError(err error, d time.Duration) {
	if err == nil {
		return
	}
	b.Set(model.UserMessage(err), d)
}

// Set shows msg for d.
func (b *Banner) Set(msg string, d time.Duration) {
	if d <= 0 {
		d = DefaultBannerTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message = msg
	b.expires = b.clock().Add(d)
}

// Current returns the banner, or false if none is up.
func (b *Banner) Current() (BannerState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.message == "" || !b.clock().Before(b.expires) {
		return BannerState{}, false
	}
	return BannerState{Message: b.message, ExpiresAt: b.expires}, true
}

func (b *Banner) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message = ""
	b.expires = time.Time{}
}

func (b *Banner) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}
