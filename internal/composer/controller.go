// Package composer turns user intents (send, react, delete) into transport
// events and keeps optimistic sends consistent with the server's answers.
package composer

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

const (
	EventSendMessage    = "sendMessage"
	EventAddReaction    = "addReaction"
	EventMessageDeleted = "messageDeleted"
	EventChatDeleted    = "chatDeleted"

	LocalIDPrefix = "local-"

	DefaultReconcileWindow = 2 * time.Minute
)

var ErrEmptyMessage = fmt.Errorf("%w: nothing to send", model.ErrValidation)

type Emitter interface {
	Emit(event string, payload any) error
}

// API is the HTTP side of the composer.
type API interface {
	UploadAttachment(ctx context.Context, name string, r io.Reader) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteChat(ctx context.Context, self, peer string) error
}

type Timeline interface {
	Insert(msg model.Message) bool
	Reconcile(localID string, msg model.Message) bool
	SetState(id string, state model.DeliveryState) bool
	RemoveMessage(id string) bool
	Clear(peer string) bool
}

type Conversations interface {
	ApplyOutgoing(msg model.Message)
	ReplaceMessageID(localID string, msg model.Message)
	RemoveMessage(id string)
	ClearConversation(peer string)
}

type Drafts interface {
	Clear(ctx context.Context, peer string) error
}

// Attachment is a file to upload before sending.
type Attachment struct {
	Name string
	Data io.Reader
}

type sendPayload struct {
	Content         string   `json:"content"`
	SenderID        string   `json:"senderId"`
	ReceiverID      string   `json:"receiverId"`
	Attachments     []string `json:"attachments"`
	EncryptedAESKey string   `json:"encryptedAesKey"`
}

type reactionPayload struct {
	MessageID  string `json:"messageId"`
	UserID     string `json:"userId"`
	Emoji      string `json:"emoji"`
	ReceiverID string `json:"receiverId"`
}

type deletePayload struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

type chatDeletePayload struct {
	ReceiverID string `json:"receiverId"`
	SenderID   string `json:"senderId"`
}

// pendingSend tracks an optimistic message until both the server's status
// answer and its echo have been seen.
type pendingSend struct {
	msg    model.Message
	sentAt time.Time
	acked  bool
	echoed bool
}

type Options struct {
	Self            string
	ReconcileWindow time.Duration
	Emitter         Emitter
	API             API
	Timeline        Timeline
	Conversations   Conversations
	Drafts          Drafts
	Bus             *bus.Bus
	Logger          *zap.Logger
}

type Controller struct {
	self     string
	window   time.Duration
	emitter  Emitter
	api      API
	timeline Timeline
	convs    Conversations
	drafts   Drafts
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []*pendingSend
}

func New(opts Options) *Controller {
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	return &Controller{
		self:     opts.Self,
		window:   opts.ReconcileWindow,
		emitter:  opts.Emitter,
		api:      opts.API,
		timeline: opts.Timeline,
		convs:    opts.Conversations,
		drafts:   opts.Drafts,
		bus:      opts.Bus,
		logger:   logging.OrNop(opts.Logger).Named("composer"),
		now:      time.Now,
	}
}

// Send uploads attachments, inserts a pending placeholder and emits the
// message. The draft for peer is cleared only once the emit went out.
func (c *Controller) Send(ctx context.Context, peer, text string, attachments []Attachment) (model.Message, error) {
	if peer == "" {
		return model.Message{}, &model.ValidationError{Message: "No conversation selected."}
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	urls := make([]string, 0, len(attachments))
	for _, a := range attachments {
		url, err := c.api.UploadAttachment(ctx, a.Name, a.Data)
		if err != nil {
			metrics.Sends.WithLabelValues("upload_failed").Inc()
			return model.Message{}, fmt.Errorf("upload %s: %w", a.Name, err)
		}
		urls = append(urls, url)
	}

	msg := model.Message{
		ID:          LocalIDPrefix + uuid.NewString(),
		SenderID:    c.self,
		ReceiverID:  peer,
		Content:     text,
		Attachments: urls,
		CreatedAt:   c.now(),
		State:       model.Pending,
	}
	ps := &pendingSend{msg: msg, sentAt: msg.CreatedAt}
	c.mu.Lock()
	expired := c.pruneLocked()
	c.pending = append(c.pending, ps)
	c.mu.Unlock()
	c.expire(expired)
	c.timeline.Insert(msg)
	c.convs.ApplyOutgoing(msg)

	err := c.emitter.Emit(EventSendMessage, sendPayload{
		Content:     text,
		SenderID:    c.self,
		ReceiverID:  peer,
		Attachments: urls,
	})
	if err != nil {
		c.drop(ps)
		c.timeline.RemoveMessage(msg.ID)
		c.convs.RemoveMessage(msg.ID)
		metrics.Sends.WithLabelValues("failed").Inc()
		c.bus.Emit(bus.KindMessageFailed, msg)
		return model.Message{}, fmt.Errorf("send to %s: %w", peer, err)
	}

	if err := c.drafts.Clear(ctx, peer); err != nil {
		c.logger.Warn("draft not cleared", zap.String("peer", peer), zap.Error(err))
	}
	metrics.Sends.WithLabelValues("sent").Inc()
	c.bus.Emit(bus.KindMessageSent, msg)
	return msg, nil
}

// HandleEcho matches the server's copy of one of our own messages to the
// oldest pending send with the same recipient and content, and swaps the
// placeholder for it. It reports whether a placeholder was reconciled.
func (c *Controller) HandleEcho(msg model.Message) bool {
	if msg.SenderID != c.self {
		return false
	}
	c.mu.Lock()
	expired := c.pruneLocked()
	i := slices.IndexFunc(c.pending, func(p *pendingSend) bool {
		return !p.echoed &&
			p.msg.ReceiverID == msg.ReceiverID &&
			p.msg.Content == msg.Content &&
			slices.Equal(p.msg.Attachments, msg.Attachments)
	})
	if i < 0 {
		c.mu.Unlock()
		c.expire(expired)
		return false
	}
	ps := c.pending[i]
	ps.echoed = true
	if ps.acked {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
	c.mu.Unlock()
	c.expire(expired)

	if msg.State == model.Pending || msg.State == "" {
		msg.State = model.Sent
	}
	c.timeline.Reconcile(ps.msg.ID, msg)
	c.convs.ReplaceMessageID(ps.msg.ID, msg)
	c.logger.Debug("send reconciled", zap.String("local_id", ps.msg.ID), zap.String("msg_id", msg.ID))
	return true
}

// HandleStatus applies the server's answer to the oldest unanswered send. A
// rejection removes the placeholder and returns the server's reason.
func (c *Controller) HandleStatus(success bool, message string) error {
	c.mu.Lock()
	i := slices.IndexFunc(c.pending, func(p *pendingSend) bool { return !p.acked })
	var ps *pendingSend
	if i >= 0 {
		ps = c.pending[i]
		ps.acked = true
		if !success || ps.echoed {
			c.pending = slices.Delete(c.pending, i, i+1)
		}
	}
	c.mu.Unlock()

	if success {
		if ps != nil && !ps.echoed {
			c.timeline.SetState(ps.msg.ID, model.Sent)
		}
		return nil
	}

	metrics.Sends.WithLabelValues("rejected").Inc()
	if ps != nil {
		c.timeline.RemoveMessage(ps.msg.ID)
		c.convs.RemoveMessage(ps.msg.ID)
		c.bus.Emit(bus.KindMessageFailed, ps.msg)
	}
	if message == "" {
		message = "Failed to send message."
	}
	return &model.ValidationError{Message: message}
}

// Pending returns the optimistic sends still awaiting the server.
func (c *Controller) Pending() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.pending))
	for i, p := range c.pending {
		out[i] = p.msg.Clone()
	}
	return out
}

func (c *Controller) React(peer, messageID, emoji string) error {
	if messageID == "" || emoji == "" {
		return &model.ValidationError{Message: "A message and an emoji are required."}
	}
	err := c.emitter.Emit(EventAddReaction, reactionPayload{
		MessageID:  messageID,
		UserID:     c.self,
		Emoji:      emoji,
		ReceiverID: peer,
	})
	if err != nil {
		return fmt.Errorf("react to %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage deletes on the server, then locally, then tells peer. A
// placeholder that never reached the server is only dropped locally.
func (c *Controller) DeleteMessage(ctx context.Context, peer, messageID string) error {
	if strings.HasPrefix(messageID, LocalIDPrefix) {
		c.mu.Lock()
		c.pending = slices.DeleteFunc(c.pending, func(p *pendingSend) bool { return p.msg.ID == messageID })
		c.mu.Unlock()
		c.timeline.RemoveMessage(messageID)
		c.convs.RemoveMessage(messageID)
		return nil
	}
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	c.timeline.RemoveMessage(messageID)
	c.convs.RemoveMessage(messageID)
	if err := c.emitter.Emit(EventMessageDeleted, deletePayload{MessageID: messageID, ReceiverID: peer}); err != nil {
		c.logger.Warn("delete not announced", zap.String("msg_id", messageID), zap.Error(err))
	}
	return nil
}

// DeleteChat removes the whole conversation with peer.
func (c *Controller) DeleteChat(ctx context.Context, peer string) error {
	if err := c.api.DeleteChat(ctx, c.self, peer); err != nil {
		return fmt.Errorf("delete chat with %s: %w", peer, err)
	}
	c.mu.Lock()
	c.pending = slices.DeleteFunc(c.pending, func(p *pendingSend) bool { return p.msg.ReceiverID == peer })
	c.mu.Unlock()
	c.timeline.Clear(peer)
	c.convs.ClearConversation(peer)
	if err := c.emitter.Emit(EventChatDeleted, chatDeletePayload{ReceiverID: peer, SenderID: c.self}); err != nil {
		c.logger.Warn("chat delete not announced", zap.String("peer", peer), zap.Error(err))
	}
	return nil
}

func (c *Controller) drop(ps *pendingSend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = slices.DeleteFunc(c.pending, func(p *pendingSend) bool { return p == ps })
}

// pruneLocked forgets sends older than the reconcile window and returns
// the ones whose echo never arrived.
func (c *Controller) pruneLocked() []*pendingSend {
	cutoff := c.now().Add(-c.window)
	var expired []*pendingSend
	c.pending = slices.DeleteFunc(c.pending, func(p *pendingSend) bool {
		if !p.sentAt.Before(cutoff) {
			return false
		}
		if !p.echoed {
			expired = append(expired, p)
		}
		return true
	})
	return expired
}

// expire withdraws the placeholders of sends the server never echoed. A late
// echo then shows up as a plain incoming message.
func (c *Controller) expire(expired []*pendingSend) {
	for _, p := range expired {
		c.logger.Warn("pending send expired", zap.String("local_id", p.msg.ID))
		c.timeline.RemoveMessage(p.msg.ID)
		c.convs.RemoveMessage(p.msg.ID)
		metrics.Sends.WithLabelValues("expired").Inc()
		c.bus.Emit(bus.KindMessageFailed, p.msg)
	}
}
