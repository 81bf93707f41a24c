// Package sync wires the engine components to the realtime session and keeps
// one engine running per authenticated session.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/composer"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/draft"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
)

// Inbound realtime events.
const (
	EventReceiverMessage = "receiverMessage"
	EventMessageStatus   = "messageStatus"
	EventTyping          = "typing"
	EventMessageRead     = "messageRead"
	EventReactionAdded   = "reactionAdded"
	EventMessageDeleted  = "messageDeleted"
	EventChatDeleted     = "chatDeleted"
	EventUserOnline      = "userOnline"
	EventUserOffline     = "userOffline"
)

const connectionErrorText = "Failed to connect to chat server. Retrying..."

// API is every HTTP call the engine makes.
type API interface {
	conversation.Directory
	timeline.Fetcher
	composer.API
}

// EngineError is the payload of bus.KindEngineError.
type EngineError struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

type Options struct {
	Session model.Session
	// Self is the local user as the token describes it.
	Self  model.Contact
	Token string

	Config  *config.Config
	API     API
	Dialer  transport.Dialer
	Drafts  draft.Persister
	Cache   conversation.Cache
	Alerter notify.Alerter
	Bus     *bus.Bus
	Machine *status.Machine
	Logger  *zap.Logger

	// OnAuthFailure is called when the server rejects the session.
	OnAuthFailure func(error)
}

// Engine is the sync engine for one session. Inbound events are handled on
// the transport's reader goroutine in delivery order.
type Engine struct {
	session model.Session
	cfg     *config.Config
	bus     *bus.Bus
	logger  *zap.Logger

	transport *transport.Session
	convs     *conversation.Store
	timeline  *timeline.Timeline
	composer  *composer.Controller
	typing    *typing.Coordinator
	notifier  *notify.Dispatcher
	drafts    *draft.Store
	banner    *notify.Banner

	onAuthFailure func(error)
}

// New builds an engine and loads the saved drafts. Nothing touches the
// network until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("user", opts.Session.UserID))
	self := opts.Session.UserID

	e := &Engine{
		session:       opts.Session,
		cfg:           cfg,
		bus:           opts.Bus,
		logger:        logger.Named("engine"),
		banner:        &notify.Banner{},
		onAuthFailure: opts.OnAuthFailure,
	}

	drafts, err := draft.Open(ctx, opts.Drafts, opts.Bus)
	if err != nil {
		return nil, err
	}
	e.drafts = drafts

	e.transport = transport.NewSession(transport.Options{
		URL:           cfg.SocketURL,
		UserID:        self,
		Token:         opts.Token,
		Initial:       cfg.Reconnect.Initial.Duration,
		Max:           cfg.Reconnect.Max.Duration,
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
		OnAuthFailure: e.authFailed,
	}, opts.Dialer, opts.Machine, logger)

	var alerter notify.Alerter
	if cfg.Notifications.Sound {
		alerter = opts.Alerter
	}
	e.notifier = notify.NewDispatcher(self, cfg.Notifications.TTL.Duration, alerter, opts.Bus, logger)

	apiURL := cfg.APIURL
	if b, ok := opts.API.(interface{ BaseURL() string }); ok {
		apiURL = b.BaseURL()
	}
	e.convs = conversation.New(conversation.Options{
		Self:      opts.Self,
		APIURL:    apiURL,
		Directory: opts.API,
		Cache:     opts.Cache,
		Notifier:  e.notifier,
		Bus:       opts.Bus,
		Logger:    logger,
	})
	e.timeline = timeline.New(self, cfg.Timeline.PageSize, opts.API, e.transport, opts.Bus, logger)
	e.typing = typing.New(self, cfg.Typing.Timeout.Duration, e.transport, e.convs, logger)
	e.composer = composer.New(composer.Options{
		Self:            self,
		ReconcileWindow: cfg.Composer.ReconcileWindow.Duration,
		Emitter:         e.transport,
		API:             opts.API,
		Timeline:        e.timeline,
		Conversations:   e.convs,
		Drafts:          e.drafts,
		Bus:             opts.Bus,
		Logger:          logger,
	})
	return e, nil
}

// Start registers the inbound handlers, connects and loads the profile and
// contacts. Load failures surface on the banner; Start itself only fails if
// ctx is already done.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.subscribe()
	e.transport.Connect(ctx)

	if _, err := e.convs.LoadProfile(ctx); err != nil {
		e.fail("load_profile", err)
	}
	if err := e.convs.LoadContacts(ctx); err != nil {
		e.fail("load_contacts", err)
	}
	e.logger.Info("engine started")
	return nil
}

// Stop disconnects and cancels every timer. It is safe to call twice.
func (e *Engine) Stop() {
	e.transport.Disconnect()
	e.typing.Stop()
	e.notifier.Stop()
	for _, ev := range inboundEvents {
		e.transport.Unsubscribe(ev)
	}
	e.logger.Info("engine stopped")
}

var inboundEvents = []string{
	EventReceiverMessage, EventMessageStatus, EventTyping, EventMessageRead,
	EventReactionAdded, EventMessageDeleted, EventChatDeleted, EventUserOnline,
	EventUserOffline, transport.EventConnectionError,
}

func (e *Engine) subscribe() {
	handlers := map[string]func(json.RawMessage) error{
		EventReceiverMessage:           e.onMessage,
		EventMessageStatus:             e.onStatus,
		EventTyping:                    e.onTyping,
		EventMessageRead:               e.onRead,
		EventReactionAdded:             e.onReaction,
		EventMessageDeleted:            e.onDeleted,
		EventChatDeleted:               e.onChatDeleted,
		EventUserOnline:                e.onPresence(true),
		EventUserOffline:               e.onPresence(false),
		transport.EventConnectionError: e.onConnectionError,
	}
	for ev, h := range handlers {
		e.transport.Subscribe(ev, func(data json.RawMessage) {
			if err := h(data); err != nil {
				e.logger.Warn("inbound event dropped", zap.String("event", ev), zap.Error(err))
			}
		})
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}

type idPayload struct {
	MessageID model.FlexID `json:"messageId"`
	UserID    model.FlexID `json:"userId"`
	SenderID  model.FlexID `json:"senderId"`
}

func (e *Engine) onMessage(data json.RawMessage) error {
	w, err := decode[model.ServerMessage](data)
	if err != nil {
		return err
	}
	msg := w.Message(time.Now())
	if msg.ID == "" {
		return errors.New("message without id")
	}
	if !e.composer.HandleEcho(msg) {
		e.timeline.AppendIncoming(msg)
	}
	e.convs.ApplyInboundMessage(msg)
	if msg.SenderID != e.session.UserID {
		e.typing.Clear(msg.SenderID)
	}
	return nil
}

func (e *Engine) onStatus(data json.RawMessage) error {
	p, err := decode[struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}](data)
	if err != nil {
		return err
	}
	if err := e.composer.HandleStatus(p.Success, p.Message); err != nil {
		e.fail("send", err)
	}
	return nil
}

func (e *Engine) onTyping(data json.RawMessage) error {
	p, err := decode[idPayload](data)
	if err != nil {
		return err
	}
	e.typing.Remote(p.UserID.String())
	return nil
}

func (e *Engine) onRead(data json.RawMessage) error {
	p, err := decode[idPayload](data)
	if err != nil {
		return err
	}
	id := p.MessageID.String()
	e.timeline.MarkRead(id)
	e.convs.MarkMessageRead(id)
	return nil
}

func (e *Engine) onReaction(data json.RawMessage) error {
	p, err := decode[struct {
		MessageID model.FlexID     `json:"messageId"`
		Reactions []model.Reaction `json:"reactions"`
	}](data)
	if err != nil {
		return err
	}
	e.timeline.ApplyReaction(p.MessageID.String(), p.Reactions)
	return nil
}

// onDeleted is a no-op for messages that were never loaded.
func (e *Engine) onDeleted(data json.RawMessage) error {
	p, err := decode[idPayload](data)
	if err != nil {
		return err
	}
	id := p.MessageID.String()
	e.timeline.RemoveMessage(id)
	e.convs.RemoveMessage(id)
	return nil
}

func (e *Engine) onChatDeleted(data json.RawMessage) error {
	p, err := decode[idPayload](data)
	if err != nil {
		return err
	}
	peer := p.SenderID.String()
	e.timeline.Clear(peer)
	e.convs.ClearConversation(peer)
	e.notifier.Dismiss(peer)
	return nil
}

func (e *Engine) onPresence(online bool) func(json.RawMessage) error {
	return func(data json.RawMessage) error {
		p, err := decode[idPayload](data)
		if err != nil {
			return err
		}
		e.convs.SetPresence(p.UserID.String(), online)
		return nil
	}
}

func (e *Engine) onConnectionError(data json.RawMessage) error {
	p, _ := decode[struct {
		Message string `json:"message"`
	}](data)
	e.logger.Warn("connection error from server", zap.String("message", p.Message))
	e.banner.Set(connectionErrorText, 0)
	e.bus.Emit(bus.KindEngineError, EngineError{Op: "connect", Message: connectionErrorText})
	return nil
}

// OpenConversation makes peer the active conversation: its notifications go
// away, its unread count drops to zero and the first page loads.
func (e *Engine) OpenConversation(ctx context.Context, peer string) error {
	if peer == "" {
		return &model.ValidationError{Message: "No conversation selected."}
	}
	e.convs.SetActive(peer)
	e.notifier.Dismiss(peer)
	e.convs.MarkRead(peer)
	if err := e.timeline.OpenConversation(ctx, peer); err != nil {
		return e.fail("open_conversation", err)
	}
	return nil
}

func (e *Engine) CloseConversation() {
	e.convs.SetActive("")
	e.timeline.Close()
}

func (e *Engine) LoadOlder(ctx context.Context) error {
	if err := e.timeline.LoadOlder(ctx); err != nil {
		return e.fail("load_older", err)
	}
	return nil
}

// UpdateDraft saves the composer text for peer and signals typing.
func (e *Engine) UpdateDraft(ctx context.Context, peer, text string) error {
	if err := e.drafts.Set(ctx, peer, text); err != nil {
		return e.fail("save_draft", err)
	}
	if text != "" {
		e.typing.Keystroke(peer)
	}
	return nil
}

func (e *Engine) Send(ctx context.Context, peer, text string, attachments []composer.Attachment) (model.Message, error) {
	msg, err := e.composer.Send(ctx, peer, text, attachments)
	if errors.Is(err, composer.ErrEmptyMessage) {
		return msg, err
	}
	if err != nil {
		return msg, e.fail("send", err)
	}
	return msg, nil
}

func (e *Engine) React(peer, messageID, emoji string) error {
	if err := e.composer.React(peer, messageID, emoji); err != nil {
		return e.fail("react", err)
	}
	return nil
}

func (e *Engine) DeleteMessage(ctx context.Context, peer, messageID string) error {
	if err := e.composer.DeleteMessage(ctx, peer, messageID); err != nil {
		return e.fail("delete_message", err)
	}
	return nil
}

func (e *Engine) DeleteChat(ctx context.Context, peer string) error {
	if err := e.composer.DeleteChat(ctx, peer); err != nil {
		return e.fail("delete_chat", err)
	}
	return nil
}

func (e *Engine) Session() model.Session { return e.session }

func (e *Engine) Self() model.Contact { return e.convs.Self() }

func (e *Engine) Status() status.State { return e.transport.State() }

func (e *Engine) Conversations() []model.ConversationSummary { return e.convs.Summaries() }

func (e *Engine) Timeline() (model.TimelineWindow, bool) { return e.timeline.Window() }

func (e *Engine) Notifications() []model.Notification { return e.notifier.Pending() }

func (e *Engine) Draft(peer string) string { return e.drafts.Get(peer) }

func (e *Engine) Drafts() []model.Draft { return e.drafts.All() }

func (e *Engine) Banner() (notify.BannerState, bool) { return e.banner.Current() }

func (e *Engine) DismissBanner() { e.banner.Dismiss() }

// fail records err on the banner and the bus and returns it. Auth failures
// also end the session.
func (e *Engine) fail(op string, err error) error {
	e.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	e.banner.SetError(err, 0)
	e.bus.Emit(bus.KindEngineError, EngineError{Op: op, Message: model.UserMessage(err)})
	if errors.Is(err, model.ErrAuthExpired) {
		go e.authFailed(err)
	}
	return err
}

func (e *Engine) authFailed(err error) {
	if e.onAuthFailure != nil {
		e.onAuthFailure(err)
	}
}
