package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

const (
	EventJoinRoom        = "joinRoom"
	EventConnectionError = "connectionError"
)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Options configure a Session.
type Options struct {
	URL         string
	UserID      string
	Token       string
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	// OnAuthFailure is called when the server refuses the handshake. The
	// session stays disconnected afterwards.
	OnAuthFailure func(error)
}

// Session owns one realtime connection for one user. It joins the user's
// room on every connect and reconnects with capped exponential backoff until
// the attempt budget is spent, then parks in Offline.
type Session struct {
	opts    Options
	dialer  Dialer
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

func NewSession(opts Options, dialer Dialer, machine *status.Machine, logger *zap.Logger) *Session {
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if opts.Initial <= 0 {
		opts.Initial = 500 * time.Millisecond
	}
	if opts.Max < opts.Initial {
		opts.Max = opts.Initial
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Session{
		opts:     opts,
		dialer:   dialer,
		machine:  machine,
		logger:   logging.OrNop(logger).Named("transport"),
		handlers: make(map[string]Handler),
	}
}

// State returns the connection state.
func (s *Session) State() status.State {
	return s.machine.Current()
}

// Subscribe installs h for event, replacing any previous handler.
func (s *Session) Subscribe(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

func (s *Session) Unsubscribe(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Connect starts the connection loop unless one is already running. ctx
// bounds the whole session, not just the first dial.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

// Disconnect closes the connection and stops reconnecting. It blocks until
// the loop has exited and is safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.transition(status.Disconnected)
}

// Emit sends one event. There is no queue: while not joined it fails with
// model.ErrTransportUnavailable.
func (s *Session) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emit %s: %w", event, model.ErrTransportUnavailable)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("emit %s: %w: %v", event, model.ErrTransportUnavailable, err)
	}
	return nil
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	var authErr error
	defer func() {
		close(done)
		if authErr != nil && s.opts.OnAuthFailure != nil {
			go s.opts.OnAuthFailure(authErr)
		}
	}()

	attempt := 0
	for {
		s.transition(status.Connecting)
		conn, err := s.dial(ctx)
		switch {
		case err == nil:
			joinedAt := time.Now()
			s.serve(ctx, conn)
			if time.Since(joinedAt) >= s.opts.Max {
				attempt = 0
			}
		case errors.Is(err, model.ErrAuthExpired):
			s.logger.Warn("server refused credentials", zap.Error(err))
			authErr = err
			s.transition(status.Disconnected)
			return
		default:
			s.logger.Warn("connect failed", zap.Error(err), zap.Int("attempt", attempt))
		}

		if ctx.Err() != nil {
			s.transition(status.Disconnected)
			return
		}
		s.transition(status.Reconnecting)
		if attempt >= s.opts.MaxAttempts {
			s.logger.Error("giving up reconnecting", zap.Int("attempts", attempt))
			s.transition(status.Offline)
			return
		}
		delay := backoff(attempt, s.opts.Initial, s.opts.Max)
		attempt++
		metrics.Reconnects.Inc()
		s.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			s.transition(status.Disconnected)
			return
		case <-time.After(delay):
		}
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("id", s.opts.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	return s.dialer.Dial(ctx, u.String(), header)
}

// serve joins the user's room and dispatches inbound events in order until
// the connection drops or ctx ends.
func (s *Session) serve(ctx context.Context, conn Conn) {
	defer func() { _ = conn.Close() }()

	join, _ := json.Marshal(map[string]string{"userId": s.opts.UserID})
	if err := conn.WriteJSON(Envelope{Event: EventJoinRoom, Data: join}); err != nil {
		s.logger.Warn("join failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.transition(status.Joined)
	s.logger.Info("joined", zap.String("user", s.opts.UserID))

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("connection lost", zap.Error(err))
			}
			return
		}
		metrics.InboundEvents.WithLabelValues(env.Event).Inc()
		s.dispatch(env)
		if env.Event == EventConnectionError {
			s.logger.Warn("server reported connection error", zap.ByteString("data", env.Data))
			return
		}
	}
}

func (s *Session) dispatch(env Envelope) {
	s.mu.Lock()
	h := s.handlers[env.Event]
	s.mu.Unlock()
	if h == nil {
		s.logger.Debug("no handler", zap.String("event", env.Event))
		return
	}
	h(env.Data)
}

func (s *Session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Debug("state transition rejected", zap.Error(err))
	}
}
