package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// ErrNoSession is returned by Current while nobody is signed in.
var ErrNoSession = fmt.Errorf("%w: no active session", model.ErrAuthExpired)

// TokenStore holds the opaque session token.
type TokenStore interface {
	Token() (string, error)
	Store(token string) error
	Clear() error
	Watch(ctx context.Context, fn func(token string)) error
}

// Factory builds the engine for a validated session. onAuthFailure must be
// called when the server rejects the session.
type Factory func(ctx context.Context, token string, sess model.Session, claims auth.Claims, onAuthFailure func(error)) (*Engine, error)

// SessionEnded is the payload of bus.KindSessionExpired.
type SessionEnded struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// Runner starts an engine whenever a valid token shows up in the store and
// tears it down on expiry, server rejection or logout.
type Runner struct {
	tokens  TokenStore
	guard   *auth.Guard
	factory Factory
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// switchMu serializes session changes; mu guards the fields read by
	// Current.
	switchMu   stdsync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	token      string
	gen        uint64
	stopExpiry func()

	mu     stdsync.Mutex
	engine *Engine
}

func NewRunner(tokens TokenStore, guard *auth.Guard, factory Factory, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Runner {
	if machine == nil {
		machine = status.NewMachine(b)
	}
	return &Runner{
		tokens:  tokens,
		guard:   guard,
		factory: factory,
		machine: machine,
		bus:     b,
		logger:  logging.OrNop(logger).Named("runner"),
	}
}

// Start watches the token store and starts an engine for the stored token,
// if any.
func (r *Runner) Start(ctx context.Context) error {
	r.switchMu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.switchMu.Unlock()

	if err := r.tokens.Watch(runCtx, r.apply); err != nil {
		return fmt.Errorf("watch token: %w", err)
	}
	token, err := r.tokens.Token()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	r.apply(token)
	return nil
}

// Stop tears down the running engine and stops watching the token store.
func (r *Runner) Stop() {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.stopEngineLocked()
}

// Current returns the running engine.
func (r *Runner) Current() (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine == nil {
		return nil, ErrNoSession
	}
	return r.engine, nil
}

// State is the session state, AUTH_REQUIRED included.
func (r *Runner) State() status.State {
	return r.machine.Current()
}

// Login validates and stores token, then starts its engine.
func (r *Runner) Login(token string) (model.Session, error) {
	sess, err := r.guard.Session(token)
	if err != nil {
		return model.Session{}, &model.ValidationError{Message: "Invalid token: " + err.Error()}
	}
	if err := r.tokens.Store(token); err != nil {
		return model.Session{}, err
	}
	r.apply(token)
	return sess, nil
}

// Logout clears the stored token and stops the engine.
func (r *Runner) Logout() error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	userID := r.sessionUserLocked()
	r.stopEngineLocked()
	r.token = ""
	r.transition(status.AuthRequired)
	if err := r.tokens.Clear(); err != nil {
		return err
	}
	r.logger.Info("logged out", zap.String("user", userID))
	r.bus.Emit(bus.KindSessionExpired, SessionEnded{UserID: userID, Reason: "logout"})
	return nil
}

// apply switches to the session of token. An empty or invalid token leaves
// the runner waiting in AUTH_REQUIRED.
func (r *Runner) apply(token string) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	running := r.engine != nil
	r.mu.Unlock()
	if running && token == r.token {
		return
	}
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}

	r.stopEngineLocked()
	r.token = token
	if token == "" {
		r.transition(status.AuthRequired)
		return
	}

	sess, err := r.guard.Session(token)
	if err != nil {
		r.logger.Warn("stored token rejected", zap.Error(err))
		r.endLocked(sess.UserID, err)
		return
	}
	claims, _ := r.guard.Decode(token)

	r.gen++
	gen := r.gen
	eng, err := r.factory(r.ctx, token, sess, claims, func(err error) { r.expire(gen, err) })
	if err != nil {
		r.logger.Error("engine setup failed", zap.Error(err))
		r.bus.Emit(bus.KindEngineError, EngineError{Op: "start", Message: model.UserMessage(err)})
		return
	}
	r.mu.Lock()
	r.engine = eng
	r.mu.Unlock()
	r.stopExpiry = r.guard.WatchExpiry(sess, func() { r.expire(gen, auth.ErrExpired) })

	r.logger.Info("session started", zap.String("user", sess.UserID))
	if err := eng.Start(r.ctx); err != nil {
		r.logger.Warn("engine start interrupted", zap.Error(err))
	}
}

// expire ends session gen. Calls for an older session are ignored.
func (r *Runner) expire(gen uint64, cause error) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	if gen != r.gen || r.token == "" {
		return
	}
	userID := r.sessionUserLocked()
	r.logger.Warn("session ended", zap.String("user", userID), zap.Error(cause))
	r.stopEngineLocked()
	r.endLocked(userID, cause)
}

// endLocked forgets the credentials after an auth failure.
func (r *Runner) endLocked(userID string, cause error) {
	r.token = ""
	if err := r.tokens.Clear(); err != nil {
		r.logger.Warn("clearing token", zap.Error(err))
	}
	r.transition(status.AuthRequired)
	reason := "expired"
	if !errors.Is(cause, auth.ErrExpired) {
		reason = model.UserMessage(cause)
	}
	r.bus.Emit(bus.KindSessionExpired, SessionEnded{UserID: userID, Reason: reason})
}

func (r *Runner) stopEngineLocked() {
	if r.stopExpiry != nil {
		r.stopExpiry()
		r.stopExpiry = nil
	}
	r.mu.Lock()
	eng := r.engine
	r.engine = nil
	r.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
}

func (r *Runner) sessionUserLocked() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine == nil {
		return ""
	}
	return r.engine.Session().UserID
}

func (r *Runner) transition(to status.State) {
	if err := r.machine.Transition(to); err != nil {
		r.logger.Debug("state transition rejected", zap.Error(err))
	}
}
