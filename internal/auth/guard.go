package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/model"
)

// Guard failures. All of them match model.ErrAuthExpired.
var (
	ErrMalformed       = fmt.Errorf("%w: malformed token", model.ErrAuthExpired)
	ErrExpired         = fmt.Errorf("%w: token expired", model.ErrAuthExpired)
	ErrMissingIdentity = fmt.Errorf("%w: token carries no user id", model.ErrAuthExpired)
)

// Claims are the fields the client reads from the server-issued token.
type Claims struct {
	UserID   string
	Username string
	Email    string
	Expiry   time.Time
}

// Guard decodes session tokens. The client never holds the signing key, so
// signatures are not verified here; the server rejects forged tokens.
type Guard struct {
	parser *jwt.Parser
	now    func() time.Time
}

func NewGuard() *Guard {
	return &Guard{
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

// Decode parses token and checks its expiry without requiring an identity.
func (g *Guard) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMalformed
	}
	mc := jwt.MapClaims{}
	if _, _, err := g.parser.ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var c Claims
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrMalformed, err)
	}
	if exp != nil {
		c.Expiry = exp.Time
		if !g.now().Before(c.Expiry) {
			return c, ErrExpired
		}
	}
	c.UserID = stringClaim(mc, "_id")
	if c.UserID == "" {
		c.UserID = stringClaim(mc, "sub")
	}
	c.Username = stringClaim(mc, "username")
	c.Email = stringClaim(mc, "email")
	return c, nil
}

// IsValid reports false for missing, malformed or expired tokens.
func (g *Guard) IsValid(token string) bool {
	_, err := g.Decode(token)
	return err == nil
}

// CurrentUserID returns the user the token was issued to.
func (g *Guard) CurrentUserID(token string) (string, error) {
	c, err := g.Decode(token)
	if err != nil {
		return "", err
	}
	if c.UserID == "" {
		return "", ErrMissingIdentity
	}
	return c.UserID, nil
}

// Session builds the engine session for a valid token.
func (g *Guard) Session(token string) (model.Session, error) {
	c, err := g.Decode(token)
	if err != nil {
		return model.Session{}, err
	}
	if c.UserID == "" {
		return model.Session{}, ErrMissingIdentity
	}
	return model.Session{UserID: c.UserID, TokenExpiry: c.Expiry}, nil
}

// WatchExpiry calls fn once when sess's token expires. Sessions without an
// expiry never fire. The returned func cancels the watch.
func (g *Guard) WatchExpiry(sess model.Session, fn func()) (stop func()) {
	if sess.TokenExpiry.IsZero() {
		return func() {}
	}
	var once sync.Once
	fire := func() { once.Do(fn) }
	d := sess.TokenExpiry.Sub(g.now())
	if d <= 0 {
		go fire()
		return func() {}
	}
	timer := time.AfterFunc(d, fire)
	return func() { timer.Stop() }
}

// IsAuthError reports whether err should end the session.
func IsAuthError(err error) bool {
	return errors.Is(err, model.ErrAuthExpired)
}

func stringClaim(mc jwt.MapClaims, key string) string {
	switch v := mc[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
