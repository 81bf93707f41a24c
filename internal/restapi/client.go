package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// Options tune the client. Zero values fall back to config defaults.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// OptionsFromConfig maps the [http] section and api_url.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:           cfg.APIURL,
		Timeout:           cfg.HTTP.Timeout.Duration,
		MaxRetries:        cfg.HTTP.MaxRetries,
		RetryDelay:        cfg.HTTP.RetryDelay.Duration,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	}
}

// Client talks to the chat server's HTTP API. Every request carries the
// bearer token, passes through a client-side rate limiter and is retried on
// transient failures.
type Client struct {
	base       *url.URL
	http       *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

func New(opts Options, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api url %q must be absolute", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:       base,
		http:       hc,
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logging.OrNop(logger),
	}, nil
}

// BaseURL returns the API root, used to resolve relative asset paths.
func (c *Client) BaseURL() string {
	return c.base.String()
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	URL     string          `json:"url"`
	Count   *int            `json:"count"`
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

func (c *Client) do(ctx context.Context, r request) (*envelope, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay
			var se *model.StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > 0 {
				delay = se.RetryAfter
			}
			c.logger.Debug("retrying request",
				zap.String("op", r.op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		env, err := c.once(ctx, r)
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, model.ErrTransient) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, r request) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.op, err)
	}
	if token == "" {
		return nil, fmt.Errorf("%s: %w: no token", r.op, model.ErrAuthExpired)
	}

	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + r.path
	u.RawPath = ""
	if r.query != nil {
		u.RawQuery = r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.HTTPDuration.WithLabelValues(r.op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HTTPRequests.WithLabelValues(r.op, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %v", r.op, model.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.HTTPRequests.WithLabelValues(r.op, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w: %v", r.op, model.ErrTransient, err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil && resp.StatusCode < 400 {
			return nil, fmt.Errorf("%s: decode response: %w", r.op, jsonErr)
		}
	}
	if resp.StatusCode >= 400 {
		return nil, classify(r.op, resp, &env, raw)
	}
	return &env, nil
}

func classify(op string, resp *http.Response, env *envelope, raw []byte) error {
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	se := &model.StatusError{Op: op, Status: resp.StatusCode, Body: msg}
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		se.Kind = model.ErrAuthExpired
	case code == http.StatusNotFound:
		se.Kind = model.ErrNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		se.Kind = model.ErrTransient
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			se.RetryAfter = time.Duration(s) * time.Second
		}
	default:
		if msg == "" {
			msg = http.StatusText(code)
		}
		se.Kind = &model.ValidationError{Message: msg}
	}
	return se
}
