package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"time"

	"retrykit/pkg/retry"
)

// Client wraps http.Client with logging and retries driven by a retry.AsyncPolicy.
type Client struct {
	hc            *stdhttp.Client
	log           *slog.Logger
	policy        *retry.AsyncPolicy
	retryOpts     retry.Options
	headers       map[string]string
	urlRedactor   func(*url.URL) string
	retryMethods  map[string]struct{}
	retryNonIdem  bool
	maxReplayBody int64
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries enables up to n retries with exponential backoff starting at backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retryOpts.MaxRetries = n
		c.retryOpts.InitialDelay = backoff
		c.retryOpts.BackoffExponential = true
		c.retryOpts.Jitter = false
	}
}

// WithRetryOptions builds the client's bounded policy from resolved options.
func WithRetryOptions(o retry.Options) Option {
	return func(c *Client) { c.retryOpts = o }
}

// WithPolicy replaces the client's policy. The policy's kind decides which
// failures are retried; Retryable is the usual choice.
func WithPolicy(p *retry.AsyncPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithUserAgent sets the default User-Agent header.
func WithUserAgent(ua string) Option {
	return WithHeaders(map[string]string{"User-Agent": ua})
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithRetryMethods adds methods allowed for retries.
func WithRetryMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.retryMethods[m] = struct{}{}
		}
	}
}

// WithRetryNonIdempotent allows retries for non-idempotent methods like POST.
func WithRetryNonIdempotent(v bool) Option {
	return func(c *Client) { c.retryNonIdem = v }
}

// WithMaxReplayBodySize limits size of buffered body for retries (0 disables limit).
func WithMaxReplayBodySize(n int64) Option {
	return func(c *Client) { c.maxReplayBody = n }
}

// ErrReplayBodyTooLarge indicates request body exceeds replay limit.
var ErrReplayBodyTooLarge = errors.New("http: body too large for replay")

// New creates configured Client. Without WithRetries, WithRetryOptions or
// WithPolicy requests are attempted once.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConnsPerHost = 100
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:           slog.Default(),
		retryOpts:     retry.Options{MaxRetries: 0, BackoffExponential: true},
		headers:       make(map[string]string),
		maxReplayBody: 1 << 20,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodTrace:   {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy == nil {
		c.policy = retry.NewBoundedAsync(Retryable, c.retryOpts,
			retry.WithName("httpclient"),
			retry.WithLogger(c.log),
		)
	}
	return c
}

// Policy returns the policy requests run under.
func (c *Client) Policy() *retry.AsyncPolicy { return c.policy }

// Get issues a GET request for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*stdhttp.Response, error) {
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do sends the request under the client's policy. Responses with a transient
// status are closed and reported as *StatusError once retries are exhausted.
// A Retry-After header stretches the policy's wait. A context that ends while
// waiting yields a *retry.CancelledError.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	if err := c.bufferBody(req); err != nil {
		return nil, err
	}

	if !c.canRetry(req) {
		return c.attempt(ctx, req, 1)
	}

	var attempt int
	return retry.DoAsync(ctx, c.policy, func(ctx context.Context) (*stdhttp.Response, error) {
		attempt++
		return c.attempt(ctx, req, attempt)
	})
}

func (c *Client) canRetry(req *stdhttp.Request) bool {
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	if req.Method == stdhttp.MethodPost && req.Header.Get("Idempotency-Key") != "" {
		return true
	}
	return c.retryNonIdem
}

func (c *Client) bufferBody(req *stdhttp.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	defer req.Body.Close()

	var body []byte
	var err error
	if c.maxReplayBody > 0 {
		body, err = io.ReadAll(io.LimitReader(req.Body, c.maxReplayBody+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > c.maxReplayBody {
			return ErrReplayBodyTooLarge
		}
	} else {
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	req.Body, _ = req.GetBody()
	return nil
}

func (c *Client) attempt(ctx context.Context, req *stdhttp.Request, attempt int) (*stdhttp.Response, error) {
	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if r.GetBody != nil {
		rc, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = rc
	}

	u := c.redactURL(r.URL)
	st := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(st)
	if err != nil {
		c.log.Warn("http request error",
			slog.String("method", r.Method),
			slog.String("url", u),
			slog.Int("attempt", attempt),
			slog.Any("err", err))
		return nil, err
	}

	if !retryableStatus(resp.StatusCode) {
		c.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("url", u),
			slog.Int("status", resp.StatusCode),
			slog.Duration("dur", dur),
			slog.Int("attempt", attempt))
		return resp, nil
	}

	if resp.StatusCode == stdhttp.StatusMisdirectedRequest {
		if tr, ok := c.hc.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	se := &StatusError{
		Method:     r.Method,
		URL:        u,
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
	drainAndClose(resp.Body)
	c.log.Warn("http request status",
		slog.String("method", r.Method),
		slog.String("url", u),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", dur),
		slog.Duration("retry_after", se.RetryAfter),
		slog.Int("attempt", attempt))
	return nil, se
}

// redactURL returns redacted URL string.
func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}
