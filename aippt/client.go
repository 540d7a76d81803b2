// Package aippt is the client for the iFlytek AIPPT (智文) content backend and
// the MCP tool catalog built on top of it.
package aippt

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/aippt-mcp-go/internal/metrics"
	"github.com/ggoodman/aippt-mcp-go/storage"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production endpoint of the v2 PPT API.
const DefaultBaseURL = "https://zwapi.xfyun.cn/api/ppt/v2"

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	maxErrorBody      = 4 << 10

	templateCacheNamespace = "templates"
)

var (
	// ErrMissingCredentials is returned by NewClient without an app id and secret.
	ErrMissingCredentials = errors.New("aippt: app id and api secret are required")
	// ErrMissingDocument is returned when neither a document URL nor a local
	// file is given to CreateOutlineByDoc.
	ErrMissingDocument = errors.New("aippt: file_url or file_path is required")
)

// Config holds credentials and transport settings.
type Config struct {
	AppID     string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
	// RateLimit is the sustained request rate per second. Zero disables it.
	RateLimit float64
	Burst     int
}

// APIError describes a call that did not produce a decodable backend body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("aippt %s: %v", e.Endpoint, e.Err)
	case e.Body != "":
		return fmt.Sprintf("aippt %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("aippt %s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Response is the common envelope of every backend reply. Raw keeps the body
// exactly as received so callers can relay it without reordering keys.
type Response struct {
	Code int             `json:"code"`
	Desc string          `json:"desc"`
	Flag bool            `json:"flag"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// OK reports whether the backend accepted the call.
func (r *Response) OK() bool { return r.Code == 0 }

// Client calls the backend. It is safe for concurrent use.
type Client struct {
	appID   string
	secret  string
	baseURL string

	http       *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	newBackOff func() backoff.BackOff

	cache    storage.Storage
	cacheTTL time.Duration

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache caches template listings in s for ttl.
func WithCache(s storage.Storage, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = s
		c.cacheTTL = ttl
	}
}

// WithMetrics records backend call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetry sets how many times idempotent calls are retried and the backoff
// policy between attempts.
func WithRetry(maxRetries uint64, newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// WithClock overrides the time source used for request signing.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AppID == "" || cfg.APISecret == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		appID:      cfg.AppID,
		secret:     cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = cfg.Timeout
			return b
		},
		log: slog.Default(),
		now: time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Sign computes the request signature for appID at the given unix timestamp:
// base64(HMAC-SHA1(secret, hex(MD5(appID + timestamp)))).
func Sign(appID, secret string, timestamp int64) string {
	sum := md5.Sum([]byte(appID + strconv.FormatInt(timestamp, 10)))
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) sign(req *http.Request) {
	ts := c.now().Unix()
	req.Header.Set("appId", c.appID)
	req.Header.Set("timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("signature", Sign(c.appID, c.secret, ts))
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// get issues a signed GET, retrying transport failures and 5xx replies.
func (c *Client) get(ctx context.Context, path string, query url.Values) (*Response, error) {
	u := c.endpoint(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var out *Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(&APIError{Endpoint: path, Err: err})
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		res, err := c.send(req, path)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode > 0 && apiErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.log.WarnContext(ctx, "aippt.get.retry", slog.String("endpoint", path), slog.String("err", err.Error()))
			return err
		}
		out = res
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

// postForm issues a signed multipart POST. Task-creating calls are not
// idempotent so they are never retried.
func (c *Client) postForm(ctx context.Context, path string, form *multipartForm) (*Response, error) {
	body, contentType, err := form.encode()
	if err != nil {
		return nil, &APIError{Endpoint: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Endpoint: path, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) (*Response, error) {
	ctx := req.Context()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.BackendRequest(path, "rate_limited")
			return nil, &APIError{Endpoint: path, Err: err}
		}
	}
	c.sign(req)

	start := c.now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.BackendRequest(path, "transport_error")
		return nil, &APIError{Endpoint: path, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		c.metrics.BackendRequest(path, "transport_error")
		return nil, &APIError{Endpoint: path, StatusCode: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.metrics.BackendRequest(path, "http_"+strconv.Itoa(res.StatusCode))
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &APIError{Endpoint: path, StatusCode: res.StatusCode, Body: string(raw)}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		c.metrics.BackendRequest(path, "decode_error")
		return nil, &APIError{Endpoint: path, StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	out.Raw = json.RawMessage(raw)

	outcome := "ok"
	if !out.OK() {
		outcome = "backend_error"
	}
	c.metrics.BackendRequest(path, outcome)
	c.log.DebugContext(ctx, "aippt.call",
		slog.String("endpoint", path),
		slog.Int("code", out.Code),
		slog.Duration("duration", c.now().Sub(start)),
	)
	return &out, nil
}
