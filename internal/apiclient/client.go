package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoTicket = errors.New("apiclient: no ticket in response")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: %s %s: status %d", e.Method, e.Path, e.Status)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client talks to the same-origin BFF (and, for the history fallback, to
// the backend directly).
type Client struct {
	BaseURL    string
	BackendURL string
	HTTP       *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTP = hc
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackendOrigin sets the origin used by DirectMessages.
func WithBackendOrigin(origin string) Option {
	return func(c *Client) { c.BackendURL = strings.TrimSuffix(origin, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTP.Timeout = d
		}
	}
}

// WithSessionCookies installs the accessToken/refreshToken cookies for
// BaseURL, which is how a browser authenticates against the BFF.
func WithSessionCookies(access, refresh string) Option {
	return func(c *Client) {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return
		}
		if c.HTTP.Jar == nil {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return
			}
			c.HTTP.Jar = jar
		}
		var cookies []*http.Cookie
		if access != "" {
			cookies = append(cookies, &http.Cookie{Name: AccessTokenCookie, Value: access, Path: "/"})
		}
		if refresh != "" {
			cookies = append(cookies, &http.Cookie{Name: RefreshTokenCookie, Value: refresh, Path: "/"})
		}
		c.HTTP.Jar.SetCookies(u, cookies)
	}
}

const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.BackendURL == "" {
		c.BackendURL = c.BaseURL
	}
	return c
}

// Do issues a request against BaseURL and returns the raw response. The
// caller owns the body. Non-2xx statuses are not treated as errors here.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	return c.do(ctx, c.BaseURL, method, path, body, header)
}

func (c *Client) do(ctx context.Context, origin, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	if c.HTTP == nil {
		return nil, errors.New("apiclient: http client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, method, origin+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("cost", time.Since(start)),
	)
	return resp, nil
}

// call performs a JSON round trip. out may be nil.
func (c *Client) call(ctx context.Context, origin, method, path string, in, out any, header http.Header) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, origin, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
