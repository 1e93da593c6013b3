// Package client talks to the relay over HTTP and its websocket feed. A
// Client provides the message store, key directory and change feed that a
// session runs on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/pliu/sealedchat/internal/auth"
	"github.com/pliu/sealedchat/internal/log"
)

const maxErrorBody = 4096

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithCookie restores a session cookie saved by an earlier Login.
func WithCookie(cookie string) Option {
	return func(c *Client) {
		c.cookie = cookie
	}
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger

	mu     sync.RWMutex
	cookie string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.Discard().GetLogger("client")
	}
	return c
}

// Cookie returns the current session cookie value.
func (c *Client) Cookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

func (c *Client) setCookie(v string) {
	c.mu.Lock()
	c.cookie = v
	c.mu.Unlock()
}

func (c *Client) sessionCookie() *http.Cookie {
	v := c.Cookie()
	if v == "" {
		return nil
	}
	return &http.Cookie{Name: auth.CookieName, Value: v}
}

// do sends body as JSON and decodes a JSON response into out. out may be
// nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := c.sessionCookie(); cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("client: decode %s %s: %w", method, path, err)
		}
	}
	return resp, nil
}
