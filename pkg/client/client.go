// Package client calls a shardlimit server over HTTP and predicts its
// decisions locally.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// StatusError is a failure answered by the server that maps to no
// sentinel in package limit.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shardlimit: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

type Client struct {
	base string
	hc   *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// NewTransport is tuned for many short calls to a single server.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		hc:   &http.Client{Transport: NewTransport(), Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check evaluates a request on the server without consuming anything.
func (c *Client) Check(ctx context.Context, name string, args limit.Args) (limit.Decision, error) {
	var dec limit.Decision
	err := c.call(ctx, http.MethodPost, "/v1/check", limit.LimitRequest{Name: name, Args: args}, &dec)
	return dec, err
}

// Limit consumes from the named limit. With args.Throws a rejection is
// returned as a *limit.RateLimitedError.
func (c *Client) Limit(ctx context.Context, name string, args limit.Args) (limit.Decision, error) {
	var dec limit.Decision
	err := c.call(ctx, http.MethodPost, "/v1/limit", limit.LimitRequest{Name: name, Args: args}, &dec)
	return dec, err
}

func (c *Client) GetValue(ctx context.Context, name string, args limit.ValueArgs) (limit.Snapshot, error) {
	var snap limit.Snapshot
	err := c.call(ctx, http.MethodPost, "/v1/value", limit.ValueRequest{Name: name, ValueArgs: args}, &snap)
	return snap, err
}

func (c *Client) Reset(ctx context.Context, name, key string) error {
	return c.call(ctx, http.MethodPost, "/v1/reset", limit.ResetRequest{Name: name, Key: key}, nil)
}

// ClearAll asks the server to garbage collect records created at or
// before before, or all records when before is nil.
func (c *Client) ClearAll(ctx context.Context, before *int64) error {
	return c.call(ctx, http.MethodPost, "/v1/clear", limit.ClearRequest{Before: before}, nil)
}

// ServerTime returns the server clock in ms since the epoch.
func (c *Client) ServerTime(ctx context.Context) (float64, error) {
	var tr limit.TimeResponse
	err := c.call(ctx, http.MethodGet, "/v1/time", nil, &tr)
	return tr.Now, err
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shardlimit: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er limit.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Code: "unknown", Message: resp.Status}
	}
	e := er.Error
	switch e.Code {
	case limit.CodeRateLimited:
		return &limit.RateLimitedError{Name: e.Name, RetryAfter: e.RetryAfter}
	case limit.CodeConfigNotFound:
		return wrap(limit.ErrConfigNotFound, e.Message)
	case limit.CodeInvalidConfig:
		return wrap(limit.ErrInvalidConfig, e.Message)
	case limit.CodeInvalidArgument:
		return wrap(limit.ErrInvalidArgument, e.Message)
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Message}
}

// wrap rebuilds a server error around the local sentinel.
func wrap(sentinel error, msg string) error {
	msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	return fmt.Errorf("%w: %s", sentinel, msg)
}
