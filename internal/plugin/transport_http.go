package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kotonelabs/kotone/internal/ability"
)

// HTTPTransport speaks JSON-RPC 2.0 by POSTing each message to the plugin's
// <base>/rpc endpoint. Any HTTP 2xx counts as RPC delivery regardless of
// whether the body carries a result or an error object.
//
// HTTP plugins have no back-channel, so Notifications never yields; the
// channel exists only so the supervisor's pump can treat both transports
// uniformly.
type HTTPTransport struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration

	nextID    atomic.Int64
	connected atomic.Bool
	closeOnce sync.Once
	notifs    chan Notification
}

// HTTPConfig configures an [HTTPTransport].
type HTTPConfig struct {
	// Name labels error messages (the plugin name).
	Name string

	// BaseURL is the plugin's base URL; "/rpc" is appended.
	BaseURL string

	// Timeout bounds one Call round trip. Zero means 30s.
	Timeout time.Duration

	// Client overrides the HTTP client (tests). Nil means a default client.
	Client *http.Client
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		name:    cfg.Name,
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/rpc",
		client:  client,
		timeout: timeout,
		notifs:  make(chan Notification),
	}
}

// Start marks the transport usable. The endpoint is not probed here; the
// supervisor's initialize call is the connectivity check.
func (t *HTTPTransport) Start(_ context.Context) error {
	t.connected.Store(true)
	return nil
}

// Call POSTs the request and decodes the response body.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("plugin %s: %w", t.name, ability.ErrNotReady)
	}

	req, err := newRequest(t.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: marshal request: %w", t.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("plugin %s: build request: %w", t.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("plugin %s: %s after %v: %w", t.name, method, t.timeout, ability.ErrTimeout)
		}
		return nil, fmt.Errorf("plugin %s: %s: %w", t.name, method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("plugin %s: %s: unexpected status %d", t.name, method, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: read response: %w", t.name, err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("plugin %s: parse response: %w", t.name, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify POSTs a notification; the response body is discarded.
func (t *HTTPTransport) Notify(method string, params any) error {
	notif := Notification{JSONRPC: jsonRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("plugin %s: marshal %s params: %w", t.name, method, err)
		}
		notif.Params = raw
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("plugin %s: %s: %w", t.name, method, err)
	}
	resp.Body.Close()
	return nil
}

// Notifications implements [Transport].
func (t *HTTPTransport) Notifications() <-chan Notification { return t.notifs }

// Connected implements [Transport].
func (t *HTTPTransport) Connected() bool { return t.connected.Load() }

// Close implements [Transport].
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	t.closeOnce.Do(func() { close(t.notifs) })
	return nil
}
