// Package client talks to a running agent over its websocket RPC channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hwselftest/pkg/rpc"
)

var (
	ErrClosed = errors.New("connection closed")
	// ErrNotStarted wraps the agent's message when a call created no instance.
	ErrNotStarted = errors.New("instance not started")
)

// Completion is the eod notification of one instance.
type Completion struct {
	Diag      string          `json:"diag"`
	Status    int             `json:"status"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client keeps one websocket connection to the agent. Calls may be issued
// concurrently.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	seq     int64
	pending map[string]chan rpc.Response
	waiters map[string]chan Completion
	early   map[string]Completion
	err     error
	done    chan struct{}
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Endpoint turns an address, http URL or ws URL into a ws URL.
func Endpoint(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Dial connects to addr, presenting token as a bearer token when set.
func Dial(ctx context.Context, addr, token string, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(addr)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := *websocket.DefaultDialer
	dialer.EnableCompression = true
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c := &Client{
		conn:    conn,
		log:     zap.NewNop(),
		pending: map[string]chan rpc.Response{},
		waiters: map[string]chan Completion{},
		early:   map[string]Completion{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log.Debug("connected", zap.String("url", endpoint))
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed when the connection is lost.
func (c *Client) Done() <-chan struct{} { return c.done }

type inbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpc.Error      `json:"error"`
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("unparseable message", zap.Error(err))
			continue
		}
		if msg.Method == rpc.MethodEOD {
			var done Completion
			if err := json.Unmarshal(msg.Params, &done); err != nil {
				c.log.Warn("bad eod", zap.Error(err))
				continue
			}
			c.complete(done)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if !ok {
			c.log.Debug("unsolicited message", zap.String("method", msg.Method), zap.ByteString("id", msg.ID))
			continue
		}
		ch <- rpc.Response{JSONRPC: rpc.Version, Result: msg.Result, Error: msg.Error, ID: msg.ID}
	}
}

func (c *Client) complete(done Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[done.Diag]; ok {
		delete(c.waiters, done.Diag)
		ch <- done
		return
	}
	c.early[done.Diag] = done
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.done)
	c.log.Debug("disconnected", zap.Error(c.err))
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Call sends a request and waits for its response. JSON-RPC errors are
// returned as *rpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.seq++
	id := strconv.FormatInt(c.seq, 10)
	ch := make(chan rpc.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpc.Request{JSONRPC: rpc.Version, Method: method, ID: json.RawMessage(id)}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = p
	}
	if err := c.write(req); err != nil {
		c.forget(id)
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		raw, _ := resp.Result.(json.RawMessage)
		return raw, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Start calls method and returns the id of the instance it created.
func (c *Client) Start(ctx context.Context, method string, params any) (string, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var res rpc.InstanceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if res.Diag == nil {
		return "", fmt.Errorf("%w: %s", ErrNotStarted, res.Message)
	}
	return *res.Diag, nil
}

// Wait blocks until the eod of instance ref arrives.
func (c *Client) Wait(ctx context.Context, ref string) (Completion, error) {
	c.mu.Lock()
	if done, ok := c.early[ref]; ok {
		delete(c.early, ref)
		c.mu.Unlock()
		return done, nil
	}
	ch := make(chan Completion, 1)
	c.waiters[ref] = ch
	c.mu.Unlock()

	select {
	case done := <-ch:
		return done, nil
	case <-c.done:
		return Completion{}, ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, ref)
		c.mu.Unlock()
		return Completion{}, ctx.Err()
	}
}

// Execute starts method and waits for its completion. A cancelled ctx asks
// the agent to break the instance.
func (c *Client) Execute(ctx context.Context, method string, params any) (Completion, error) {
	ref, err := c.Start(ctx, method, params)
	if err != nil {
		return Completion{}, err
	}
	done, err := c.Wait(ctx, ref)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if berr := c.Break(ref); berr != nil {
			c.log.Warn("break not sent", zap.String("diag", ref), zap.Error(berr))
		}
	}
	return done, err
}

// Notify sends a notification; the agent never answers it.
func (c *Client) Notify(method string, params any) error {
	return c.write(rpc.Notification{JSONRPC: rpc.Version, Method: method, Params: params, ID: json.RawMessage("null")})
}

func (c *Client) Break(ref string) error {
	return c.Notify(rpc.MethodDiag, rpc.DiagParams{Break: ref})
}

func (c *Client) Log(message string) error {
	return c.Notify(rpc.MethodLog, rpc.LogParams{Message: message})
}

// TestRun opens (state "start") or closes (state "finish") an external run.
func (c *Client) TestRun(state, client string) error {
	return c.Notify(rpc.MethodTestRun, rpc.TestRunParams{State: state, Client: client})
}
