package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder is a Dispatcher that keeps every sender and message it sees.
type recorder struct {
	mu       sync.Mutex
	senders  []Sender
	msgs     [][]byte
	failReg  bool
	unreg    atomic.Int32
	received chan []byte
}

func newRecorder() *recorder { return &recorder{received: make(chan []byte, 16)} }

func (r *recorder) Register(s Sender) (Registration, error) {
	if r.failReg {
		return nil, errors.New("no slots")
	}
	r.mu.Lock()
	r.senders = append(r.senders, s)
	r.mu.Unlock()
	return &recReg{r: r}, nil
}

func (r *recorder) last() Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.senders) == 0 {
		return nil
	}
	return r.senders[len(r.senders)-1]
}

type recReg struct{ r *recorder }

func (g *recReg) Handle(_ context.Context, msg []byte) {
	g.r.mu.Lock()
	g.r.msgs = append(g.r.msgs, msg)
	g.r.mu.Unlock()
	g.r.received <- msg
}

func (g *recReg) Unregister() { g.r.unreg.Add(1) }

type fixture struct {
	srv    *Server
	rec    *recorder
	url    string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	rec := newRecorder()
	return startWith(t, cfg, rec, opts...)
}

func startWith(t *testing.T, cfg Config, rec *recorder, opts ...Option) *fixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	srv := NewServer(cfg, rec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	f := &fixture{srv: srv, rec: rec, url: "ws://" + srv.Addr().String() + "/", cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitSender(t *testing.T, f *fixture) *Connection {
	t.Helper()
	var c *Connection
	require.Eventually(t, func() bool {
		c = f.srv.Current()
		return c != nil && c.Valid()
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "127.0.0.1:8003", cfg.Addr())
}

func TestPlainRequestReleasesAdmission(t *testing.T) {
	f := start(t, Config{})
	raw, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("GET / HTTP/1.1\r\nHost: box\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, resp.Close)

	// the agent hangs up instead of keeping the socket alive
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	var cli *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			return false
		}
		cli = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer cli.Close()
	assert.NotNil(t, waitSender(t, f))
}

func TestRoundTrip(t *testing.T) {
	f := start(t, Config{TxTimeout: time.Second})
	cli := f.dial(t)
	conn := waitSender(t, f)
	assert.NotEmpty(t, conn.ID())

	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"capabilities","id":1}`)))
	select {
	case msg := <-f.rec.received:
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"capabilities","id":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	require.NoError(t, f.srv.Send(map[string]any{"jsonrpc": "2.0", "result": "ok", "id": 1}))
	_, data, err := cli.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":"ok","id":1}`, string(data))
}

func TestSecondConnectionRefused(t *testing.T) {
	f := start(t, Config{TxTimeout: time.Second})
	first := f.dial(t)
	conn := waitSender(t, f)

	for i := 0; i < 3; i++ {
		_, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		assert.Error(t, err)
	}

	assert.Same(t, conn, f.srv.Current())
	assert.True(t, conn.Valid())
	require.NoError(t, conn.Send("still here"))
	_, data, err := first.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "still here", string(data))
}

func TestReconnectAfterClose(t *testing.T) {
	var connected, disconnected atomic.Int32
	f := start(t, Config{TxTimeout: time.Second}, WithHooks(Hooks{
		OnConnected:    func(string) { connected.Add(1) },
		OnDisconnected: func(string) { disconnected.Add(1) },
	}))
	first := f.dial(t)
	waitSender(t, f)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.rec.unreg.Load())
	assert.Nil(t, f.srv.Current())
	assert.ErrorIs(t, f.srv.Send("x"), ErrNoConnection)

	var second *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			return false
		}
		second = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer second.Close()
	waitSender(t, f)
	assert.Equal(t, int32(2), connected.Load())
}

func TestRegistrationFailureClosesConnection(t *testing.T) {
	rec := newRecorder()
	rec.failReg = true
	var connected atomic.Int32
	f := startWith(t, Config{TxTimeout: time.Second}, rec, WithHooks(Hooks{OnConnected: func(string) { connected.Add(1) }}))
	cli := f.dial(t)
	_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := cli.ReadMessage()
	assert.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection should be closed, not idle")
	assert.Zero(t, connected.Load())
	assert.Nil(t, f.srv.Current())
}

func TestOversizedMessageDroppedConnectionKept(t *testing.T) {
	f := start(t, Config{MaxPayload: 64, TxTimeout: time.Second})
	cli := f.dial(t)
	waitSender(t, f)

	require.NoError(t, cli.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 65)))
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte("small")))
	select {
	case msg := <-f.rec.received:
		assert.Equal(t, "small", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive overflow")
	}
	f.rec.mu.Lock()
	assert.Len(t, f.rec.msgs, 1)
	f.rec.mu.Unlock()

	exact := strings.Repeat("y", 64)
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(exact)))
	assert.Equal(t, exact, string(<-f.rec.received))
}

// bigPayload is larger than the loopback socket buffers, so writing it blocks
// until the client reads.
var bigPayload = bytes.Repeat([]byte("z"), 16<<20)

func TestSingleMessageInFlight(t *testing.T) {
	f := start(t, Config{TxTimeout: 200 * time.Millisecond})
	cli := f.dial(t)
	conn := waitSender(t, f)

	require.NoError(t, conn.Send(bigPayload))
	err := conn.Send("second")
	assert.ErrorIs(t, err, ErrSendTimeout)

	_, data, err := cli.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, len(bigPayload), len(data))

	// slot frees once the first message is fully written
	require.Eventually(t, func() bool { return conn.Send("third") == nil }, 2*time.Second, 10*time.Millisecond)
	_, data, err = cli.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "third", string(data))
}

func TestSendsDeliveredInOrder(t *testing.T) {
	f := start(t, Config{TxTimeout: 2 * time.Second})
	cli := f.dial(t)
	conn := waitSender(t, f)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = conn.Send(map[string]int{"seq": i})
		}
	}()
	for i := 0; i < n; i++ {
		var m map[string]int
		require.NoError(t, cli.ReadJSON(&m))
		assert.Equal(t, i, m["seq"])
	}
}

func TestCloseWakesPendingSenders(t *testing.T) {
	f := start(t, Config{TxTimeout: 10 * time.Second})
	cli := f.dial(t)
	conn := waitSender(t, f)

	require.NoError(t, conn.Send(bigPayload))
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- conn.Send("blocked") }()
	}
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, cli.Close())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("pending send not woken by close")
		}
	}
	assert.False(t, conn.Valid())
	assert.ErrorIs(t, conn.Send("late"), ErrClosed)
}

type staticAuth struct{ token string }

func (a staticAuth) Authenticate(r *http.Request) (string, error) {
	if r.URL.Query().Get("token") != a.token {
		return "", errors.New("bad token")
	}
	return "ui", nil
}

func TestAuthenticator(t *testing.T) {
	f := start(t, Config{TxTimeout: time.Second}, WithAuthenticator(staticAuth{token: "s3cret"}))

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var c *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err = websocket.DefaultDialer.Dial(f.url+"?token=s3cret", nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer c.Close()
	conn := waitSender(t, f)
	assert.Equal(t, "ui", conn.Client())
}

func TestShutdownClosesClient(t *testing.T) {
	f := start(t, Config{TxTimeout: time.Second})
	cli := f.dial(t)
	waitSender(t, f)
	f.cancel()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
		f.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := cli.ReadMessage()
	assert.Error(t, err)
}
