package comm

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeChunk bounds a single write so a large message is written piecewise.
const writeChunk = 1024

// Sender is the outbound side of a connection as seen by the dispatcher.
type Sender interface {
	ID() string
	Client() string
	Send(v any) error
}

// Registration is the dispatcher's per-connection handle.
type Registration interface {
	Handle(ctx context.Context, msg []byte)
	Unregister()
}

// Dispatcher binds inbound messages of a connection to its handlers.
type Dispatcher interface {
	Register(s Sender) (Registration, error)
}

// Connection is one established websocket client.
//
// slot has capacity one: a sender owns it from Send until writeLoop has
// written the whole message, which keeps at most one message in flight and
// preserves Send order.
type Connection struct {
	id        string
	client    string
	ws        *websocket.Conn
	log       *zap.Logger
	txTimeout time.Duration
	maxRx     int

	mu           sync.Mutex
	valid        bool
	bytesWritten int
	reg          Registration

	slot     chan struct{}
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	onClose  func(*Connection)
}

func newConnection(ws *websocket.Conn, client string, cfg Config, log *zap.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:        id,
		client:    client,
		ws:        ws,
		log:       log.With(zap.String("conn", id)),
		txTimeout: cfg.TxTimeout,
		maxRx:     cfg.MaxPayload,
		slot:      make(chan struct{}, 1),
		outbound:  make(chan []byte, 1),
		done:      make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Client is the authenticated client name, empty when auth is off.
func (c *Connection) Client() string { return c.client }

// Valid reports whether the connection is established and not yet closed.
func (c *Connection) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send queues v as one text message. It waits up to the tx timeout for the
// previous message to be fully written and returns once v owns the slot.
// []byte and json.RawMessage are sent as is, anything else is JSON encoded.
func (c *Connection) Send(v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	timer := time.NewTimer(c.txTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.slot <- struct{}{}:
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		c.log.Warn("send timed out waiting for previous message", zap.Duration("timeout", c.txTimeout))
		return ErrSendTimeout
	}
	c.mu.Lock()
	if !c.valid {
		c.mu.Unlock()
		<-c.slot
		return ErrClosed
	}
	c.bytesWritten = 0
	c.outbound <- data
	c.mu.Unlock()
	return nil
}

// Close tears the connection down and wakes every pending Send.
func (c *Connection) Close() error {
	c.close(nil)
	return nil
}

func (c *Connection) close(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.valid = false
		close(c.done)
		select {
		case <-c.outbound:
		default:
		}
		reg := c.reg
		c.mu.Unlock()

		_ = c.ws.Close()
		if reg != nil {
			reg.Unregister()
		}
		if cause != nil {
			c.log.Debug("connection closed", zap.Error(cause))
		} else {
			c.log.Debug("connection closed")
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// writeLoop drains the pending message with resumable partial writes.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			err := c.write(data)
			<-c.slot
			if err != nil {
				c.log.Error("write failed, message abandoned", zap.Int("len", len(data)), zap.Error(err))
				c.close(err)
				return
			}
		}
	}
}

func (c *Connection) write(data []byte) error {
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		c.abandon(len(data))
		return err
	}
	for {
		c.mu.Lock()
		off := c.bytesWritten
		c.mu.Unlock()
		if off >= len(data) {
			break
		}
		end := off + writeChunk
		if end > len(data) {
			end = len(data)
		}
		n, err := w.Write(data[off:end])
		c.mu.Lock()
		c.bytesWritten += n
		c.mu.Unlock()
		if err != nil {
			_ = w.Close()
			c.abandon(len(data))
			return err
		}
	}
	if err := w.Close(); err != nil {
		c.abandon(len(data))
		return err
	}
	return nil
}

func (c *Connection) abandon(n int) {
	c.mu.Lock()
	c.bytesWritten = n
	c.mu.Unlock()
}

// readLoop hands every inbound text message to the registration. A message
// larger than the payload limit is drained and dropped; the connection stays up.
func (c *Connection) readLoop(ctx context.Context) {
	defer c.close(nil)
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		// gorilla joins continuation frames, so fragments are only seen as total size
		data, err := io.ReadAll(io.LimitReader(r, int64(c.maxRx)+1))
		if err != nil {
			c.log.Debug("read failed", zap.Error(err))
			return
		}
		if len(data) > c.maxRx {
			n, _ := io.Copy(io.Discard, r)
			c.log.Error("rx overflow, message dropped", zap.Int64("len", int64(len(data))+n), zap.Int("max", c.maxRx))
			continue
		}
		if mt != websocket.TextMessage {
			c.log.Warn("non-text message dropped", zap.Int("type", mt))
			continue
		}
		c.mu.Lock()
		reg := c.reg
		c.mu.Unlock()
		if reg != nil {
			reg.Handle(ctx, data)
		}
	}
}

func encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case string:
		return []byte(m), nil
	}
	return json.Marshal(v)
}
