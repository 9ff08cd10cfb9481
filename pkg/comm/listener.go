package comm

import (
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// admitListener refuses TCP connections while another one is open, so a
// second client never reaches the websocket handshake.
type admitListener struct {
	net.Listener
	open *atomic.Int32
	log  *zap.Logger
}

func (l *admitListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.open.CompareAndSwap(0, 1) {
			l.log.Info("connection refused: client already connected", zap.String("remote", c.RemoteAddr().String()))
			_ = c.Close()
			continue
		}
		return &admittedConn{Conn: c, open: l.open}, nil
	}
}

// admittedConn releases the admission slot on its first Close.
type admittedConn struct {
	net.Conn
	open *atomic.Int32
	once sync.Once
}

func (c *admittedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.open.Add(-1) })
	return err
}
