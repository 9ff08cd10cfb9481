package comm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator validates the upgrade request and names the client.
type Authenticator interface {
	Authenticate(r *http.Request) (client string, err error)
}

// Hooks are called outside of any transport lock.
type Hooks struct {
	OnConnected    func(id string)
	OnDisconnected func(id string)
}

// Server accepts at most one websocket client and relays its messages to a
// Dispatcher.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	hooks      Hooks
	auth       Authenticator
	log        *zap.Logger
	upgrader   websocket.Upgrader

	open atomic.Int32

	mu      sync.Mutex
	current *Connection
	addr    net.Addr
	ready   chan struct{}
}

// idleTimeout bounds a non-upgraded connection between requests.
const idleTimeout = 5 * time.Second

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// WithAuthenticator requires every upgrade request to pass a.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

func NewServer(cfg Config, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg.withDefaults(),
		dispatcher: d,
		log:        zap.NewNop(),
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		EnableCompression: true,
		CheckOrigin:       func(r *http.Request) bool { return true },
	}
	return s
}

// ListenAndServe binds cfg.Addr() and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the websocket endpoint on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	// an idle keep-alive socket would otherwise hold the admission slot
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       idleTimeout,
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = hs.Close()
		s.closeCurrent()
	}()

	s.log.Info("websocket server listening", zap.String("addr", ln.Addr().String()), zap.Int("max_payload", s.cfg.MaxPayload), zap.Duration("tx_timeout", s.cfg.TxTimeout))
	err := hs.Serve(&admitListener{Listener: ln, open: &s.open, log: s.log})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until Serve has bound its listener.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Current returns the established connection, if any.
func (s *Server) Current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Send delivers v to the current client.
func (s *Server) Send(v any) error {
	c := s.Current()
	if c == nil {
		return ErrNoConnection
	}
	return c.Send(v)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var client string
	if s.auth != nil {
		name, err := s.auth.Authenticate(r)
		if err != nil {
			s.log.Warn("websocket auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			w.Header().Set("Connection", "close")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		client = name
	}
	// only answered when the upgrade fails; a hijacked socket ignores it
	w.Header().Set("Connection", "close")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConnection(ws, client, s.cfg, s.log)
	if !s.establish(c) {
		return
	}
	go c.writeLoop()
	c.readLoop(r.Context())
}

// establish registers c with the dispatcher and marks it valid. On failure
// the socket is closed and c never becomes valid.
func (s *Server) establish(c *Connection) bool {
	reg, err := s.dispatcher.Register(c)
	if err != nil {
		s.log.Error("dispatcher registration failed", zap.String("conn", c.id), zap.Error(err))
		_ = c.ws.Close()
		return false
	}
	c.mu.Lock()
	c.reg = reg
	c.valid = true
	c.onClose = s.released
	c.mu.Unlock()

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	s.log.Info("client connected", zap.String("conn", c.id), zap.String("remote", c.ws.RemoteAddr().String()), zap.String("client", c.client))
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected(c.id)
	}
	return true
}

func (s *Server) released(c *Connection) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.String("conn", c.id))
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(c.id)
	}
}

func (s *Server) closeCurrent() {
	if c := s.Current(); c != nil {
		c.close(errors.New("server shutdown"))
	}
}
