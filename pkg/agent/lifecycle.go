package agent

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/comm"
)

// Lifecycle decides when the agent quits on its own: when no client connects
// within the connect timeout, or when the client goes away and
// exitOnDisconnect is set.
type Lifecycle struct {
	connectTimeout   time.Duration
	exitOnDisconnect bool
	log              *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	reason string
	quit   chan struct{}
	once   sync.Once
}

func NewLifecycle(connectTimeout time.Duration, exitOnDisconnect bool, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		connectTimeout:   connectTimeout,
		exitOnDisconnect: exitOnDisconnect,
		log:              log,
		quit:             make(chan struct{}),
	}
}

// Start arms the connect timer. A zero timeout waits forever.
func (l *Lifecycle) Start() {
	if l.connectTimeout <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.connectTimeout, func() {
		l.Quit("no client connected within " + l.connectTimeout.String())
	})
}

// Connected cancels the connect timer. Later reconnects are not timed.
func (l *Lifecycle) Connected(id string) {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	l.log.Debug("client established", zap.String("conn", id))
}

func (l *Lifecycle) Disconnected(id string) {
	if l.exitOnDisconnect {
		l.Quit("client " + id + " disconnected")
	}
}

// Quit requests shutdown. Only the first reason is kept.
func (l *Lifecycle) Quit(reason string) {
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		l.log.Info("quit requested", zap.String("reason", reason))
		close(l.quit)
	})
}

func (l *Lifecycle) Done() <-chan struct{} { return l.quit }

func (l *Lifecycle) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Hooks binds the lifecycle to the websocket server.
func (l *Lifecycle) Hooks() comm.Hooks {
	return comm.Hooks{OnConnected: l.Connected, OnDisconnected: l.Disconnected}
}
