// Package relay bridges the event bus to WebSocket clients. Each connection
// receives every bus event and may send subscribe and tool messages.
package relay

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultSendQueue    = 64
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultReadLimit    = 64 << 10
)

// Subscriber is the part of the event bus the relay needs.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (unsubscribe func())
}

// Config tunes a Relay. Zero fields take the defaults above.
type Config struct {
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// Stats is a snapshot of relay counters.
type Stats struct {
	Active        int64 `json:"active_connections"`
	Accepted      int64 `json:"accepted_connections"`
	FramesSent    int64 `json:"frames_sent"`
	FramesDropped int64 `json:"frames_dropped"`
}

// Relay accepts WebSocket connections and forwards bus events to them.
type Relay struct {
	bus      Subscriber
	tools    ToolExecutor
	sessions *session.Store
	logger   logging.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool

	active   atomic.Int64
	accepted atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

// New creates a relay. tools and sessions may be nil.
func New(bus Subscriber, tools ToolExecutor, sessions *session.Store, logger logging.Logger, cfg Config) *Relay {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if tools == nil {
		tools = NewTools()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Relay{
		bus:      bus,
		tools:    tools,
		sessions: sessions,
		logger:   logger.With(zap.String("component", "relay")),
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		conns:    make(map[string]*conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away or the relay is closed.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(r, ws, uuid.New().String(), req.RemoteAddr)
	if !r.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer r.unregister(c)

	c.serve(req.Context())
}

func (r *Relay) register(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c.id] = c
	r.active.Add(1)
	r.accepted.Add(1)
	return true
}

func (r *Relay) unregister(c *conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
	r.active.Add(-1)
}

// Close disconnects every client and rejects new ones.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Shutdown closes the relay and waits for connections to drain until ctx is done.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Close()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.active.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Relay) Stats() Stats {
	return Stats{
		Active:        r.active.Load(),
		Accepted:      r.accepted.Load(),
		FramesSent:    r.sent.Load(),
		FramesDropped: r.dropped.Load(),
	}
}
