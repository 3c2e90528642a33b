package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// connSession is the session payload stored for each connection.
type connSession struct {
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	Topics       []string  `json:"topics"`
}

type conn struct {
	relay  *Relay
	ws     *websocket.Conn
	id     string
	logger logging.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	topics  map[string]struct{}
	session connSession
}

func newConn(r *Relay, ws *websocket.Conn, id, remoteAddr string) *conn {
	return &conn{
		relay:  r,
		ws:     ws,
		id:     id,
		logger: r.logger.With(zap.String("connection_id", id)),
		send:   make(chan []byte, r.cfg.SendQueue),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
		session: connSession{
			ConnectionID: id,
			RemoteAddr:   remoteAddr,
			ConnectedAt:  time.Now().UTC(),
			Topics:       []string{},
		},
	}
}

// serve runs the connection: it subscribes to the bus, starts the writer and
// reads until the client disconnects.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	c.saveSession(ctx)
	unsubscribe := c.relay.bus.Subscribe(events.Wildcard, c.handleEvent)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.logger.Info("client connected", zap.String("remote_addr", c.session.RemoteAddr))
	err := c.readLoop(ctx)

	unsubscribe()
	c.close()
	wg.Wait()
	c.deleteSession(ctx)

	if err != nil {
		c.logger.Warn("client connection closed with error", zap.Error(err))
		return
	}
	c.logger.Info("client disconnected")
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) handleEvent(_ context.Context, ev events.Event) error {
	c.enqueue(Frame{Type: ev.Type, Data: ev})
	return nil
}

// enqueue never blocks: a frame that does not fit in the queue is dropped.
func (c *conn) enqueue(f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.relay.dropped.Add(1)
		c.logger.Warn("send queue full, dropping frame", zap.String("type", f.Type))
		return false
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	pongWait := 2 * c.relay.cfg.PingInterval
	c.ws.SetReadLimit(c.relay.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		op, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err) {
				return err
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if op != websocket.TextMessage {
			c.enqueue(errorFrame("only text messages are accepted"))
			continue
		}
		c.handleInbound(ctx, data)
	}
}

func (c *conn) handleInbound(ctx context.Context, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorFrame("malformed message: " + err.Error()))
		return
	}
	c.touchSession(ctx)

	switch msg.Type {
	case MsgSubscribe:
		if msg.Topic == "" {
			c.enqueue(errorFrame("subscribe requires a topic"))
			return
		}
		c.addTopic(ctx, msg.Topic)
		c.enqueue(Frame{Type: FrameSubscribed, Topic: msg.Topic})
	case MsgTool:
		if msg.Tool == "" {
			c.enqueue(errorFrame("tool requires a name"))
			return
		}
		result, err := c.relay.tools.Execute(ctx, msg.Tool, msg.Arguments)
		if err != nil {
			if !errors.Is(err, ErrUnknownTool) {
				c.logger.Warn("tool failed", zap.String("tool", msg.Tool), zap.Error(err))
			}
			c.enqueue(errorFrame(err.Error()))
			return
		}
		if result == nil {
			// tool_result always carries a result member.
			result = json.RawMessage("null")
		}
		c.enqueue(Frame{Type: FrameToolResult, Tool: msg.Tool, Result: result})
	default:
		c.enqueue(errorFrame("unknown message type: " + msg.Type))
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.relay.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	timeout := c.relay.cfg.WriteTimeout
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
			c.relay.sent.Add(1)
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(timeout))
			return
		}
	}
}

func (c *conn) addTopic(ctx context.Context, topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	c.session.Topics = topics
	c.mu.Unlock()
	c.saveSession(ctx)
}

func (c *conn) saveSession(ctx context.Context) {
	if c.relay.sessions == nil {
		return
	}
	c.mu.Lock()
	payload := c.session
	c.mu.Unlock()
	if err := c.relay.sessions.Set(ctx, c.id, payload); err != nil {
		c.logger.Warn("failed to store connection session", zap.Error(err))
	}
}

func (c *conn) touchSession(ctx context.Context) {
	if c.relay.sessions == nil {
		return
	}
	if _, err := c.relay.sessions.Touch(ctx, c.id, 0); err != nil {
		c.logger.Warn("failed to touch connection session", zap.Error(err))
	}
}

func (c *conn) deleteSession(ctx context.Context) {
	if c.relay.sessions == nil {
		return
	}
	if err := c.relay.sessions.Delete(ctx, c.id); err != nil {
		c.logger.Warn("failed to delete connection session", zap.Error(err))
	}
}
