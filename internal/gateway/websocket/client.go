package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/orchestrator/subscriptions"
	"github.com/colloquy/colloquy/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	handler *Handler
	send    chan []byte
	logger  *logger.Logger

	mu   sync.Mutex
	subs map[uint64]*subscriptions.Subscription
	wg   sync.WaitGroup
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, handler *Handler, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		handler: handler,
		send:    make(chan []byte, 256),
		subs:    make(map[uint64]*subscriptions.Subscription),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.closeSubscriptions()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			c.enqueueResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON"))
			continue
		}
		if req.JSONRPC != jsonrpc.Version || req.Method == "" {
			c.enqueueResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest, "malformed request"))
			continue
		}

		if resp := c.handler.dispatch(ctx, c, &req); resp != nil && !req.IsNotification() {
			c.enqueueResponse(resp)
		}
	}
}

// WritePump pumps queued frames to the connection and keeps it alive.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueueResponse(resp *jsonrpc.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// enqueueNotification reports false only when the send buffer is full, so
// subscription forwarders can tear down rather than stream with gaps.
func (c *Client) enqueueNotification(method string, params interface{}) bool {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.logger.Error("failed to build notification", zap.Error(err))
		return true
	}
	frame, err := json.Marshal(note)
	if err != nil {
		c.logger.Error("failed to marshal notification", zap.Error(err))
		return true
	}
	return c.enqueue(frame)
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full; dropping frame")
		return false
	}
}

// addSubscription registers a live subscription and starts its forwarder.
func (c *Client) addSubscription(sub *subscriptions.Subscription, method string, render func(interface{}) interface{}) {
	c.mu.Lock()
	c.subs[sub.ID()] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for evt := range sub.Events {
			params := render(evt)
			if params == nil {
				continue
			}
			if !c.enqueueNotification(method, params) {
				// The connection cannot keep up. Ending the subscription
				// is an observable signal; a silently skipped frame would
				// leave the peer with a gap it cannot detect.
				c.logger.Warn("send buffer full; closing subscription",
					zap.Uint64("subscription_id", sub.ID()))
				c.removeSubscription(sub.ID())
				return
			}
		}
	}()
}

// removeSubscription closes one subscription by id.
func (c *Client) removeSubscription(id uint64) bool {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

func (c *Client) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*subscriptions.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[uint64]*subscriptions.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	c.wg.Wait()
}
