package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// WSMessageType enumerates the frame types on the wire.
type WSMessageType string

const (
	WSRequest     WSMessageType = "request"
	WSUnsubscribe WSMessageType = "unsubscribe"
	WSResponse    WSMessageType = "response"
	WSUpdate      WSMessageType = "update"
	WSError       WSMessageType = "error"
	WSComplete    WSMessageType = "complete"
)

// WSMessage is the correlation-id envelope for both directions.
type WSMessage struct {
	ID      string          `json:"id"`
	Type    WSMessageType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsRequestPayload is the client request body.
type wsRequestPayload struct {
	Path   string         `json:"path"`
	Kind   Kind           `json:"kind"`
	Input  map[string]any `json:"input"`
	Select Select         `json:"select,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The rpc surface is same-process or trusted-LAN; origin policy is the
	// reverse proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSServer serves the bidirectional transport: requests, subscription
// updates, and client-initiated unsubscribes over one connection.
type WSServer struct {
	dispatcher *Dispatcher
	logger     *logger.Logger
}

// NewWSServer creates the websocket transport over a dispatcher.
func NewWSServer(d *Dispatcher, log *logger.Logger) *WSServer {
	return &WSServer{
		dispatcher: d,
		logger:     log.WithFields(zap.String("component", "rpc_ws")),
	}
}

// Register mounts the websocket endpoint on a gin router.
func (s *WSServer) Register(router gin.IRouter) {
	router.GET("/rpc/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serve(c.Request.Context(), conn)
	})
}

// wsConn is one client connection. All writes go through send; writePump is
// the only goroutine touching the socket for writes.
type wsConn struct {
	conn *websocket.Conn
	send chan WSMessage

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *WSServer) serve(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := &wsConn{
		conn: conn,
		send: make(chan WSMessage, 64),
		subs: make(map[string]context.CancelFunc),
	}
	go s.writePump(ctx, c)
	s.readPump(ctx, c)

	c.mu.Lock()
	for _, cancelSub := range c.subs {
		cancelSub()
	}
	c.mu.Unlock()
}

func (s *WSServer) readPump(ctx context.Context, c *wsConn) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case WSRequest:
			var req wsRequestPayload
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.sendError(msg.ID, ValidationError("invalid request payload: %v", err))
				continue
			}
			if req.Kind == KindSubscription {
				s.startSubscription(ctx, c, msg.ID, req)
			} else {
				go s.callAndRespond(ctx, c, msg.ID, req)
			}
		case WSUnsubscribe:
			c.mu.Lock()
			if cancelSub, ok := c.subs[msg.ID]; ok {
				cancelSub()
				delete(c.subs, msg.ID)
			}
			c.mu.Unlock()
		default:
			c.sendError(msg.ID, ValidationError("unsupported message type %q", msg.Type))
		}
	}
}

func (s *WSServer) callAndRespond(ctx context.Context, c *wsConn, id string, req wsRequestPayload) {
	out, err := s.dispatcher.Call(ctx, req.Path, req.Input, CallOptions{Select: req.Select})
	if err != nil {
		c.sendError(id, AsError(err))
		return
	}
	c.sendJSON(id, WSResponse, out)
}

func (s *WSServer) startSubscription(ctx context.Context, c *wsConn, id string, req wsRequestPayload) {
	subCtx, cancelSub := context.WithCancel(ctx)
	items, err := s.dispatcher.Subscribe(subCtx, req.Path, req.Input, CallOptions{Select: req.Select})
	if err != nil {
		cancelSub()
		c.sendError(id, AsError(err))
		return
	}

	c.mu.Lock()
	c.subs[id] = cancelSub
	c.mu.Unlock()

	go func() {
		defer func() {
			cancelSub()
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}()
		for item := range items {
			if item.Err != nil {
				c.sendError(id, AsError(item.Err))
				return
			}
			c.sendJSON(id, WSUpdate, item.Value)
		}
		c.sendJSON(id, WSComplete, nil)
	}()
}

func (s *WSServer) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) sendJSON(id string, msgType WSMessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.sendError(id, NewError(KindInternal, "failed to encode payload: %v", err))
		return
	}
	c.enqueue(WSMessage{ID: id, Type: msgType, Payload: raw})
}

func (c *wsConn) sendError(id string, e *Error) {
	raw, _ := json.Marshal(e)
	c.enqueue(WSMessage{ID: id, Type: WSError, Payload: raw})
}

func (c *wsConn) enqueue(msg WSMessage) {
	// Slow consumers drop frames rather than blocking resolvers; the
	// subscription contract already requires cursor-based resume.
	select {
	case c.send <- msg:
	default:
	}
}
