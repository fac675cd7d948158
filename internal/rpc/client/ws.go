package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/rpc"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

type callResult struct {
	value any
	err   error
}

// wsSub is one live subscription, kept so it can be replayed after a
// reconnect. Replays do not rewind missed events; resumable delivery is the
// caller's cursor to thread.
type wsSub struct {
	path  string
	input map[string]any
	sel   rpc.Select
	items chan rpc.StreamItem
}

// WSTransport is the websocket client transport: one connection carrying
// correlated requests, subscription updates, and unsubscribes, with
// exponential-backoff reconnection and automatic resubscription.
type WSTransport struct {
	url    string
	logger *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan callResult
	subs    map[string]*wsSub
	closed  bool
}

// DialWS connects to a websocket rpc endpoint (ws://host/rpc/ws).
func DialWS(url string, log *logger.Logger) (*WSTransport, error) {
	t := &WSTransport{
		url:     url,
		logger:  log.WithFields(zap.String("component", "rpc_ws_client")),
		pending: make(map[string]chan callResult),
		subs:    make(map[string]*wsSub),
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	go t.readLoop(conn)
	return t, nil
}

func (t *WSTransport) Call(ctx context.Context, path string, kind rpc.Kind, input map[string]any, sel rpc.Select) (any, error) {
	id := uuid.New().String()
	result := make(chan callResult, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	t.pending[id] = result
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.sendRequest(id, path, kind, input, sel); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, rpc.NewError(rpc.KindTimeout, "call %s: %v", path, ctx.Err())
	}
}

func (t *WSTransport) Subscribe(ctx context.Context, path string, input map[string]any, sel rpc.Select) (<-chan rpc.StreamItem, error) {
	id := uuid.New().String()
	sub := &wsSub{path: path, input: input, sel: sel, items: make(chan rpc.StreamItem, 64)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	t.subs[id] = sub
	t.mu.Unlock()

	if err := t.sendRequest(id, path, rpc.KindSubscription, input, sel); err != nil {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		_, active := t.subs[id]
		if active {
			delete(t.subs, id)
			close(sub.items)
		}
		t.mu.Unlock()
		if active {
			_ = t.send(rpc.WSMessage{ID: id, Type: rpc.WSUnsubscribe})
		}
	}()
	return sub.items, nil
}

// Close shuts the transport down; in-flight subscriptions end.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, sub := range t.subs {
		close(sub.items)
	}
	t.subs = make(map[string]*wsSub)
	t.mu.Unlock()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *WSTransport) sendRequest(id, path string, kind rpc.Kind, input map[string]any, sel rpc.Select) error {
	payload, err := json.Marshal(map[string]any{
		"path":   path,
		"kind":   kind,
		"input":  input,
		"select": sel,
	})
	if err != nil {
		return err
	}
	return t.send(rpc.WSMessage{ID: id, Type: rpc.WSRequest, Payload: payload})
}

func (t *WSTransport) send(msg rpc.WSMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return errors.New("transport is not connected")
	}
	return t.conn.WriteJSON(msg)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var msg rpc.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.reconnect()
			return
		}
		t.route(msg)
	}
}

func (t *WSTransport) route(msg rpc.WSMessage) {
	switch msg.Type {
	case rpc.WSResponse:
		t.mu.Lock()
		result, ok := t.pending[msg.ID]
		t.mu.Unlock()
		if ok {
			var value any
			if err := json.Unmarshal(msg.Payload, &value); err != nil {
				result <- callResult{err: err}
			} else {
				result <- callResult{value: value}
			}
		}
	case rpc.WSUpdate:
		// Deliver under the lock so Close cannot close the channel mid-send;
		// the send is non-blocking.
		t.mu.Lock()
		if sub, ok := t.subs[msg.ID]; ok {
			var value any
			if err := json.Unmarshal(msg.Payload, &value); err == nil {
				select {
				case sub.items <- rpc.StreamItem{Value: value}:
				default:
					// Slow consumer; the caller resumes via cursor.
				}
			}
		}
		t.mu.Unlock()
	case rpc.WSComplete:
		t.mu.Lock()
		if sub, ok := t.subs[msg.ID]; ok {
			delete(t.subs, msg.ID)
			close(sub.items)
		}
		t.mu.Unlock()
	case rpc.WSError:
		var typed rpc.Error
		if err := json.Unmarshal(msg.Payload, &typed); err != nil {
			typed = rpc.Error{Kind: rpc.KindInternal, Message: string(msg.Payload)}
		}
		t.mu.Lock()
		if result, ok := t.pending[msg.ID]; ok {
			t.mu.Unlock()
			result <- callResult{err: &typed}
			return
		}
		if sub, ok := t.subs[msg.ID]; ok {
			delete(t.subs, msg.ID)
			// Subscription errors are terminal.
			select {
			case sub.items <- rpc.StreamItem{Err: &typed}:
			default:
			}
			close(sub.items)
		}
		t.mu.Unlock()
	}
}

// reconnect dials with exponential backoff, then replays every active
// subscription under its original correlation id.
func (t *WSTransport) reconnect() {
	backoff := reconnectBase
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err == nil {
			t.writeMu.Lock()
			t.conn = conn
			t.writeMu.Unlock()
			t.resubscribe()
			go t.readLoop(conn)
			return
		}

		t.logger.Warn("reconnect failed, backing off",
			zap.Duration("backoff", backoff), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (t *WSTransport) resubscribe() {
	t.mu.Lock()
	subs := make(map[string]*wsSub, len(t.subs))
	for id, sub := range t.subs {
		subs[id] = sub
	}
	t.mu.Unlock()

	for id, sub := range subs {
		if err := t.sendRequest(id, sub.path, rpc.KindSubscription, sub.input, sub.sel); err != nil {
			t.logger.Warn("resubscribe failed",
				zap.String("path", sub.path), zap.Error(err))
		}
	}
}
