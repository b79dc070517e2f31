package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 * 1024
	sendBuffer = 256
)

var (
	ErrConnClosed = errors.New("rpc: connection closed")
	// ErrCallTimeout is returned when a request's context expires before
	// the peer responds.
	ErrCallTimeout = errors.New("rpc: call timed out")
)

// DefaultCallTimeout bounds a request when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 5 * time.Second

// RequestHandler answers an incoming request. The returned value is
// marshaled into the response envelope.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// NotificationHandler consumes an incoming notification. Handlers run on the
// read pump so notifications from one peer are observed in arrival order.
type NotificationHandler func(method string, params json.RawMessage, sequence uint64)

// Conn is one side of a control channel. All writes funnel through the write
// pump goroutine; the read pump is the only reader.
type Conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *Envelope

	onRequest RequestHandler
	onNotify  NotificationHandler
	onClose   func()
}

// NewConn wraps an established websocket. Start must be called to begin the
// pumps after the handlers are wired.
func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:      ws,
		log:     log,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan *Envelope),
	}
}

// OnRequest installs the request handler.
func (c *Conn) OnRequest(h RequestHandler) { c.onRequest = h }

// OnNotification installs the notification handler.
func (c *Conn) OnNotification(h NotificationHandler) { c.onNotify = h }

// OnClose installs a hook invoked once when the connection dies.
func (c *Conn) OnClose(f func()) { c.onClose = f }

// Start launches the read and write pumps.
func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

// Close tears the connection down exactly once and fails all pending calls.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		// Pending calls observe done and fail with ErrConnClosed; their
		// buffered channels are dropped here, never closed, so a racing
		// response delivery cannot panic.
		c.mu.Lock()
		c.pending = make(map[uint64]chan *Envelope)
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Call sends a request and decodes the response into result (which may be
// nil). A default deadline applies when ctx has none.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	env, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if resp.Error != "" {
			return fmt.Errorf("rpc: %s: %s", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("rpc: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrCallTimeout, method)
		}
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params interface{}) error {
	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Send queues an envelope on the write pump, preserving enqueue order.
func (c *Conn) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Warn("rpc write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("rpc read failed", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.Warn("rpc malformed envelope", "error", err)
			continue
		}

		switch env.Kind {
		case KindResponse:
			c.mu.Lock()
			ch := c.pending[env.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- &env
			}
		case KindRequest:
			c.handleRequest(&env)
		case KindNotification:
			if c.onNotify != nil {
				c.onNotify(env.Method, env.Params, env.Sequence)
			}
		default:
			c.log.Warn("rpc unknown envelope kind", "kind", env.Kind)
		}
	}
}

// handleRequest runs the request handler on the read pump so a peer's
// requests are served in order; handlers must not block on this Conn.
func (c *Conn) handleRequest(env *Envelope) {
	if c.onRequest == nil {
		c.Send(NewErrorResponse(env.ID, fmt.Errorf("no handler for %s", env.Method)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	result, err := c.onRequest(ctx, env.Method, env.Params)
	cancel()
	if err != nil {
		c.Send(NewErrorResponse(env.ID, err))
		return
	}
	resp, err := NewResponse(env.ID, result)
	if err != nil {
		c.Send(NewErrorResponse(env.ID, err))
		return
	}
	c.Send(resp)
}
