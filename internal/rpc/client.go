package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned while the hub link is down; callers translate
// it into the client-facing "Server must be connected to Hub" denial.
var ErrNotConnected = errors.New("rpc: not connected to hub")

const (
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// Client maintains the edge's long-lived hub connection, redialing with
// capped exponential backoff. After every successful dial the OnConnect hook
// runs before any calls are admitted, so register + fullSync always precede
// normal traffic.
type Client struct {
	url    string
	log    *slog.Logger
	dialer *websocket.Dialer

	onRequest RequestHandler
	onNotify  NotificationHandler
	onConnect func(ctx context.Context, conn *Conn) error
	onDrop    func()

	connCh chan *Conn // 1-slot mailbox holding the live conn, nil when down
}

// NewClient prepares a client for the given websocket URL.
func NewClient(url string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		url:    url,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		connCh: make(chan *Conn, 1),
	}
	c.connCh <- nil
	return c
}

// OnRequest installs the handler for hub-initiated requests.
func (c *Client) OnRequest(h RequestHandler) { c.onRequest = h }

// OnNotification installs the handler for hub notifications.
func (c *Client) OnNotification(h NotificationHandler) { c.onNotify = h }

// OnConnect installs the post-dial hook (register + fullSync). Returning an
// error drops the connection and retries.
func (c *Client) OnConnect(f func(ctx context.Context, conn *Conn) error) { c.onConnect = f }

// OnDrop installs a hook invoked when an established connection is lost.
func (c *Client) OnDrop(f func()) { c.onDrop = f }

// Run dials and re-dials until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffMin
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("hub dial failed", "url", c.url, "backoff", backoff, "error", err)
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin
		c.setConn(conn)
		c.log.Info("hub connected", "url", c.url)

		select {
		case <-connDone(conn):
			c.setConn(nil)
			if c.onDrop != nil {
				c.onDrop()
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("hub connection lost, reconnecting")
		case <-ctx.Done():
			conn.Close()
			c.setConn(nil)
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn := NewConn(ws, c.log)
	conn.OnRequest(c.onRequest)
	conn.OnNotification(c.onNotify)
	conn.Start()

	if c.onConnect != nil {
		if err := c.onConnect(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) setConn(conn *Conn) {
	<-c.connCh
	c.connCh <- conn
}

func (c *Client) current() *Conn {
	conn := <-c.connCh
	c.connCh <- conn
	return conn
}

// Connected reports whether the hub link is up.
func (c *Client) Connected() bool {
	conn := c.current()
	return conn != nil && !conn.Closed()
}

// Call issues a request over the live connection.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	conn := c.current()
	if conn == nil || conn.Closed() {
		return ErrNotConnected
	}
	return conn.Call(ctx, method, params, result)
}

// Notify sends a fire-and-forget notification over the live connection.
func (c *Client) Notify(method string, params interface{}) error {
	conn := c.current()
	if conn == nil || conn.Closed() {
		return ErrNotConnected
	}
	return conn.Notify(method, params)
}

// DecodeParams unmarshals notification or request params into v.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

func connDone(c *Conn) <-chan struct{} { return c.done }

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
