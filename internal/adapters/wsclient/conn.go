// Package wsclient is the client end of the gateway's signaling socket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlcord/voice/internal/core"
)

// Handler receives every frame the gateway sends.
type Handler func(data []byte) error

type Options struct {
	URL string
	// Token is sent as ?token=; User and Name as ?user= and ?name= for dev gateways.
	Token string
	User  string
	Name  string

	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

func (o Options) endpoint() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if o.Token != "" {
		q.Set("token", o.Token)
	}
	if o.User != "" {
		q.Set("user", o.User)
	}
	if o.Name != "" {
		q.Set("name", o.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type Conn struct {
	ws   *websocket.Conn
	opts Options
	log  zerolog.Logger
	send chan core.Frame
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	handler Handler
}

// Dial connects and starts the pumps. Frames that arrive before a handler
// is set are dropped.
func Dial(ctx context.Context, opts Options, h Handler) (*Conn, error) {
	opts = opts.withDefaults()
	endpoint, err := opts.endpoint()
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c := &Conn{
		ws:      ws,
		opts:    opts,
		log:     log.With().Str("module", "wsclient").Str("user", opts.User).Logger(),
		send:    make(chan core.Frame, opts.SendBuffer),
		done:    make(chan struct{}),
		handler: h,
	}
	go c.writePump()
	go c.readPump()
	c.log.Info().Str("url", opts.URL).Msg("connected to gateway")
	return c, nil
}

func (c *Conn) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	_ = c.ws.Close()
	close(c.done)
	c.log.Info().Msg("gateway connection closed")
}

func (c *Conn) sendJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.TrySend(b)
}

// sendWait is sendJSON that retries a full buffer for up to WriteTimeout.
func (c *Conn) sendWait(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	deadline := time.NewTimer(c.opts.WriteTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(10 * time.Millisecond)
	defer retry.Stop()
	for {
		err := c.TrySend(b)
		if !errors.Is(err, core.ErrBackpressure) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return core.ErrConnectionClosed
		case <-deadline.C:
			return err
		case <-retry.C:
		}
	}
}
